package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AuctionStatus is the completion state of an auction.
type AuctionStatus string

const (
	AuctionOngoing   AuctionStatus = "ongoing"
	AuctionCompleted AuctionStatus = "completed"
)

// PaymentStatus tracks the winner's payment lifecycle. It is only
// meaningful once a winner has been recorded.
type PaymentStatus string

const (
	PaymentNone      PaymentStatus = "none"
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// DeliveryStatus tracks whether the sold artwork has been handed over.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
)

// Auction is one artwork up for sale. The current price lives in the
// referenced highest bid; StartingPrice applies while no bid exists.
type Auction struct {
	gorm.Model

	ID            uuid.UUID       `gorm:"type:uuid;primaryKey"`
	SellerID      uuid.UUID       `gorm:"type:uuid;<-:create"`
	Title         string          `gorm:"type:varchar(255);not null"`
	Description   string          `gorm:"type:text;not null"`
	StartingPrice decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	CurrentBidID  *uuid.UUID      `gorm:"type:uuid"`
	StartTime     time.Time       `gorm:"type:timestamp with time zone;not null"`
	EndTime       time.Time       `gorm:"type:timestamp with time zone;not null"`
	Status        AuctionStatus   `gorm:"type:text;not null;default:'ongoing';index"`
	PaymentStatus PaymentStatus   `gorm:"type:text;not null;default:'none';index"`
	Delivery      DeliveryStatus  `gorm:"type:text;not null;default:'pending'"`
	WinnerID      *uuid.UUID      `gorm:"type:uuid"`
	CompletedAt   *time.Time      `gorm:"type:timestamp with time zone"`
	Carousels     []string        `gorm:"serializer:json"`

	Seller     User
	Winner     *User `gorm:"foreignKey:WinnerID"`
	CurrentBid *Bid  `gorm:"foreignKey:CurrentBidID"`
	BidRecords []Bid
}

func (a *Auction) BeforeCreate(*gorm.DB) error {
	if a.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		a.ID = id
	}
	return nil
}

// CurrentPrice returns the highest recorded bid amount, or the starting
// price if nobody has bid yet.
func (a *Auction) CurrentPrice() decimal.Decimal {
	if a.CurrentBid != nil {
		return a.CurrentBid.Amount
	}
	return a.StartingPrice
}
