package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Bid is one offer on one auction. Bids are append-only: they are never
// updated or deleted, and ordering by amount (ties broken by earliest
// creation time) determines rank.
type Bid struct {
	gorm.Model

	ID        uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Amount    decimal.Decimal `gorm:"type:numeric(12,2);not null;<-:create"`
	BidderID  uuid.UUID       `gorm:"type:uuid;not null;index;<-:create"`
	AuctionID uuid.UUID       `gorm:"type:uuid;not null;index;<-:create"`

	Bidder  User `gorm:"foreignKey:BidderID"`
	Auction Auction
}

func (b *Bid) BeforeCreate(*gorm.DB) error {
	if b.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}
