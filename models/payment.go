package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PaymentMethod is a tokenized reference to a payment instrument stored at
// the payment processor. The raw card data never touches this system.
type PaymentMethod struct {
	gorm.Model

	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID            uuid.UUID `gorm:"type:uuid;not null;index;<-:create"`
	ProcessorCustomer string    `gorm:"type:text;not null;<-:create"`
	ProcessorMethod   string    `gorm:"type:text;not null;<-:create"`
	Valid             bool      `gorm:"not null;default:true"`

	User User
}

func (m *PaymentMethod) BeforeCreate(*gorm.DB) error {
	if m.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		m.ID = id
	}
	return nil
}

// CheckoutSessionStatus is the local view of a hosted checkout session.
type CheckoutSessionStatus string

const (
	CheckoutCreated   CheckoutSessionStatus = "created"
	CheckoutCompleted CheckoutSessionStatus = "completed"
	CheckoutExpired   CheckoutSessionStatus = "expired"
)

// CheckoutSession records a hosted checkout session handed to a winner, so
// that processor webhooks can be reconciled against what was actually sold
// and to whom.
type CheckoutSession struct {
	gorm.Model

	ID                 uuid.UUID             `gorm:"type:uuid;primaryKey"`
	AuctionID          uuid.UUID             `gorm:"type:uuid;not null;index;<-:create"`
	WinnerID           uuid.UUID             `gorm:"type:uuid;not null;<-:create"`
	ProcessorSessionID string                `gorm:"type:text;not null;uniqueIndex;<-:create"`
	AmountCents        int64                 `gorm:"not null;<-:create"`
	Status             CheckoutSessionStatus `gorm:"type:text;not null;default:'created'"`

	Auction Auction
	Winner  User `gorm:"foreignKey:WinnerID"`
}

func (s *CheckoutSession) BeforeCreate(*gorm.DB) error {
	if s.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		s.ID = id
	}
	return nil
}

// AbandonedWinner is one entry of an auction's cascade exclusion set: a
// bidder who won and then failed to pay within the grace window. Re-ranking
// after abandonment skips everyone recorded here.
type AbandonedWinner struct {
	gorm.Model

	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	AuctionID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_abandoned_winner_auction_user,where:deleted_at IS NULL;<-:create"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_abandoned_winner_auction_user,where:deleted_at IS NULL;<-:create"`
}

func (a *AbandonedWinner) BeforeCreate(*gorm.DB) error {
	if a.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		a.ID = id
	}
	return nil
}
