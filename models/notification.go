package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NotificationType is the category of a user-facing event. Categories map
// one-to-one onto the per-user email preference flags.
type NotificationType string

const (
	NotificationOutbid           NotificationType = "outbid"
	NotificationAuctionWon       NotificationType = "auction_won"
	NotificationNewWinner        NotificationType = "new_winner"
	NotificationWinExpired       NotificationType = "win_expired"
	NotificationPaymentCompleted NotificationType = "payment_completed"
	NotificationPaymentFailed    NotificationType = "payment_failed"
	NotificationAuctionExpired   NotificationType = "auction_expired"
)

// Notification is the in-app record of a delivered event. It is always
// written when the event occurs; only the optional email copy is gated by
// the recipient's preferences.
type Notification struct {
	gorm.Model

	ID          uuid.UUID        `gorm:"type:uuid;primaryKey"`
	RecipientID uuid.UUID        `gorm:"type:uuid;not null;index;<-:create"`
	Type        NotificationType `gorm:"type:text;not null;<-:create"`
	Title       string           `gorm:"type:varchar(255);not null;<-:create"`
	Message     string           `gorm:"type:text;not null;<-:create"`
	Read        bool             `gorm:"not null;default:false"`

	Recipient User `gorm:"foreignKey:RecipientID"`
}

func (n *Notification) BeforeCreate(*gorm.DB) error {
	if n.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		n.ID = id
	}
	return nil
}

// NotificationPreference holds one user's per-category email opt-outs.
// A missing row means everything is enabled.
type NotificationPreference struct {
	gorm.Model

	ID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex;<-:create"`

	Outbid           bool `gorm:"not null;default:true"`
	AuctionWon       bool `gorm:"not null;default:true"`
	WinExpired       bool `gorm:"not null;default:true"`
	PaymentCompleted bool `gorm:"not null;default:true"`
	PaymentFailed    bool `gorm:"not null;default:true"`
}

func (p *NotificationPreference) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		p.ID = id
	}
	return nil
}

// EmailEnabled reports whether email delivery is enabled for the given
// category. Unknown categories default to enabled, matching the behavior
// for users without a preference row.
func (p *NotificationPreference) EmailEnabled(t NotificationType) bool {
	switch t {
	case NotificationOutbid:
		return p.Outbid
	case NotificationAuctionWon, NotificationNewWinner:
		return p.AuctionWon
	case NotificationWinExpired, NotificationAuctionExpired:
		return p.WinExpired
	case NotificationPaymentCompleted:
		return p.PaymentCompleted
	case NotificationPaymentFailed:
		return p.PaymentFailed
	}
	return true
}
