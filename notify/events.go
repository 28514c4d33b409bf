package notify

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"artlot/models"
)

// Event is one user-facing occurrence to deliver. Every event produces
// an in-app notification; an email copy goes out when the recipient's
// preferences allow it.
type Event struct {
	Type        models.NotificationType
	RecipientID uuid.UUID
	Title       string
	Body        string
}

func Outbid(bidderID uuid.UUID, itemTitle string, newAmount decimal.Decimal) Event {
	return Event{
		Type:        models.NotificationOutbid,
		RecipientID: bidderID,
		Title:       fmt.Sprintf("You have been outbid on %q", itemTitle),
		Body:        fmt.Sprintf("Another bidder raised the price on %q to %s. Place a higher bid to stay in the running.", itemTitle, newAmount.StringFixed(2)),
	}
}

func AuctionWon(winnerID uuid.UUID, itemTitle string, amount decimal.Decimal) Event {
	return Event{
		Type:        models.NotificationAuctionWon,
		RecipientID: winnerID,
		Title:       fmt.Sprintf("You won the auction for %q", itemTitle),
		Body:        fmt.Sprintf("Congratulations, your bid of %s won %q. Complete the payment to claim the item.", amount.StringFixed(2), itemTitle),
	}
}

// NewWinner is sent when a prior winner abandoned payment and the slot
// passed to the next highest bidder.
func NewWinner(winnerID uuid.UUID, itemTitle string, amount decimal.Decimal) Event {
	return Event{
		Type:        models.NotificationNewWinner,
		RecipientID: winnerID,
		Title:       fmt.Sprintf("The auction for %q is now yours", itemTitle),
		Body:        fmt.Sprintf("The previous winner did not complete payment, so your bid of %s on %q now wins. Complete the payment to claim the item.", amount.StringFixed(2), itemTitle),
	}
}

func WinExpired(userID uuid.UUID, itemTitle string) Event {
	return Event{
		Type:        models.NotificationWinExpired,
		RecipientID: userID,
		Title:       fmt.Sprintf("Your win on %q has expired", itemTitle),
		Body:        fmt.Sprintf("Payment for %q was not completed within the allowed window, so the win was released.", itemTitle),
	}
}

func PaymentCompleted(userID uuid.UUID, itemTitle string, amount decimal.Decimal) Event {
	return Event{
		Type:        models.NotificationPaymentCompleted,
		RecipientID: userID,
		Title:       fmt.Sprintf("Payment received for %q", itemTitle),
		Body:        fmt.Sprintf("Your payment of %s for %q has been received. The seller will arrange delivery.", amount.StringFixed(2), itemTitle),
	}
}

func PaymentFailed(userID uuid.UUID, itemTitle string) Event {
	return Event{
		Type:        models.NotificationPaymentFailed,
		RecipientID: userID,
		Title:       fmt.Sprintf("Payment failed for %q", itemTitle),
		Body:        fmt.Sprintf("We could not charge your saved payment method for %q. Pay through checkout to keep your win.", itemTitle),
	}
}

// AuctionExpired is sent to the last failed winner when no eligible
// bidder remains and the auction closes without a sale.
func AuctionExpired(userID uuid.UUID, itemTitle string) Event {
	return Event{
		Type:        models.NotificationAuctionExpired,
		RecipientID: userID,
		Title:       fmt.Sprintf("The auction for %q has closed", itemTitle),
		Body:        fmt.Sprintf("Payment for %q was not completed and no other eligible bidders remained, so the auction closed without a sale.", itemTitle),
	}
}
