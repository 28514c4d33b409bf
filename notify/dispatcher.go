// Package notify persists in-app notifications and forwards an email
// copy when the recipient's preferences allow it. The in-app record is
// the system of record; email delivery is best-effort and never blocks
// or reverses the operation that produced the event.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"artlot/adapters/mail"
	"artlot/models"
)

type EmailSender interface {
	Send(ctx context.Context, msg mail.Message) error
}

type Dispatcher struct {
	db     *gorm.DB
	sender EmailSender
	logger *slog.Logger
}

type DispatcherOption func(*Dispatcher)

func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher builds a dispatcher. A nil sender disables email
// delivery; in-app notifications are still written.
func NewDispatcher(db *gorm.DB, sender EmailSender, opts ...DispatcherOption) *Dispatcher {
	dispatcher := &Dispatcher{
		db:     db,
		sender: sender,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(dispatcher)
	}
	dispatcher.logger = dispatcher.logger.With(slog.String("caller", "notify.Dispatcher"))
	return dispatcher
}

// Dispatch writes the in-app notification and then attempts the email
// copy. Only the in-app write can fail the call; email problems are
// logged and swallowed.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) error {
	const op = "Dispatch"
	notification := &models.Notification{
		RecipientID: event.RecipientID,
		Type:        event.Type,
		Title:       event.Title,
		Message:     event.Body,
	}
	if err := d.db.WithContext(ctx).Create(notification).Error; err != nil {
		return fmt.Errorf("[%s] Fail to create notification, err=%w", op, err)
	}

	d.sendEmail(ctx, event)
	return nil
}

func (d *Dispatcher) sendEmail(ctx context.Context, event Event) {
	if d.sender == nil {
		return
	}

	var user models.User
	if err := d.db.WithContext(ctx).First(&user, "id = ?", event.RecipientID).Error; err != nil {
		d.logger.Warn("Fail to load notification recipient",
			slog.String("recipient_id", event.RecipientID.String()),
			slog.Any("error", err),
		)
		return
	}
	if user.Email == "" {
		return
	}

	enabled, err := d.emailEnabled(ctx, event)
	if err != nil {
		d.logger.Warn("Fail to load notification preferences",
			slog.String("recipient_id", event.RecipientID.String()),
			slog.Any("error", err),
		)
		return
	}
	if !enabled {
		return
	}

	err = d.sender.Send(ctx, mail.Message{
		To:      user.Email,
		Subject: event.Title,
		Text:    event.Body,
	})
	if err != nil {
		d.logger.Warn("Fail to deliver notification email",
			slog.String("recipient_id", event.RecipientID.String()),
			slog.String("type", string(event.Type)),
			slog.Any("error", err),
		)
	}
}

// emailEnabled resolves the recipient's preference row, creating the
// all-enabled default on first touch.
func (d *Dispatcher) emailEnabled(ctx context.Context, event Event) (bool, error) {
	var pref models.NotificationPreference
	err := d.db.WithContext(ctx).
		Where(models.NotificationPreference{UserID: event.RecipientID}).
		Attrs(models.NotificationPreference{
			Outbid:           true,
			AuctionWon:       true,
			WinExpired:       true,
			PaymentCompleted: true,
			PaymentFailed:    true,
		}).
		FirstOrCreate(&pref).Error
	if err != nil {
		return false, err
	}
	return pref.EmailEnabled(event.Type), nil
}
