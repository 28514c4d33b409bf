package auction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"artlot/adapters/redis"
	"artlot/models"
	"artlot/notify"
)

const DefaultGraceWindow = 48 * time.Hour

// Abandoner releases wins whose payment never arrived. A completed
// auction whose winner has not paid within the grace window passes to
// the next highest bidder who has not already failed to pay; when
// nobody is left the auction closes without a sale. Decisions compare
// the wall clock against completed_at, so no timers survive restarts.
type Abandoner struct {
	db         *gorm.DB
	dispatcher EventDispatcher
	charger    WinnerCharger
	evaluator  *Evaluator
	lock       redis.IAutoRenewMutex
	logger     *slog.Logger
	grace      time.Duration
	now        func() time.Time
}

type AbandonerOption func(*Abandoner)

func WithAbandonerLogger(logger *slog.Logger) AbandonerOption {
	return func(a *Abandoner) {
		a.logger = logger
	}
}

func WithAbandonerClock(now func() time.Time) AbandonerOption {
	return func(a *Abandoner) {
		a.now = now
	}
}

func WithGraceWindow(d time.Duration) AbandonerOption {
	return func(a *Abandoner) {
		a.grace = d
	}
}

// WithSweepLock guards the sweep with a distributed mutex so only one
// instance processes abandonments at a time.
func WithSweepLock(lock redis.IAutoRenewMutex) AbandonerOption {
	return func(a *Abandoner) {
		a.lock = lock
	}
}

func NewAbandoner(db *gorm.DB, dispatcher EventDispatcher, charger WinnerCharger, opts ...AbandonerOption) *Abandoner {
	abandoner := &Abandoner{
		db:         db,
		dispatcher: dispatcher,
		charger:    charger,
		logger:     slog.Default(),
		grace:      DefaultGraceWindow,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(abandoner)
	}
	abandoner.logger = abandoner.logger.With(slog.String("caller", "auction.Abandoner"))
	abandoner.evaluator = NewEvaluator(db, dispatcher, charger, WithEvaluatorClock(abandoner.now))
	return abandoner
}

// Sweep processes every auction whose grace window has lapsed. When a
// sweep lock is configured and another instance holds it, the tick is
// skipped; the state-based scan picks everything up next time.
func (a *Abandoner) Sweep(ctx context.Context) error {
	const op = "Sweep"
	if a.lock != nil {
		// The mutex bounds the acquisition attempt itself; the returned
		// context stays alive while renewal keeps the lease, and losing
		// the lock aborts the sweep body through it.
		lockCtx, err := a.lock.Lock(ctx)
		if err != nil {
			a.logger.Debug("Sweep lock held elsewhere, skipping tick", slog.Any("error", err))
			return nil
		}
		ctx = lockCtx
		defer func() {
			if _, err := a.lock.Unlock(); err != nil {
				a.logger.Warn("Fail to release sweep lock", slog.Any("error", err))
			}
		}()
	}

	deadline := a.now().Add(-a.grace)
	var lapsed []models.Auction
	err := a.db.WithContext(ctx).
		Where("status = ? AND winner_id IS NOT NULL AND payment_status IN ? AND completed_at <= ?",
			models.AuctionCompleted,
			[]models.PaymentStatus{models.PaymentPending, models.PaymentFailed},
			deadline,
		).
		Find(&lapsed).Error
	if err != nil {
		return fmt.Errorf("[%s] Fail to scan lapsed auctions, err=%w", op, err)
	}

	for i := range lapsed {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := a.handleAbandonment(ctx, &lapsed[i]); err != nil {
			a.logger.Error("Fail to handle abandonment",
				slog.String("auction_id", lapsed[i].ID.String()),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

// handleAbandonment records the failed winner in the auction's
// exclusion set, then either reassigns the win to the next eligible
// bidder or closes the auction without a sale. The winner guard in the
// conditional update makes a raced double-sweep a no-op.
func (a *Abandoner) handleAbandonment(ctx context.Context, auction *models.Auction) error {
	const op = "handleAbandonment"
	failedWinner := *auction.WinnerID

	err := a.db.WithContext(ctx).
		Where(models.AbandonedWinner{AuctionID: auction.ID, UserID: failedWinner}).
		FirstOrCreate(&models.AbandonedWinner{}).Error
	if err != nil {
		return fmt.Errorf("[%s] Fail to record abandoned winner, err=%w", op, err)
	}

	var excluded []models.AbandonedWinner
	err = a.db.WithContext(ctx).
		Where("auction_id = ?", auction.ID).
		Find(&excluded).Error
	if err != nil {
		return fmt.Errorf("[%s] Fail to load exclusion set, err=%w", op, err)
	}
	excludedIDs := make([]uuid.UUID, 0, len(excluded))
	for _, row := range excluded {
		excludedIDs = append(excludedIDs, row.UserID)
	}

	candidate, err := a.evaluator.topBid(ctx, auction.ID, excludedIDs)
	if err != nil {
		return fmt.Errorf("[%s] Fail to re-rank bids, err=%w", op, err)
	}

	if candidate == nil {
		result := a.db.WithContext(ctx).
			Model(&models.Auction{}).
			Where("id = ? AND status = ? AND winner_id = ?", auction.ID, models.AuctionCompleted, failedWinner).
			Updates(map[string]any{
				"winner_id":      nil,
				"payment_status": models.PaymentFailed,
			})
		if result.Error != nil {
			return fmt.Errorf("[%s] Fail to close auction without sale, err=%w", op, result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}

		a.logger.Info("Auction closed without a sale",
			slog.String("auction_id", auction.ID.String()),
			slog.String("last_winner_id", failedWinner.String()),
		)
		a.dispatch(ctx, notify.WinExpired(failedWinner, auction.Title))
		a.dispatch(ctx, notify.AuctionExpired(failedWinner, auction.Title))
		return nil
	}

	result := a.db.WithContext(ctx).
		Model(&models.Auction{}).
		Where("id = ? AND status = ? AND winner_id = ?", auction.ID, models.AuctionCompleted, failedWinner).
		Updates(map[string]any{
			"winner_id":      candidate.BidderID,
			"current_bid_id": candidate.ID,
			"payment_status": models.PaymentPending,
			"completed_at":   a.now(),
		})
	if result.Error != nil {
		return fmt.Errorf("[%s] Fail to reassign winner, err=%w", op, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil
	}

	a.logger.Info("Win reassigned after abandonment",
		slog.String("auction_id", auction.ID.String()),
		slog.String("old_winner_id", failedWinner.String()),
		slog.String("new_winner_id", candidate.BidderID.String()),
		slog.String("amount", candidate.Amount.String()),
	)
	a.dispatch(ctx, notify.WinExpired(failedWinner, auction.Title))
	a.dispatch(ctx, notify.NewWinner(candidate.BidderID, auction.Title, candidate.Amount))

	if a.charger != nil {
		if err := a.charger.AutoCharge(ctx, auction.ID); err != nil {
			a.logger.Error("Fail to auto-charge new winner",
				slog.String("auction_id", auction.ID.String()),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

func (a *Abandoner) dispatch(ctx context.Context, event notify.Event) {
	if err := a.dispatcher.Dispatch(ctx, event); err != nil {
		a.logger.Error("Fail to dispatch event",
			slog.String("type", string(event.Type)),
			slog.Any("error", err),
		)
	}
}
