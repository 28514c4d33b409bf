// Package auction drives the post-bidding lifecycle: closing auctions
// whose end time has passed and cascading wins away from bidders who
// abandon payment. All coordination happens through conditional updates
// on persisted state, so workers are stateless between ticks and safe
// to restart.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"artlot/models"
	"artlot/notify"
)

// ErrAlreadyCompleted reports that another actor closed the auction
// first. Callers treat it as a benign no-op.
var ErrAlreadyCompleted = errors.New("auction already completed")

// EventDispatcher delivers user-facing events. Delivery failures are
// logged by the caller and never reverse a lifecycle transition.
type EventDispatcher interface {
	Dispatch(ctx context.Context, event notify.Event) error
}

// WinnerCharger attempts the automatic off-session charge for the
// recorded winner of a completed auction.
type WinnerCharger interface {
	AutoCharge(ctx context.Context, auctionID uuid.UUID) error
}

type Evaluator struct {
	db         *gorm.DB
	dispatcher EventDispatcher
	charger    WinnerCharger
	logger     *slog.Logger
	now        func() time.Time
}

type EvaluatorOption func(*Evaluator)

func WithEvaluatorLogger(logger *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

func WithEvaluatorClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		e.now = now
	}
}

func NewEvaluator(db *gorm.DB, dispatcher EventDispatcher, charger WinnerCharger, opts ...EvaluatorOption) *Evaluator {
	evaluator := &Evaluator{
		db:         db,
		dispatcher: dispatcher,
		charger:    charger,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(evaluator)
	}
	evaluator.logger = evaluator.logger.With(slog.String("caller", "auction.Evaluator"))
	return evaluator
}

// SweepDue closes every ongoing auction whose end time has passed.
// Per-auction failures are logged and do not stop the sweep; the next
// tick retries them.
func (e *Evaluator) SweepDue(ctx context.Context) error {
	const op = "SweepDue"
	var due []uuid.UUID
	err := e.db.WithContext(ctx).
		Model(&models.Auction{}).
		Where("status = ? AND end_time <= ?", models.AuctionOngoing, e.now()).
		Pluck("id", &due).Error
	if err != nil {
		return fmt.Errorf("[%s] Fail to scan due auctions, err=%w", op, err)
	}

	for _, auctionID := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.Complete(ctx, auctionID); err != nil && !errors.Is(err, ErrAlreadyCompleted) {
			e.logger.Error("Fail to complete auction",
				slog.String("auction_id", auctionID.String()),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

// Complete closes one auction. The top bid (highest amount, earliest
// on ties) wins; with no bids the auction closes without a winner. The
// close itself is a single conditional update guarded on the ongoing
// status, so concurrent evaluators produce exactly one transition.
func (e *Evaluator) Complete(ctx context.Context, auctionID uuid.UUID) error {
	const op = "Complete"

	var auction models.Auction
	if err := e.db.WithContext(ctx).First(&auction, "id = ?", auctionID).Error; err != nil {
		return fmt.Errorf("[%s] Fail to load auction, err=%w", op, err)
	}
	if auction.Status != models.AuctionOngoing {
		return ErrAlreadyCompleted
	}

	topBid, err := e.topBid(ctx, auctionID, nil)
	if err != nil {
		return fmt.Errorf("[%s] Fail to query top bid, err=%w", op, err)
	}

	completedAt := e.now()
	if topBid == nil {
		result := e.db.WithContext(ctx).
			Model(&models.Auction{}).
			Where("id = ? AND status = ?", auctionID, models.AuctionOngoing).
			Updates(map[string]any{
				"status":       models.AuctionCompleted,
				"completed_at": completedAt,
			})
		if result.Error != nil {
			return fmt.Errorf("[%s] Fail to close auction, err=%w", op, result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrAlreadyCompleted
		}
		e.logger.Info("Auction closed without bids", slog.String("auction_id", auctionID.String()))
		return nil
	}

	result := e.db.WithContext(ctx).
		Model(&models.Auction{}).
		Where("id = ? AND status = ?", auctionID, models.AuctionOngoing).
		Updates(map[string]any{
			"status":         models.AuctionCompleted,
			"winner_id":      topBid.BidderID,
			"current_bid_id": topBid.ID,
			"payment_status": models.PaymentPending,
			"completed_at":   completedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("[%s] Fail to close auction, err=%w", op, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAlreadyCompleted
	}

	e.logger.Info("Auction completed",
		slog.String("auction_id", auctionID.String()),
		slog.String("winner_id", topBid.BidderID.String()),
		slog.String("amount", topBid.Amount.String()),
	)

	if err := e.dispatcher.Dispatch(ctx, notify.AuctionWon(topBid.BidderID, auction.Title, topBid.Amount)); err != nil {
		e.logger.Error("Fail to dispatch auction_won event",
			slog.String("auction_id", auctionID.String()),
			slog.Any("error", err),
		)
	}

	if e.charger != nil {
		if err := e.charger.AutoCharge(ctx, auctionID); err != nil {
			e.logger.Error("Fail to auto-charge winner",
				slog.String("auction_id", auctionID.String()),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

// topBid returns the winning candidate among the auction's bids,
// skipping the given bidders. Nil means no eligible bid exists.
func (e *Evaluator) topBid(ctx context.Context, auctionID uuid.UUID, excluded []uuid.UUID) (*models.Bid, error) {
	query := e.db.WithContext(ctx).
		Where("auction_id = ?", auctionID).
		Order("amount DESC, created_at ASC")
	if len(excluded) > 0 {
		query = query.Where("bidder_id NOT IN ?", excluded)
	}

	var bid models.Bid
	if err := query.First(&bid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &bid, nil
}
