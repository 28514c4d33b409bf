// Package payments settles completed auctions: charging the winner's
// stored card automatically, opening hosted checkout when no card is
// available, and reconciling processor webhooks against the recorded
// sale before any payment transition. Every transition is a single
// conditional update, so replayed or concurrent triggers settle an
// auction exactly once.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	stripeapi "github.com/stripe/stripe-go/v82"
	"gorm.io/gorm"

	stripeadapter "artlot/adapters/stripe"
	"artlot/models"
	"artlot/notify"
)

var (
	// ErrNotWinner rejects a checkout request from anyone but the
	// recorded winner of a completed auction.
	ErrNotWinner = errors.New("caller is not the recorded winner")
	// ErrAlreadyPaid rejects a checkout request for a settled auction.
	ErrAlreadyPaid = errors.New("auction already paid")
	// ErrInvalidSignature marks a webhook whose signature did not verify.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrUnknownSession marks a webhook referencing a checkout session
	// this system never issued.
	ErrUnknownSession = errors.New("unknown checkout session")
	// ErrSessionMismatch marks a webhook whose metadata or amount does
	// not match the recorded sale.
	ErrSessionMismatch = errors.New("checkout session does not match recorded sale")
)

const (
	metadataAuctionID = "auction_id"
	metadataWinnerID  = "winner_id"
	metadataUserID    = "user_id"
)

// Processor is the payment-provider surface the orchestrator consumes.
type Processor interface {
	ChargeOffSession(ctx context.Context, p stripeadapter.ChargeParams) (*stripeadapter.ChargeResult, error)
	CreateCheckoutSession(ctx context.Context, p stripeadapter.CheckoutParams) (*stripeadapter.CheckoutResult, error)
	RetrieveSetupIntent(ctx context.Context, intentID string) (*stripeadapter.SetupResult, error)
	ConstructEvent(payload []byte, sigHeader string) (stripeapi.Event, error)
}

type EventDispatcher interface {
	Dispatch(ctx context.Context, event notify.Event) error
}

type Orchestrator struct {
	db         *gorm.DB
	processor  Processor
	dispatcher EventDispatcher
	logger     *slog.Logger
	currency   string
	successURL string
	cancelURL  string
}

type OrchestratorOption func(*Orchestrator)

func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

func WithCurrency(currency string) OrchestratorOption {
	return func(o *Orchestrator) {
		o.currency = currency
	}
}

func WithCheckoutURLs(successURL, cancelURL string) OrchestratorOption {
	return func(o *Orchestrator) {
		o.successURL = successURL
		o.cancelURL = cancelURL
	}
}

func NewOrchestrator(db *gorm.DB, processor Processor, dispatcher EventDispatcher, opts ...OrchestratorOption) *Orchestrator {
	orchestrator := &Orchestrator{
		db:         db,
		processor:  processor,
		dispatcher: dispatcher,
		logger:     slog.Default(),
		currency:   "usd",
	}
	for _, opt := range opts {
		opt(orchestrator)
	}
	orchestrator.logger = orchestrator.logger.With(slog.String("caller", "payments.Orchestrator"))
	return orchestrator
}

// AutoCharge attempts the off-session charge for the recorded winner.
// Without a valid stored payment method it leaves the auction pending
// for manual checkout and returns nil. A declined card transitions the
// auction to failed; transient processor errors change nothing and
// surface to the caller.
func (o *Orchestrator) AutoCharge(ctx context.Context, auctionID uuid.UUID) error {
	const op = "AutoCharge"
	auction, err := o.loadAuction(ctx, auctionID)
	if err != nil {
		return fmt.Errorf("[%s] Fail to load auction, err=%w", op, err)
	}
	if auction.Status != models.AuctionCompleted || auction.WinnerID == nil {
		return nil
	}
	if auction.PaymentStatus != models.PaymentPending {
		return nil
	}
	winnerID := *auction.WinnerID

	var method models.PaymentMethod
	err = o.db.WithContext(ctx).
		Where("user_id = ? AND valid = ?", winnerID, true).
		Order("created_at DESC").
		First(&method).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			o.logger.Info("Winner has no stored payment method, waiting for manual checkout",
				slog.String("auction_id", auctionID.String()),
			)
			return nil
		}
		return fmt.Errorf("[%s] Fail to load payment method, err=%w", op, err)
	}

	amount := auction.CurrentPrice()
	result, err := o.processor.ChargeOffSession(ctx, stripeadapter.ChargeParams{
		CustomerID:      method.ProcessorCustomer,
		PaymentMethodID: method.ProcessorMethod,
		AmountCents:     ToCents(amount),
		Currency:        o.currency,
		Description:     auction.Title,
		Metadata: map[string]string{
			metadataAuctionID: auctionID.String(),
			metadataWinnerID:  winnerID.String(),
		},
	})
	if err != nil && !errors.Is(err, stripeadapter.ErrCardDeclined) {
		return fmt.Errorf("[%s] Fail to charge winner, err=%w", op, err)
	}

	if err != nil || !result.Succeeded {
		o.logger.Warn("Automatic charge declined",
			slog.String("auction_id", auctionID.String()),
			slog.String("winner_id", winnerID.String()),
			slog.Any("error", err),
		)
		changed, ferr := o.markFailed(ctx, auctionID, winnerID)
		if ferr != nil {
			return fmt.Errorf("[%s] Fail to record declined charge, err=%w", op, ferr)
		}
		if changed {
			o.dispatch(ctx, notify.PaymentFailed(winnerID, auction.Title))
		}
		return nil
	}

	changed, err := o.markPaid(ctx, auctionID, winnerID)
	if err != nil {
		return fmt.Errorf("[%s] Fail to record successful charge, err=%w", op, err)
	}
	if changed {
		o.logger.Info("Winner charged automatically",
			slog.String("auction_id", auctionID.String()),
			slog.String("intent_id", result.IntentID),
		)
		o.dispatch(ctx, notify.PaymentCompleted(winnerID, auction.Title, amount))
	}
	return nil
}

// CreateCheckout opens a hosted checkout session for the recorded
// winner of a completed, unpaid auction and persists it for webhook
// reconciliation.
func (o *Orchestrator) CreateCheckout(ctx context.Context, auctionID, callerID uuid.UUID) (*stripeadapter.CheckoutResult, error) {
	const op = "CreateCheckout"
	auction, err := o.loadAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to load auction, err=%w", op, err)
	}
	if auction.Status != models.AuctionCompleted || auction.WinnerID == nil || *auction.WinnerID != callerID {
		return nil, ErrNotWinner
	}
	if auction.PaymentStatus == models.PaymentCompleted {
		return nil, ErrAlreadyPaid
	}

	amount := auction.CurrentPrice()
	cents := ToCents(amount)
	result, err := o.processor.CreateCheckoutSession(ctx, stripeadapter.CheckoutParams{
		AmountCents: cents,
		Currency:    o.currency,
		ProductName: auction.Title,
		SuccessURL:  o.successURL,
		CancelURL:   o.cancelURL,
		Metadata: map[string]string{
			metadataAuctionID: auctionID.String(),
			metadataWinnerID:  callerID.String(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create checkout session, err=%w", op, err)
	}

	record := &models.CheckoutSession{
		AuctionID:          auctionID,
		WinnerID:           callerID,
		ProcessorSessionID: result.SessionID,
		AmountCents:        cents,
		Status:             models.CheckoutCreated,
	}
	if err := o.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("[%s] Fail to persist checkout session, err=%w", op, err)
	}
	return result, nil
}

// HandleWebhook verifies and reconciles one processor event. Replayed
// deliveries and events for already settled auctions are benign no-ops;
// forged or mismatched sessions return an error for a 4xx response.
func (o *Orchestrator) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	const op = "HandleWebhook"
	event, err := o.processor.ConstructEvent(payload, sigHeader)
	if err != nil {
		return fmt.Errorf("[%s] %w: %w", op, ErrInvalidSignature, err)
	}

	switch event.Type {
	case "checkout.session.completed":
		var session stripeapi.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("[%s] Fail to parse checkout session event, err=%w", op, err)
		}
		if session.Mode == stripeapi.CheckoutSessionModeSetup {
			return o.reconcileSetup(ctx, &session)
		}
		return o.reconcileCheckout(ctx, &session)
	case "payment_intent.payment_failed":
		var intent stripeapi.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return fmt.Errorf("[%s] Fail to parse payment intent event, err=%w", op, err)
		}
		return o.reconcileFailedIntent(ctx, &intent)
	default:
		return nil
	}
}

// reconcileCheckout validates the completed session against the locally
// recorded sale before transitioning the auction to paid.
func (o *Orchestrator) reconcileCheckout(ctx context.Context, session *stripeapi.CheckoutSession) error {
	const op = "reconcileCheckout"
	var record models.CheckoutSession
	err := o.db.WithContext(ctx).
		Where("processor_session_id = ?", session.ID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("[%s] %w: session=%s", op, ErrUnknownSession, session.ID)
		}
		return fmt.Errorf("[%s] Fail to load checkout session, err=%w", op, err)
	}

	auctionID, winnerID, err := parseSaleMetadata(session.Metadata)
	if err != nil {
		return fmt.Errorf("[%s] %w: %w", op, ErrSessionMismatch, err)
	}
	if auctionID != record.AuctionID || winnerID != record.WinnerID {
		return fmt.Errorf("[%s] %w: metadata does not match issued session", op, ErrSessionMismatch)
	}

	auction, err := o.loadAuction(ctx, auctionID)
	if err != nil {
		return fmt.Errorf("[%s] Fail to load auction, err=%w", op, err)
	}
	if auction.WinnerID == nil || *auction.WinnerID != winnerID {
		return fmt.Errorf("[%s] %w: winner is no longer %s", op, ErrSessionMismatch, winnerID)
	}
	amount := auction.CurrentPrice()
	if record.AmountCents != ToCents(amount) || (session.AmountTotal != 0 && session.AmountTotal != record.AmountCents) {
		return fmt.Errorf("[%s] %w: amount mismatch", op, ErrSessionMismatch)
	}

	changed, err := o.markPaid(ctx, auctionID, winnerID)
	if err != nil {
		return fmt.Errorf("[%s] Fail to record payment, err=%w", op, err)
	}

	// Best effort; the auction row already carries the paid state.
	if err := o.db.WithContext(ctx).
		Model(&models.CheckoutSession{}).
		Where("processor_session_id = ?", session.ID).
		Update("status", models.CheckoutCompleted).Error; err != nil {
		o.logger.Warn("Fail to mark checkout session completed",
			slog.String("session_id", session.ID),
			slog.Any("error", err),
		)
	}

	if !changed {
		o.logger.Info("Replayed checkout webhook ignored", slog.String("session_id", session.ID))
		return nil
	}
	o.logger.Info("Checkout payment reconciled",
		slog.String("auction_id", auctionID.String()),
		slog.String("session_id", session.ID),
	)
	o.dispatch(ctx, notify.PaymentCompleted(winnerID, auction.Title, amount))
	return nil
}

// reconcileSetup stores the payment method a completed setup session
// attached, keyed to the user recorded in the session metadata. Setup
// sessions issued elsewhere carry no user and are ignored.
func (o *Orchestrator) reconcileSetup(ctx context.Context, session *stripeapi.CheckoutSession) error {
	const op = "reconcileSetup"
	userID, err := uuid.Parse(session.Metadata[metadataUserID])
	if err != nil {
		return nil
	}
	if session.SetupIntent == nil || session.SetupIntent.ID == "" {
		return nil
	}

	result, err := o.processor.RetrieveSetupIntent(ctx, session.SetupIntent.ID)
	if err != nil {
		return fmt.Errorf("[%s] Fail to resolve setup intent, err=%w", op, err)
	}
	if result.PaymentMethodID == "" {
		return nil
	}

	method := models.PaymentMethod{
		UserID:            userID,
		ProcessorCustomer: result.CustomerID,
		ProcessorMethod:   result.PaymentMethodID,
		Valid:             true,
	}
	if err := o.db.WithContext(ctx).Create(&method).Error; err != nil {
		return fmt.Errorf("[%s] Fail to store payment method, err=%w", op, err)
	}
	o.logger.Info("Stored payment method from setup session",
		slog.String("user_id", userID.String()),
		slog.String("session_id", session.ID),
	)
	return nil
}

// reconcileFailedIntent marks a pending auction failed when the
// processor reports an asynchronous charge failure.
func (o *Orchestrator) reconcileFailedIntent(ctx context.Context, intent *stripeapi.PaymentIntent) error {
	const op = "reconcileFailedIntent"
	auctionID, winnerID, err := parseSaleMetadata(intent.Metadata)
	if err != nil {
		// Not one of ours.
		return nil
	}

	auction, err := o.loadAuction(ctx, auctionID)
	if err != nil {
		return fmt.Errorf("[%s] Fail to load auction, err=%w", op, err)
	}
	if auction.WinnerID == nil || *auction.WinnerID != winnerID {
		return nil
	}

	result := o.db.WithContext(ctx).
		Model(&models.Auction{}).
		Where("id = ? AND winner_id = ? AND payment_status = ?", auctionID, winnerID, models.PaymentPending).
		Update("payment_status", models.PaymentFailed)
	if result.Error != nil {
		return fmt.Errorf("[%s] Fail to record failed charge, err=%w", op, result.Error)
	}
	if result.RowsAffected > 0 {
		o.dispatch(ctx, notify.PaymentFailed(winnerID, auction.Title))
	}
	return nil
}

func (o *Orchestrator) loadAuction(ctx context.Context, auctionID uuid.UUID) (*models.Auction, error) {
	var auction models.Auction
	err := o.db.WithContext(ctx).
		Preload("CurrentBid").
		First(&auction, "id = ?", auctionID).Error
	if err != nil {
		return nil, err
	}
	return &auction, nil
}

// markPaid performs the single guarded transition to completed. False
// with no error means somebody else settled the auction first.
func (o *Orchestrator) markPaid(ctx context.Context, auctionID, winnerID uuid.UUID) (bool, error) {
	result := o.db.WithContext(ctx).
		Model(&models.Auction{}).
		Where("id = ? AND status = ? AND winner_id = ? AND payment_status <> ?",
			auctionID, models.AuctionCompleted, winnerID, models.PaymentCompleted).
		Update("payment_status", models.PaymentCompleted)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (o *Orchestrator) markFailed(ctx context.Context, auctionID, winnerID uuid.UUID) (bool, error) {
	result := o.db.WithContext(ctx).
		Model(&models.Auction{}).
		Where("id = ? AND status = ? AND winner_id = ? AND payment_status = ?",
			auctionID, models.AuctionCompleted, winnerID, models.PaymentPending).
		Update("payment_status", models.PaymentFailed)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, event notify.Event) {
	if err := o.dispatcher.Dispatch(ctx, event); err != nil {
		o.logger.Error("Fail to dispatch event",
			slog.String("type", string(event.Type)),
			slog.Any("error", err),
		)
	}
}

func parseSaleMetadata(metadata map[string]string) (auctionID, winnerID uuid.UUID, err error) {
	auctionID, err = uuid.Parse(metadata[metadataAuctionID])
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid %s metadata: %w", metadataAuctionID, err)
	}
	winnerID, err = uuid.Parse(metadata[metadataWinnerID])
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("invalid %s metadata: %w", metadataWinnerID, err)
	}
	return auctionID, winnerID, nil
}
