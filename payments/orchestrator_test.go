package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	stripeadapter "artlot/adapters/stripe"
	"artlot/models"
	"artlot/notify"
)

type fakeProcessor struct {
	chargeParams []stripeadapter.ChargeParams
	chargeResult *stripeadapter.ChargeResult
	chargeErr    error

	checkoutParams []stripeadapter.CheckoutParams
	checkoutResult *stripeadapter.CheckoutResult
	checkoutErr    error

	setupIntentIDs []string
	setupResult    *stripeadapter.SetupResult
	setupErr       error

	event    stripeapi.Event
	eventErr error
}

func (f *fakeProcessor) ChargeOffSession(ctx context.Context, p stripeadapter.ChargeParams) (*stripeadapter.ChargeResult, error) {
	f.chargeParams = append(f.chargeParams, p)
	return f.chargeResult, f.chargeErr
}

func (f *fakeProcessor) CreateCheckoutSession(ctx context.Context, p stripeadapter.CheckoutParams) (*stripeadapter.CheckoutResult, error) {
	f.checkoutParams = append(f.checkoutParams, p)
	return f.checkoutResult, f.checkoutErr
}

func (f *fakeProcessor) RetrieveSetupIntent(ctx context.Context, intentID string) (*stripeadapter.SetupResult, error) {
	f.setupIntentIDs = append(f.setupIntentIDs, intentID)
	return f.setupResult, f.setupErr
}

func (f *fakeProcessor) ConstructEvent(payload []byte, sigHeader string) (stripeapi.Event, error) {
	return f.event, f.eventErr
}

type fakeDispatcher struct {
	events []notify.Event
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, event notify.Event) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeDispatcher) byType(t models.NotificationType) []notify.Event {
	var out []notify.Event
	for _, e := range f.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	db      *gorm.DB
	winner  *models.User
	auction *models.Auction
	bid     *models.Bid
}

// setupTest seeds an auction completed with a recorded winner, payment
// pending at 123.45.
func setupTest(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Auction{},
		&models.Bid{},
		&models.PaymentMethod{},
		&models.CheckoutSession{},
	))

	seller := &models.User{Username: "seller", Email: "seller@example.com"}
	require.NoError(t, db.Create(seller).Error)
	winner := &models.User{Username: "winner", Email: "winner@example.com"}
	require.NoError(t, db.Create(winner).Error)

	completedAt := time.Now().Add(-time.Hour)
	auction := &models.Auction{
		SellerID:      seller.ID,
		Title:         "Harbor at Dusk",
		Description:   "Watercolor",
		StartingPrice: decimal.NewFromInt(50),
		StartTime:     completedAt.Add(-48 * time.Hour),
		EndTime:       completedAt,
	}
	require.NoError(t, db.Create(auction).Error)

	bid := &models.Bid{
		Amount:    decimal.RequireFromString("123.45"),
		BidderID:  winner.ID,
		AuctionID: auction.ID,
	}
	require.NoError(t, db.Create(bid).Error)

	require.NoError(t, db.Model(&models.Auction{}).Where("id = ?", auction.ID).Updates(map[string]any{
		"status":         models.AuctionCompleted,
		"winner_id":      winner.ID,
		"current_bid_id": bid.ID,
		"payment_status": models.PaymentPending,
		"completed_at":   completedAt,
	}).Error)

	return &fixture{db: db, winner: winner, auction: auction, bid: bid}
}

func (f *fixture) paymentStatus(t *testing.T) models.PaymentStatus {
	t.Helper()
	var auction models.Auction
	require.NoError(t, f.db.First(&auction, "id = ?", f.auction.ID).Error)
	return auction.PaymentStatus
}

func (f *fixture) storeMethod(t *testing.T) {
	t.Helper()
	require.NoError(t, f.db.Create(&models.PaymentMethod{
		UserID:            f.winner.ID,
		ProcessorCustomer: "cus_123",
		ProcessorMethod:   "pm_456",
		Valid:             true,
	}).Error)
}

func TestAutoCharge_Success(t *testing.T) {
	f := setupTest(t)
	f.storeMethod(t)

	processor := &fakeProcessor{chargeResult: &stripeadapter.ChargeResult{IntentID: "pi_1", Succeeded: true}}
	dispatcher := &fakeDispatcher{}
	orchestrator := NewOrchestrator(f.db, processor, dispatcher)

	require.NoError(t, orchestrator.AutoCharge(context.Background(), f.auction.ID))

	require.Len(t, processor.chargeParams, 1)
	charge := processor.chargeParams[0]
	assert.Equal(t, "cus_123", charge.CustomerID)
	assert.Equal(t, "pm_456", charge.PaymentMethodID)
	assert.Equal(t, int64(12345), charge.AmountCents)
	assert.Equal(t, f.auction.ID.String(), charge.Metadata["auction_id"])
	assert.Equal(t, f.winner.ID.String(), charge.Metadata["winner_id"])

	assert.Equal(t, models.PaymentCompleted, f.paymentStatus(t))
	completed := dispatcher.byType(models.NotificationPaymentCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, f.winner.ID, completed[0].RecipientID)
}

func TestAutoCharge_NoStoredMethodLeavesPending(t *testing.T) {
	f := setupTest(t)

	processor := &fakeProcessor{}
	dispatcher := &fakeDispatcher{}
	orchestrator := NewOrchestrator(f.db, processor, dispatcher)

	require.NoError(t, orchestrator.AutoCharge(context.Background(), f.auction.ID))

	assert.Empty(t, processor.chargeParams)
	assert.Equal(t, models.PaymentPending, f.paymentStatus(t))
	assert.Empty(t, dispatcher.events)
}

func TestAutoCharge_DeclinedCardMarksFailed(t *testing.T) {
	f := setupTest(t)
	f.storeMethod(t)

	processor := &fakeProcessor{
		chargeResult: &stripeadapter.ChargeResult{Succeeded: false},
		chargeErr:    fmt.Errorf("charge: %w", stripeadapter.ErrCardDeclined),
	}
	dispatcher := &fakeDispatcher{}
	orchestrator := NewOrchestrator(f.db, processor, dispatcher)

	require.NoError(t, orchestrator.AutoCharge(context.Background(), f.auction.ID))

	assert.Equal(t, models.PaymentFailed, f.paymentStatus(t))
	failed := dispatcher.byType(models.NotificationPaymentFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, f.winner.ID, failed[0].RecipientID)
}

func TestAutoCharge_TransientErrorChangesNothing(t *testing.T) {
	f := setupTest(t)
	f.storeMethod(t)

	processor := &fakeProcessor{chargeErr: fmt.Errorf("processor unreachable")}
	dispatcher := &fakeDispatcher{}
	orchestrator := NewOrchestrator(f.db, processor, dispatcher)

	err := orchestrator.AutoCharge(context.Background(), f.auction.ID)
	require.Error(t, err)
	assert.Equal(t, models.PaymentPending, f.paymentStatus(t))
	assert.Empty(t, dispatcher.events)
}

func TestAutoCharge_AlreadySettledIsNoOp(t *testing.T) {
	f := setupTest(t)
	f.storeMethod(t)
	require.NoError(t, f.db.Model(&models.Auction{}).Where("id = ?", f.auction.ID).
		Update("payment_status", models.PaymentCompleted).Error)

	processor := &fakeProcessor{}
	orchestrator := NewOrchestrator(f.db, processor, &fakeDispatcher{})

	require.NoError(t, orchestrator.AutoCharge(context.Background(), f.auction.ID))
	assert.Empty(t, processor.chargeParams)
}

func TestCreateCheckout_WinnerGetsSession(t *testing.T) {
	f := setupTest(t)

	processor := &fakeProcessor{
		checkoutResult: &stripeadapter.CheckoutResult{SessionID: "cs_1", URL: "https://pay.example.com/cs_1"},
	}
	orchestrator := NewOrchestrator(f.db, processor, &fakeDispatcher{},
		WithCheckoutURLs("https://shop.example.com/success", "https://shop.example.com/cancel"))

	result, err := orchestrator.CreateCheckout(context.Background(), f.auction.ID, f.winner.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example.com/cs_1", result.URL)

	require.Len(t, processor.checkoutParams, 1)
	assert.Equal(t, int64(12345), processor.checkoutParams[0].AmountCents)
	assert.Equal(t, "Harbor at Dusk", processor.checkoutParams[0].ProductName)
	assert.Equal(t, f.auction.ID.String(), processor.checkoutParams[0].Metadata["auction_id"])

	var record models.CheckoutSession
	require.NoError(t, f.db.First(&record, "processor_session_id = ?", "cs_1").Error)
	assert.Equal(t, f.auction.ID, record.AuctionID)
	assert.Equal(t, f.winner.ID, record.WinnerID)
	assert.Equal(t, int64(12345), record.AmountCents)
	assert.Equal(t, models.CheckoutCreated, record.Status)
}

func TestCreateCheckout_NonWinnerRejected(t *testing.T) {
	f := setupTest(t)
	stranger := &models.User{Username: "stranger", Email: "stranger@example.com"}
	require.NoError(t, f.db.Create(stranger).Error)

	orchestrator := NewOrchestrator(f.db, &fakeProcessor{}, &fakeDispatcher{})

	_, err := orchestrator.CreateCheckout(context.Background(), f.auction.ID, stranger.ID)
	assert.ErrorIs(t, err, ErrNotWinner)
}

func TestCreateCheckout_AlreadyPaidRejected(t *testing.T) {
	f := setupTest(t)
	require.NoError(t, f.db.Model(&models.Auction{}).Where("id = ?", f.auction.ID).
		Update("payment_status", models.PaymentCompleted).Error)

	orchestrator := NewOrchestrator(f.db, &fakeProcessor{}, &fakeDispatcher{})

	_, err := orchestrator.CreateCheckout(context.Background(), f.auction.ID, f.winner.ID)
	assert.ErrorIs(t, err, ErrAlreadyPaid)
}

func checkoutCompletedEvent(t *testing.T, sessionID string, auctionID, winnerID uuid.UUID, amountCents int64) stripeapi.Event {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":           sessionID,
		"amount_total": amountCents,
		"metadata": map[string]string{
			"auction_id": auctionID.String(),
			"winner_id":  winnerID.String(),
		},
	})
	require.NoError(t, err)
	return stripeapi.Event{
		Type: "checkout.session.completed",
		Data: &stripeapi.EventData{Raw: raw},
	}
}

func TestHandleWebhook_CheckoutCompleted(t *testing.T) {
	f := setupTest(t)
	require.NoError(t, f.db.Create(&models.CheckoutSession{
		AuctionID:          f.auction.ID,
		WinnerID:           f.winner.ID,
		ProcessorSessionID: "cs_1",
		AmountCents:        12345,
	}).Error)

	processor := &fakeProcessor{event: checkoutCompletedEvent(t, "cs_1", f.auction.ID, f.winner.ID, 12345)}
	dispatcher := &fakeDispatcher{}
	orchestrator := NewOrchestrator(f.db, processor, dispatcher)

	require.NoError(t, orchestrator.HandleWebhook(context.Background(), []byte("{}"), "sig"))

	assert.Equal(t, models.PaymentCompleted, f.paymentStatus(t))
	require.Len(t, dispatcher.byType(models.NotificationPaymentCompleted), 1)

	var record models.CheckoutSession
	require.NoError(t, f.db.First(&record, "processor_session_id = ?", "cs_1").Error)
	assert.Equal(t, models.CheckoutCompleted, record.Status)
}

func TestHandleWebhook_SessionStatusUpdateIsBestEffort(t *testing.T) {
	f := setupTest(t)
	require.NoError(t, f.db.Create(&models.CheckoutSession{
		AuctionID:          f.auction.ID,
		WinnerID:           f.winner.ID,
		ProcessorSessionID: "cs_1",
		AmountCents:        12345,
	}).Error)

	// Session bookkeeping failing must not fail the reconcile; the
	// auction row is the source of truth for the paid state.
	require.NoError(t, f.db.Callback().Update().Before("gorm:update").Register("break_session_update", func(tx *gorm.DB) {
		if _, ok := tx.Statement.Model.(*models.CheckoutSession); ok {
			tx.AddError(fmt.Errorf("table vanished"))
		}
	}))
	defer f.db.Callback().Update().Remove("break_session_update")

	processor := &fakeProcessor{event: checkoutCompletedEvent(t, "cs_1", f.auction.ID, f.winner.ID, 12345)}
	dispatcher := &fakeDispatcher{}
	orchestrator := NewOrchestrator(f.db, processor, dispatcher)

	require.NoError(t, orchestrator.HandleWebhook(context.Background(), []byte("{}"), "sig"))

	assert.Equal(t, models.PaymentCompleted, f.paymentStatus(t))
	require.Len(t, dispatcher.byType(models.NotificationPaymentCompleted), 1)

	var record models.CheckoutSession
	require.NoError(t, f.db.First(&record, "processor_session_id = ?", "cs_1").Error)
	assert.NotEqual(t, models.CheckoutCompleted, record.Status)
}

func TestHandleWebhook_ReplayIsBenign(t *testing.T) {
	f := setupTest(t)
	require.NoError(t, f.db.Create(&models.CheckoutSession{
		AuctionID:          f.auction.ID,
		WinnerID:           f.winner.ID,
		ProcessorSessionID: "cs_1",
		AmountCents:        12345,
	}).Error)

	processor := &fakeProcessor{event: checkoutCompletedEvent(t, "cs_1", f.auction.ID, f.winner.ID, 12345)}
	dispatcher := &fakeDispatcher{}
	orchestrator := NewOrchestrator(f.db, processor, dispatcher)

	require.NoError(t, orchestrator.HandleWebhook(context.Background(), []byte("{}"), "sig"))
	require.NoError(t, orchestrator.HandleWebhook(context.Background(), []byte("{}"), "sig"))

	// Exactly one transition and one event regardless of redelivery.
	assert.Equal(t, models.PaymentCompleted, f.paymentStatus(t))
	assert.Len(t, dispatcher.byType(models.NotificationPaymentCompleted), 1)
}

func TestHandleWebhook_UnknownSessionRejected(t *testing.T) {
	f := setupTest(t)

	processor := &fakeProcessor{event: checkoutCompletedEvent(t, "cs_forged", f.auction.ID, f.winner.ID, 12345)}
	orchestrator := NewOrchestrator(f.db, processor, &fakeDispatcher{})

	err := orchestrator.HandleWebhook(context.Background(), []byte("{}"), "sig")
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.Equal(t, models.PaymentPending, f.paymentStatus(t))
}

func TestHandleWebhook_MismatchedWinnerRejected(t *testing.T) {
	f := setupTest(t)
	require.NoError(t, f.db.Create(&models.CheckoutSession{
		AuctionID:          f.auction.ID,
		WinnerID:           f.winner.ID,
		ProcessorSessionID: "cs_1",
		AmountCents:        12345,
	}).Error)

	other := uuid.Must(uuid.NewV7())
	processor := &fakeProcessor{event: checkoutCompletedEvent(t, "cs_1", f.auction.ID, other, 12345)}
	orchestrator := NewOrchestrator(f.db, processor, &fakeDispatcher{})

	err := orchestrator.HandleWebhook(context.Background(), []byte("{}"), "sig")
	assert.ErrorIs(t, err, ErrSessionMismatch)
	assert.Equal(t, models.PaymentPending, f.paymentStatus(t))
}

func TestHandleWebhook_AmountMismatchRejected(t *testing.T) {
	f := setupTest(t)
	require.NoError(t, f.db.Create(&models.CheckoutSession{
		AuctionID:          f.auction.ID,
		WinnerID:           f.winner.ID,
		ProcessorSessionID: "cs_1",
		AmountCents:        12345,
	}).Error)

	processor := &fakeProcessor{event: checkoutCompletedEvent(t, "cs_1", f.auction.ID, f.winner.ID, 99)}
	orchestrator := NewOrchestrator(f.db, processor, &fakeDispatcher{})

	err := orchestrator.HandleWebhook(context.Background(), []byte("{}"), "sig")
	assert.ErrorIs(t, err, ErrSessionMismatch)
	assert.Equal(t, models.PaymentPending, f.paymentStatus(t))
}

func TestHandleWebhook_BadSignature(t *testing.T) {
	f := setupTest(t)

	processor := &fakeProcessor{eventErr: fmt.Errorf("signature check failed")}
	orchestrator := NewOrchestrator(f.db, processor, &fakeDispatcher{})

	err := orchestrator.HandleWebhook(context.Background(), []byte("{}"), "bad-sig")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func setupCompletedEvent(t *testing.T, sessionID, setupIntentID string, metadata map[string]string) stripeapi.Event {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":           sessionID,
		"mode":         "setup",
		"setup_intent": setupIntentID,
		"metadata":     metadata,
	})
	require.NoError(t, err)
	return stripeapi.Event{
		Type: "checkout.session.completed",
		Data: &stripeapi.EventData{Raw: raw},
	}
}

func TestHandleWebhook_SetupSessionStoresMethod(t *testing.T) {
	f := setupTest(t)

	processor := &fakeProcessor{
		event: setupCompletedEvent(t, "cs_setup_1", "seti_1", map[string]string{
			"user_id": f.winner.ID.String(),
		}),
		setupResult: &stripeadapter.SetupResult{
			CustomerID:      "cus_123",
			PaymentMethodID: "pm_456",
		},
	}
	orchestrator := NewOrchestrator(f.db, processor, &fakeDispatcher{})

	require.NoError(t, orchestrator.HandleWebhook(context.Background(), []byte("{}"), "sig"))

	require.Equal(t, []string{"seti_1"}, processor.setupIntentIDs)
	var method models.PaymentMethod
	require.NoError(t, f.db.First(&method, "user_id = ?", f.winner.ID).Error)
	assert.Equal(t, "cus_123", method.ProcessorCustomer)
	assert.Equal(t, "pm_456", method.ProcessorMethod)
	assert.True(t, method.Valid)

	// The stored card now feeds the automatic charge path.
	processor.chargeResult = &stripeadapter.ChargeResult{IntentID: "pi_1", Succeeded: true}
	require.NoError(t, orchestrator.AutoCharge(context.Background(), f.auction.ID))
	assert.Equal(t, models.PaymentCompleted, f.paymentStatus(t))
}

func TestHandleWebhook_ForeignSetupSessionIgnored(t *testing.T) {
	f := setupTest(t)

	processor := &fakeProcessor{
		event: setupCompletedEvent(t, "cs_setup_2", "seti_2", nil),
	}
	orchestrator := NewOrchestrator(f.db, processor, &fakeDispatcher{})

	require.NoError(t, orchestrator.HandleWebhook(context.Background(), []byte("{}"), "sig"))

	assert.Empty(t, processor.setupIntentIDs, "a session without a user is not ours to resolve")
	var count int64
	require.NoError(t, f.db.Model(&models.PaymentMethod{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestHandleWebhook_PaymentIntentFailed(t *testing.T) {
	f := setupTest(t)

	raw, err := json.Marshal(map[string]any{
		"id": "pi_1",
		"metadata": map[string]string{
			"auction_id": f.auction.ID.String(),
			"winner_id":  f.winner.ID.String(),
		},
	})
	require.NoError(t, err)
	processor := &fakeProcessor{event: stripeapi.Event{
		Type: "payment_intent.payment_failed",
		Data: &stripeapi.EventData{Raw: raw},
	}}
	dispatcher := &fakeDispatcher{}
	orchestrator := NewOrchestrator(f.db, processor, dispatcher)

	require.NoError(t, orchestrator.HandleWebhook(context.Background(), []byte("{}"), "sig"))

	assert.Equal(t, models.PaymentFailed, f.paymentStatus(t))
	assert.Len(t, dispatcher.byType(models.NotificationPaymentFailed), 1)
}

func TestHandleWebhook_IrrelevantEventIgnored(t *testing.T) {
	f := setupTest(t)

	processor := &fakeProcessor{event: stripeapi.Event{Type: "customer.created", Data: &stripeapi.EventData{Raw: []byte("{}")}}}
	orchestrator := NewOrchestrator(f.db, processor, &fakeDispatcher{})

	require.NoError(t, orchestrator.HandleWebhook(context.Background(), []byte("{}"), "sig"))
	assert.Equal(t, models.PaymentPending, f.paymentStatus(t))
}
