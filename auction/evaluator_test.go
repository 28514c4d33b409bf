package auction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artlot/models"
)

func TestComplete_PicksHighestBid(t *testing.T) {
	db := setupTest(t)
	seller := createUser(t, db, "seller")
	alice := createUser(t, db, "alice")
	bob := createUser(t, db, "bob")

	endTime := time.Now().Add(-time.Minute)
	item := createAuction(t, db, seller, endTime)
	createBid(t, db, item, alice, 150, endTime.Add(-2*time.Hour))
	winning := createBid(t, db, item, bob, 200, endTime.Add(-time.Hour))

	dispatcher := &fakeDispatcher{}
	charger := &fakeCharger{}
	now := time.Now().Truncate(time.Second)
	evaluator := NewEvaluator(db, dispatcher, charger, WithEvaluatorClock(func() time.Time { return now }))

	require.NoError(t, evaluator.Complete(context.Background(), item.ID))

	got := reloadAuction(t, db, item.ID)
	assert.Equal(t, models.AuctionCompleted, got.Status)
	require.NotNil(t, got.WinnerID)
	assert.Equal(t, bob.ID, *got.WinnerID)
	require.NotNil(t, got.CurrentBidID)
	assert.Equal(t, winning.ID, *got.CurrentBidID)
	assert.Equal(t, models.PaymentPending, got.PaymentStatus)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(now))

	won := dispatcher.byType(models.NotificationAuctionWon)
	require.Len(t, won, 1)
	assert.Equal(t, bob.ID, won[0].RecipientID)

	require.Len(t, charger.charged, 1)
	assert.Equal(t, item.ID, charger.charged[0])
}

func TestComplete_TieGoesToEarliestBid(t *testing.T) {
	db := setupTest(t)
	seller := createUser(t, db, "seller")
	alice := createUser(t, db, "alice")
	bob := createUser(t, db, "bob")

	endTime := time.Now().Add(-time.Minute)
	item := createAuction(t, db, seller, endTime)
	first := createBid(t, db, item, alice, 300, endTime.Add(-3*time.Hour))
	createBid(t, db, item, bob, 300, endTime.Add(-time.Hour))

	evaluator := NewEvaluator(db, &fakeDispatcher{}, &fakeCharger{})
	require.NoError(t, evaluator.Complete(context.Background(), item.ID))

	got := reloadAuction(t, db, item.ID)
	require.NotNil(t, got.WinnerID)
	assert.Equal(t, alice.ID, *got.WinnerID)
	require.NotNil(t, got.CurrentBidID)
	assert.Equal(t, first.ID, *got.CurrentBidID)
}

func TestComplete_NoBidsClosesWithoutWinner(t *testing.T) {
	db := setupTest(t)
	seller := createUser(t, db, "seller")
	item := createAuction(t, db, seller, time.Now().Add(-time.Minute))

	dispatcher := &fakeDispatcher{}
	charger := &fakeCharger{}
	evaluator := NewEvaluator(db, dispatcher, charger)

	require.NoError(t, evaluator.Complete(context.Background(), item.ID))

	got := reloadAuction(t, db, item.ID)
	assert.Equal(t, models.AuctionCompleted, got.Status)
	assert.Nil(t, got.WinnerID)
	assert.Equal(t, models.PaymentNone, got.PaymentStatus)
	require.NotNil(t, got.CompletedAt)

	assert.Empty(t, dispatcher.events)
	assert.Empty(t, charger.charged)
}

func TestComplete_SecondCallIsBenignNoOp(t *testing.T) {
	db := setupTest(t)
	seller := createUser(t, db, "seller")
	alice := createUser(t, db, "alice")

	endTime := time.Now().Add(-time.Minute)
	item := createAuction(t, db, seller, endTime)
	createBid(t, db, item, alice, 150, endTime.Add(-time.Hour))

	dispatcher := &fakeDispatcher{}
	evaluator := NewEvaluator(db, dispatcher, &fakeCharger{})

	require.NoError(t, evaluator.Complete(context.Background(), item.ID))
	err := evaluator.Complete(context.Background(), item.ID)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)

	// No duplicate events from the replay.
	assert.Len(t, dispatcher.byType(models.NotificationAuctionWon), 1)
}

func TestComplete_DispatchFailureDoesNotRollBack(t *testing.T) {
	db := setupTest(t)
	seller := createUser(t, db, "seller")
	alice := createUser(t, db, "alice")

	endTime := time.Now().Add(-time.Minute)
	item := createAuction(t, db, seller, endTime)
	createBid(t, db, item, alice, 150, endTime.Add(-time.Hour))

	dispatcher := &fakeDispatcher{err: assert.AnError}
	evaluator := NewEvaluator(db, dispatcher, &fakeCharger{})

	require.NoError(t, evaluator.Complete(context.Background(), item.ID))
	assert.Equal(t, models.AuctionCompleted, reloadAuction(t, db, item.ID).Status)
}

func TestSweepDue_OnlyClosesDueAuctions(t *testing.T) {
	db := setupTest(t)
	seller := createUser(t, db, "seller")
	alice := createUser(t, db, "alice")

	due := createAuction(t, db, seller, time.Now().Add(-time.Hour))
	createBid(t, db, due, alice, 120, time.Now().Add(-2*time.Hour))
	future := createAuction(t, db, seller, time.Now().Add(time.Hour))

	evaluator := NewEvaluator(db, &fakeDispatcher{}, &fakeCharger{})
	require.NoError(t, evaluator.SweepDue(context.Background()))

	assert.Equal(t, models.AuctionCompleted, reloadAuction(t, db, due.ID).Status)
	assert.Equal(t, models.AuctionOngoing, reloadAuction(t, db, future.ID).Status)
}
