package auction

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"artlot/models"
	"artlot/notify"
)

type fakeDispatcher struct {
	events []notify.Event
	err    error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, event notify.Event) error {
	if f.err != nil {
		return f.err
	}
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

type fakeCharger struct {
	charged []uuid.UUID
	err     error
}

func (f *fakeCharger) AutoCharge(ctx context.Context, auctionID uuid.UUID) error {
	if f.err != nil {
		return f.err
	}
	f.charged = append(f.charged, auctionID)
	return nil
}

func setupTest(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Auction{},
		&models.Bid{},
		&models.AbandonedWinner{},
	))
	return db
}

func createUser(t *testing.T, db *gorm.DB, name string) *models.User {
	t.Helper()
	user := &models.User{Username: name, Email: name + "@example.com"}
	require.NoError(t, db.Create(user).Error)
	return user
}

func createAuction(t *testing.T, db *gorm.DB, seller *models.User, endTime time.Time) *models.Auction {
	t.Helper()
	auction := &models.Auction{
		SellerID:      seller.ID,
		Title:         "Morning Light",
		Description:   "Oil on canvas",
		StartingPrice: decimal.NewFromInt(100),
		StartTime:     endTime.Add(-24 * time.Hour),
		EndTime:       endTime,
		Status:        models.AuctionOngoing,
		PaymentStatus: models.PaymentNone,
		Delivery:      models.DeliveryPending,
	}
	require.NoError(t, db.Create(auction).Error)
	return auction
}

func createBid(t *testing.T, db *gorm.DB, auction *models.Auction, bidder *models.User, amount int64, placedAt time.Time) *models.Bid {
	t.Helper()
	bid := &models.Bid{
		Amount:    decimal.NewFromInt(amount),
		BidderID:  bidder.ID,
		AuctionID: auction.ID,
	}
	bid.CreatedAt = placedAt
	require.NoError(t, db.Create(bid).Error)
	return bid
}

func reloadAuction(t *testing.T, db *gorm.DB, id uuid.UUID) *models.Auction {
	t.Helper()
	var auction models.Auction
	require.NoError(t, db.First(&auction, "id = ?", id).Error)
	return &auction
}
