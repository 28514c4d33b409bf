package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"artlot/adapters/mail"
	"artlot/adapters/oidc"
	redisAdapter "artlot/adapters/redis"
	internalS3 "artlot/adapters/s3"
	"artlot/adapters/sse"
	stripeAdapter "artlot/adapters/stripe"
	"artlot/auction"
	"artlot/models"
	"artlot/notify"
	"artlot/payments"
)

// BidInfo is the bid payload carried on the redis bid stream between
// the placement handler and the synchronization worker.
type BidInfo struct {
	AuctionID   uuid.UUID `msgpack:"auction_id"`
	BidderID    uuid.UUID `msgpack:"bidder_id"`
	BidderName  string    `msgpack:"bidder_name"`
	AmountCents int64     `msgpack:"amount_cents"`
	CreatedAt   time.Time `msgpack:"created_at"`
}

// BidEvent is the price update pushed to SSE subscribers.
type BidEvent struct {
	Amount string    `json:"amount"`
	User   string    `json:"user"`
	Time   time.Time `json:"time"`
}

type ServerImpl struct {
	oidcProviders map[models.SSOProviderName]*oidc.ExtendedProvider
	sseManager    sse.IConnectionManager[BidEvent]
	s3Operator    *internalS3.S3Operator
	htmlChecker   *bluemonday.Policy
	redisClient   *redis.Client
	consumer      redisAdapter.IConsumer[sse.PublishRequest[BidEvent]]
	groupConsumer redisAdapter.IGroupConsumer[BidInfo]
	db            *gorm.DB
	dispatcher    *notify.Dispatcher
	stripeOp      *stripeAdapter.Operator
	orchestrator  *payments.Orchestrator
	evaluator     *auction.Evaluator
	abandoner     *auction.Abandoner
	wg            sync.WaitGroup
	cancelFunc    context.CancelFunc

	config ServerConfig
}

func NewServer(config ServerConfig) (*ServerImpl, error) {
	const op = "NewServer"

	oidcProviders := make(map[models.SSOProviderName]*oidc.ExtendedProvider, len(config.OIDC.Providers))
	for provider, providerConfig := range config.OIDC.Providers {
		oidcProvider, err := oidc.NewExtendedProvider(providerConfig.IssuerURL, providerConfig.ClientID, providerConfig.ClientSecret)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to initial OIDC provider, provider=%s, err=%w", op, provider, err)
		}
		oidcProviders[provider] = oidcProvider
	}

	s3Cfg, err := awsCfg.LoadDefaultConfig(
		context.Background(),
		awsCfg.WithBaseEndpoint(config.S3.Endpoint),
		awsCfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(config.S3.AccessKeyID, config.S3.SecretAccessKey, "")),
		awsCfg.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to load AWS config, err=%w", op, err)
	}
	s3Operator, err := internalS3.NewS3Operator(s3.NewFromConfig(s3Cfg), config.S3.Bucket, config.S3.PublicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create S3 operator, err=%w", op, err)
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s", config.DB.User, config.DB.Password, config.DB.Host, config.DB.Port, config.DB.Database, config.DB.Schema)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: config.DB.Schema + ".",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}
	if err := db.AutoMigrate(
		&models.User{},
		&models.SsoProvider{},
		&models.UserIdentity{},
		&models.Auction{},
		&models.Bid{},
		&models.Image{},
		&models.Notification{},
		&models.NotificationPreference{},
		&models.PaymentMethod{},
		&models.CheckoutSession{},
		&models.AbandonedWinner{},
	); err != nil {
		return nil, fmt.Errorf("[%s] Fail to migrate database, err=%w", op, err)
	}
	for name := range oidcProviders {
		provider := models.SsoProvider{Name: name}
		if err := db.Where(&provider).FirstOrCreate(&provider).Error; err != nil {
			return nil, fmt.Errorf("[%s] Fail to seed sso provider %s, err=%w", op, name, err)
		}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	consumer, err := redisAdapter.NewConsumer(
		redisClient,
		config.Redis.StreamKeys.BidStream,
		redisAdapter.WithConsumerParseFunc(func(m map[string]any) (sse.PublishRequest[BidEvent], error) {
			bidInfo, err := redisAdapter.DefaultParseFromMessage[BidInfo](m)
			if err != nil {
				return sse.PublishRequest[BidEvent]{}, fmt.Errorf("fail to parse message to sse.PublishRequest[BidEvent], err=%w", err)
			}
			return sse.PublishRequest[BidEvent]{
				Channel: bidInfo.AuctionID.String(),
				Message: BidEvent{
					Amount: payments.FromCents(bidInfo.AmountCents).StringFixed(2),
					User:   bidInfo.BidderName,
					Time:   bidInfo.CreatedAt,
				},
			}, nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create consumer, err=%w", op, err)
	}
	sseManager, err := sse.NewConnectionManager[BidEvent](
		sse.WithLogger[BidEvent](slog.Default()),
		sse.WithSubscriber[BidEvent](consumer),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create sse connection manager, err=%w", op, err)
	}

	groupConsumer, err := redisAdapter.NewGroupConsumer[BidInfo](
		redisClient,
		config.Redis.StreamKeys.BidStream,
		config.Redis.ConsumerGroup,
		config.ID,
		redisAdapter.WithGroupConsumerLogger[BidInfo](slog.Default()),
		redisAdapter.WithGroupConsumerStrictOrdering[BidInfo](true),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create group consumer, err=%w", op, err)
	}

	var sender notify.EmailSender
	if config.Mail.Endpoint != "" {
		sender = mail.NewSender(config.Mail.Endpoint, config.Mail.APIKey, config.Mail.From)
	}
	dispatcher := notify.NewDispatcher(db, sender, notify.WithLogger(slog.Default()))

	processor := stripeAdapter.NewOperator(config.Stripe.APIKey, config.Stripe.WebhookSecret)
	orchestrator := payments.NewOrchestrator(
		db, processor, dispatcher,
		payments.WithOrchestratorLogger(slog.Default()),
		payments.WithCurrency(config.Stripe.Currency),
		payments.WithCheckoutURLs(config.Stripe.SuccessURL, config.Stripe.CancelURL),
	)

	evaluator := auction.NewEvaluator(db, dispatcher, orchestrator,
		auction.WithEvaluatorLogger(slog.Default()),
	)

	sweepLock := redisAdapter.NewAutoRenewMutex(
		redisClient,
		config.Redis.KeyPrefix+"abandon:sweep:lock",
		redisAdapter.WithAutoRenewMutexExpiry(30*time.Second),
		redisAdapter.WithAutoRenewMutexAcquireTimeout(2*time.Second),
	)
	abandonerOpts := []auction.AbandonerOption{
		auction.WithAbandonerLogger(slog.Default()),
		auction.WithSweepLock(sweepLock),
	}
	if config.Lifecycle.GraceWindow > 0 {
		abandonerOpts = append(abandonerOpts, auction.WithGraceWindow(config.Lifecycle.GraceWindow))
	}
	abandoner := auction.NewAbandoner(db, dispatcher, orchestrator, abandonerOpts...)

	return &ServerImpl{
		oidcProviders: oidcProviders,
		sseManager:    sseManager,
		s3Operator:    s3Operator,
		htmlChecker:   bluemonday.UGCPolicy(),
		redisClient:   redisClient,
		consumer:      consumer,
		groupConsumer: groupConsumer,
		db:            db,
		dispatcher:    dispatcher,
		stripeOp:      processor,
		orchestrator:  orchestrator,
		evaluator:     evaluator,
		abandoner:     abandoner,
		config:        config,
	}, nil
}

func (impl *ServerImpl) RegisterRoutes(router *gin.Engine) {
	router.Use(impl.SessionMiddleware())

	router.POST("/auction/item", impl.PostAuctionItem)
	router.GET("/auction/item/:itemID", impl.GetAuctionItem)
	router.POST("/auction/item/:itemID/bids", impl.PostAuctionItemBid)
	router.GET("/auction/item/:itemID/events", impl.GetAuctionItemEvents)
	router.GET("/auction/items", impl.GetAuctionItems)
	router.POST("/auction/item/:itemID/checkout", impl.PostAuctionItemCheckout)

	router.POST("/payments/webhook", impl.PostPaymentsWebhook)
	router.POST("/user/payment-method", impl.PostUserPaymentMethod)
	router.POST("/user/payment-setup", impl.PostUserPaymentSetup)

	router.GET("/notifications", impl.GetNotifications)
	router.PATCH("/notifications/:notificationID/read", impl.PatchNotificationRead)
	router.PATCH("/notifications/read-all", impl.PatchNotificationsReadAll)
	router.DELETE("/notifications/:notificationID", impl.DeleteNotification)
	router.GET("/user/notification-preferences", impl.GetNotificationPreferences)
	router.PUT("/user/notification-preferences", impl.PutNotificationPreferences)

	router.GET("/auth/sso/:provider/login", impl.GetAuthSsoProviderLogin)
	router.GET("/auth/sso/:provider/callback", impl.GetAuthSsoProviderCallback)
	router.GET("/auth/logout", impl.GetAuthLogout)
	router.GET("/user/info", impl.GetUserInfo)
	router.PATCH("/user/info", impl.PatchUserInfo)

	router.POST("/image", impl.PostImage)
}

func (impl *ServerImpl) Start() error {
	const op = "ServerImpl.Start"
	impl.consumer.Start()
	impl.sseManager.Start()
	if err := impl.groupConsumer.Start(); err != nil {
		return fmt.Errorf("[%s] Fail to start group consumer, err=%w", op, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	impl.cancelFunc = cancel

	slog.Info("Start bid synchronization worker")
	impl.wg.Add(1)
	go impl.runBidSyncWorker(ctx)

	completionInterval := impl.config.Lifecycle.CompletionInterval
	if completionInterval <= 0 {
		completionInterval = 30 * time.Second
	}
	slog.Info("Start completion worker", slog.Duration("interval", completionInterval))
	impl.wg.Add(1)
	go impl.runPeriodicWorker(ctx, "CompletionWorker", completionInterval, impl.evaluator.SweepDue)

	abandonInterval := impl.config.Lifecycle.AbandonInterval
	if abandonInterval <= 0 {
		abandonInterval = 10 * time.Minute
	}
	slog.Info("Start abandonment worker", slog.Duration("interval", abandonInterval))
	impl.wg.Add(1)
	go impl.runPeriodicWorker(ctx, "AbandonmentWorker", abandonInterval, impl.abandoner.Sweep)
	return nil
}

func (impl *ServerImpl) Close() {
	if err := impl.groupConsumer.Close(); err != nil {
		slog.Error("Fail to close group consumer", slog.Any("error", err))
	}
	impl.cancelFunc()
	impl.wg.Wait()
	impl.consumer.Close()
	impl.sseManager.Done()
}

// runBidSyncWorker drains the bid stream group consumer, persisting
// each bid and advancing the auction's current bid.
func (impl *ServerImpl) runBidSyncWorker(ctx context.Context) {
	logger := slog.Default().With(slog.String("caller", "BidSynchronize"))
	defer impl.wg.Done()
	defer slog.Info("Bid synchronization worker stopped")
	ch := impl.groupConsumer.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			logger.Debug("Receive message")
			handleErr := impl.syncBid(ctx, msg.Data)
			if handleErr != nil {
				logger.Error("Fail to synchronize bid", slog.Any("error", handleErr))
				if err := msg.Fail(ctx, handleErr); err != nil {
					logger.Error("Fail to fail message", slog.Any("error", err))
				}
				continue
			}
			if err := msg.Done(ctx); err != nil {
				logger.Error("Sync success but fail to done message", slog.Any("error", err))
				if err := msg.Fail(ctx, err); err != nil {
					logger.Error("Sync success but fail to fail message", slog.Any("error", err))
				}
				continue
			}
			logger.Debug("Synchronize success")
		}
	}
}

// syncBid records the bid and conditionally advances the current bid.
// The previous leader gets exactly one outbid notification, and only
// when the leader actually changed: not on the first bid, and not when
// the leader raised their own price.
func (impl *ServerImpl) syncBid(ctx context.Context, info BidInfo) error {
	var item models.Auction
	if err := impl.db.WithContext(ctx).Preload("CurrentBid").First(&item, "id = ?", info.AuctionID).Error; err != nil {
		return fmt.Errorf("fail to find auction, err=%w", err)
	}

	amount := payments.FromCents(info.AmountCents)
	record := models.Bid{
		BidderID:  info.BidderID,
		AuctionID: info.AuctionID,
		Amount:    amount,
	}
	record.CreatedAt = info.CreatedAt
	if err := impl.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("fail to create bid record, err=%w", err)
	}

	if item.Status != models.AuctionOngoing || !amount.GreaterThan(item.CurrentPrice()) {
		return nil
	}

	// Guard on the observed current bid so a stale read loses the race
	// instead of regressing the price.
	query := impl.db.WithContext(ctx).
		Model(&models.Auction{}).
		Where("id = ? AND status = ?", info.AuctionID, models.AuctionOngoing)
	if item.CurrentBidID == nil {
		query = query.Where("current_bid_id IS NULL")
	} else {
		query = query.Where("current_bid_id = ?", *item.CurrentBidID)
	}
	result := query.Update("current_bid_id", record.ID)
	if result.Error != nil {
		return fmt.Errorf("fail to advance current bid, err=%w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil
	}

	if item.CurrentBid != nil && item.CurrentBid.BidderID != info.BidderID {
		if err := impl.dispatcher.Dispatch(ctx, notify.Outbid(item.CurrentBid.BidderID, item.Title, amount)); err != nil {
			slog.Error("Fail to dispatch outbid event",
				slog.String("auction_id", info.AuctionID.String()),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

func (impl *ServerImpl) runPeriodicWorker(ctx context.Context, name string, interval time.Duration, tick func(context.Context) error) {
	logger := slog.Default().With(slog.String("caller", name))
	defer impl.wg.Done()
	defer logger.Info("Worker stopped")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tick(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Tick failed", slog.Any("error", err))
			}
		}
	}
}
