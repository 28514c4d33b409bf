package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	redisAdapter "artlot/adapters/redis"
	"artlot/models"
	"artlot/payments"
)

type postAuctionItemRequest struct {
	Title         string           `json:"title" binding:"required"`
	Description   *string          `json:"description"`
	StartingPrice *decimal.Decimal `json:"startingPrice"`
	StartTime     *time.Time       `json:"startTime"`
	EndTime       time.Time        `json:"endTime" binding:"required"`
	Carousels     *[]string        `json:"carousels"`
}

// Create an auction item
// (POST /auction/item)
func (impl *ServerImpl) PostAuctionItem(c *gin.Context) {
	const op = "PostAuctionItem"
	userID, ok := impl.currentUserID(c)
	if !ok {
		return
	}
	var body postAuctionItemRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if body.StartTime == nil {
		body.StartTime = lo.ToPtr(time.Now())
	}
	if body.StartTime.After(body.EndTime) || body.EndTime.Before(time.Now()) {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid auction time"})
		return
	}
	if body.Description != nil {
		body.Description = lo.ToPtr(impl.htmlChecker.Sanitize(*body.Description))
	} else {
		body.Description = lo.ToPtr("")
	}
	if body.StartingPrice == nil {
		body.StartingPrice = lo.ToPtr(decimal.Zero)
	}
	if body.StartingPrice.IsNegative() {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Starting price must not be negative"})
		return
	}
	if body.Carousels == nil {
		body.Carousels = lo.ToPtr([]string{})
	}
	item := models.Auction{
		SellerID:      userID,
		Title:         body.Title,
		Description:   *body.Description,
		StartingPrice: *body.StartingPrice,
		CurrentBidID:  nil,
		StartTime:     *body.StartTime,
		EndTime:       body.EndTime,
		Status:        models.AuctionOngoing,
		PaymentStatus: models.PaymentNone,
		Carousels:     *body.Carousels,
	}
	if result := impl.db.Create(&item); result.Error != nil {
		slog.Error("Fail to create auction item", slog.String("op", op), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Header("Location", item.ID.String())
	c.Status(http.StatusCreated)
}

// Get auction item details
// (GET /auction/item/{itemID})
func (impl *ServerImpl) GetAuctionItem(c *gin.Context) {
	const op = "GetAuctionItem"
	itemID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	item := models.Auction{ID: itemID}
	if result := impl.db.
		Preload(
			"BidRecords",
			func(db *gorm.DB) *gorm.DB {
				return db.Order(clause.OrderByColumn{Column: clause.Column{Name: "created_at"}, Desc: true})
			}).
		Preload("BidRecords.Bidder").
		Preload("CurrentBid.Bidder").
		Preload("Winner").
		First(&item); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		slog.Error("Fail to find auction item", slog.String("op", op), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	bidRecords := lo.Map(item.BidRecords, func(bid models.Bid, _ int) BidEvent {
		return BidEvent{
			Amount: bid.Amount.StringFixed(2),
			User:   bid.Bidder.Username,
			Time:   bid.CreatedAt,
		}
	})
	response := gin.H{
		"title":         item.Title,
		"description":   item.Description,
		"startPrice":    item.StartingPrice.StringFixed(2),
		"currentPrice":  item.CurrentPrice().StringFixed(2),
		"startTime":     item.StartTime,
		"endTime":       item.EndTime,
		"status":        item.Status,
		"paymentStatus": item.PaymentStatus,
		"delivery":      item.Delivery,
		"carousels":     item.Carousels,
		"bidRecords":    bidRecords,
	}
	if item.Winner != nil {
		response["winner"] = item.Winner.Username
	}
	c.JSON(http.StatusOK, response)
}

type postBidRequest struct {
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

// Place a bid on an auction item
// (POST /auction/item/{itemID}/bids)
func (impl *ServerImpl) PostAuctionItemBid(c *gin.Context) {
	const op = "PostAuctionItemBid"
	itemID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	item := models.Auction{ID: itemID}
	if result := impl.db.Preload("CurrentBid").First(&item); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		slog.Error("Fail to find auction item", slog.String("op", op), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if time.Now().Before(item.StartTime) {
		c.JSON(http.StatusForbidden, gin.H{"message": "Auction has not started"})
		return
	}
	if item.Status != models.AuctionOngoing || time.Now().After(item.EndTime) {
		c.JSON(http.StatusGone, gin.H{"message": "Auction has ended"})
		return
	}
	token := impl.currentUser(c)
	if token == nil {
		return
	}
	var body postBidRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if !body.Amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Bid must be positive"})
		return
	}

	// Serialize bids on this item across instances while the cached
	// price is compared and refreshed.
	lockKey := fmt.Sprintf("%sauction:%s:lock", impl.config.Redis.KeyPrefix, itemID)
	dMutex := redisAdapter.NewAutoRenewMutex(impl.redisClient, lockKey)
	lockCtx, err := dMutex.Lock(c.Request.Context())
	if err != nil {
		slog.Error("Fail to acquire bid lock", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	defer func() {
		if _, err := dMutex.Unlock(); err != nil {
			slog.Warn("Fail to release bid lock", slog.String("op", op), slog.Any("error", err))
		}
	}()

	auctionKey := fmt.Sprintf("%sauction:%s", impl.config.Redis.KeyPrefix, itemID)
	bidInfo := BidInfo{
		AuctionID:   itemID,
		BidderID:    uuid.MustParse(token.Subject),
		BidderName:  token.Username,
		AmountCents: payments.ToCents(body.Amount),
		CreatedAt:   time.Now(),
	}
	bidInfoBytes, err := msgpack.Marshal(bidInfo)
	if err != nil {
		slog.Error("Fail to marshal bid info", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	bidInfoBase64 := base64.StdEncoding.EncodeToString(bidInfoBytes)
	expireTime := impl.config.Redis.ExpireTime.Seconds()

	for attempt := 0; attempt < 2; attempt++ {
		status, err := BidScript.Run(
			lockCtx, impl.redisClient,
			[]string{auctionKey, impl.config.Redis.StreamKeys.BidStream},
			bidInfo.AmountCents, bidInfoBase64, expireTime,
		).Int()
		if err != nil {
			slog.Error("Fail to place bid", slog.String("op", op), slog.Any("error", err))
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		switch status {
		case 1:
			slog.Info("Higher bid occurs",
				slog.String("user", token.Subject),
				slog.Int64("bidCents", bidInfo.AmountCents),
				slog.String("auctionID", itemID.String()),
			)
			c.Status(http.StatusOK)
			return
		case 0:
			c.JSON(http.StatusBadRequest, gin.H{"message": "Bid is not higher than current price"})
			return
		case -1:
			// Cold cache: refill the price key from the database record
			// read before the lock was taken and run the script again.
			// Every accepted bid refreshes the key, so that record can
			// only be stale if the key also expired since we read it.
			if err := impl.redisClient.Set(lockCtx, auctionKey, payments.ToCents(item.CurrentPrice()), impl.config.Redis.ExpireTime).Err(); err != nil {
				slog.Error("Fail to update current bid in Redis", slog.String("op", op), slog.Any("error", err))
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
		default:
			slog.Error("Invalid script return value", slog.String("op", op), slog.Int("status", status))
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
	}
	slog.Error("Bid cache missing after refill", slog.String("op", op), slog.String("auctionID", itemID.String()))
	c.AbortWithStatus(http.StatusInternalServerError)
}

// Track auction item events
// (GET /auction/item/{itemID}/events)
func (impl *ServerImpl) GetAuctionItemEvents(c *gin.Context) {
	const op = "GetAuctionItemEvents"
	itemID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	item := models.Auction{ID: itemID}
	if result := impl.db.First(&item); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		slog.Error("Fail to find auction item", slog.String("op", op), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	// Connections open five minutes ahead of the start so watchers see
	// the first bid.
	if time.Now().Before(item.StartTime.Add(-5 * time.Minute)) {
		c.JSON(http.StatusForbidden, gin.H{"message": "Auction has not started"})
		return
	}
	if time.Now().After(item.EndTime) {
		c.JSON(http.StatusGone, gin.H{"message": "Auction has ended"})
		return
	}
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Transfer-Encoding", "chunked")
	ch, err := impl.sseManager.Subscribe(itemID.String())
	if err != nil {
		slog.Error("Fail to subscribe to item events", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	for {
		select {
		case <-w.CloseNotify():
			impl.sseManager.Unsubscribe(itemID.String(), ch)
			return
		case event := <-ch:
			c.SSEvent("bid", event)
			w.Flush()
		// Keepalive so browsers and proxies hold the connection open.
		case <-time.After(30 * time.Second):
			w.WriteString("\n\n")
			w.Flush()
		}
	}
}

// List auction items
// (GET /auction/items)
func (impl *ServerImpl) GetAuctionItems(c *gin.Context) {
	const op = "GetAuctionItems"
	now := time.Now()
	query := impl.db.Joins("CurrentBid").Model(&models.Auction{})
	if title := c.Query("title"); title != "" {
		query = query.Where("title LIKE ?", "%"+title+"%")
	}
	for param, column := range map[string]string{
		"startPrice": "starting_price",
		"startTime":  "start_time",
		"endTime":    "end_time",
	} {
		if from := c.Query(param + "From"); from != "" {
			query = query.Where(column+" >= ?", from)
		}
		if to := c.Query(param + "To"); to != "" {
			query = query.Where(column+" <= ?", to)
		}
	}
	// The live price lives on the referenced bid row; items nobody has
	// bid on fall back to the starting price.
	if from := c.Query("currentPriceFrom"); from != "" {
		query = query.Where(`"CurrentBid".amount >= ? OR current_bid_id IS NULL AND starting_price >= ?`, from, from)
	}
	if to := c.Query("currentPriceTo"); to != "" {
		query = query.Where(`"CurrentBid".amount <= ? OR current_bid_id IS NULL AND starting_price <= ?`, to, to)
	}
	sortKey := "title"
	switch c.DefaultQuery("sortKey", "title") {
	case "title":
		sortKey = "title"
	case "startTime":
		sortKey = "start_time"
	case "endTime":
		sortKey = "end_time"
	case "startPrice":
		sortKey = "starting_price"
	default:
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid sort key"})
		return
	}
	desc := c.DefaultQuery("sortOrder", "asc") == "desc"
	query = query.Order(clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: sortKey}, Desc: desc},
		{Column: clause.Column{Name: "id"}, Desc: false},
	}})
	if lastItemID := c.Query("lastItemID"); lastItemID != "" {
		var cursor string
		if result := impl.db.Model(&models.Auction{}).Select(sortKey).Where("id = ?", lastItemID).First(&cursor); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusBadRequest, gin.H{"message": "Last item not found"})
				return
			}
			slog.Error("Fail to find last item", slog.String("op", op), slog.Any("error", result.Error))
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		if desc {
			query = query.Where(sortKey+" < ?", cursor)
		} else {
			query = query.Where(sortKey+" > ?", cursor)
		}
		query = query.Or(sortKey+" = ? AND id > ?", cursor, lastItemID)
	}
	size := 20
	if s := c.Query("size"); s != "" {
		parsed, err := strconv.Atoi(s)
		if err != nil || parsed < 1 || parsed > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid size"})
			return
		}
		size = parsed
	}
	query = query.Limit(size)
	if c.Query("excludeEnded") == "true" {
		query = query.Where("end_time > ? AND status = ?", now, models.AuctionOngoing)
	}
	var items []models.Auction
	if result := query.Find(&items); result.Error != nil {
		slog.Error("Fail to list auction items", slog.String("op", op), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if len(items) == 0 {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	type listItem struct {
		ID           uuid.UUID `json:"id"`
		Title        string    `json:"title"`
		CurrentPrice string    `json:"currentPrice"`
		StartTime    time.Time `json:"startTime"`
		EndTime      time.Time `json:"endTime"`
		IsEnded      bool      `json:"isEnded"`
	}
	output := lo.Map(items, func(item models.Auction, _ int) listItem {
		return listItem{
			ID:           item.ID,
			Title:        item.Title,
			CurrentPrice: item.CurrentPrice().StringFixed(2),
			StartTime:    item.StartTime,
			EndTime:      item.EndTime,
			IsEnded:      item.Status != models.AuctionOngoing || now.After(item.EndTime),
		}
	})
	c.JSON(http.StatusOK, gin.H{
		"count": len(items),
		"items": output,
	})
}
