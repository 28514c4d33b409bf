package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"

	"artlot/models"
)

// List notifications for the caller
// (GET /notifications)
func (impl *ServerImpl) GetNotifications(c *gin.Context) {
	const op = "GetNotifications"
	userID, ok := impl.currentUserID(c)
	if !ok {
		return
	}
	query := impl.db.Where("recipient_id = ?", userID).Order("created_at DESC")
	if c.Query("unread") == "true" {
		query = query.Where("read = ?", false)
	}
	size := 50
	if s := c.Query("size"); s != "" {
		parsed, err := strconv.Atoi(s)
		if err != nil || parsed < 1 || parsed > 200 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid size"})
			return
		}
		size = parsed
	}
	var notifications []models.Notification
	if result := query.Limit(size).Find(&notifications); result.Error != nil {
		slog.Error("Fail to list notifications", slog.String("op", op), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	var unreadCount int64
	if result := impl.db.Model(&models.Notification{}).Where("recipient_id = ? AND read = ?", userID, false).Count(&unreadCount); result.Error != nil {
		slog.Error("Fail to count unread notifications", slog.String("op", op), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	type notificationItem struct {
		ID      uuid.UUID               `json:"id"`
		Type    models.NotificationType `json:"type"`
		Title   string                  `json:"title"`
		Message string                  `json:"message"`
		Read    bool                    `json:"read"`
		Time    time.Time               `json:"time"`
	}
	items := lo.Map(notifications, func(n models.Notification, _ int) notificationItem {
		return notificationItem{
			ID:      n.ID,
			Type:    n.Type,
			Title:   n.Title,
			Message: n.Message,
			Read:    n.Read,
			Time:    n.CreatedAt,
		}
	})
	c.JSON(http.StatusOK, gin.H{
		"unreadCount":   unreadCount,
		"notifications": items,
	})
}

// Mark one notification read
// (PATCH /notifications/{notificationID}/read)
func (impl *ServerImpl) PatchNotificationRead(c *gin.Context) {
	const op = "PatchNotificationRead"
	userID, ok := impl.currentUserID(c)
	if !ok {
		return
	}
	notificationID, err := uuid.Parse(c.Param("notificationID"))
	if err != nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	result := impl.db.Model(&models.Notification{}).
		Where("id = ? AND recipient_id = ?", notificationID, userID).
		Update("read", true)
	if result.Error != nil {
		slog.Error("Fail to mark notification read", slog.String("op", op), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if result.RowsAffected == 0 {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	c.Status(http.StatusOK)
}

// Mark every notification read
// (PATCH /notifications/read-all)
func (impl *ServerImpl) PatchNotificationsReadAll(c *gin.Context) {
	const op = "PatchNotificationsReadAll"
	userID, ok := impl.currentUserID(c)
	if !ok {
		return
	}
	result := impl.db.Model(&models.Notification{}).
		Where("recipient_id = ? AND read = ?", userID, false).
		Update("read", true)
	if result.Error != nil {
		slog.Error("Fail to mark notifications read", slog.String("op", op), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": result.RowsAffected})
}

// Delete one notification
// (DELETE /notifications/{notificationID})
func (impl *ServerImpl) DeleteNotification(c *gin.Context) {
	const op = "DeleteNotification"
	userID, ok := impl.currentUserID(c)
	if !ok {
		return
	}
	notificationID, err := uuid.Parse(c.Param("notificationID"))
	if err != nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	result := impl.db.Where("id = ? AND recipient_id = ?", notificationID, userID).Delete(&models.Notification{})
	if result.Error != nil {
		slog.Error("Fail to delete notification", slog.String("op", op), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if result.RowsAffected == 0 {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	c.Status(http.StatusOK)
}

type notificationPreferencesBody struct {
	Outbid           bool `json:"outbid"`
	AuctionWon       bool `json:"auctionWon"`
	WinExpired       bool `json:"winExpired"`
	PaymentCompleted bool `json:"paymentCompleted"`
	PaymentFailed    bool `json:"paymentFailed"`
}

// Get email notification preferences
// (GET /user/notification-preferences)
func (impl *ServerImpl) GetNotificationPreferences(c *gin.Context) {
	const op = "GetNotificationPreferences"
	userID, ok := impl.currentUserID(c)
	if !ok {
		return
	}
	pref := models.NotificationPreference{
		Outbid:           true,
		AuctionWon:       true,
		WinExpired:       true,
		PaymentCompleted: true,
		PaymentFailed:    true,
	}
	err := impl.db.Where("user_id = ?", userID).First(&pref).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		slog.Error("Fail to load notification preferences", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, notificationPreferencesBody{
		Outbid:           pref.Outbid,
		AuctionWon:       pref.AuctionWon,
		WinExpired:       pref.WinExpired,
		PaymentCompleted: pref.PaymentCompleted,
		PaymentFailed:    pref.PaymentFailed,
	})
}

// Replace email notification preferences
// (PUT /user/notification-preferences)
func (impl *ServerImpl) PutNotificationPreferences(c *gin.Context) {
	const op = "PutNotificationPreferences"
	userID, ok := impl.currentUserID(c)
	if !ok {
		return
	}
	var body notificationPreferencesBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	pref := models.NotificationPreference{UserID: userID}
	err := impl.db.Where(&models.NotificationPreference{UserID: userID}).FirstOrCreate(&pref).Error
	if err != nil {
		slog.Error("Fail to load notification preferences", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	updates := map[string]any{
		"outbid":            body.Outbid,
		"auction_won":       body.AuctionWon,
		"win_expired":       body.WinExpired,
		"payment_completed": body.PaymentCompleted,
		"payment_failed":    body.PaymentFailed,
	}
	if result := impl.db.Model(&pref).Updates(updates); result.Error != nil {
		slog.Error("Fail to update notification preferences", slog.String("op", op), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusOK)
}
