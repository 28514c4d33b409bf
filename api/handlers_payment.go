package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	stripeAdapter "artlot/adapters/stripe"
	"artlot/models"
	"artlot/payments"
)

// Open a hosted checkout for a won auction
// (POST /auction/item/{itemID}/checkout)
func (impl *ServerImpl) PostAuctionItemCheckout(c *gin.Context) {
	const op = "PostAuctionItemCheckout"
	itemID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	userID, ok := impl.currentUserID(c)
	if !ok {
		return
	}
	result, err := impl.orchestrator.CreateCheckout(c.Request.Context(), itemID, userID)
	switch {
	case errors.Is(err, payments.ErrNotWinner):
		c.AbortWithStatus(http.StatusForbidden)
		return
	case errors.Is(err, payments.ErrAlreadyPaid):
		c.AbortWithStatus(http.StatusConflict)
		return
	case err != nil:
		slog.Error("Fail to create checkout", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"sessionID": result.SessionID,
		"url":       result.URL,
	})
}

// Receive payment processor events
// (POST /payments/webhook)
func (impl *ServerImpl) PostPaymentsWebhook(c *gin.Context) {
	const op = "PostPaymentsWebhook"
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	err = impl.orchestrator.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	switch {
	case errors.Is(err, payments.ErrInvalidSignature):
		c.AbortWithStatus(http.StatusBadRequest)
		return
	case errors.Is(err, payments.ErrUnknownSession), errors.Is(err, payments.ErrSessionMismatch):
		slog.Warn("Rejected webhook event", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusBadRequest)
		return
	case err != nil:
		slog.Error("Fail to handle webhook", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusOK)
}

type postPaymentMethodRequest struct {
	PaymentMethodID string `json:"paymentMethodID" binding:"required"`
}

// Register a tokenized payment method for automatic charges
// (POST /user/payment-method)
func (impl *ServerImpl) PostUserPaymentMethod(c *gin.Context) {
	const op = "PostUserPaymentMethod"
	userID, ok := impl.currentUserID(c)
	if !ok {
		return
	}
	var body postPaymentMethodRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	customerID, err := impl.processorCustomerID(c.Request.Context(), userID)
	if err != nil {
		slog.Error("Fail to resolve processor customer", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	method := models.PaymentMethod{
		UserID:            userID,
		ProcessorCustomer: customerID,
		ProcessorMethod:   body.PaymentMethodID,
		Valid:             true,
	}
	if result := impl.db.Create(&method); result.Error != nil {
		slog.Error("Fail to store payment method", slog.String("op", op), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusCreated)
}

// Open a hosted page for saving a card, for users who do not have a
// tokenized method in hand (POST /user/payment-setup)
func (impl *ServerImpl) PostUserPaymentSetup(c *gin.Context) {
	const op = "PostUserPaymentSetup"
	userID, ok := impl.currentUserID(c)
	if !ok {
		return
	}
	customerID, err := impl.processorCustomerID(c.Request.Context(), userID)
	if err != nil {
		slog.Error("Fail to resolve processor customer", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	result, err := impl.stripeOp.CreateSetupSession(c.Request.Context(), stripeAdapter.SetupParams{
		CustomerID: customerID,
		SuccessURL: impl.config.Stripe.SuccessURL,
		CancelURL:  impl.config.Stripe.CancelURL,
		Metadata:   map[string]string{"user_id": userID.String()},
	})
	if err != nil {
		slog.Error("Fail to create setup session", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"sessionID": result.SessionID,
		"url":       result.URL,
	})
}

// processorCustomerID reuses the processor customer from a previous
// registration so all of a user's instruments hang off one customer
// object, creating the customer on first use.
func (impl *ServerImpl) processorCustomerID(ctx context.Context, userID uuid.UUID) (string, error) {
	var existing models.PaymentMethod
	err := impl.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").First(&existing).Error
	if err == nil {
		return existing.ProcessorCustomer, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("fail to look up payment method, err=%w", err)
	}
	var user models.User
	if err := impl.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		return "", fmt.Errorf("fail to find user, err=%w", err)
	}
	return impl.stripeOp.CreateCustomer(ctx, user.Email, user.Username)
}
