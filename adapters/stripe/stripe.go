// Package stripe wraps the Stripe API client behind the small surface
// the payment flows need: off-session charges against a stored card,
// hosted checkout sessions, and webhook event verification.
package stripe

import (
	"context"
	"errors"
	"fmt"

	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// ErrCardDeclined marks charge failures that are final for the stored
// card, as opposed to transient API errors worth retrying.
var ErrCardDeclined = errors.New("card declined")

type Operator struct {
	client        *client.API
	webhookSecret string
}

func NewOperator(apiKey, webhookSecret string) *Operator {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &Operator{
		client:        api,
		webhookSecret: webhookSecret,
	}
}

// CreateCustomer registers a customer record and returns its ID.
func (o *Operator) CreateCustomer(ctx context.Context, email, name string) (string, error) {
	const op = "CreateCustomer"
	params := &stripeapi.CustomerParams{
		Email: stripeapi.String(email),
		Name:  stripeapi.String(name),
	}
	params.Context = ctx
	customer, err := o.client.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to create customer, err=%w", op, err)
	}
	return customer.ID, nil
}

type ChargeParams struct {
	CustomerID      string
	PaymentMethodID string
	AmountCents     int64
	Currency        string
	Description     string
	Metadata        map[string]string
}

type ChargeResult struct {
	IntentID  string
	Succeeded bool
}

// ChargeOffSession confirms a payment intent against a stored payment
// method without the cardholder present. A declined card returns a
// result with Succeeded=false and an error wrapping ErrCardDeclined.
func (o *Operator) ChargeOffSession(ctx context.Context, p ChargeParams) (*ChargeResult, error) {
	const op = "ChargeOffSession"
	params := &stripeapi.PaymentIntentParams{
		Amount:        stripeapi.Int64(p.AmountCents),
		Currency:      stripeapi.String(p.Currency),
		Customer:      stripeapi.String(p.CustomerID),
		PaymentMethod: stripeapi.String(p.PaymentMethodID),
		Description:   stripeapi.String(p.Description),
		Confirm:       stripeapi.Bool(true),
		OffSession:    stripeapi.Bool(true),
	}
	params.Context = ctx
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}

	intent, err := o.client.PaymentIntents.New(params)
	if err != nil {
		var stripeErr *stripeapi.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripeapi.ErrorTypeCard {
			result := &ChargeResult{Succeeded: false}
			if stripeErr.PaymentIntent != nil {
				result.IntentID = stripeErr.PaymentIntent.ID
			}
			return result, fmt.Errorf("[%s] %w: code=%s", op, ErrCardDeclined, stripeErr.Code)
		}
		return nil, fmt.Errorf("[%s] Fail to create payment intent, err=%w", op, err)
	}

	return &ChargeResult{
		IntentID:  intent.ID,
		Succeeded: intent.Status == stripeapi.PaymentIntentStatusSucceeded,
	}, nil
}

type CheckoutParams struct {
	AmountCents int64
	Currency    string
	ProductName string
	CustomerID  string
	SuccessURL  string
	CancelURL   string
	Metadata    map[string]string
}

type CheckoutResult struct {
	SessionID string
	URL       string
}

// CreateCheckoutSession opens a hosted payment page for a single line
// item. Metadata is attached to both the session and its payment
// intent so webhook events from either object carry it.
func (o *Operator) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutResult, error) {
	const op = "CreateCheckoutSession"
	params := &stripeapi.CheckoutSessionParams{
		Mode:       stripeapi.String(string(stripeapi.CheckoutSessionModePayment)),
		SuccessURL: stripeapi.String(p.SuccessURL),
		CancelURL:  stripeapi.String(p.CancelURL),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{
			{
				PriceData: &stripeapi.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripeapi.String(p.Currency),
					UnitAmount: stripeapi.Int64(p.AmountCents),
					ProductData: &stripeapi.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripeapi.String(p.ProductName),
					},
				},
				Quantity: stripeapi.Int64(1),
			},
		},
		PaymentIntentData: &stripeapi.CheckoutSessionPaymentIntentDataParams{
			Metadata: p.Metadata,
		},
	}
	params.Context = ctx
	if p.CustomerID != "" {
		params.Customer = stripeapi.String(p.CustomerID)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}

	session, err := o.client.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create checkout session, err=%w", op, err)
	}
	return &CheckoutResult{SessionID: session.ID, URL: session.URL}, nil
}

type SetupParams struct {
	CustomerID string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

// CreateSetupSession opens a hosted page that saves a card for later
// off-session charges without taking a payment now.
func (o *Operator) CreateSetupSession(ctx context.Context, p SetupParams) (*CheckoutResult, error) {
	const op = "CreateSetupSession"
	params := &stripeapi.CheckoutSessionParams{
		Mode:       stripeapi.String(string(stripeapi.CheckoutSessionModeSetup)),
		Customer:   stripeapi.String(p.CustomerID),
		SuccessURL: stripeapi.String(p.SuccessURL),
		CancelURL:  stripeapi.String(p.CancelURL),
	}
	params.Context = ctx
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	session, err := o.client.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create setup session, err=%w", op, err)
	}
	return &CheckoutResult{SessionID: session.ID, URL: session.URL}, nil
}

type SetupResult struct {
	CustomerID      string
	PaymentMethodID string
}

// RetrieveSetupIntent resolves the customer and payment method a
// completed setup intent attached. Webhook payloads carry the intent
// only as an ID, so this goes back to the API for the object.
func (o *Operator) RetrieveSetupIntent(ctx context.Context, intentID string) (*SetupResult, error) {
	const op = "RetrieveSetupIntent"
	params := &stripeapi.SetupIntentParams{}
	params.Context = ctx
	intent, err := o.client.SetupIntents.Get(intentID, params)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to retrieve setup intent, err=%w", op, err)
	}
	result := &SetupResult{}
	if intent.Customer != nil {
		result.CustomerID = intent.Customer.ID
	}
	if intent.PaymentMethod != nil {
		result.PaymentMethodID = intent.PaymentMethod.ID
	}
	return result, nil
}

// ConstructEvent verifies the webhook signature and parses the event.
func (o *Operator) ConstructEvent(payload []byte, sigHeader string) (stripeapi.Event, error) {
	const op = "ConstructEvent"
	event, err := webhook.ConstructEvent(payload, sigHeader, o.webhookSecret)
	if err != nil {
		return stripeapi.Event{}, fmt.Errorf("[%s] Fail to verify webhook signature, err=%w", op, err)
	}
	return event, nil
}
