// Package stripe implements the checkout session gateway on top of the
// official Stripe SDK. All provider-side failures surface as
// services.ErrGatewayUnavailable so that callers never mistake an outage
// for a payment outcome.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/courseloom/api/services"
	stripesdk "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

// Config holds Stripe credentials
type Config struct {
	SecretKey     string
	WebhookSecret string
}

// Client wraps the Stripe API client
type Client struct {
	api           *client.API
	webhookSecret string
}

// NewClient creates a new Stripe gateway client
func NewClient(cfg Config) *Client {
	api := &client.API{}
	api.Init(cfg.SecretKey, nil)

	return &Client{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
	}
}

// CreateSession creates a provider-hosted checkout session for a single
// course purchase
func (c *Client) CreateSession(ctx context.Context, p services.CreateSessionParams) (*services.CheckoutSession, error) {
	productData := &stripesdk.CheckoutSessionLineItemPriceDataProductDataParams{
		Name: stripesdk.String(p.Name),
	}
	if p.Description != "" {
		productData.Description = stripesdk.String(p.Description)
	}
	if p.ImageURL != "" {
		productData.Images = stripesdk.StringSlice([]string{p.ImageURL})
	}

	params := &stripesdk.CheckoutSessionParams{
		Params:             stripesdk.Params{Context: ctx},
		Mode:               stripesdk.String(string(stripesdk.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripesdk.StringSlice([]string{"card"}),
		LineItems: []*stripesdk.CheckoutSessionLineItemParams{
			{
				PriceData: &stripesdk.CheckoutSessionLineItemPriceDataParams{
					Currency:    stripesdk.String(p.Currency),
					ProductData: productData,
					UnitAmount:  stripesdk.Int64(p.Amount),
				},
				Quantity: stripesdk.Int64(1),
			},
		},
		SuccessURL:               stripesdk.String(p.SuccessURL),
		CancelURL:                stripesdk.String(p.CancelURL),
		BillingAddressCollection: stripesdk.String("auto"),
	}
	if p.CustomerEmail != "" {
		params.CustomerEmail = stripesdk.String(p.CustomerEmail)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}

	session, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, mapError("create checkout session", err)
	}

	return &services.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// RetrieveSession fetches the provider's authoritative view of a session.
// The payment intent and its latest charge are expanded so the receipt URL
// comes back in the same round trip.
func (c *Client) RetrieveSession(ctx context.Context, sessionID string) (*services.SessionStatus, error) {
	params := &stripesdk.CheckoutSessionParams{
		Params: stripesdk.Params{Context: ctx},
	}
	params.AddExpand("payment_intent.latest_charge")

	session, err := c.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, mapError("retrieve checkout session", err)
	}

	status := &services.SessionStatus{
		Paid:      session.PaymentStatus == stripesdk.CheckoutSessionPaymentStatusPaid,
		RawStatus: string(session.PaymentStatus),
	}
	if session.PaymentIntent != nil {
		status.PaymentIntentID = session.PaymentIntent.ID
		if session.PaymentIntent.LatestCharge != nil {
			status.ReceiptURL = session.PaymentIntent.LatestCharge.ReceiptURL
		}
	}
	return status, nil
}

// CreateRefund issues a provider refund for the original payment
func (c *Client) CreateRefund(ctx context.Context, paymentRef string, amount int64) (*services.RefundResult, error) {
	params := &stripesdk.RefundParams{
		Params:        stripesdk.Params{Context: ctx},
		PaymentIntent: stripesdk.String(paymentRef),
		Reason:        stripesdk.String(string(stripesdk.RefundReasonRequestedByCustomer)),
	}

	refund, err := c.api.Refunds.New(params)
	if err != nil {
		return nil, mapError("create refund", err)
	}

	return &services.RefundResult{
		ID:     refund.ID,
		Amount: refund.Amount,
		Status: string(refund.Status),
	}, nil
}

// VerifyWebhook checks the provider signature and reduces the event to the
// fields the orchestrator acts on. A bad signature yields
// services.ErrSignature and the event must not be processed.
func (c *Client) VerifyWebhook(payload []byte, signatureHeader string) (*services.WebhookEvent, error) {
	event, err := webhook.ConstructEvent(payload, signatureHeader, c.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", services.ErrSignature, err)
	}

	out := &services.WebhookEvent{
		ID:   event.ID,
		Type: string(event.Type),
		Raw:  payload,
	}

	switch out.Type {
	case services.EventCheckoutCompleted, services.EventCheckoutExpired, services.EventAsyncPaymentFailed:
		var session stripesdk.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("parsing checkout session from event %s: %w", event.ID, err)
		}
		out.SessionID = session.ID
		out.PaymentStatus = string(session.PaymentStatus)
		if session.PaymentIntent != nil {
			out.PaymentIntentID = session.PaymentIntent.ID
		}
	}

	return out, nil
}

// mapError folds every provider-side failure into ErrGatewayUnavailable.
// Timeouts in particular must not be read as success or failure: the
// remote operation may still complete.
func mapError(op string, err error) error {
	var stripeErr *stripesdk.Error
	if errors.As(err, &stripeErr) {
		return fmt.Errorf("%w: %s: %s", services.ErrGatewayUnavailable, op, stripeErr.Msg)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s timed out", services.ErrGatewayUnavailable, op)
	}
	return fmt.Errorf("%w: %s: %v", services.ErrGatewayUnavailable, op, err)
}
