package services

import "context"

// CreateSessionParams carries everything the provider needs to host a
// checkout flow for a single course purchase.
type CreateSessionParams struct {
	Amount        int64 // smallest currency unit
	Currency      string
	Name          string
	Description   string
	ImageURL      string
	SuccessURL    string
	CancelURL     string
	CustomerEmail string
	Metadata      map[string]string
}

// CheckoutSession is the provider-hosted purchase flow handle
type CheckoutSession struct {
	ID  string
	URL string
}

// SessionStatus is the provider's authoritative view of a session
type SessionStatus struct {
	Paid            bool
	RawStatus       string // provider status string, e.g. "paid", "unpaid"
	PaymentIntentID string
	ReceiptURL      string
}

// RefundResult describes a provider-side refund
type RefundResult struct {
	ID     string
	Amount int64
	Status string
}

// WebhookEvent is a signature-verified provider event, reduced to the
// fields the orchestrator acts on. Raw holds the full payload for audit.
type WebhookEvent struct {
	ID              string
	Type            string
	SessionID       string
	PaymentIntentID string
	PaymentStatus   string
	Raw             []byte
}

// Provider event types the orchestrator understands
const (
	EventCheckoutCompleted  = "checkout.session.completed"
	EventCheckoutExpired    = "checkout.session.expired"
	EventAsyncPaymentFailed = "checkout.session.async_payment_failed"
)

// CheckoutGateway isolates the orchestrator from the payment provider's API
// shape. Every call must respect its context deadline; any provider-side
// failure (network, auth, rate limit) surfaces as ErrGatewayUnavailable and
// never as a payment outcome.
type CheckoutGateway interface {
	CreateSession(ctx context.Context, params CreateSessionParams) (*CheckoutSession, error)
	RetrieveSession(ctx context.Context, sessionID string) (*SessionStatus, error)
	CreateRefund(ctx context.Context, paymentRef string, amount int64) (*RefundResult, error)
	VerifyWebhook(payload []byte, signatureHeader string) (*WebhookEvent, error)
}
