package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/courseloom/api/model"
	"github.com/courseloom/api/utils/cache"
	"gorm.io/datatypes"
)

// EnrollmentService is the orchestrator for the purchase lifecycle: it
// creates checkout sessions, and on confirmation (redirect or webhook)
// verifies the provider status and performs the atomic enroll-once
// transition.
type EnrollmentService struct {
	gateway     CheckoutGateway
	ledger      Ledger
	enrollments EnrollmentStore
	courses     CourseStore
	cache       *cache.RedisCache // optional, used for webhook event dedup

	clientURL      string
	currency       string
	gatewayTimeout time.Duration
}

// EnrollmentServiceConfig holds the orchestrator's wiring
type EnrollmentServiceConfig struct {
	Gateway        CheckoutGateway
	Ledger         Ledger
	Enrollments    EnrollmentStore
	Courses        CourseStore
	Cache          *cache.RedisCache
	ClientURL      string
	Currency       string
	GatewayTimeout time.Duration
}

// NewEnrollmentService creates a new enrollment orchestrator
func NewEnrollmentService(cfg EnrollmentServiceConfig) *EnrollmentService {
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 10 * time.Second
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	return &EnrollmentService{
		gateway:        cfg.Gateway,
		ledger:         cfg.Ledger,
		enrollments:    cfg.Enrollments,
		courses:        cfg.Courses,
		cache:          cfg.Cache,
		clientURL:      cfg.ClientURL,
		currency:       cfg.Currency,
		gatewayTimeout: cfg.GatewayTimeout,
	}
}

// CheckoutIntent is returned to the client so it can redirect the buyer to
// the provider-hosted checkout page
type CheckoutIntent struct {
	SessionID string        `json:"session_id"`
	URL       string        `json:"url"`
	Amount    int64         `json:"amount"`
	Currency  string        `json:"currency"`
	Course    CourseSummary `json:"course"`
}

// CourseSummary is the course view embedded in payment responses
type CourseSummary struct {
	ID            uint   `json:"id"`
	Title         string `json:"title"`
	Price         int64  `json:"price"`
	DiscountPrice *int64 `json:"discount_price,omitempty"`
	ThumbnailURL  string `json:"thumbnail_url,omitempty"`
}

// ConfirmResult is the outcome of a confirmation attempt
type ConfirmResult struct {
	Paid           bool                 `json:"paid"`
	ProviderStatus string               `json:"provider_status,omitempty"`
	Payment        *model.PaymentRecord `json:"payment,omitempty"`
	Course         *CourseSummary       `json:"course,omitempty"`
	NewlyEnrolled  bool                 `json:"newly_enrolled,omitempty"`
}

func summarize(c *model.Course) CourseSummary {
	return CourseSummary{
		ID:            c.ID,
		Title:         c.Title,
		Price:         c.Price,
		DiscountPrice: c.DiscountPrice,
		ThumbnailURL:  c.ThumbnailURL,
	}
}

// InitiateCheckout records the buyer's intent to purchase: it creates a
// provider checkout session and a pending ledger record keyed by the
// session id. It never touches the enrollment set.
func (s *EnrollmentService) InitiateCheckout(ctx context.Context, buyer *model.User, courseID uint) (*CheckoutIntent, error) {
	course, err := s.courses.ByID(ctx, courseID)
	if err != nil {
		return nil, err
	}

	if !course.Published {
		return nil, ErrNotPurchasable
	}

	enrolled, err := s.enrollments.Exists(ctx, buyer.ID, courseID)
	if err != nil {
		return nil, fmt.Errorf("checking enrollment: %w", err)
	}
	if enrolled {
		return nil, ErrAlreadyEnrolled
	}

	amount := course.EffectivePrice()
	if amount <= 0 {
		return nil, ErrInvalidPrice
	}

	gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	session, err := s.gateway.CreateSession(gctx, CreateSessionParams{
		Amount:        amount,
		Currency:      s.currency,
		Name:          course.Title,
		Description:   checkoutDescription(course),
		ImageURL:      course.ThumbnailURL,
		SuccessURL:    s.clientURL + "/payment/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:     fmt.Sprintf("%s/courses/%d", s.clientURL, course.ID),
		CustomerEmail: buyer.Email,
		Metadata: map[string]string{
			"user_id":   fmt.Sprintf("%d", buyer.ID),
			"course_id": fmt.Sprintf("%d", course.ID),
		},
	})
	if err != nil {
		// No local state was written; the caller may simply retry.
		return nil, err
	}

	record := &model.PaymentRecord{
		UserID:        buyer.ID,
		CourseID:      course.ID,
		SessionID:     session.ID,
		Amount:        amount,
		Currency:      s.currency,
		Status:        model.PaymentPending,
		PaymentMethod: "card",
	}
	if err := s.ledger.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("recording payment intent: %w", err)
	}

	return &CheckoutIntent{
		SessionID: session.ID,
		URL:       session.URL,
		Amount:    amount,
		Currency:  s.currency,
		Course:    summarize(course),
	}, nil
}

func checkoutDescription(course *model.Course) string {
	if course.ShortDescription != "" {
		return course.ShortDescription
	}
	if len(course.Description) > 100 {
		return course.Description[:100]
	}
	if course.Description != "" {
		return course.Description
	}
	return "Course enrollment"
}

// ConfirmCheckout is the redirect-path confirmation. The provider's view of
// the session is authoritative; the local record may be stale or the call
// may arrive before any webhook does. Safe to retry and safe to race with
// the webhook path: the finalize step is a conditional, atomic store
// operation.
func (s *EnrollmentService) ConfirmCheckout(ctx context.Context, sessionID string, buyerID uint) (*ConfirmResult, error) {
	record, err := s.ledger.BySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if record.UserID != buyerID {
		return nil, ErrForbidden
	}

	gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	status, err := s.gateway.RetrieveSession(gctx, sessionID)
	if err != nil {
		// Neither success nor failure may be assumed here: the record stays
		// pending and the client retries.
		return nil, err
	}

	if !status.Paid {
		if _, err := s.ledger.MarkStatusIfPending(ctx, sessionID, model.PaymentFailed); err != nil {
			return nil, fmt.Errorf("marking payment failed: %w", err)
		}
		return &ConfirmResult{Paid: false, ProviderStatus: status.RawStatus}, nil
	}

	outcome, err := s.enrollments.Finalize(ctx, sessionID, status.PaymentIntentID, status.ReceiptURL)
	if err != nil {
		return nil, err
	}

	result := &ConfirmResult{
		Paid:          true,
		Payment:       outcome.Payment,
		NewlyEnrolled: outcome.NewlyEnrolled,
	}
	if course, err := s.courses.ByID(ctx, outcome.Payment.CourseID); err == nil {
		summary := summarize(course)
		result.Course = &summary
	}
	return result, nil
}

// ProcessEvent is the asynchronous webhook path. It converges on the same
// finalize logic as ConfirmCheckout and is idempotent against duplicate
// deliveries and against a redirect confirmation that already completed.
// A non-nil error tells the handler to NOT acknowledge, so the provider
// redelivers.
func (s *EnrollmentService) ProcessEvent(ctx context.Context, event *WebhookEvent) error {
	if s.alreadyProcessed(ctx, event.ID) {
		return nil
	}

	switch event.Type {
	case EventCheckoutCompleted:
		if event.PaymentStatus != "" && event.PaymentStatus != "paid" {
			// Session completed but payment still settling; the provider
			// sends a follow-up event once it resolves.
			return nil
		}
		if _, err := s.ledger.BySessionID(ctx, event.SessionID); err != nil {
			if errors.Is(err, ErrNotFound) {
				// No local intent for this session; nothing to fulfill.
				log.Printf("webhook: no payment record for session %s", event.SessionID)
				return nil
			}
			// A transient store failure must not be acknowledged; the
			// provider redelivers the event.
			return fmt.Errorf("looking up payment for session %s: %w", event.SessionID, err)
		}
		paymentIntentID, receiptURL := s.receiptFields(ctx, event)
		if _, err := s.enrollments.Finalize(ctx, event.SessionID, paymentIntentID, receiptURL); err != nil {
			return err
		}

	case EventCheckoutExpired:
		if _, err := s.ledger.MarkStatusIfPending(ctx, event.SessionID, model.PaymentCanceled); err != nil {
			return err
		}

	case EventAsyncPaymentFailed:
		if _, err := s.ledger.MarkStatusIfPending(ctx, event.SessionID, model.PaymentFailed); err != nil {
			return err
		}

	default:
		log.Printf("webhook: ignoring event type %s", event.Type)
		return nil
	}

	if len(event.Raw) > 0 && event.SessionID != "" {
		if err := s.ledger.SavePayload(ctx, event.SessionID, datatypes.JSON(event.Raw)); err != nil {
			log.Printf("webhook: failed to save payload for session %s: %v", event.SessionID, err)
		}
	}

	s.markProcessed(ctx, event.ID)
	return nil
}

// receiptFields resolves the payment intent id and receipt reference for a
// webhook fulfillment. The event payload rarely carries the receipt, so the
// session is re-fetched; fulfillment of a signed paid event does not depend
// on that fetch succeeding.
func (s *EnrollmentService) receiptFields(ctx context.Context, event *WebhookEvent) (paymentIntentID, receiptURL string) {
	paymentIntentID = event.PaymentIntentID

	gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	status, err := s.gateway.RetrieveSession(gctx, event.SessionID)
	if err != nil {
		log.Printf("webhook: could not fetch receipt for session %s: %v", event.SessionID, err)
		return paymentIntentID, ""
	}
	if status.PaymentIntentID != "" {
		paymentIntentID = status.PaymentIntentID
	}
	return paymentIntentID, status.ReceiptURL
}

// alreadyProcessed short-circuits duplicate webhook deliveries. The store's
// conditional updates already make reprocessing harmless, so a cache miss
// (or no cache at all) just means a little redundant work.
func (s *EnrollmentService) alreadyProcessed(ctx context.Context, eventID string) bool {
	if s.cache == nil || eventID == "" {
		return false
	}
	seen, err := s.cache.Exists(ctx, "stripe:event:"+eventID)
	return err == nil && seen
}

func (s *EnrollmentService) markProcessed(ctx context.Context, eventID string) {
	if s.cache == nil || eventID == "" {
		return
	}
	if err := s.cache.Set(ctx, "stripe:event:"+eventID, "1", 72*time.Hour); err != nil {
		log.Printf("webhook: failed to record processed event %s: %v", eventID, err)
	}
}

// ListPayments returns the buyer's payment history, newest first
func (s *EnrollmentService) ListPayments(ctx context.Context, userID uint, page, limit int) ([]model.PaymentRecord, int64, error) {
	return s.ledger.ListByUser(ctx, userID, page, limit)
}

// ListEnrollments returns the user's current enrollments
func (s *EnrollmentService) ListEnrollments(ctx context.Context, userID uint) ([]model.Enrollment, error) {
	return s.enrollments.ListByUser(ctx, userID)
}
