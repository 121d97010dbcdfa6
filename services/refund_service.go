package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// RefundService reverses a completed enrollment: provider refund first,
// then the atomic local reversal (refunded status, enrollment removal,
// counter decrements).
type RefundService struct {
	gateway     CheckoutGateway
	ledger      Ledger
	enrollments EnrollmentStore

	gatewayTimeout time.Duration
	retryAttempts  int
	retryBackoff   time.Duration
}

// NewRefundService creates a new refund coordinator
func NewRefundService(gateway CheckoutGateway, ledger Ledger, enrollments EnrollmentStore, gatewayTimeout time.Duration) *RefundService {
	if gatewayTimeout <= 0 {
		gatewayTimeout = 10 * time.Second
	}
	return &RefundService{
		gateway:        gateway,
		ledger:         ledger,
		enrollments:    enrollments,
		gatewayTimeout: gatewayTimeout,
		retryAttempts:  5,
		retryBackoff:   200 * time.Millisecond,
	}
}

// RefundOutcome describes a completed refund
type RefundOutcome struct {
	RefundID string `json:"refund_id"`
	Amount   int64  `json:"amount"`
	Status   string `json:"status,omitempty"`
}

// Refund refunds a succeeded payment and removes the matching enrollment.
// Only succeeded payments are refundable; anything else is ErrInvalidState,
// which also covers double-refund attempts.
//
// Once the provider refund has gone through, the money has moved: the local
// reversal is retried until durable rather than reported as a failure.
func (s *RefundService) Refund(ctx context.Context, paymentID uint, reason string) (*RefundOutcome, error) {
	record, err := s.ledger.ByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if !record.Refundable() {
		return nil, fmt.Errorf("%w: cannot refund a %s payment", ErrInvalidState, record.Status)
	}

	paymentRef := record.PaymentIntentID
	if paymentRef == "" {
		paymentRef = record.SessionID
	}

	gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	refund, err := s.gateway.CreateRefund(gctx, paymentRef, record.Amount)
	if err != nil {
		// Nothing moved; no local mutation either.
		return nil, err
	}

	if err := s.reverseWithRetry(ctx, record.ID, refund, reason); err != nil {
		return nil, err
	}

	return &RefundOutcome{RefundID: refund.ID, Amount: refund.Amount, Status: refund.Status}, nil
}

func (s *RefundService) reverseWithRetry(ctx context.Context, paymentID uint, refund *RefundResult, reason string) error {
	var lastErr error
	for attempt := 0; attempt < s.retryAttempts; attempt++ {
		err := s.enrollments.Reverse(ctx, paymentID, refund.ID, refund.Amount, reason)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrInvalidState) {
			// A concurrent refund of the same payment won the reversal; the
			// ledger is consistent, but this call double-charged the provider
			// refund and must be surfaced.
			return err
		}
		lastErr = err
		log.Printf("refund: local reversal attempt %d for payment %d failed: %v", attempt+1, paymentID, err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("refund %s issued but local reversal interrupted: %w", refund.ID, ctx.Err())
		case <-time.After(s.retryBackoff * time.Duration(attempt+1)):
		}
	}
	return fmt.Errorf("refund %s issued but local reversal failed: %w", refund.ID, lastErr)
}
