package services

import (
	"context"

	"github.com/courseloom/api/model"
	"gorm.io/datatypes"
)

// Ledger is the durable record of payment attempts and outcomes. Records
// are keyed by the external checkout session id and never deleted.
type Ledger interface {
	Create(ctx context.Context, record *model.PaymentRecord) error
	BySessionID(ctx context.Context, sessionID string) (*model.PaymentRecord, error)
	ByID(ctx context.Context, id uint) (*model.PaymentRecord, error)
	ListByUser(ctx context.Context, userID uint, page, limit int) ([]model.PaymentRecord, int64, error)

	// MarkStatusIfPending transitions pending -> status for the given session
	// and reports whether this call performed the transition. A record that is
	// no longer pending is left untouched.
	MarkStatusIfPending(ctx context.Context, sessionID string, status model.PaymentStatus) (bool, error)

	// SavePayload attaches the raw provider event to the record for audit
	SavePayload(ctx context.Context, sessionID string, payload datatypes.JSON) error
}

// FinalizeOutcome reports what an atomic purchase finalization did
type FinalizeOutcome struct {
	Payment       *model.PaymentRecord
	NewlyEnrolled bool
}

// EnrollmentStore owns the enrollment set and the two atomic multi-row
// mutations of the purchase lifecycle. Course aggregate counters are only
// ever touched inside these units, never independently.
type EnrollmentStore interface {
	Exists(ctx context.Context, userID, courseID uint) (bool, error)
	ListByUser(ctx context.Context, userID uint) ([]model.Enrollment, error)

	// Finalize atomically: transitions the payment pending -> succeeded
	// (a no-op when already succeeded), inserts the enrollment if absent,
	// and bumps course counters only when the insert won. Returns
	// ErrInvalidState when the payment is failed or canceled locally.
	Finalize(ctx context.Context, sessionID, paymentIntentID, receiptURL string) (*FinalizeOutcome, error)

	// Reverse atomically: transitions succeeded -> refunded with the refund
	// fields, removes the matching enrollment, and decrements course counters
	// floored at zero. Returns ErrInvalidState when the payment is not
	// currently succeeded.
	Reverse(ctx context.Context, paymentID uint, refundID string, refundAmount int64, reason string) error
}

// CourseStore is the course-lookup collaborator the orchestrator consumes
type CourseStore interface {
	ByID(ctx context.Context, id uint) (*model.Course, error)
}
