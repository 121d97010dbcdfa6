package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/courseloom/api/model"
	"github.com/courseloom/api/services"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EnrollmentRepository owns the enrollment set and the two atomic purchase
// mutations. Course counters are only ever written inside these
// transactions so they cannot drift from the enrollment set.
type EnrollmentRepository struct {
	db *gorm.DB
}

// NewEnrollmentRepository creates a new enrollment repository
func NewEnrollmentRepository(db *gorm.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// Exists reports whether the user is enrolled in the course
func (r *EnrollmentRepository) Exists(ctx context.Context, userID, courseID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Enrollment{}).
		Where("user_id = ? AND course_id = ?", userID, courseID).
		Count(&count).Error
	return count > 0, err
}

// ListByUser returns the user's enrollments with their courses
func (r *EnrollmentRepository) ListByUser(ctx context.Context, userID uint) ([]model.Enrollment, error) {
	var enrollments []model.Enrollment
	err := r.db.WithContext(ctx).
		Preload("Course").
		Where("user_id = ?", userID).
		Order("enrolled_at DESC").
		Find(&enrollments).Error
	return enrollments, err
}

// Finalize is the enroll-once transition. Everything happens in a single
// transaction:
//
//  1. pending -> succeeded as a conditional UPDATE; a concurrent writer that
//     already succeeded makes this a no-op instead of a double mutation.
//  2. enrollment insert with ON CONFLICT DO NOTHING against the
//     (user_id, course_id) unique index; exactly one of the racing webhook
//     and redirect paths wins the insert.
//  3. counter bumps only when the insert won, so totals move by exactly one
//     enrollment and one payment amount.
func (r *EnrollmentRepository) Finalize(ctx context.Context, sessionID, paymentIntentID, receiptURL string) (*services.FinalizeOutcome, error) {
	outcome := &services.FinalizeOutcome{}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record model.PaymentRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session_id = ?", sessionID).
			First(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: payment for session %s", services.ErrNotFound, sessionID)
			}
			return err
		}

		switch record.Status {
		case model.PaymentPending:
			updates := map[string]interface{}{"status": model.PaymentSucceeded}
			if paymentIntentID != "" {
				updates["payment_intent_id"] = paymentIntentID
			}
			if receiptURL != "" {
				updates["receipt_url"] = receiptURL
			}
			res := tx.Model(&model.PaymentRecord{}).
				Where("session_id = ? AND status = ?", sessionID, model.PaymentPending).
				Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			record.Status = model.PaymentSucceeded
			if paymentIntentID != "" {
				record.PaymentIntentID = paymentIntentID
			}
			if receiptURL != "" {
				record.ReceiptURL = receiptURL
			}
		case model.PaymentSucceeded:
			// Duplicate confirmation; money fields stay untouched.
		default:
			// Provider says paid but the record is terminally failed or
			// canceled locally; that transition is not valid.
			return fmt.Errorf("%w: payment for session %s is %s", services.ErrInvalidState, sessionID, record.Status)
		}

		enrollment := model.Enrollment{
			UserID:     record.UserID,
			CourseID:   record.CourseID,
			EnrolledAt: time.Now().UTC(),
			Progress:   0,
		}
		ins := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "course_id"}},
			DoNothing: true,
		}).Create(&enrollment)
		if ins.Error != nil {
			return ins.Error
		}

		if ins.RowsAffected == 1 {
			if err := tx.Model(&model.Course{}).
				Where("id = ?", record.CourseID).
				Updates(map[string]interface{}{
					"total_enrollments": gorm.Expr("total_enrollments + 1"),
					"total_revenue":     gorm.Expr("total_revenue + ?", record.Amount),
				}).Error; err != nil {
				return err
			}
			outcome.NewlyEnrolled = true
		}

		outcome.Payment = &record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// Reverse undoes a fulfilled purchase after a provider refund. The
// conditional succeeded -> refunded UPDATE guards against double reversal;
// counter decrements are floored at zero.
func (r *EnrollmentRepository) Reverse(ctx context.Context, paymentID uint, refundID string, refundAmount int64, reason string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.PaymentRecord{}).
			Where("id = ? AND status = ?", paymentID, model.PaymentSucceeded).
			Updates(map[string]interface{}{
				"status":        model.PaymentRefunded,
				"refund_id":     refundID,
				"refund_amount": refundAmount,
				"refund_reason": reason,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: payment %d is not refundable", services.ErrInvalidState, paymentID)
		}

		var record model.PaymentRecord
		if err := tx.First(&record, paymentID).Error; err != nil {
			return err
		}

		del := tx.Where("user_id = ? AND course_id = ?", record.UserID, record.CourseID).
			Delete(&model.Enrollment{})
		if del.Error != nil {
			return del.Error
		}

		if del.RowsAffected == 1 {
			if err := tx.Model(&model.Course{}).
				Where("id = ?", record.CourseID).
				Updates(map[string]interface{}{
					"total_enrollments": gorm.Expr("GREATEST(total_enrollments - 1, 0)"),
					"total_revenue":     gorm.Expr("GREATEST(total_revenue - ?, 0)", record.Amount),
				}).Error; err != nil {
				return err
			}
		}

		return nil
	})
}
