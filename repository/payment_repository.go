package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/courseloom/api/model"
	"github.com/courseloom/api/services"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PaymentRepository is the GORM-backed ledger of payment attempts
type PaymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository creates a new payment repository
func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// Create persists a new payment record. The intent must be recorded before
// the buyer is redirected to the provider.
func (r *PaymentRepository) Create(ctx context.Context, record *model.PaymentRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

// BySessionID looks a record up by its external checkout session id
func (r *PaymentRepository) BySessionID(ctx context.Context, sessionID string) (*model.PaymentRecord, error) {
	var record model.PaymentRecord
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: payment for session %s", services.ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ByID looks a record up by its internal id
func (r *PaymentRepository) ByID(ctx context.Context, id uint) (*model.PaymentRecord, error) {
	var record model.PaymentRecord
	err := r.db.WithContext(ctx).First(&record, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: payment %d", services.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListByUser returns the user's payment records, newest first
func (r *PaymentRepository) ListByUser(ctx context.Context, userID uint, page, limit int) ([]model.PaymentRecord, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 10
	}

	query := r.db.WithContext(ctx).Model(&model.PaymentRecord{}).Where("user_id = ?", userID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var records []model.PaymentRecord
	err := query.Preload("Course").
		Order("created_at DESC").
		Limit(limit).
		Offset((page - 1) * limit).
		Find(&records).Error
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// MarkStatusIfPending performs the conditional pending -> status transition.
// The WHERE clause on the current status is what keeps the transition
// monotonic under concurrent writers: the second writer matches zero rows.
func (r *PaymentRepository) MarkStatusIfPending(ctx context.Context, sessionID string, status model.PaymentStatus) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.PaymentRecord{}).
		Where("session_id = ? AND status = ?", sessionID, model.PaymentPending).
		Update("status", status)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// SavePayload attaches the raw provider event to the record for audit
func (r *PaymentRepository) SavePayload(ctx context.Context, sessionID string, payload datatypes.JSON) error {
	return r.db.WithContext(ctx).
		Model(&model.PaymentRecord{}).
		Where("session_id = ?", sessionID).
		Update("provider_payload", payload).Error
}
