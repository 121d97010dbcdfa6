package model

import (
	"time"

	"gorm.io/datatypes"
)

// PaymentStatus is the lifecycle state of a payment record.
// Transitions are monotonic: pending -> (succeeded | failed | canceled),
// succeeded -> refunded. Nothing else is valid.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCanceled  PaymentStatus = "canceled"
	PaymentRefunded  PaymentStatus = "refunded"
)

// PaymentRecord is the ledger entry for a single purchase attempt.
// SessionID is the external checkout session id and doubles as the
// idempotency key: exactly one record exists per session. Records are
// never deleted.
type PaymentRecord struct {
	ID              uint          `gorm:"primaryKey" json:"id"`
	UserID          uint          `gorm:"not null;index" json:"user_id"`
	CourseID        uint          `gorm:"not null;index" json:"course_id"`
	SessionID       string        `gorm:"type:varchar(255);uniqueIndex;not null" json:"session_id"`
	PaymentIntentID string        `gorm:"type:varchar(255);index" json:"payment_intent_id,omitempty"`
	Amount          int64         `gorm:"not null" json:"amount"` // smallest currency unit
	Currency        string        `gorm:"type:varchar(10);default:'usd'" json:"currency"`
	Status          PaymentStatus `gorm:"type:varchar(20);default:'pending';index" json:"status"`
	PaymentMethod   string        `gorm:"type:varchar(50)" json:"payment_method"`
	ReceiptURL      string        `gorm:"type:varchar(1024)" json:"receipt_url,omitempty"`

	// Refund fields, set only when Status is refunded
	RefundID     string `gorm:"type:varchar(255)" json:"refund_id,omitempty"`
	RefundAmount int64  `json:"refund_amount,omitempty"`
	RefundReason string `gorm:"type:varchar(200)" json:"refund_reason,omitempty"`

	// Last raw provider event that touched this record, kept for audit
	ProviderPayload datatypes.JSON `json:"-"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relationships
	User   User   `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	Course Course `gorm:"foreignKey:CourseID;constraint:OnDelete:CASCADE" json:"course,omitempty"`
}

// TableName specifies the table name for PaymentRecord
func (PaymentRecord) TableName() string {
	return "payment_records"
}

// Refundable reports whether the record may transition to refunded
func (p *PaymentRecord) Refundable() bool {
	return p.Status == PaymentSucceeded
}
