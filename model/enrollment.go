package model

import "time"

// Enrollment is the durable fact that a user has access to a course.
// The composite unique index on (user_id, course_id) is what enforces the
// at-most-once enrollment guarantee: both the webhook path and the redirect
// path insert with ON CONFLICT DO NOTHING and exactly one wins.
type Enrollment struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	UserID      uint       `gorm:"not null;uniqueIndex:idx_enrollments_user_course" json:"user_id"`
	CourseID    uint       `gorm:"not null;uniqueIndex:idx_enrollments_user_course" json:"course_id"`
	EnrolledAt  time.Time  `gorm:"not null" json:"enrolled_at"`
	Progress    int        `gorm:"default:0" json:"progress"` // 0-100
	Completed   bool       `gorm:"default:false" json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Relationships
	User   User   `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	Course Course `gorm:"foreignKey:CourseID;constraint:OnDelete:CASCADE" json:"course,omitempty"`
}

// TableName specifies the table name for Enrollment
func (Enrollment) TableName() string {
	return "enrollments"
}
