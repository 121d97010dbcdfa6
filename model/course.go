package model

import (
	"time"

	"gorm.io/gorm"
)

// Course represents a purchasable course in the catalog.
// Price fields are stored in the smallest currency unit (e.g., cents).
type Course struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
	Title            string         `gorm:"not null" json:"title"`
	ShortDescription string         `gorm:"type:varchar(200)" json:"short_description"`
	Description      string         `gorm:"type:text" json:"description"`
	InstructorID     uint           `gorm:"not null;index" json:"instructor_id"`
	Price            int64          `gorm:"not null" json:"price"`
	DiscountPrice    *int64         `json:"discount_price,omitempty"`
	ThumbnailURL     string         `gorm:"type:varchar(1024)" json:"thumbnail_url"`
	Published        bool           `gorm:"default:false;index" json:"published"`

	// Aggregate counters, mutated only in the same transaction as the
	// enrollment insert/delete they reflect.
	TotalEnrollments int64 `gorm:"default:0" json:"total_enrollments"`
	TotalRevenue     int64 `gorm:"default:0" json:"total_revenue"`

	// Relationships
	Instructor  User         `gorm:"foreignKey:InstructorID" json:"instructor,omitempty"`
	Lectures    []Lecture    `gorm:"foreignKey:CourseID;constraint:OnDelete:CASCADE" json:"lectures,omitempty"`
	Enrollments []Enrollment `gorm:"foreignKey:CourseID;constraint:OnDelete:CASCADE" json:"-"`
}

// EffectivePrice returns the discount price when one is set and lower
// than the list price, otherwise the list price.
func (c *Course) EffectivePrice() int64 {
	if c.DiscountPrice != nil && *c.DiscountPrice > 0 && *c.DiscountPrice < c.Price {
		return *c.DiscountPrice
	}
	return c.Price
}

// Lecture represents a single unit of course content
type Lecture struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
	CourseID    uint           `gorm:"not null;index" json:"course_id"`
	Title       string         `gorm:"not null" json:"title"`
	Description string         `gorm:"type:text" json:"description"`
	VideoURL    string         `gorm:"type:varchar(1024)" json:"video_url"`
	Duration    int            `gorm:"default:0" json:"duration"` // minutes
	Position    int            `gorm:"not null" json:"position"`

	Course Course `gorm:"foreignKey:CourseID;constraint:OnDelete:CASCADE" json:"-"`
}
