package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/courseloom/api/model"
	"github.com/courseloom/api/services"
	"gorm.io/gorm"
)

// CourseRepository is the course-lookup collaborator
type CourseRepository struct {
	db *gorm.DB
}

// NewCourseRepository creates a new course repository
func NewCourseRepository(db *gorm.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

// ByID fetches a course by id
func (r *CourseRepository) ByID(ctx context.Context, id uint) (*model.Course, error) {
	var course model.Course
	err := r.db.WithContext(ctx).First(&course, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: course %d", services.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &course, nil
}

// PublishedByID fetches a course that is visible to buyers
func (r *CourseRepository) PublishedByID(ctx context.Context, id uint) (*model.Course, error) {
	var course model.Course
	err := r.db.WithContext(ctx).
		Preload("Lectures", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Where("published = ?", true).
		First(&course, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: course %d", services.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &course, nil
}
