package course

import (
	"errors"
	"strconv"

	"github.com/courseloom/api/repository"
	"github.com/courseloom/api/services"
	"github.com/courseloom/api/utils/response"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// CourseHandler serves the course lookups the checkout client needs
type CourseHandler struct {
	db      *gorm.DB
	courses *repository.CourseRepository
}

// NewCourseHandler creates a new course handler
func NewCourseHandler(db *gorm.DB) *CourseHandler {
	return &CourseHandler{
		db:      db,
		courses: repository.NewCourseRepository(db),
	}
}

// GetCourse handles GET /api/v1/courses/:id
func (h *CourseHandler) GetCourse(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return response.BadRequest(c, "Invalid course id")
	}

	course, err := h.courses.PublishedByID(c.Context(), uint(id))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return response.NotFound(c, "Course not found")
		}
		return response.InternalServerError(c, "Failed to fetch course")
	}

	return response.Success(c, course)
}
