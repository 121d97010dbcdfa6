package enrollment

import (
	"github.com/courseloom/api/services"
	"github.com/courseloom/api/utils/middleware"
	"github.com/courseloom/api/utils/response"
	"github.com/gofiber/fiber/v2"
)

// EnrollmentHandler serves the caller's enrollment list
type EnrollmentHandler struct {
	enrollments *services.EnrollmentService
}

// NewEnrollmentHandler creates a new enrollment handler
func NewEnrollmentHandler(enrollments *services.EnrollmentService) *EnrollmentHandler {
	return &EnrollmentHandler{enrollments: enrollments}
}

// MyEnrollments handles GET /api/v1/enrollments/me
func (h *EnrollmentHandler) MyEnrollments(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	enrollments, err := h.enrollments.ListEnrollments(c.Context(), user.ID)
	if err != nil {
		return response.InternalServerError(c, "Failed to fetch enrollments")
	}

	return response.Success(c, enrollments)
}
