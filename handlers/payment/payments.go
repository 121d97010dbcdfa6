package payment

import (
	"errors"
	"strconv"

	"github.com/courseloom/api/services"
	"github.com/courseloom/api/utils/middleware"
	"github.com/courseloom/api/utils/response"
	"github.com/courseloom/api/utils/validation"
	"github.com/gofiber/fiber/v2"
)

// PaymentHandler handles payment-related requests
type PaymentHandler struct {
	enrollments *services.EnrollmentService
	refunds     *services.RefundService
	gateway     services.CheckoutGateway
	validator   *validation.Validator
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(enrollments *services.EnrollmentService, refunds *services.RefundService, gateway services.CheckoutGateway) *PaymentHandler {
	return &PaymentHandler{
		enrollments: enrollments,
		refunds:     refunds,
		gateway:     gateway,
		validator:   validation.NewValidator(),
	}
}

// CreateIntentRequest represents the request body for creating a checkout session
type CreateIntentRequest struct {
	CourseID uint `json:"course_id" validate:"required,min=1"`
}

// ConfirmRequest represents the request body for confirming a checkout.
// The field keeps its historical name; it carries the checkout session id.
type ConfirmRequest struct {
	PaymentIntentID string `json:"payment_intent_id" validate:"required"`
}

// RefundRequest represents the request body for refunding a payment
type RefundRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=200"`
}

// CreateIntent handles POST /api/v1/payments/create-intent
func (h *PaymentHandler) CreateIntent(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	var req CreateIntentRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, err)
	}

	intent, err := h.enrollments.InitiateCheckout(c.Context(), user, req.CourseID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNotFound):
			return response.NotFound(c, "Course not found")
		case errors.Is(err, services.ErrAlreadyEnrolled):
			return response.BadRequest(c, "Already enrolled in this course")
		case errors.Is(err, services.ErrNotPurchasable):
			return response.BadRequest(c, "Course is not available for purchase")
		case errors.Is(err, services.ErrInvalidPrice):
			return response.BadRequest(c, "Invalid course price")
		case errors.Is(err, services.ErrGatewayUnavailable):
			return response.ServiceUnavailable(c, "Payment provider is unavailable, please try again")
		}
		return response.InternalServerError(c, "Failed to create payment session")
	}

	return response.Success(c, intent)
}

// Confirm handles POST /api/v1/payments/confirm
func (h *PaymentHandler) Confirm(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	var req ConfirmRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, err)
	}

	result, err := h.enrollments.ConfirmCheckout(c.Context(), req.PaymentIntentID, user.ID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNotFound):
			return response.NotFound(c, "Payment record not found")
		case errors.Is(err, services.ErrForbidden):
			return response.Forbidden(c, "Not authorized to access this payment")
		case errors.Is(err, services.ErrGatewayUnavailable):
			// The external operation may still complete; the record stays
			// pending and the client may retry safely.
			return response.ServiceUnavailable(c, "Payment provider is unavailable, please retry")
		case errors.Is(err, services.ErrInvalidState):
			return response.BadRequest(c, "Payment is not in a confirmable state")
		}
		return response.InternalServerError(c, "Failed to confirm payment")
	}

	if !result.Paid {
		return response.ErrorWithData(c, fiber.StatusBadRequest,
			"Payment was not completed", "PAYMENT_NOT_COMPLETED",
			fiber.Map{"status": result.ProviderStatus})
	}

	return response.SuccessWithMessage(c, "Payment successful and enrolled in course", fiber.Map{
		"payment": fiber.Map{
			"id":     result.Payment.ID,
			"amount": result.Payment.Amount,
			"status": result.Payment.Status,
		},
		"course": result.Course,
	})
}

// Webhook handles POST /api/v1/payments/webhook. The route is public but
// provider-signed; nothing is processed before the signature verifies, and
// the event is acknowledged only after local processing succeeded so the
// provider redelivers on failure.
func (h *PaymentHandler) Webhook(c *fiber.Ctx) error {
	payload := c.Body()
	signature := c.Get("Stripe-Signature")

	event, err := h.gateway.VerifyWebhook(payload, signature)
	if err != nil {
		return response.BadRequest(c, "Webhook signature verification failed")
	}

	if err := h.enrollments.ProcessEvent(c.Context(), event); err != nil {
		return response.InternalServerError(c, "Webhook processing failed")
	}

	return c.JSON(fiber.Map{"received": true})
}

// History handles GET /api/v1/payments/history
func (h *PaymentHandler) History(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "10"))

	records, total, err := h.enrollments.ListPayments(c.Context(), user.ID, page, limit)
	if err != nil {
		return response.InternalServerError(c, "Failed to fetch payment history")
	}

	return response.Paginated(c, records, response.CalculatePagination(page, limit, total))
}

// Refund handles POST /api/v1/payments/:id/refund (admin only)
func (h *PaymentHandler) Refund(c *fiber.Ctx) error {
	paymentID, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return response.BadRequest(c, "Invalid payment id")
	}

	var req RefundRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return response.BadRequest(c, "Invalid request body")
		}
		if err := h.validator.ValidateStruct(req); err != nil {
			return response.ValidationError(c, err)
		}
	}

	outcome, err := h.refunds.Refund(c.Context(), uint(paymentID), validation.SanitizeString(req.Reason))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNotFound):
			return response.NotFound(c, "Payment not found")
		case errors.Is(err, services.ErrInvalidState):
			return response.BadRequest(c, "Can only refund successful payments")
		case errors.Is(err, services.ErrGatewayUnavailable):
			return response.ServiceUnavailable(c, "Payment provider is unavailable, please retry")
		}
		return response.InternalServerError(c, "Failed to refund payment")
	}

	return response.SuccessWithMessage(c, "Payment refunded successfully", fiber.Map{
		"refund": outcome,
	})
}
