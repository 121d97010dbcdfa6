package services

import "errors"

// Sentinel errors shared across the enrollment/payment services. Handlers
// map these to HTTP statuses with errors.Is, so every service error wraps
// one of them.
var (
	// ErrNotFound is returned when the referenced course or payment is missing
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyEnrolled rejects a checkout for a course the buyer already owns
	ErrAlreadyEnrolled = errors.New("already enrolled in this course")

	// ErrForbidden is returned when a payment does not belong to the requester
	ErrForbidden = errors.New("not authorized to access this payment")

	// ErrNotPurchasable is returned for unpublished courses
	ErrNotPurchasable = errors.New("course is not available for purchase")

	// ErrInvalidPrice is returned when the effective price is not positive
	ErrInvalidPrice = errors.New("invalid course price")

	// ErrInvalidState rejects transitions the payment lifecycle does not allow,
	// e.g. refunding a pending or already-refunded payment
	ErrInvalidState = errors.New("payment is not in a valid state for this operation")

	// ErrGatewayUnavailable means the payment provider could not be reached or
	// errored. It is explicitly NOT a payment outcome: callers may retry.
	ErrGatewayUnavailable = errors.New("payment provider unavailable")

	// ErrSignature is returned when webhook signature verification fails
	ErrSignature = errors.New("webhook signature verification failed")
)
