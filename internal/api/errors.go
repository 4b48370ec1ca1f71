package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/autoedit/tate-api/internal/domain"
	"github.com/autoedit/tate-api/internal/service"
	"github.com/autoedit/tate-api/internal/store"
	"github.com/autoedit/tate-api/internal/task"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes by error
// type, so handlers never leak internal error classes to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	// Not found errors
	case errors.Is(err, service.ErrTaskNotFound),
		errors.Is(err, service.ErrProjectNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	// Lifecycle conflicts
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrIllegalCancellation):
		return http.StatusConflict

	// Bad request errors
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidStepCount),
		errors.Is(err, domain.ErrBatchTooLarge),
		errors.Is(err, task.ErrUnknownTaskType),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	// Duplicate identities
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict

	// Backpressure
	case errors.Is(err, task.ErrQueueFull):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-facing message for the
// error. Validation errors keep their text because it is built from the
// request itself; everything else maps to a fixed phrase.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, service.ErrTaskNotFound):
		return "Task not found"

	case errors.Is(err, service.ErrProjectNotFound):
		return "Project not found"

	case errors.Is(err, domain.ErrIllegalCancellation):
		return "Task cannot be cancelled in its current status"

	case errors.Is(err, domain.ErrInvalidTransition):
		return "Invalid status transition"

	case errors.Is(err, domain.ErrBatchTooLarge),
		errors.Is(err, domain.ErrInvalidStepCount),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, task.ErrUnknownTaskType):
		return err.Error()

	case errors.Is(err, store.ErrDuplicate):
		return "Resource already exists"

	case errors.Is(err, task.ErrQueueFull):
		return "Task queue is full, try again later"

	default:
		return "An unexpected error occurred"
	}
}

// respondError is the common error exit for handlers: it maps the error to
// a status and safe message.
func respondError(err error) (int, string) {
	return MapErrorToStatusCode(err), GetSafeErrorMessage(err)
}

// SanitizeValidationError turns a validator error into a short
// user-friendly message without echoing internal struct names.
func SanitizeValidationError(err error) string {
	errMsg := err.Error()

	if strings.Contains(errMsg, "Field validation") {
		// Example: "Key: 'CreateTaskRequest.Priority' Error:Field validation
		// for 'Priority' failed on the 'lte' tag"
		parts := strings.Split(errMsg, "Error:")
		if len(parts) >= 2 {
			fieldParts := strings.Split(parts[1], "'")
			if len(fieldParts) >= 3 {
				field := fieldParts[1]
				var tag string
				if len(fieldParts) >= 5 {
					tag = fieldParts[3]
				}
				if tag != "" {
					return "Invalid " + field + ": " + validationTagMessage(tag)
				}
				return "Invalid " + field
			}
		}
	}

	return "Validation error"
}

func validationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min", "gte":
		return "value too small"
	case "max", "lte":
		return "value too large"
	case "oneof":
		return "invalid value"
	default:
		return "validation failed"
	}
}
