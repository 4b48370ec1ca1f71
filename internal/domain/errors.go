// Package domain defines the core business entities and errors.
package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when an entity or command fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition is returned when a status change is not permitted
	// by the task lifecycle graph.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrIllegalCancellation is returned when cancelling a task that has
	// already completed or failed.
	ErrIllegalCancellation = errors.New("task cannot be cancelled in its current status")

	// ErrInvalidStepCount is returned when completed steps would exceed
	// total steps.
	ErrInvalidStepCount = errors.New("completed steps exceed total steps")

	// ErrBatchTooLarge is returned when a batch create exceeds the admitted
	// maximum number of task specs.
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")
)
