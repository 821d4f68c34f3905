package domain

import (
	"errors"
	"fmt"
)

// ValidationError rejects bad input before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NotReadyError means the action needs an active chat session.
type NotReadyError struct {
	Op string
}

func (e *NotReadyError) Error() string {
	if e.Op == "" {
		return "chat client not ready"
	}
	return e.Op + ": chat client not ready"
}

// ConflictError is returned when a request collides with the current
// connection state (overlapping reconnect, already connected).
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return e.Reason }

type NotFoundError struct {
	What string
	ID   int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.What, e.ID)
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsNotReady(err error) bool {
	var v *NotReadyError
	return errors.As(err, &v)
}

func IsConflict(err error) bool {
	var v *ConflictError
	return errors.As(err, &v)
}

func IsNotFound(err error) bool {
	var v *NotFoundError
	return errors.As(err, &v)
}
