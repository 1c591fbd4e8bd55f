package domain

import (
	"errors"
	"fmt"
)

// Error kinds shared by every service. Services wrap these with context via
// fmt.Errorf("…: %w", Err…) so callers can branch with errors.Is while the
// message keeps the entity and operation that failed.
var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("conflict")
	ErrExpired           = errors.New("expired")
	ErrSystemPaused      = errors.New("system paused")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstream          = errors.New("upstream error")
	ErrInternal          = errors.New("internal error")
)

// InvalidTransitionError reports a rejected state-machine move with the pair
// that was attempted.
func InvalidTransitionError(entity string, from, to fmt.Stringer) error {
	return fmt.Errorf("%s: %s -> %s: %w", entity, from, to, ErrInvalidTransition)
}

// InvalidFieldError reports a validation failure on a named field.
func InvalidFieldError(field, reason string) error {
	return fmt.Errorf("field %q: %s: %w", field, reason, ErrInvalidInput)
}
