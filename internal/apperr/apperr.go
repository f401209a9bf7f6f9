// Package apperr holds the error conditions shared by the engine packages.
// Callers match them with errors.Is; producers wrap them with context.
package apperr

import "github.com/pkg/errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidState     = errors.New("invalid state for operation")
	ErrValidation       = errors.New("validation failed")
	ErrCapacityExceeded = errors.New("intake capacity exceeded")
	ErrRateLimited      = errors.New("rate limited")
	ErrStore            = errors.New("store failure")
	ErrPipeline         = errors.New("pipeline failure")
	ErrShuttingDown     = errors.New("server is shutting down")
	ErrDuplicateID      = errors.New("duplicate id")
)

// Validation returns an ErrValidation carrying msg.
func Validation(msg string) error {
	return errors.Wrap(ErrValidation, msg)
}
