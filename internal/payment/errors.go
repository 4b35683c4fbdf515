package payment

import (
	"errors"
	"fmt"

	"github.com/suspectuso/pay-intake/internal/storage"
)

// ErrValidation matches every *ValidationError.
var ErrValidation = errors.New("validation error")

// ValidationError is a malformed submission. Message is safe to show to clients.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }
func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// AlreadyProcessedError is returned when the hash is already recorded.
type AlreadyProcessedError struct {
	PaymentID int64
	Status    storage.Status
}

func (e *AlreadyProcessedError) Error() string {
	return "transaction already processed"
}

// VerificationError carries the verifier's rejection reason.
type VerificationError struct {
	Reason string
}

func (e *VerificationError) Error() string {
	return "transaction verification failed: " + e.Reason
}
