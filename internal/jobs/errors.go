package jobs

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("job not found")
	ErrPreconditionFailed = errors.New("precondition failed")
)

// ValidationError describes a rejected request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// PreconditionError reports an operation that the job's current state does
// not allow. Status is the job's status at the time of the check.
type PreconditionError struct {
	Status string
	Reason string
}

func (e *PreconditionError) Error() string {
	return e.Reason
}

func (e *PreconditionError) Unwrap() error {
	return ErrPreconditionFailed
}
