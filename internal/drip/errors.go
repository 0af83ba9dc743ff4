package drip

import (
	"errors"
	"fmt"
)

// Adapters wrap these so the engine can classify failures.
var (
	// ErrTransient covers timeouts, rate limiting and server errors. The
	// stage is retried on the next run.
	ErrTransient = errors.New("transient delivery failure")
	// ErrPermanentRecipient means the address can never receive mail.
	ErrPermanentRecipient = errors.New("permanent recipient failure")
	// ErrUnauthorized means the provider rejected our credentials.
	ErrUnauthorized = errors.New("provider rejected credentials")
	// ErrUnsupported is returned by providers that lack an operation.
	ErrUnsupported = errors.New("operation not supported by provider")
	// ErrNotConfirmed guards destructive actions.
	ErrNotConfirmed = errors.New("destructive action requires confirmation")
)

// StructuralError aborts a run. The CLI exits non-zero on it.
type StructuralError struct {
	Step string
	Err  error
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StructuralError) Unwrap() error { return e.Err }

func structural(step string, err error) error {
	return &StructuralError{Step: step, Err: err}
}

// IsStructural reports whether err aborted the run.
func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}
