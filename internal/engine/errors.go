package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/dss/internal/visitation"
	"github.com/roach88/dss/internal/zipalign"
)

// ErrInvocationTimeout reports an invocation that overran its hard deadline.
// Its result is discarded, as a host discards a killed invocation.
var ErrInvocationTimeout = errors.New("engine: invocation deadline exceeded")

// InvocationError is the final failure of one step after retries.
type InvocationError struct {
	// Execution is the execution name.
	Execution string

	// Lane is the walker lane, or store.JobLane for job steps.
	Lane int

	// Step is the driver entry point that failed.
	Step string

	// Attempts is the number of attempts made.
	Attempts int

	Err error
}

// Error implements the error interface.
func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s: lane %d: %s failed after %d attempt(s): %v",
		e.Execution, e.Lane, e.Step, e.Attempts, e.Err)
}

// Unwrap returns the underlying error.
func (e *InvocationError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must not be retried: visitation errors
// (validation, unknown type, illegal transition) and zipalign ordering
// violations. Uses errors.As to handle wrapped errors.
func IsFatal(err error) bool {
	var ve *visitation.Error
	if errors.As(err, &ve) {
		return true
	}
	var oe *zipalign.OrderError
	return errors.As(err, &oe)
}

// IsInterrupted reports whether err stems from cancellation of the run
// itself rather than from a failed invocation.
func IsInterrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}
