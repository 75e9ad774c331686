package muninn

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by every operation once the DB has been closed.
var ErrClosed = errors.New("muninn: database is closed")

// ValidationError reports rejected input: blank descriptions, unknown
// node types, schema-violating edges. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports a referenced node that does not exist. Kind
// names the role the id played in the call ("parent", "subject",
// "context", ...).
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s: not found", e.Kind, e.ID)
}

// CycleError reports a SUBIDEA_OF write that would make a scenario its
// own ancestor.
type CycleError struct {
	ScenarioID string
	ParentID   string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("attaching scenario %s under %s would create a cycle", e.ScenarioID, e.ParentID)
}

// StoreUnavailableError reports a backing store (graph engine or
// embedding provider) that stayed unreachable through the configured
// retries. Wraps the final attempt's error.
type StoreUnavailableError struct {
	Store    string
	Attempts int
	Err      error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable after %d attempts: %v", e.Store, e.Attempts, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// Retry is the backoff policy applied to transient store failures.
// Validation, not-found and cycle errors are never retried.
type Retry struct {
	// Attempts is the total number of tries, including the first.
	Attempts int

	// Backoff is the delay before the first retry; it doubles on each
	// subsequent retry up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// Jitter is the fraction of the delay randomized away (0.0-1.0) so
	// concurrent retries don't synchronize.
	Jitter float64
}

// DefaultRetry returns the retry policy used when Config.Retry is zero:
// 3 attempts, 100ms initial backoff doubling to at most 2s, 20% jitter.
func DefaultRetry() Retry {
	return Retry{
		Attempts:   3,
		Backoff:    100 * time.Millisecond,
		MaxBackoff: 2 * time.Second,
		Jitter:     0.2,
	}
}
