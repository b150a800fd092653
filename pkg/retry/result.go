package retry

import (
	"errors"
	"fmt"
)

// ErrExhausted is returned by Result.Unwrap when every attempt failed with a
// retryable error.
var ErrExhausted = errors.New("retries exhausted")

// Outcome tags which arm of a Result is populated
type Outcome int

const (
	OutcomeOk Outcome = iota
	OutcomeExhausted
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOk:
		return "ok"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the outcome of a retried operation. A value is only reachable
// through Value or Unwrap, both of which report whether it is real.
type Result[T any] struct {
	outcome  Outcome
	value    T
	err      error
	attempts int
}

// Ok builds a successful result
func Ok[T any](v T, attempts int) Result[T] {
	return Result[T]{outcome: OutcomeOk, value: v, attempts: attempts}
}

// Exhausted builds a result whose attempts all failed; last is the final error
func Exhausted[T any](last error, attempts int) Result[T] {
	return Result[T]{outcome: OutcomeExhausted, err: last, attempts: attempts}
}

// Failed builds a result for an error that was classified fatal
func Failed[T any](err error, attempts int) Result[T] {
	return Result[T]{outcome: OutcomeFatal, err: err, attempts: attempts}
}

// Outcome reports how the retried call ended
func (r Result[T]) Outcome() Outcome { return r.outcome }

// IsOk reports whether an attempt succeeded
func (r Result[T]) IsOk() bool { return r.outcome == OutcomeOk }

// IsExhausted reports whether every attempt failed with a retryable error
func (r Result[T]) IsExhausted() bool {
	return r.outcome == OutcomeExhausted
}

// IsFatal reports whether an attempt failed with an error classified fatal
func (r Result[T]) IsFatal() bool { return r.outcome == OutcomeFatal }

// Attempts is the number of times the operation ran
func (r Result[T]) Attempts() int { return r.attempts }

// Value returns the value and true only for an Ok result
func (r Result[T]) Value() (T, bool) {
	return r.value, r.outcome == OutcomeOk
}

// Err returns the last error seen. It is nil for Ok results.
func (r Result[T]) Err() error { return r.err }

// Unwrap converts the result into Go's value, error convention. Exhausted
// results wrap ErrExhausted and the last error; fatal results return the
// classified error unchanged.
func (r Result[T]) Unwrap() (T, error) {
	switch r.outcome {
	case OutcomeOk:
		return r.value, nil
	case OutcomeExhausted:
		var zero T
		return zero, &ExhaustedError{Attempts: r.attempts, Last: r.err}
	default:
		var zero T
		return zero, r.err
	}
}

// ExhaustedError carries the attempt count and the final failure
type ExhaustedError struct {
	Attempts int
	Last     error
}

// Error names the attempt count and the last failure
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrExhausted, e.Attempts, e.Last)
}

// Is makes errors.Is(err, ErrExhausted) hold
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

// Unwrap returns the last failure
func (e *ExhaustedError) Unwrap() error {
	return e.Last
}
