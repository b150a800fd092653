package retry

import (
	"errors"
)

// Class decides whether a failure is worth another attempt
type Class int

const (
	Retryable Class = iota
	Fatal
)

func (c Class) String() string {
	if c == Fatal {
		return "fatal"
	}
	return "retryable"
}

// Classifier maps an error to a Class
type Classifier func(err error) Class

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as fatal regardless of the executor's classifier
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Chain returns a classifier that reports Fatal when any of the sentinels
// match err with errors.Is, and Retryable otherwise.
func Chain(fatal ...error) Classifier {
	return func(err error) Class {
		for _, f := range fatal {
			if errors.Is(err, f) {
				return Fatal
			}
		}
		return Retryable
	}
}

// DefaultClassifier retries everything that was not marked Permanent
func DefaultClassifier(error) Class {
	return Retryable
}
