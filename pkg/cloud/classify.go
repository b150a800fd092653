package cloud

import (
	"context"
	"errors"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/retry"
)

// Classifier sorts provider and remote failures for the retry executor.
// Not-found is fatal because another attempt cannot make a deleted resource
// reappear; a malformed response is fatal unless retryMalformed is set.
// Everything else, including waiter timeouts and remote command failures,
// is retried.
func Classifier(retryMalformed bool) retry.Classifier {
	return func(err error) retry.Class {
		switch {
		case errors.Is(err, ErrNotFound):
			return retry.Fatal
		case errors.Is(err, ErrMalformedResponse) && !retryMalformed:
			return retry.Fatal
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return retry.Fatal
		}
		return retry.Retryable
	}
}
