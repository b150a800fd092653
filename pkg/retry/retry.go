package retry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/log"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/metrics"
)

// Defaults for an Executor built with a zero Policy. Together they give a
// call about ten seconds to succeed.
const (
	DefaultMaxAttempts = 10
	DefaultDelay       = time.Second
)

// Policy bounds a retried call. Timeouts are expressed only as
// MaxAttempts x Delay.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
}

// Executor runs operations under a policy and a failure classifier. It is
// the only path by which cloud and remote calls are made.
type Executor struct {
	policy   Policy
	classify Classifier
	sleep    func(ctx context.Context, d time.Duration) error
	logger   zerolog.Logger
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithClassifier replaces the default retry-everything classifier
func WithClassifier(c Classifier) ExecutorOption {
	return func(e *Executor) { e.classify = c }
}

// WithSleep replaces the inter-attempt wait, mainly for tests
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) { e.sleep = fn }
}

// NewExecutor creates an executor with the given default policy. Zero fields
// fall back to 10 attempts and one second.
func NewExecutor(policy Policy, opts ...ExecutorOption) *Executor {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultMaxAttempts
	}
	if policy.Delay < 0 {
		policy.Delay = 0
	}
	e := &Executor{
		policy:   policy,
		classify: DefaultClassifier,
		sleep:    sleepContext,
		logger:   log.WithComponent("retry"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the executor's default policy
func (e *Executor) Policy() Policy {
	return e.policy
}

// CallOption overrides the policy for a single call
type CallOption func(*Policy)

// WithMaxAttempts overrides the attempt cap
func WithMaxAttempts(n int) CallOption {
	return func(p *Policy) {
		if n > 0 {
			p.MaxAttempts = n
		}
	}
}

// WithDelay overrides the fixed delay between attempts
func WithDelay(d time.Duration) CallOption {
	return func(p *Policy) {
		if d >= 0 {
			p.Delay = d
		}
	}
}

// Do invokes op until it succeeds, fails fatally, or the attempt cap is
// reached. Retryable failures never escape: they end as an Exhausted result.
// Context cancellation stops the loop between attempts and is reported as
// fatal.
func Do[T any](ctx context.Context, e *Executor, name string, op func(ctx context.Context) (T, error), opts ...CallOption) Result[T] {
	policy := e.policy
	for _, opt := range opts {
		opt(&policy)
	}

	var last error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			metrics.RetryAttemptsTotal.WithLabelValues(name, "ok").Inc()
			return Ok(v, attempt)
		}
		last = err

		if IsPermanent(err) || e.classify(err) == Fatal {
			metrics.RetryAttemptsTotal.WithLabelValues(name, "fatal").Inc()
			e.logger.Error().
				Err(err).
				Str("operation", name).
				Int("attempt", attempt).
				Msg("Remote call failed with non-retryable error")
			return Failed[T](err, attempt)
		}

		metrics.RetryAttemptsTotal.WithLabelValues(name, "retry").Inc()
		e.logger.Debug().
			Err(err).
			Str("operation", name).
			Int("attempt", attempt).
			Int("max_attempts", policy.MaxAttempts).
			Msg("Remote call failed, retrying")

		if attempt == policy.MaxAttempts {
			break
		}
		if err := e.sleep(ctx, policy.Delay); err != nil {
			return Failed[T](err, attempt)
		}
	}

	metrics.RetryAttemptsTotal.WithLabelValues(name, "exhausted").Inc()
	e.logger.Error().
		Err(last).
		Str("operation", name).
		Int("attempts", policy.MaxAttempts).
		Msg("Remote call exhausted retries")
	return Exhausted[T](last, policy.MaxAttempts)
}

// Run is Do for operations that only report an error
func Run(ctx context.Context, e *Executor, name string, op func(ctx context.Context) error, opts ...CallOption) Result[struct{}] {
	return Do(ctx, e, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
