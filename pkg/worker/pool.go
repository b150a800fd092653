package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/log"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/metrics"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/types"
)

// ErrClosed is returned for operations submitted after Close
var ErrClosed = errors.New("worker pool closed")

// Lifecycle is the set of per-user operations the pool schedules
type Lifecycle interface {
	Start(ctx context.Context, user string, opts types.UserOptions) (types.Endpoint, error)
	Stop(ctx context.Context, user string) (string, error)
	Terminate(ctx context.Context, user string, deleteVolume bool) (string, error)
	Poll(ctx context.Context, user string) (types.PollResult, error)
}

// Pool runs lifecycle operations with a bound on how many are in flight.
//
// A caller waits for a slot under its own context. Once admitted, the
// operation runs detached from that context and finishes even if the caller
// goes away; the caller just stops waiting for it. Concurrent polls for the
// same user share one execution.
type Pool struct {
	lifecycle Lifecycle
	sem       *semaphore.Weighted
	size      int64
	polls     singleflight.Group
	wg        sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	logger zerolog.Logger
}

// NewPool creates a pool admitting at most size concurrent operations
func NewPool(lc Lifecycle, size int64) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		lifecycle: lc,
		sem:       semaphore.NewWeighted(size),
		size:      size,
		logger:    log.WithComponent("worker"),
	}
}

// Size returns the pool's concurrency bound
func (p *Pool) Size() int64 {
	return p.size
}

// Start provisions or resumes user's notebook once a slot is free
func (p *Pool) Start(ctx context.Context, user string, opts types.UserOptions) (types.Endpoint, error) {
	return submit(ctx, p, "start", user, func(ctx context.Context) (types.Endpoint, error) {
		return p.lifecycle.Start(ctx, user, opts)
	})
}

// Stop stops user's instance once a slot is free
func (p *Pool) Stop(ctx context.Context, user string) (string, error) {
	return submit(ctx, p, "stop", user, func(ctx context.Context) (string, error) {
		return p.lifecycle.Stop(ctx, user)
	})
}

// Terminate terminates user's instance once a slot is free
func (p *Pool) Terminate(ctx context.Context, user string, deleteVolume bool) (string, error) {
	return submit(ctx, p, "terminate", user, func(ctx context.Context) (string, error) {
		return p.lifecycle.Terminate(ctx, user, deleteVolume)
	})
}

// Poll is deduplicated per user: callers arriving while a poll for the same
// user is running get that poll's result. The shared poll is not tied to any
// one caller's context; each caller stops waiting when its own ctx ends.
func (p *Pool) Poll(ctx context.Context, user string) (types.PollResult, error) {
	detached := context.WithoutCancel(ctx)
	ch := p.polls.DoChan(user, func() (any, error) {
		return submit(detached, p, "poll", user, func(ctx context.Context) (types.PollResult, error) {
			return p.lifecycle.Poll(ctx, user)
		})
	})

	select {
	case r := <-ch:
		if r.Shared {
			p.logger.Debug().Str("user", user).Msg("Shared in-flight poll")
		}
		res, _ := r.Val.(types.PollResult)
		return res, r.Err
	case <-ctx.Done():
		return types.PollResult{}, ctx.Err()
	}
}

// Close stops admitting operations and waits for admitted ones to finish or
// for ctx to end
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight operations: %w", ctx.Err())
	}
}

type outcome[T any] struct {
	value T
	err   error
}

func submit[T any](ctx context.Context, p *Pool, op, user string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return zero, ErrClosed
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.wg.Done()
		return zero, fmt.Errorf("waiting to %s for %s: %w", op, user, err)
	}
	metrics.PoolInFlight.Inc()

	done := make(chan outcome[T], 1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer metrics.PoolInFlight.Dec()

		v, err := fn(context.WithoutCancel(ctx))
		done <- outcome[T]{value: v, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		p.logger.Warn().Str("op", op).Str("user", user).Msg("Caller stopped waiting, operation continues")
		return zero, ctx.Err()
	}
}
