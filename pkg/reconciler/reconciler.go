package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/log"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/metrics"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/types"
)

const (
	defaultInterval    = time.Minute
	defaultConcurrency = 16

	// statusError labels users whose poll itself failed
	statusError = "error"
)

// RecordLister lists every tracked user
type RecordLister interface {
	ListRecords(ctx context.Context) ([]*types.InstanceRecord, error)
}

// Poller polls one user. A hung instance is stopped as a side effect.
type Poller interface {
	Poll(ctx context.Context, user string) (types.PollResult, error)
}

// Summary counts users by the status their last poll returned
type Summary map[string]int

// Reconciler polls every tracked user on an interval so hung instances are
// stopped and stale records removed even when no hub is polling
type Reconciler struct {
	records     RecordLister
	poller      Poller
	interval    time.Duration
	concurrency int

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// NewReconciler creates a new reconciler
func NewReconciler(records RecordLister, poller Poller, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Reconciler{
		records:     records,
		poller:      poller,
		interval:    interval,
		concurrency: defaultConcurrency,
		stopCh:      make(chan struct{}),
		logger:      log.WithComponent("reconciler"),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.Reconcile(context.Background()); err != nil {
				r.logger.Error().Err(err).Msg("Reconciliation failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile polls every tracked user once and publishes the per-status
// counts. A failed poll is counted, never fatal to the cycle.
func (r *Reconciler) Reconcile(ctx context.Context) (Summary, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.records.ListRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	var (
		countMu sync.Mutex
		summary = Summary{
			string(types.PollHealthy):    0,
			string(types.PollDegraded):   0,
			string(types.PollNotTracked): 0,
			statusError:                  0,
		}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, rec := range records {
		user := rec.UserID
		g.Go(func() error {
			status := statusError
			res, err := r.poller.Poll(gctx, user)
			if err != nil {
				r.logger.Warn().Err(err).Str("user", user).Msg("Poll failed")
			} else {
				status = string(res.Status)
				if res.Status == types.PollDegraded {
					r.logger.Info().Str("user", user).Str("reason", res.Reason).Msg("Instance degraded")
				}
			}

			countMu.Lock()
			summary[status]++
			countMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for status, n := range summary {
		metrics.InstancesByStatus.WithLabelValues(status).Set(float64(n))
	}
	r.logger.Debug().
		Int("users", len(records)).
		Int("healthy", summary[string(types.PollHealthy)]).
		Int("degraded", summary[string(types.PollDegraded)]).
		Msg("Reconciliation cycle complete")
	return summary, nil
}
