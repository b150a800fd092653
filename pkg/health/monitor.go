package health

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/config"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/log"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/remote"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/retry"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/types"
)

const (
	// noopCommand is a shell comment; running it proves the host accepts
	// sessions and nothing else
	noopCommand = "# reachability probe"

	processListCommand = "ps -ef"
)

// Monitor builds the checkers used to judge a user's instance
type Monitor struct {
	connector     remote.Connector
	exec          *retry.Executor
	hangThreshold time.Duration
	hangAttempts  int
	probeDelay    time.Duration
	signature     string
	port          int
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error
	logger        zerolog.Logger
}

// Option configures a Monitor
type Option func(*Monitor)

// WithClock replaces time.Now for uptime calculations
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithSleep replaces the wait between service probe attempts
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Monitor) { m.sleep = fn }
}

// NewMonitor creates a monitor from the health, retry and notebook sections
// of cfg
func NewMonitor(cfg *config.Config, connector remote.Connector, exec *retry.Executor, opts ...Option) *Monitor {
	m := &Monitor{
		connector:     connector,
		exec:          exec,
		hangThreshold: cfg.Health.HangThreshold,
		hangAttempts:  cfg.Retry.HangProbeAttempts,
		probeDelay:    cfg.Health.ProbeDelay,
		signature:     cfg.Notebook.ServiceSignature,
		port:          cfg.Notebook.Port,
		now:           time.Now,
		sleep:         sleepContext,
		logger:        log.WithComponent("health"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HangCheck reports whether inst is hung. It is shorthand for Hang(inst).Check.
func (m *Monitor) HangCheck(ctx context.Context, inst *types.Instance) Result {
	return m.Hang(inst).Check(ctx)
}

// ServiceProbe reports whether the notebook process is running on address.
// It is shorthand for Service(address, attempts).Check.
func (m *Monitor) ServiceProbe(ctx context.Context, address string, attempts int) Result {
	return m.Service(address, attempts).Check(ctx)
}

// Hang returns a checker that is unhealthy when inst has been up past the
// threshold and still does not accept a remote command
func (m *Monitor) Hang(inst *types.Instance) Checker {
	return &HangChecker{monitor: m, instance: inst}
}

// Service returns a checker for the notebook process on address
func (m *Monitor) Service(address string, attempts int) Checker {
	if attempts < 1 {
		attempts = 1
	}
	return &ServiceChecker{monitor: m, address: address, attempts: attempts}
}

// Reachable returns a checker that retries a no-op command up to attempts
// times with the executor's delay
func (m *Monitor) Reachable(address string, attempts int) Checker {
	return &ReachableChecker{monitor: m, address: address, attempts: attempts}
}

// HangChecker classifies a running instance as hung
type HangChecker struct {
	monitor  *Monitor
	instance *types.Instance
}

func (c *HangChecker) Type() CheckType { return CheckTypeHang }

func (c *HangChecker) Check(ctx context.Context) Result {
	start := c.monitor.now()
	uptime := c.instance.Uptime(start)

	if uptime <= c.monitor.hangThreshold {
		return Result{
			Healthy:   true,
			Message:   fmt.Sprintf("uptime %s within boot allowance", uptime.Truncate(time.Second)),
			CheckedAt: start,
		}
	}

	res := c.monitor.Reachable(c.instance.PrivateAddress, c.monitor.hangAttempts).Check(ctx)
	res.CheckedAt = start
	if !res.Healthy {
		c.monitor.logger.Warn().
			Str("instance_id", c.instance.ID).
			Dur("uptime", uptime).
			Msg("Instance is up but unreachable")
		res.Message = "unreachable after " + uptime.Truncate(time.Second).String()
	}
	return res
}

// ReachableChecker runs a no-op command through the retry executor
type ReachableChecker struct {
	monitor  *Monitor
	address  string
	attempts int
}

func (c *ReachableChecker) Type() CheckType { return CheckTypeReachable }

func (c *ReachableChecker) Check(ctx context.Context) Result {
	start := time.Now()
	res := retry.Do(ctx, c.monitor.exec, "reachability", func(ctx context.Context) (string, error) {
		return remote.Exec(ctx, c.monitor.connector, c.address, noopCommand, false)
	}, retry.WithMaxAttempts(c.attempts))

	if !res.IsOk() {
		return Result{
			Healthy:  false,
			Message:  res.Err().Error(),
			Duration: time.Since(start),
			Probed:   true,
		}
	}
	return Result{Healthy: true, Message: "reachable", Duration: time.Since(start), Probed: true}
}

// ServiceChecker looks for the notebook process in the remote process list
type ServiceChecker struct {
	monitor  *Monitor
	address  string
	attempts int
}

func (c *ServiceChecker) Type() CheckType { return CheckTypeService }

// Check lists processes up to attempts times, waiting the probe delay
// between attempts, and stops at the first match
func (c *ServiceChecker) Check(ctx context.Context) Result {
	start := time.Now()
	for attempt := 1; attempt <= c.attempts; attempt++ {
		out, err := retry.Do(ctx, c.monitor.exec, "service-probe", func(ctx context.Context) (string, error) {
			return remote.Exec(ctx, c.monitor.connector, c.address, processListCommand, false)
		}, retry.WithMaxAttempts(1)).Unwrap()

		if err == nil {
			if line, ok := MatchService(out, c.monitor.signature, c.monitor.port); ok {
				c.monitor.logger.Debug().Str("address", c.address).Str("process", line).Msg("Notebook is running")
				return Result{Healthy: true, Message: "running", Duration: time.Since(start), Probed: true}
			}
		}

		if attempt < c.attempts {
			if err := c.monitor.sleep(ctx, c.monitor.probeDelay); err != nil {
				break
			}
		}
	}

	return Result{
		Healthy:  false,
		Message:  types.ReasonServiceNotRunning,
		Duration: time.Since(start),
		Probed:   true,
	}
}

// MatchService finds a process line containing both the service signature
// and its port, ignoring grep itself
func MatchService(processList, signature string, port int) (string, bool) {
	portStr := strconv.Itoa(port)
	for _, line := range strings.Split(processList, "\n") {
		if strings.Contains(line, "grep") {
			continue
		}
		if strings.Contains(line, signature) && strings.Contains(line, portStr) {
			return strings.TrimSpace(line), true
		}
	}
	return "", false
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
