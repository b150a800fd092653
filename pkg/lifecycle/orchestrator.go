package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/cloud"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/config"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/events"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/health"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/log"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/metrics"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/provisioner"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/registry"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/remote"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/retry"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/types"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/volume"
)

// Status texts returned by Stop and Terminate
const (
	StatusStopped    = "Notebook stopped"
	StatusTerminated = "Terminated"
	StatusNotFound   = "instance not found/tracked"
)

// Dependencies are the collaborators an Orchestrator drives
type Dependencies struct {
	Provider  cloud.Provider
	Registry  registry.Registry
	Connector remote.Connector
	Executor  *retry.Executor
	Broker    *events.Broker
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithClock replaces time.Now for uptime and record timestamps
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep replaces the settle and probe delays, mainly for tests
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// Orchestrator runs start, stop, terminate and poll for one user at a time.
// It keeps no state between calls: every operation re-reads the registry
// and the provider and acts on what it finds.
type Orchestrator struct {
	cfg         *config.Config
	provider    cloud.Provider
	registry    registry.Registry
	exec        *retry.Executor
	broker      *events.Broker
	provisioner *provisioner.Provisioner
	monitor     *health.Monitor
	workspace   *Workspace
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	logger      zerolog.Logger
}

// New wires an orchestrator and the components it owns
func New(cfg *config.Config, deps Dependencies, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		provider: deps.Provider,
		registry: deps.Registry,
		exec:     deps.Executor,
		broker:   deps.Broker,
		now:      time.Now,
		sleep:    sleepContext,
		logger:   log.WithComponent("lifecycle"),
	}
	for _, opt := range opts {
		opt(o)
	}

	selector := volume.NewSelector(cfg, deps.Provider, deps.Executor, deps.Broker)
	o.provisioner = provisioner.New(cfg, deps.Provider, deps.Registry, selector, deps.Executor, deps.Broker)
	o.monitor = health.NewMonitor(cfg, deps.Connector, deps.Executor,
		health.WithClock(o.now),
		health.WithSleep(o.sleep),
	)
	o.workspace = NewWorkspace(cfg, deps.Connector, deps.Executor)
	return o
}

// tracked is what resolve found for a user. record is nil when the registry
// has nothing; instance is nil when the provider no longer knows the
// recorded resource, in which case record has already been removed from the
// registry and is kept only so its volume can be reused.
type tracked struct {
	record   *types.InstanceRecord
	instance *types.Instance
}

func (t tracked) live() bool {
	return t.instance != nil
}

func (o *Orchestrator) resolve(ctx context.Context, user string) (tracked, error) {
	rec, err := o.registry.GetRecord(ctx, user)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return tracked{}, nil
		}
		return tracked{}, fmt.Errorf("read record: %w", err)
	}

	inst, err := retry.Do(ctx, o.exec, "describe-instance", func(ctx context.Context) (*types.Instance, error) {
		return o.provider.DescribeInstance(ctx, rec.ResourceID)
	}).Unwrap()
	switch {
	case err == nil:
		return tracked{record: rec, instance: inst}, nil
	case cloud.IsNotFound(err):
		o.logger.Info().Str("user", user).Str("instance_id", rec.ResourceID).Msg("Recorded instance no longer exists, removing record")
		if err := o.registry.DeleteRecord(ctx, rec.ResourceID); err != nil {
			return tracked{}, fmt.Errorf("remove stale record: %w", err)
		}
		o.broker.Publish(events.New(events.EventRecordCleaned, user).WithResource(rec.ResourceID))
		return tracked{record: rec}, nil
	case errors.Is(err, retry.ErrExhausted):
		return tracked{}, types.Unavailable("could not describe instance %s", rec.ResourceID)
	default:
		return tracked{}, fmt.Errorf("describe instance: %w", err)
	}
}

// Start brings up user's notebook and returns where to reach it.
//
// With no live resource, or a terminated one, a new instance is
// provisioned. A running instance is checked for a hang first; a hung
// instance is stopped and ErrTransientUnavailable is returned so the caller
// retries the whole start. Stopped, stopping, pending and shutting-down
// instances are started again. Any other phase is reported as unavailable.
func (o *Orchestrator) Start(ctx context.Context, user string, opts types.UserOptions) (types.Endpoint, error) {
	timer := metrics.NewTimer()
	ep, err := o.start(ctx, user, opts)
	o.observe("start", timer, err)
	return ep, err
}

func (o *Orchestrator) start(ctx context.Context, user string, opts types.UserOptions) (types.Endpoint, error) {
	if opts.InstanceType == "" {
		opts.InstanceType = o.cfg.Instance.DefaultType
	}
	if err := opts.Validate(o.cfg.AllowedTypes()); err != nil {
		return types.Endpoint{}, err
	}

	t, err := o.resolve(ctx, user)
	if err != nil {
		return types.Endpoint{}, err
	}

	var (
		inst  *types.Instance
		event events.EventType
	)
	switch {
	case !t.live() || t.instance.Phase == types.PhaseTerminated:
		out, err := o.provisioner.Provision(ctx, user, opts, t.record)
		if err != nil {
			return types.Endpoint{}, err
		}
		inst = out.Instance
		if err := o.ensureService(ctx, user, inst, &out.Volume, opts.Env); err != nil {
			return types.Endpoint{}, err
		}
		event = events.EventInstanceStarted

	case t.instance.Phase == types.PhaseRunning:
		inst = t.instance
		if hang := o.monitor.HangCheck(ctx, inst); !hang.Healthy {
			o.stopHung(ctx, user, inst, hang)
			return types.Endpoint{}, types.Unavailable("instance %s was unresponsive and has been stopped", inst.ID)
		}
		if err := o.ensureService(ctx, user, inst, nil, opts.Env); err != nil {
			return types.Endpoint{}, err
		}
		event = events.EventInstanceStarted

	case t.instance.Phase.Resumable():
		inst, err = o.resume(ctx, user, t.instance, opts.InstanceType)
		if err != nil {
			return types.Endpoint{}, err
		}
		if err := o.ensureService(ctx, user, inst, nil, opts.Env); err != nil {
			return types.Endpoint{}, err
		}
		event = events.EventInstanceResumed

	default:
		o.logger.Warn().Str("user", user).Str("instance_id", t.instance.ID).Str("phase", string(t.instance.Phase)).Msg("Instance in unexpected phase")
		return types.Endpoint{}, types.Unavailable("instance %s is %s", t.instance.ID, t.instance.Phase)
	}

	o.associateRole(ctx, user, inst.ID)

	if err := o.sleep(ctx, o.cfg.Lifecycle.SettleDelay); err != nil {
		return types.Endpoint{}, err
	}

	ep := types.Endpoint{Address: inst.PrivateAddress, Port: o.cfg.Notebook.Port}
	o.logger.Info().Str("user", user).Str("instance_id", inst.ID).Str("endpoint", ep.String()).Msg("Notebook ready")
	o.broker.Publish(events.New(event, user).WithResource(inst.ID).WithMessage(ep.String()))
	return ep, nil
}

func (o *Orchestrator) resume(ctx context.Context, user string, inst *types.Instance, requestedType string) (*types.Instance, error) {
	logger := log.WithInstanceID(log.WithUser(o.logger, user), inst.ID)

	if inst.Phase == types.PhaseStopped && requestedType != "" && requestedType != inst.InstanceType {
		res := retry.Run(ctx, o.exec, "modify-instance-type", func(ctx context.Context) error {
			return o.provider.ModifyInstanceType(ctx, inst.ID, requestedType)
		})
		if res.IsOk() {
			logger.Info().Str("from", inst.InstanceType).Str("to", requestedType).Msg("Changed instance type")
		} else {
			logger.Warn().Err(res.Err()).Str("requested_type", requestedType).Msg("Could not change instance type, keeping current type")
		}
	}

	// a stopping or shutting-down instance rejects starts until it settles
	logger.Info().Str("phase", string(inst.Phase)).Msg("Starting instance")
	if _, err := retry.Run(ctx, o.exec, "start-instance", func(ctx context.Context) error {
		return o.provider.StartInstance(ctx, inst.ID)
	}, retry.WithMaxAttempts(o.cfg.Retry.LongAttempts)).Unwrap(); err != nil {
		return nil, o.unavailable("start-instance", inst.ID, err)
	}

	running, err := retry.Do(ctx, o.exec, "wait-instance-running", func(ctx context.Context) (*types.Instance, error) {
		return o.provider.WaitUntilRunning(ctx, inst.ID)
	}, retry.WithMaxAttempts(o.cfg.Retry.LongAttempts)).Unwrap()
	if err != nil {
		return nil, o.unavailable("wait-instance-running", inst.ID, err)
	}
	return running, nil
}

// ensureService waits for the host to accept sessions, prepares the
// workspace when sel is set, and launches the notebook unless it is already
// running.
func (o *Orchestrator) ensureService(ctx context.Context, user string, inst *types.Instance, sel *types.VolumeSelection, env map[string]string) error {
	addr := inst.PrivateAddress

	if res := o.monitor.Reachable(addr, o.cfg.Retry.LongAttempts).Check(ctx); !res.Healthy {
		return types.Unavailable("instance %s is unreachable", inst.ID)
	}

	if sel != nil {
		if err := o.workspace.Setup(ctx, user, addr, *sel); err != nil {
			return err
		}
	}

	if o.monitor.ServiceProbe(ctx, addr, 1).Healthy {
		o.logger.Debug().Str("user", user).Str("instance_id", inst.ID).Msg("Notebook already running")
		return nil
	}

	if err := o.workspace.LaunchNotebook(ctx, user, addr, env); err != nil {
		return err
	}
	if res := o.monitor.ServiceProbe(ctx, addr, o.cfg.Health.LaunchProbeAttempts); !res.Healthy {
		return types.Unavailable("notebook for %s did not start on %s", user, inst.ID)
	}
	o.broker.Publish(events.New(events.EventServiceLaunched, user).WithResource(inst.ID))
	return nil
}

func (o *Orchestrator) associateRole(ctx context.Context, user, instanceID string) {
	role, err := o.registry.GetRole(ctx, user)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			o.logger.Warn().Err(err).Str("user", user).Msg("Failed to read role binding")
		}
		return
	}

	res := retry.Run(ctx, o.exec, "associate-role", func(ctx context.Context) error {
		return o.provider.AssociateRole(ctx, instanceID, *role)
	})
	if !res.IsOk() {
		o.logger.Warn().Err(res.Err()).Str("user", user).Str("role", role.RoleName).Msg("Failed to associate role")
		return
	}
	o.logger.Debug().Str("user", user).Str("instance_id", instanceID).Str("role", role.RoleName).Msg("Associated role")
}

func (o *Orchestrator) stopHung(ctx context.Context, user string, inst *types.Instance, hang health.Result) {
	metrics.HangsDetected.Inc()
	o.logger.Warn().Str("user", user).Str("instance_id", inst.ID).Str("reason", hang.Message).Msg("Stopping hung instance")
	o.broker.Publish(events.New(events.EventInstanceHung, user).WithResource(inst.ID).WithMessage(hang.Message))

	res := retry.Run(ctx, o.exec, "stop-instance", func(ctx context.Context) error {
		return o.provider.StopInstance(ctx, inst.ID)
	})
	if !res.IsOk() {
		o.logger.Error().Err(res.Err()).Str("user", user).Str("instance_id", inst.ID).Msg("Failed to stop hung instance")
		return
	}
	o.broker.Publish(events.New(events.EventInstanceStopped, user).WithResource(inst.ID))
}

// Stop stops user's instance. A user with nothing to stop gets
// StatusNotFound and no error.
func (o *Orchestrator) Stop(ctx context.Context, user string) (string, error) {
	timer := metrics.NewTimer()
	status, err := o.stop(ctx, user)
	o.observe("stop", timer, err)
	return status, err
}

func (o *Orchestrator) stop(ctx context.Context, user string) (string, error) {
	t, err := o.resolve(ctx, user)
	if err != nil {
		return "", err
	}
	if !t.live() {
		o.logger.Info().Str("user", user).Msg("Nothing to stop")
		return StatusNotFound, nil
	}

	_, err = retry.Run(ctx, o.exec, "stop-instance", func(ctx context.Context) error {
		return o.provider.StopInstance(ctx, t.instance.ID)
	}).Unwrap()
	switch {
	case err == nil:
	case cloud.IsNotFound(err):
		o.logger.Info().Str("user", user).Str("instance_id", t.instance.ID).Msg("Instance vanished before stop")
		return StatusNotFound, nil
	default:
		return "", o.unavailable("stop-instance", t.instance.ID, err)
	}

	o.logger.Info().Str("user", user).Str("instance_id", t.instance.ID).Msg("Stopped instance")
	o.broker.Publish(events.New(events.EventInstanceStopped, user).WithResource(t.instance.ID))
	return StatusStopped, nil
}

// Terminate terminates user's instance. Without deleteVolume the record is
// kept so the next Start provisions a new instance on the same volume. With
// deleteVolume the volume is deleted on a best-effort basis and the record
// removed. A user with no record gets StatusNotFound, no error and no
// registry change.
func (o *Orchestrator) Terminate(ctx context.Context, user string, deleteVolume bool) (string, error) {
	timer := metrics.NewTimer()
	status, err := o.terminate(ctx, user, deleteVolume)
	o.observe("terminate", timer, err)
	return status, err
}

func (o *Orchestrator) terminate(ctx context.Context, user string, deleteVolume bool) (string, error) {
	t, err := o.resolve(ctx, user)
	if err != nil {
		return "", err
	}
	if !t.live() {
		o.logger.Info().Str("user", user).Msg("Nothing to terminate")
		return StatusNotFound, nil
	}
	logger := log.WithInstanceID(log.WithUser(o.logger, user), t.instance.ID)

	_, err = retry.Run(ctx, o.exec, "terminate-instance", func(ctx context.Context) error {
		return o.provider.TerminateInstance(ctx, t.instance.ID)
	}).Unwrap()
	if err != nil && !cloud.IsNotFound(err) {
		return "", o.unavailable("terminate-instance", t.instance.ID, err)
	}
	logger.Info().Msg("Terminated instance")
	o.broker.Publish(events.New(events.EventInstanceTerminated, user).WithResource(t.instance.ID))

	if !deleteVolume {
		// the next start sees a terminated instance and reattaches this volume
		return StatusTerminated, nil
	}
	if t.record.VolumeID != "" {
		o.deleteVolume(ctx, user, t.record.VolumeID)
	}
	if err := o.registry.DeleteRecord(ctx, t.record.ResourceID); err != nil {
		return "", fmt.Errorf("remove record: %w", err)
	}
	return StatusTerminated, nil
}

// deleteVolume waits out the detach that follows termination by retrying
// more often than other calls
func (o *Orchestrator) deleteVolume(ctx context.Context, user, volumeID string) {
	_, err := retry.Run(ctx, o.exec, "delete-volume", func(ctx context.Context) error {
		return o.provider.DeleteVolume(ctx, volumeID)
	}, retry.WithMaxAttempts(o.cfg.Retry.VolumeDeleteAttempts)).Unwrap()
	if err != nil && !cloud.IsNotFound(err) {
		o.logger.Error().Err(err).Str("user", user).Str("volume_id", volumeID).Msg("Failed to delete volume")
		return
	}
	o.logger.Info().Str("user", user).Str("volume_id", volumeID).Msg("Deleted volume")
	o.broker.Publish(events.New(events.EventVolumeDeleted, user).WithResource(volumeID))
}

// Poll reports whether user's notebook is usable. It only probes the
// notebook once so that hub logins are not held up; a hung instance is
// stopped as a side effect.
func (o *Orchestrator) Poll(ctx context.Context, user string) (types.PollResult, error) {
	timer := metrics.NewTimer()
	res, err := o.poll(ctx, user)
	o.observe("poll", timer, err)
	return res, err
}

func (o *Orchestrator) poll(ctx context.Context, user string) (types.PollResult, error) {
	t, err := o.resolve(ctx, user)
	if err != nil {
		return types.PollResult{}, err
	}
	if !t.live() || t.instance.Phase == types.PhaseTerminated {
		return types.PollResult{Status: types.PollNotTracked}, nil
	}

	inst := t.instance
	if inst.Phase != types.PhaseRunning {
		return types.PollResult{Status: types.PollDegraded, Reason: types.ReasonNotReady}, nil
	}

	if hang := o.monitor.HangCheck(ctx, inst); !hang.Healthy {
		o.stopHung(ctx, user, inst, hang)
		return types.PollResult{Status: types.PollDegraded, Reason: types.ReasonHang}, nil
	}

	if !o.monitor.ServiceProbe(ctx, inst.PrivateAddress, 1).Healthy {
		return types.PollResult{Status: types.PollDegraded, Reason: types.ReasonServiceNotRunning}, nil
	}
	return types.PollResult{Status: types.PollHealthy}, nil
}

func (o *Orchestrator) unavailable(step, instanceID string, err error) error {
	if errors.Is(err, retry.ErrExhausted) {
		return types.Unavailable("%s did not complete for %s", step, instanceID)
	}
	return fmt.Errorf("%s %s: %w", step, instanceID, err)
}

func (o *Orchestrator) observe(op string, timer *metrics.Timer, err error) {
	timer.ObserveDurationVec(metrics.LifecycleDuration, op)
	metrics.LifecycleOperationsTotal.WithLabelValues(op, ResultLabel(err)).Inc()
}

// ResultLabel names the class of err for metrics and API responses
func ResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case types.IsConfigurationError(err):
		return "config_error"
	case types.IsProvisioningError(err):
		return "provisioning_error"
	case errors.Is(err, types.ErrTransientUnavailable), errors.Is(err, retry.ErrExhausted):
		return "unavailable"
	default:
		return "error"
	}
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
