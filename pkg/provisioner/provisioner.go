package provisioner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/cloud"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/config"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/events"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/log"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/registry"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/retry"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/types"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/volume"
)

// Provisioner creates a compute resource for a user and binds their volume
// to it
type Provisioner struct {
	cfg      *config.Config
	provider cloud.Provider
	registry registry.Registry
	volumes  *volume.Selector
	exec     *retry.Executor
	broker   *events.Broker
	now      func() time.Time
	logger   zerolog.Logger
}

// New creates a provisioner. broker may be nil.
func New(cfg *config.Config, provider cloud.Provider, reg registry.Registry, volumes *volume.Selector, exec *retry.Executor, broker *events.Broker) *Provisioner {
	return &Provisioner{
		cfg:      cfg,
		provider: provider,
		registry: reg,
		volumes:  volumes,
		exec:     exec,
		broker:   broker,
		now:      time.Now,
		logger:   log.WithComponent("provisioner"),
	}
}

// Provision runs the creation steps in order: select volume, launch,
// replace the registry record, tag once the instance exists, wait until
// running, attach the volume. prior is the user's stale record, if any.
//
// A failed step aborts provisioning without rolling back earlier steps; the
// next start or poll reconciles from observed state. The one exception is a
// lost race for the registry insert, where the instance just launched is
// terminated so it cannot leak.
func (p *Provisioner) Provision(ctx context.Context, user string, opts types.UserOptions, prior *types.InstanceRecord) (*types.ProvisionedInstance, error) {
	logger := log.WithUser(p.logger, user)

	selection, err := p.volumes.Select(ctx, user, opts, prior)
	if err != nil {
		return nil, err
	}

	instanceType := opts.InstanceType
	if instanceType == "" {
		instanceType = p.cfg.Instance.DefaultType
	}
	spec := types.LaunchSpec{
		ImageID:          p.cfg.AWS.ImageID,
		InstanceType:     instanceType,
		KeyName:          p.cfg.AWS.KeyName,
		SubnetID:         p.cfg.AWS.SubnetID,
		SecurityGroupIDs: p.cfg.AWS.SecurityGroupIDs,
		BootDevice:       p.cfg.Instance.BootDevice,
		BootVolumeSizeGB: p.cfg.AWS.BootVolumeSizeGB,
		BootVolumeType:   p.cfg.AWS.VolumeType,
	}

	instanceID, err := retry.Do(ctx, p.exec, "run-instance", func(ctx context.Context) (string, error) {
		return p.provider.RunInstance(ctx, spec)
	}).Unwrap()
	if err != nil {
		return nil, p.stepError("run-instance", user, err)
	}
	logger.Info().Str("instance_id", instanceID).Str("volume_id", selection.VolumeID).Msg("Launched instance")

	if prior != nil {
		if err := p.registry.DeleteRecord(ctx, prior.ResourceID); err != nil {
			return nil, fmt.Errorf("remove stale record: %w", err)
		}
		logger.Debug().Str("instance_id", prior.ResourceID).Msg("Removed stale record")
	}

	record := &types.InstanceRecord{
		UserID:     user,
		ResourceID: instanceID,
		VolumeID:   selection.VolumeID,
		CreatedAt:  p.now().UTC(),
	}
	if role, err := p.registry.GetRole(ctx, user); err == nil {
		record.RoleName = role.RoleName
	}
	if err := p.registry.PutRecord(ctx, record); err != nil {
		if errors.Is(err, registry.ErrAlreadyExists) {
			p.abandon(user, instanceID, selection)
			return nil, types.Unavailable("another start for %s is in progress", user)
		}
		return nil, fmt.Errorf("write record: %w", err)
	}

	if _, err := retry.Run(ctx, p.exec, "wait-instance-exists", func(ctx context.Context) error {
		return p.provider.WaitUntilExists(ctx, instanceID)
	}, retry.WithMaxAttempts(p.cfg.Retry.LongAttempts)).Unwrap(); err != nil {
		return nil, p.stepError("wait-instance-exists", user, err)
	}

	tags := p.Tags(user)
	if _, err := retry.Run(ctx, p.exec, "tag-instance", func(ctx context.Context) error {
		return p.provider.CreateTags(ctx, instanceID, tags)
	}).Unwrap(); err != nil {
		return nil, p.stepError("tag-instance", user, err)
	}

	inst, err := retry.Do(ctx, p.exec, "wait-instance-running", func(ctx context.Context) (*types.Instance, error) {
		return p.provider.WaitUntilRunning(ctx, instanceID)
	}, retry.WithMaxAttempts(p.cfg.Retry.LongAttempts)).Unwrap()
	if err != nil {
		return nil, p.stepError("wait-instance-running", user, err)
	}

	if _, err := retry.Run(ctx, p.exec, "attach-volume", func(ctx context.Context) error {
		return p.provider.AttachVolume(ctx, selection.VolumeID, instanceID, p.cfg.Instance.VolumeDevice)
	}).Unwrap(); err != nil {
		return nil, p.stepError("attach-volume", user, err)
	}

	logger.Info().
		Str("instance_id", instanceID).
		Str("address", inst.PrivateAddress).
		Str("volume_source", string(selection.Source)).
		Msg("Provisioned instance")
	p.broker.Publish(events.New(events.EventInstanceProvisioned, user).WithResource(instanceID))

	return &types.ProvisionedInstance{Record: record, Instance: inst, Volume: selection}, nil
}

// Tags returns the tags applied to a user's instance
func (p *Provisioner) Tags(user string) map[string]string {
	return map[string]string{
		"Owner":           p.cfg.Instance.Owner,
		"Creator":         p.cfg.Instance.Owner,
		"Jupyter Cluster": p.cfg.Instance.Cluster,
		"User":            user,
		"Name":            p.cfg.Instance.NamePrefix + "_" + user,
	}
}

func (p *Provisioner) stepError(step, user string, err error) error {
	switch {
	case errors.Is(err, cloud.ErrMalformedResponse):
		p.logger.Error().Err(err).Str("user", user).Str("step", step).Msg("Provider returned a malformed response")
		return &types.ProvisioningError{Step: step, Err: err}
	case errors.Is(err, retry.ErrExhausted):
		return types.Unavailable("%s did not complete for %s", step, user)
	default:
		return fmt.Errorf("%s: %w", step, err)
	}
}

// abandon cleans up after losing the registry insert. It runs detached from
// the caller's context and only logs failures.
func (p *Provisioner) abandon(user, instanceID string, selection types.VolumeSelection) {
	ctx := context.WithoutCancel(context.Background())
	logger := log.WithInstanceID(log.WithUser(p.logger, user), instanceID)
	logger.Warn().Msg("Lost registry insert to a concurrent start, terminating launched instance")

	if res := retry.Run(ctx, p.exec, "terminate-instance", func(ctx context.Context) error {
		return p.provider.TerminateInstance(ctx, instanceID)
	}); !res.IsOk() {
		logger.Error().Err(res.Err()).Msg("Failed to terminate abandoned instance")
	}

	if selection.Created() {
		if res := retry.Run(ctx, p.exec, "delete-volume", func(ctx context.Context) error {
			return p.provider.DeleteVolume(ctx, selection.VolumeID)
		}, retry.WithMaxAttempts(p.cfg.Retry.VolumeDeleteAttempts)); !res.IsOk() {
			logger.Error().Err(res.Err()).Str("volume_id", selection.VolumeID).Msg("Failed to delete abandoned volume")
		}
	}
}
