package volume

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/cloud"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/config"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/events"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/log"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/retry"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/types"
)

// Selector decides which persistent volume a user's new instance gets
type Selector struct {
	cfg      *config.Config
	provider cloud.Provider
	exec     *retry.Executor
	broker   *events.Broker
	logger   zerolog.Logger
}

// NewSelector creates a selector. broker may be nil.
func NewSelector(cfg *config.Config, provider cloud.Provider, exec *retry.Executor, broker *events.Broker) *Selector {
	return &Selector{
		cfg:      cfg,
		provider: provider,
		exec:     exec,
		broker:   broker,
		logger:   log.WithComponent("volume"),
	}
}

// Select returns the volume for user. The first matching rule wins:
//
//  1. the volume of a prior record, if the provider still knows it
//  2. opts.ExistingVolumeID, used as given
//  3. a new empty volume of opts.VolumeSize
//  4. a new volume restored from opts.SnapshotID
//
// With none of these a ConfigurationError is returned.
func (s *Selector) Select(ctx context.Context, user string, opts types.UserOptions, prior *types.InstanceRecord) (types.VolumeSelection, error) {
	logger := log.WithUser(s.logger, user)

	if prior != nil && prior.VolumeID != "" {
		known, err := s.stillExists(ctx, prior.VolumeID)
		if err != nil {
			return types.VolumeSelection{}, err
		}
		if known {
			logger.Debug().Str("volume_id", prior.VolumeID).Msg("Reusing volume from prior record")
			return types.VolumeSelection{VolumeID: prior.VolumeID, Source: types.VolumeSourceRegistry}, nil
		}
		logger.Info().Str("volume_id", prior.VolumeID).Msg("Volume from prior record no longer exists")
	}

	switch {
	case opts.ExistingVolumeID != "":
		return types.VolumeSelection{VolumeID: opts.ExistingVolumeID, Source: types.VolumeSourceExisting}, nil

	case opts.VolumeSize > 0:
		id, err := s.create(ctx, user, types.VolumeSpec{
			Zone:       s.cfg.AWS.Zone(),
			SizeGB:     int32(opts.VolumeSize),
			VolumeType: s.cfg.AWS.VolumeType,
		})
		if err != nil {
			return types.VolumeSelection{}, err
		}
		return types.VolumeSelection{VolumeID: id, Source: types.VolumeSourceCreated}, nil

	case opts.SnapshotID != "":
		id, err := s.create(ctx, user, types.VolumeSpec{
			Zone:       s.cfg.AWS.Zone(),
			SnapshotID: opts.SnapshotID,
			VolumeType: s.cfg.AWS.VolumeType,
		})
		if err != nil {
			return types.VolumeSelection{}, err
		}
		return types.VolumeSelection{VolumeID: id, Source: types.VolumeSourceSnapshot}, nil
	}

	return types.VolumeSelection{}, &types.ConfigurationError{Reason: "no volume source specified"}
}

// Name returns the Name tag given to volumes created for user
func (s *Selector) Name(user string) string {
	return s.cfg.Instance.VolumeNamePrefix + user
}

func (s *Selector) stillExists(ctx context.Context, volumeID string) (bool, error) {
	_, err := retry.Do(ctx, s.exec, "describe-volume", func(ctx context.Context) (*types.Volume, error) {
		return s.provider.DescribeVolume(ctx, volumeID)
	}).Unwrap()
	switch {
	case err == nil:
		return true, nil
	case cloud.IsNotFound(err):
		return false, nil
	case errors.Is(err, retry.ErrExhausted):
		return false, types.Unavailable("could not confirm volume %s", volumeID)
	default:
		return false, err
	}
}

func (s *Selector) create(ctx context.Context, user string, spec types.VolumeSpec) (string, error) {
	id, err := retry.Do(ctx, s.exec, "create-volume", func(ctx context.Context) (string, error) {
		return s.provider.CreateVolume(ctx, spec)
	}).Unwrap()
	if err != nil {
		if errors.Is(err, cloud.ErrMalformedResponse) {
			return "", &types.ProvisioningError{Step: "create-volume", Err: err}
		}
		if errors.Is(err, retry.ErrExhausted) {
			return "", types.Unavailable("could not create volume for %s", user)
		}
		return "", fmt.Errorf("create volume: %w", err)
	}

	tags := map[string]string{"Name": s.Name(user)}
	res := retry.Run(ctx, s.exec, "tag-volume", func(ctx context.Context) error {
		return s.provider.CreateTags(ctx, id, tags)
	})
	if !res.IsOk() {
		s.logger.Warn().Err(res.Err()).Str("volume_id", id).Msg("Failed to tag volume")
	}

	s.logger.Info().
		Str("user", user).
		Str("volume_id", id).
		Str("snapshot_id", spec.SnapshotID).
		Int32("size_gb", spec.SizeGB).
		Msg("Created volume")
	s.broker.Publish(events.New(events.EventVolumeCreated, user).WithResource(id))
	return id, nil
}
