package volume

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/cloud"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/cloud/cloudtest"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/config"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/events"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/retry"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/types"
)

func newTestSelector(provider *cloudtest.Provider, broker *events.Broker) *Selector {
	cfg := config.Default()
	cfg.AWS.Region = "eu-west-1"
	cfg.AWS.AvailabilityZone = "b"
	exec := retry.NewExecutor(retry.Policy{MaxAttempts: 3},
		retry.WithClassifier(cloud.Classifier(false)),
		retry.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	return NewSelector(cfg, provider, exec, broker)
}

func TestSelectPrecedence(t *testing.T) {
	known := &types.InstanceRecord{UserID: "alice", ResourceID: "i-1", VolumeID: "vol-1"}

	tests := []struct {
		name       string
		opts       types.UserOptions
		prior      *types.InstanceRecord
		wantID     string
		wantSource types.VolumeSource
	}{
		{
			name:       "known volume beats requested volume",
			opts:       types.UserOptions{ExistingVolumeID: "vol-2"},
			prior:      known,
			wantID:     "vol-1",
			wantSource: types.VolumeSourceRegistry,
		},
		{
			name:       "existing volume used verbatim",
			opts:       types.UserOptions{ExistingVolumeID: "vol-2", VolumeSize: 10, SnapshotID: "snap-1"},
			wantID:     "vol-2",
			wantSource: types.VolumeSourceExisting,
		},
		{
			name:       "size beats snapshot",
			opts:       types.UserOptions{VolumeSize: 10, SnapshotID: "snap-1"},
			wantSource: types.VolumeSourceCreated,
		},
		{
			name:       "snapshot restore",
			opts:       types.UserOptions{SnapshotID: "snap-1"},
			wantSource: types.VolumeSourceSnapshot,
		},
		{
			name:       "vanished known volume falls through",
			opts:       types.UserOptions{ExistingVolumeID: "vol-2"},
			prior:      &types.InstanceRecord{UserID: "alice", ResourceID: "i-1", VolumeID: "vol-gone"},
			wantID:     "vol-2",
			wantSource: types.VolumeSourceExisting,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := cloudtest.New()
			provider.AddVolume(types.Volume{ID: "vol-1", State: "available"})
			s := newTestSelector(provider, nil)

			sel, err := s.Select(context.Background(), "alice", tt.opts, tt.prior)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSource, sel.Source)
			if tt.wantID != "" {
				assert.Equal(t, tt.wantID, sel.VolumeID)
			}
			assert.True(t, provider.HasVolume(sel.VolumeID) || sel.Source == types.VolumeSourceExisting)
		})
	}
}

func TestSelectCreateTagsVolume(t *testing.T) {
	provider := cloudtest.New()
	s := newTestSelector(provider, nil)

	sel, err := s.Select(context.Background(), "alice", types.UserOptions{VolumeSize: 10}, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"Name": "jupyter-vol-alice"}, provider.Tags(sel.VolumeID))
	assert.Equal(t, "jupyter-vol-alice", s.Name("alice"))
}

func TestSelectTagFailureIsNotFatal(t *testing.T) {
	provider := cloudtest.New()
	provider.FailNext("CreateTags", assert.AnError, assert.AnError, assert.AnError)
	s := newTestSelector(provider, nil)

	sel, err := s.Select(context.Background(), "alice", types.UserOptions{SnapshotID: "snap-1"}, nil)
	require.NoError(t, err)
	assert.True(t, provider.HasVolume(sel.VolumeID))
}

func TestSelectErrors(t *testing.T) {
	tests := []struct {
		name  string
		opts  types.UserOptions
		prior *types.InstanceRecord
		setup func(p *cloudtest.Provider)
		check func(t *testing.T, err error)
	}{
		{
			name: "no source",
			check: func(t *testing.T, err error) {
				var ce *types.ConfigurationError
				require.ErrorAs(t, err, &ce)
				assert.Equal(t, "no volume source specified", ce.Reason)
			},
		},
		{
			name: "create exhausted",
			opts: types.UserOptions{VolumeSize: 10},
			setup: func(p *cloudtest.Provider) {
				p.FailNext("CreateVolume", assert.AnError, assert.AnError, assert.AnError)
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, types.ErrTransientUnavailable)
			},
		},
		{
			name: "malformed create response",
			opts: types.UserOptions{VolumeSize: 10},
			setup: func(p *cloudtest.Provider) {
				p.FailNext("CreateVolume", fmt.Errorf("missing volume id: %w", cloud.ErrMalformedResponse))
			},
			check: func(t *testing.T, err error) {
				assert.True(t, types.IsProvisioningError(err))
			},
		},
		{
			name:  "known volume cannot be confirmed",
			opts:  types.UserOptions{ExistingVolumeID: "vol-2"},
			prior: &types.InstanceRecord{UserID: "alice", VolumeID: "vol-1"},
			setup: func(p *cloudtest.Provider) {
				p.FailNext("DescribeVolume", assert.AnError, assert.AnError, assert.AnError)
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, types.ErrTransientUnavailable)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := cloudtest.New()
			if tt.setup != nil {
				tt.setup(provider)
			}
			s := newTestSelector(provider, nil)

			_, err := s.Select(context.Background(), "alice", tt.opts, tt.prior)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestSelectPublishesCreation(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	s := newTestSelector(cloudtest.New(), broker)
	sel, err := s.Select(context.Background(), "alice", types.UserOptions{VolumeSize: 1}, nil)
	require.NoError(t, err)

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventVolumeCreated, ev.Type)
		assert.Equal(t, "alice", ev.User)
		assert.Equal(t, sel.VolumeID, ev.ResourceID)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}
