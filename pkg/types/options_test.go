package types

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptionsForm(t *testing.T) {
	tests := []struct {
		name     string
		form     url.Values
		expected UserOptions
		wantErr  bool
	}{
		{
			name: "all fields trimmed",
			form: url.Values{
				"instance_type": {" t3.medium "},
				"ebs_vol_id":    {" vol-123 "},
				"ebs_vol_size":  {" 20 "},
				"ebs_snap_id":   {"snap-1"},
			},
			expected: UserOptions{InstanceType: "t3.medium", ExistingVolumeID: "vol-123", VolumeSize: 20, SnapshotID: "snap-1"},
		},
		{
			name:     "empty size means zero",
			form:     url.Values{"instance_type": {"t3.small"}, "ebs_vol_size": {""}},
			expected: UserOptions{InstanceType: "t3.small"},
		},
		{
			name:     "missing fields",
			form:     url.Values{},
			expected: UserOptions{},
		},
		{
			name:    "non numeric size",
			form:    url.Values{"ebs_vol_size": {"ten"}},
			wantErr: true,
		},
		{
			name:    "negative size",
			form:    url.Values{"ebs_vol_size": {"-1"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := ParseOptionsForm(tt.form)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsConfigurationError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, opts)
		})
	}
}

func TestUserOptionsValidate(t *testing.T) {
	allowed := []string{"t3.small", "t3.medium"}

	tests := []struct {
		name      string
		opts      UserOptions
		wantField string
	}{
		{name: "recognized type", opts: UserOptions{InstanceType: "t3.small", VolumeSize: 10}},
		{name: "missing type", opts: UserOptions{VolumeSize: 10}, wantField: "instance_type"},
		{name: "unrecognized type", opts: UserOptions{InstanceType: "p4d.24xlarge"}, wantField: "instance_type"},
		{name: "negative size", opts: UserOptions{InstanceType: "t3.small", VolumeSize: -5}, wantField: "volume_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate(allowed)
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var ce *ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.wantField, ce.Field)
		})
	}
}

func TestHasVolumeSource(t *testing.T) {
	assert.False(t, UserOptions{}.HasVolumeSource())
	assert.True(t, UserOptions{ExistingVolumeID: "vol-1"}.HasVolumeSource())
	assert.True(t, UserOptions{VolumeSize: 1}.HasVolumeSource())
	assert.True(t, UserOptions{SnapshotID: "snap-1"}.HasVolumeSource())
}

func TestPollResultStatusText(t *testing.T) {
	assert.Empty(t, PollResult{Status: PollHealthy}.StatusText())
	assert.Equal(t, "hang", PollResult{Status: PollDegraded, Reason: ReasonHang}.StatusText())
	assert.NotEmpty(t, PollResult{Status: PollNotTracked}.StatusText())
}

func TestLifecyclePhaseResumable(t *testing.T) {
	for _, p := range []LifecyclePhase{PhaseStopped, PhaseStopping, PhasePending, PhaseShuttingDown} {
		assert.True(t, p.Resumable(), p)
	}
	for _, p := range []LifecyclePhase{PhaseRunning, PhaseTerminated, LifecyclePhase("rebooting")} {
		assert.False(t, p.Resumable(), p)
	}
}

func TestInstanceUptime(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	inst := &Instance{LaunchTime: now.Add(-181 * time.Second)}
	assert.Equal(t, 181*time.Second, inst.Uptime(now))
	assert.Zero(t, (&Instance{}).Uptime(now))
}

func TestEndpointString(t *testing.T) {
	assert.Equal(t, "10.0.0.5:4444", Endpoint{Address: "10.0.0.5", Port: 4444}.String())
}

func TestValidateUsername(t *testing.T) {
	for _, name := range []string{"alice", "_svc", "bob-smith", "data_01", "machine$"} {
		assert.NoError(t, ValidateUsername(name), name)
	}
	for _, name := range []string{"", "Alice", "1bob", "bob smith", "bob;rm", "a/b", "abcdefghijklmnopqrstuvwxyzabcdefg"} {
		err := ValidateUsername(name)
		assert.True(t, IsConfigurationError(err), name)
	}
}
