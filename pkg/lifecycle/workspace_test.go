package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/config"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/remote/remotetest"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/retry"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/types"
)

func newTestWorkspace(conn *remotetest.Connector) *Workspace {
	exec := retry.NewExecutor(retry.Policy{MaxAttempts: 2}, retry.WithSleep(func(context.Context, time.Duration) error { return nil }))
	return NewWorkspace(config.Default(), conn, exec)
}

func TestSetupCommands(t *testing.T) {
	w := newTestWorkspace(remotetest.New())

	common := []string{
		"mkdir -p /jupyteruser",
		"grep -qs '^/dev/nvme1n1 ' /etc/fstab || echo '/dev/nvme1n1 /jupyteruser xfs defaults 1 1' >> /etc/fstab",
		"mount -a",
		"id -u alice >/dev/null 2>&1 || useradd -d /home/alice -s /bin/bash alice",
		"test -e /jupyteruser/alice || cp -R /home/ubuntu /jupyteruser/alice",
		"ln -sfn /jupyteruser/alice /home/alice",
		"chown -R alice /home/alice /jupyteruser/alice",
		"echo 'alice ALL=(ALL) NOPASSWD:ALL' > /etc/sudoers.d/alice",
	}

	tests := []struct {
		name   string
		user   string
		source types.VolumeSource
		want   []string
	}{
		{name: "fresh volume is formatted", user: "alice", source: types.VolumeSourceCreated, want: append([]string{"mkfs.xfs /dev/nvme1n1"}, common...)},
		{name: "snapshot volume keeps its filesystem", user: "alice", source: types.VolumeSourceSnapshot, want: common},
		{name: "existing volume keeps its filesystem", user: "alice", source: types.VolumeSourceExisting, want: common},
		{name: "service account is skipped", user: "ubuntu", source: types.VolumeSourceCreated, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := w.SetupCommands(tt.user, types.VolumeSelection{VolumeID: "vol-1", Source: tt.source})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetupCommandsQuotesUser(t *testing.T) {
	w := newTestWorkspace(remotetest.New())
	cmds := w.SetupCommands("bob;rm", types.VolumeSelection{Source: types.VolumeSourceExisting})
	assert.Contains(t, cmds, `chown -R bob\;rm /home/bob\;rm /jupyteruser/bob\;rm`)
}

func TestSetupRunsPrivileged(t *testing.T) {
	conn := remotetest.New()
	w := newTestWorkspace(conn)

	require.NoError(t, w.Setup(context.Background(), "alice", "10.0.0.5", types.VolumeSelection{Source: types.VolumeSourceCreated}))

	calls := conn.Calls()
	require.Len(t, calls, 9)
	for _, c := range calls {
		assert.True(t, c.Privileged)
		assert.Equal(t, "10.0.0.5", c.Host)
	}
}

func TestSetupStopsAtFailedStep(t *testing.T) {
	conn := remotetest.New()
	conn.Fail("mount -a", 32)
	w := newTestWorkspace(conn)

	err := w.Setup(context.Background(), "alice", "10.0.0.5", types.VolumeSelection{Source: types.VolumeSourceExisting})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTransientUnavailable)

	assert.Len(t, conn.CallsMatching("mount -a"), 2)
	assert.Empty(t, conn.CallsMatching("useradd"))
}

func TestNotebookCommand(t *testing.T) {
	w := newTestWorkspace(remotetest.New())

	got := w.NotebookCommand("alice", map[string]string{
		"JUPYTERHUB_API_TOKEN": "tok",
		"HOME":                 "/root",
	})
	assert.Equal(t,
		"nohup env HOME=/home/alice JUPYTERHUB_API_TOKEN=tok SHELL=/bin/bash jupyterhub-singleuser --port=4444 --user=alice --notebook-dir=/ > /tmp/jupyter.log 2>&1 &",
		got)
}

func TestNotebookCommandQuotesValues(t *testing.T) {
	w := newTestWorkspace(remotetest.New())
	got := w.NotebookCommand("alice", map[string]string{"GREETING": "hello world"})
	assert.Contains(t, got, "'GREETING=hello world'")
}

func TestLaunchNotebook(t *testing.T) {
	conn := remotetest.New()
	w := newTestWorkspace(conn)

	require.NoError(t, w.LaunchNotebook(context.Background(), "alice", "10.0.0.5", nil))
	calls := conn.CallsMatching("jupyterhub-singleuser")
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Privileged)
}
