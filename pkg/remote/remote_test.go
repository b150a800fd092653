package remote_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/remote"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/remote/remotetest"
)

func TestExec(t *testing.T) {
	conn := remotetest.New()
	conn.Respond("hostname", "ip-10-0-0-5\n")
	conn.Fail("false", 1)

	ctx := context.Background()

	out, err := remote.Exec(ctx, conn, "10.0.0.5", "hostname", false)
	require.NoError(t, err)
	assert.Equal(t, "ip-10-0-0-5\n", out)

	_, err = remote.Exec(ctx, conn, "10.0.0.5", "false", true)
	require.Error(t, err)
	assert.True(t, remote.IsCommandError(err))

	calls := conn.Calls()
	require.Len(t, calls, 2)
	assert.False(t, calls[0].Privileged)
	assert.True(t, calls[1].Privileged)
}

func TestExecUnreachable(t *testing.T) {
	conn := remotetest.New()
	conn.SetUnreachable("10.0.0.9", 2)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := remote.Exec(ctx, conn, "10.0.0.9", "true", false)
		var ce *remote.ConnectionError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, "10.0.0.9", ce.Host)
	}

	_, err := remote.Exec(ctx, conn, "10.0.0.9", "true", false)
	assert.NoError(t, err)
	assert.Equal(t, 3, conn.Connects("10.0.0.9"))
	assert.Len(t, conn.Calls(), 1)
}

func TestLaterRulesTakePrecedence(t *testing.T) {
	conn := remotetest.New()
	conn.Respond("ps -ef", "old")
	conn.Respond("ps -ef", "new")
	conn.OnHost("10.0.0.2", "ps -ef", func(string, string) (string, error) { return "host specific", nil })

	ctx := context.Background()
	out, _ := remote.Exec(ctx, conn, "10.0.0.1", "ps -ef", false)
	assert.Equal(t, "new", out)
	out, _ = remote.Exec(ctx, conn, "10.0.0.2", "ps -ef", false)
	assert.Equal(t, "host specific", out)
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err      error
		contains string
	}{
		{err: &remote.ConnectionError{Host: "h", Err: errors.New("timeout")}, contains: "connect to h"},
		{err: &remote.AuthError{Host: "h", User: "ubuntu", Err: errors.New("denied")}, contains: "ubuntu@h"},
		{err: &remote.CommandError{Command: "ls", ExitStatus: 2}, contains: "status 2"},
	}
	for _, tt := range tests {
		assert.Contains(t, tt.err.Error(), tt.contains)
	}
}

func TestCommand(t *testing.T) {
	assert.Equal(t, "echo hello", remote.Command("echo", "hello"))
	assert.Equal(t, `echo 'a b'`, remote.Command("echo", "a b"))
}
