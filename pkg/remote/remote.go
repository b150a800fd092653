package remote

import (
	"context"
	"errors"
	"fmt"
)

// Session executes shell commands on one remote host
type Session interface {
	// Run executes command as the connecting account and returns its
	// combined output. A non-zero exit status is returned as *CommandError.
	Run(ctx context.Context, command string) (string, error)

	// Sudo executes command with elevated privileges
	Sudo(ctx context.Context, command string) (string, error)

	Close() error
}

// Connector opens sessions to hosts using a fixed credential binding
type Connector interface {
	Connect(ctx context.Context, host string) (Session, error)
}

// ConnectionError means the host could not be reached, usually because it is
// still booting.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError means the host refused the credentials. During boot this is
// transient because the key has not been installed yet.
type AuthError struct {
	Host string
	User string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authenticate %s@%s: %v", e.User, e.Host, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// CommandError is a command that ran and exited non-zero
type CommandError struct {
	Command    string
	ExitStatus int
	Output     string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited with status %d", e.Command, e.ExitStatus)
}

// IsCommandError reports whether err is a non-zero exit from a command
func IsCommandError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}

// Exec connects to host, runs one command and closes the session. Each
// attempt under a retry gets its own connection, so a host that is still
// booting is retried from the handshake.
func Exec(ctx context.Context, c Connector, host, command string, privileged bool) (string, error) {
	s, err := c.Connect(ctx, host)
	if err != nil {
		return "", err
	}
	defer s.Close()

	if privileged {
		return s.Sudo(ctx, command)
	}
	return s.Run(ctx, command)
}
