package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/log"
	"golang.org/x/crypto/ssh"
)

// SSHConfig is the credential binding used for every host
type SSHConfig struct {
	User           string
	KeyPath        string
	Port           int
	Bastion        string
	BastionUser    string
	ConnectTimeout time.Duration
}

// SSHConnector opens key-authenticated SSH sessions, optionally through a
// bastion host.
type SSHConnector struct {
	cfg     SSHConfig
	signer  ssh.Signer
	hostKey ssh.HostKeyCallback
	logger  zerolog.Logger
}

// NewSSHConnector loads the private key once. Instances are created and
// destroyed on demand with fresh host keys, so host keys are not pinned.
func NewSSHConnector(cfg SSHConfig) (*SSHConnector, error) {
	key, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}
	return newSSHConnector(cfg, signer), nil
}

func newSSHConnector(cfg SSHConfig, signer ssh.Signer) *SSHConnector {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &SSHConnector{
		cfg:     cfg,
		signer:  signer,
		hostKey: ssh.InsecureIgnoreHostKey(),
		logger:  log.WithComponent("remote"),
	}
}

func (c *SSHConnector) clientConfig(user string) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(c.signer)},
		HostKeyCallback: c.hostKey,
		Timeout:         c.cfg.ConnectTimeout,
	}
}

// Connect dials host directly or through the bastion
func (c *SSHConnector) Connect(ctx context.Context, host string) (Session, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(c.cfg.Port))

	if c.cfg.Bastion == "" {
		client, err := c.dial(ctx, addr, c.cfg.User)
		if err != nil {
			return nil, err
		}
		return &sshSession{host: host, client: client}, nil
	}

	bastion, err := c.dial(ctx, c.cfg.Bastion, c.cfg.BastionUser)
	if err != nil {
		return nil, err
	}

	conn, err := bastion.DialContext(ctx, "tcp", addr)
	if err != nil {
		bastion.Close()
		return nil, &ConnectionError{Host: host, Err: err}
	}

	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, c.clientConfig(c.cfg.User))
	if err != nil {
		conn.Close()
		bastion.Close()
		return nil, classifyHandshake(host, c.cfg.User, err)
	}

	c.logger.Debug().Str("host", host).Str("bastion", c.cfg.Bastion).Msg("Connected through bastion")
	return &sshSession{host: host, client: ssh.NewClient(cc, chans, reqs), bastion: bastion}, nil
}

func (c *SSHConnector) dial(ctx context.Context, addr, user string) (*ssh.Client, error) {
	host, _, _ := net.SplitHostPort(addr)
	d := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Host: host, Err: err}
	}

	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, c.clientConfig(user))
	if err != nil {
		conn.Close()
		return nil, classifyHandshake(host, user, err)
	}
	return ssh.NewClient(cc, chans, reqs), nil
}

func classifyHandshake(host, user string, err error) error {
	if strings.Contains(err.Error(), "unable to authenticate") {
		return &AuthError{Host: host, User: user, Err: err}
	}
	return &ConnectionError{Host: host, Err: err}
}

type sshSession struct {
	host    string
	client  *ssh.Client
	bastion *ssh.Client
}

func (s *sshSession) Run(ctx context.Context, command string) (string, error) {
	return s.exec(ctx, command)
}

func (s *sshSession) Sudo(ctx context.Context, command string) (string, error) {
	return s.exec(ctx, "sudo -n sh -c "+shellQuote(command))
}

func (s *sshSession) exec(ctx context.Context, command string) (string, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", &ConnectionError{Host: s.host, Err: err}
	}
	defer sess.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := sess.CombinedOutput(command)
		done <- result{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case r := <-done:
		out := string(r.out)
		if r.err == nil {
			return out, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(r.err, &exitErr) {
			return out, &CommandError{Command: command, ExitStatus: exitErr.ExitStatus(), Output: out}
		}
		var missing *ssh.ExitMissingError
		if errors.As(r.err, &missing) {
			return out, &CommandError{Command: command, ExitStatus: -1, Output: out}
		}
		return out, &ConnectionError{Host: s.host, Err: r.err}
	}
}

func (s *sshSession) Close() error {
	err := s.client.Close()
	if s.bastion != nil {
		if berr := s.bastion.Close(); err == nil {
			err = berr
		}
	}
	return err
}
