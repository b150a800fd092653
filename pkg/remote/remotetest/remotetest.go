// Package remotetest provides a scripted in-memory remote.Connector
package remotetest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/remote"
)

// Handler produces the result of a matched command
type Handler func(host, command string) (string, error)

// Call records one executed command
type Call struct {
	Host       string
	Command    string
	Privileged bool
}

type rule struct {
	host    string
	match   string
	handler Handler
}

// Connector answers commands from registered rules. Unmatched commands
// succeed with empty output. Later rules take precedence over earlier ones.
type Connector struct {
	mu          sync.Mutex
	rules       []rule
	unreachable map[string]int
	calls       []Call
	connects    map[string]int
}

func New() *Connector {
	return &Connector{
		unreachable: make(map[string]int),
		connects:    make(map[string]int),
	}
}

// SetUnreachable makes the next n connects to host fail. A negative n fails
// forever.
func (c *Connector) SetUnreachable(host string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unreachable[host] = n
}

// On registers handler for commands containing match on any host
func (c *Connector) On(match string, handler Handler) {
	c.OnHost("", match, handler)
}

// OnHost registers handler for commands containing match on host
func (c *Connector) OnHost(host, match string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, rule{host: host, match: match, handler: handler})
}

// Respond makes commands containing match print output
func (c *Connector) Respond(match, output string) {
	c.On(match, func(string, string) (string, error) { return output, nil })
}

// Fail makes commands containing match exit with status
func (c *Connector) Fail(match string, status int) {
	c.On(match, func(_, command string) (string, error) {
		return "", &remote.CommandError{Command: command, ExitStatus: status}
	})
}

// Calls returns every command executed so far
func (c *Connector) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallsMatching returns executed commands containing match
func (c *Connector) CallsMatching(match string) []Call {
	var out []Call
	for _, call := range c.Calls() {
		if strings.Contains(call.Command, match) {
			out = append(out, call)
		}
	}
	return out
}

// Connects returns how many connections were attempted to host
func (c *Connector) Connects(host string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects[host]
}

func (c *Connector) Connect(ctx context.Context, host string) (remote.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connects[host]++
	if n, ok := c.unreachable[host]; ok && n != 0 {
		if n > 0 {
			c.unreachable[host] = n - 1
		}
		return nil, &remote.ConnectionError{Host: host, Err: errors.New("connection refused")}
	}
	return &session{conn: c, host: host}, nil
}

func (c *Connector) exec(host, command string, privileged bool) (string, error) {
	c.mu.Lock()
	c.calls = append(c.calls, Call{Host: host, Command: command, Privileged: privileged})
	var handler Handler
	for i := len(c.rules) - 1; i >= 0; i-- {
		r := c.rules[i]
		if (r.host == "" || r.host == host) && strings.Contains(command, r.match) {
			handler = r.handler
			break
		}
	}
	c.mu.Unlock()

	if handler == nil {
		return "", nil
	}
	return handler(host, command)
}

type session struct {
	conn   *Connector
	host   string
	closed bool
}

func (s *session) Run(ctx context.Context, command string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.conn.exec(s.host, command, false)
}

func (s *session) Sudo(ctx context.Context, command string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.conn.exec(s.host, command, true)
}

func (s *session) Close() error {
	s.closed = true
	return nil
}
