package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/api"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/types"
)

// DefaultTimeout bounds a single call. Start can provision a whole instance,
// so it is generous.
const DefaultTimeout = 30 * time.Minute

// APIError is a non-2xx response from the spawner daemon
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("spawner returned %d (%s): %s", e.StatusCode, e.Kind, e.Message)
}

// IsUnavailable reports whether err means the caller should retry shortly
func IsUnavailable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable
}

// Client wraps the spawner HTTP API for CLI usage
type Client struct {
	base *url.URL
	http *http.Client
	conn *grpc.ClientConn
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for the daemon at addr ("host:port" or a URL)
func NewClient(addr string, opts ...Option) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	base, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid API address %q: %w", addr, err)
	}

	c := &Client{
		base: base,
		http: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close closes the gRPC connection if one was opened
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Start brings up the user's notebook and returns where it listens
func (c *Client) Start(ctx context.Context, user string, opts types.UserOptions) (types.Endpoint, error) {
	req := api.StartRequest{
		InstanceType:     opts.InstanceType,
		ExistingVolumeID: opts.ExistingVolumeID,
		VolumeSize:       opts.VolumeSize,
		SnapshotID:       opts.SnapshotID,
		Env:              opts.Env,
	}

	var resp api.StartResponse
	if err := c.do(ctx, http.MethodPost, userPath(user, "start"), nil, req, &resp); err != nil {
		return types.Endpoint{}, err
	}
	return types.Endpoint{Address: resp.Address, Port: resp.Port}, nil
}

// Stop stops the user's instance and returns the status text
func (c *Client) Stop(ctx context.Context, user string) (string, error) {
	var resp api.StatusResponse
	if err := c.do(ctx, http.MethodPost, userPath(user, "stop"), nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Terminate terminates the user's instance, optionally deleting the volume
func (c *Client) Terminate(ctx context.Context, user string, deleteVolume bool) (string, error) {
	query := url.Values{"delete_volume": {strconv.FormatBool(deleteVolume)}}

	var resp api.StatusResponse
	if err := c.do(ctx, http.MethodPost, userPath(user, "terminate"), query, nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Poll returns the health of the user's notebook
func (c *Client) Poll(ctx context.Context, user string) (api.PollResponse, error) {
	var resp api.PollResponse
	err := c.do(ctx, http.MethodGet, userPath(user, "poll"), nil, nil, &resp)
	return resp, err
}

// Ready reports whether the daemon is ready to serve
func (c *Client) Ready(ctx context.Context) (api.ReadyResponse, error) {
	var resp api.ReadyResponse
	err := c.do(ctx, http.MethodGet, "/ready", nil, nil, &resp)
	return resp, err
}

// CheckUser asks the daemon's gRPC health service about a single user.
// An empty user checks the daemon itself.
func (c *Client) CheckUser(ctx context.Context, grpcAddr, user string) (grpc_health_v1.HealthCheckResponse_ServingStatus, error) {
	if c.conn == nil {
		conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return grpc_health_v1.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect to %s: %w", grpcAddr, err)
		}
		c.conn = conn
	}

	resp, err := grpc_health_v1.NewHealthClient(c.conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: user})
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func userPath(user, op string) string {
	return "/v1/users/" + url.PathEscape(user) + "/" + op
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.base.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Kind: "unknown"}
		var errResp api.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			apiErr.Kind, apiErr.Message = errResp.Kind, errResp.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
