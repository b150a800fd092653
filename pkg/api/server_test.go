package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/retry"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/types"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/worker"
)

type mockSpawner struct {
	startFn     func(ctx context.Context, user string, opts types.UserOptions) (types.Endpoint, error)
	stopFn      func(ctx context.Context, user string) (string, error)
	terminateFn func(ctx context.Context, user string, deleteVolume bool) (string, error)
	pollFn      func(ctx context.Context, user string) (types.PollResult, error)
}

func (m *mockSpawner) Start(ctx context.Context, user string, opts types.UserOptions) (types.Endpoint, error) {
	if m.startFn == nil {
		return types.Endpoint{}, errors.New("start not configured")
	}
	return m.startFn(ctx, user, opts)
}

func (m *mockSpawner) Stop(ctx context.Context, user string) (string, error) {
	if m.stopFn == nil {
		return "", errors.New("stop not configured")
	}
	return m.stopFn(ctx, user)
}

func (m *mockSpawner) Terminate(ctx context.Context, user string, deleteVolume bool) (string, error) {
	if m.terminateFn == nil {
		return "", errors.New("terminate not configured")
	}
	return m.terminateFn(ctx, user, deleteVolume)
}

func (m *mockSpawner) Poll(ctx context.Context, user string) (types.PollResult, error) {
	if m.pollFn == nil {
		return types.PollResult{}, errors.New("poll not configured")
	}
	return m.pollFn(ctx, user)
}

func serve(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func TestStartJSON(t *testing.T) {
	var gotUser string
	var gotOpts types.UserOptions
	s := NewServer(&mockSpawner{
		startFn: func(_ context.Context, user string, opts types.UserOptions) (types.Endpoint, error) {
			gotUser, gotOpts = user, opts
			return types.Endpoint{Address: "10.0.0.5", Port: 4444}, nil
		},
	}, nil)

	body := `{"instance_type":"t3.medium","volume_size":20,"env":{"JUPYTERHUB_API_TOKEN":"x"}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/users/alice/start", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	w := serve(t, s, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp StartResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, StartResponse{Address: "10.0.0.5", Port: 4444}, resp)
	assert.Equal(t, "alice", gotUser)
	assert.Equal(t, types.UserOptions{
		InstanceType: "t3.medium",
		VolumeSize:   20,
		Env:          map[string]string{"JUPYTERHUB_API_TOKEN": "x"},
	}, gotOpts)
}

func TestStartForm(t *testing.T) {
	var gotOpts types.UserOptions
	s := NewServer(&mockSpawner{
		startFn: func(_ context.Context, _ string, opts types.UserOptions) (types.Endpoint, error) {
			gotOpts = opts
			return types.Endpoint{Address: "10.0.0.6", Port: 4444}, nil
		},
	}, nil)

	form := url.Values{"instance_type": {" t3.large "}, "ebs_vol_id": {"vol-9"}}
	req := httptest.NewRequest(http.MethodPost, "/v1/users/bob/start", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	w := serve(t, s, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, types.UserOptions{InstanceType: "t3.large", ExistingVolumeID: "vol-9"}, gotOpts)
}

func TestStartBadBodies(t *testing.T) {
	called := false
	s := NewServer(&mockSpawner{
		startFn: func(context.Context, string, types.UserOptions) (types.Endpoint, error) {
			called = true
			return types.Endpoint{}, nil
		},
	}, nil)

	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{name: "broken json", contentType: "application/json", body: `{"instance_type":`},
		{name: "negative json size", contentType: "application/json", body: `{"instance_type":"t3.medium","volume_size":-1}`},
		{name: "non numeric form size", contentType: "application/x-www-form-urlencoded", body: "ebs_vol_size=ten"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/users/alice/start", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)

			w := serve(t, s, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, "configuration", resp.Kind)
		})
	}
	assert.False(t, called)
}

func TestStartErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantKind string
	}{
		{name: "configuration", err: &types.ConfigurationError{Field: "instance_type", Reason: "unrecognized"}, wantCode: http.StatusBadRequest, wantKind: "configuration"},
		{name: "provisioning", err: &types.ProvisioningError{Step: "RunInstance", Err: errors.New("no instance in reservation")}, wantCode: http.StatusInternalServerError, wantKind: "provisioning"},
		{name: "unavailable", err: types.Unavailable("instance hung"), wantCode: http.StatusServiceUnavailable, wantKind: "unavailable"},
		{name: "exhausted", err: fmt.Errorf("describe: %w", retry.ErrExhausted), wantCode: http.StatusServiceUnavailable, wantKind: "unavailable"},
		{name: "pool closed", err: worker.ErrClosed, wantCode: http.StatusServiceUnavailable, wantKind: "unavailable"},
		{name: "deadline", err: context.DeadlineExceeded, wantCode: http.StatusServiceUnavailable, wantKind: "timeout"},
		{name: "unknown", err: errors.New("boom"), wantCode: http.StatusInternalServerError, wantKind: "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(&mockSpawner{
				startFn: func(context.Context, string, types.UserOptions) (types.Endpoint, error) {
					return types.Endpoint{}, tt.err
				},
			}, nil)

			req := httptest.NewRequest(http.MethodPost, "/v1/users/alice/start", strings.NewReader(`{"instance_type":"t3.medium"}`))
			req.Header.Set("Content-Type", "application/json")
			w := serve(t, s, req)

			assert.Equal(t, tt.wantCode, w.Code)
			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.wantKind, resp.Kind)
			assert.Equal(t, tt.err.Error(), resp.Error)
		})
	}
}

func TestInvalidUserRejected(t *testing.T) {
	called := false
	s := NewServer(&mockSpawner{
		stopFn: func(context.Context, string) (string, error) {
			called = true
			return "", nil
		},
	}, nil)

	for _, user := range []string{"Alice", "bob%3Brm", "1abc"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/users/"+user+"/stop", nil)
		w := serve(t, s, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, user)
	}
	assert.False(t, called)
}

func TestStop(t *testing.T) {
	s := NewServer(&mockSpawner{
		stopFn: func(_ context.Context, user string) (string, error) {
			assert.Equal(t, "alice", user)
			return "Notebook stopped", nil
		},
	}, nil)

	w := serve(t, s, httptest.NewRequest(http.MethodPost, "/v1/users/alice/stop", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "Notebook stopped", resp.Status)
}

func TestTerminate(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantCode   int
		wantDelete bool
		wantCalled bool
	}{
		{name: "keep volume by default", query: "", wantCode: http.StatusOK, wantCalled: true},
		{name: "delete volume", query: "?delete_volume=true", wantCode: http.StatusOK, wantDelete: true, wantCalled: true},
		{name: "explicit keep", query: "?delete_volume=false", wantCode: http.StatusOK, wantCalled: true},
		{name: "bad flag", query: "?delete_volume=maybe", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called, gotDelete := false, false
			s := NewServer(&mockSpawner{
				terminateFn: func(_ context.Context, _ string, deleteVolume bool) (string, error) {
					called, gotDelete = true, deleteVolume
					return "Terminated", nil
				},
			}, nil)

			w := serve(t, s, httptest.NewRequest(http.MethodPost, "/v1/users/alice/terminate"+tt.query, nil))

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantCalled, called)
			assert.Equal(t, tt.wantDelete, gotDelete)
		})
	}
}

func TestPoll(t *testing.T) {
	tests := []struct {
		name   string
		result types.PollResult
		want   PollResponse
	}{
		{
			name:   "healthy",
			result: types.PollResult{Status: types.PollHealthy},
			want:   PollResponse{Healthy: true, Status: "healthy"},
		},
		{
			name:   "degraded",
			result: types.PollResult{Status: types.PollDegraded, Reason: types.ReasonServiceNotRunning},
			want:   PollResponse{Status: "degraded", Reason: "service not running", Message: "service not running"},
		},
		{
			name:   "not tracked",
			result: types.PollResult{Status: types.PollNotTracked},
			want:   PollResponse{Status: "not-tracked", Message: "instance not found/tracked"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(&mockSpawner{
				pollFn: func(context.Context, string) (types.PollResult, error) { return tt.result, nil },
			}, nil)

			w := serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/users/alice/poll", nil))

			require.Equal(t, http.StatusOK, w.Code)
			var resp PollResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.want, resp)
		})
	}
}

func TestRoutes(t *testing.T) {
	s := NewServer(&mockSpawner{}, nil)

	w := serve(t, s, httptest.NewRequest(http.MethodGet, "/v1/users/alice/unknown", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(t, s, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMethodName(t *testing.T) {
	tests := []struct {
		full string
		want string
	}{
		{full: "/grpc.health.v1.Health/Check", want: "Check"},
		{full: "/grpc.health.v1.Health/Watch", want: "Watch"},
		{full: "Check", want: "Check"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, methodName(tt.full))
	}
}
