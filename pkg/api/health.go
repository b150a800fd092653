package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/metrics"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/types"
)

// RecordCounter is the registry call used to prove storage is reachable
type RecordCounter interface {
	CountRecords(ctx context.Context) (int, error)
}

// HealthServer provides HTTP health check endpoints
type HealthServer struct {
	counter RecordCounter
	mux     *http.ServeMux
}

// NewHealthServer creates a new health check HTTP server
func NewHealthServer(counter RecordCounter) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		counter: counter,
		mux:     mux,
	}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/live", metrics.LivenessHandler())
	mux.Handle("/health/components", metrics.HealthHandler())
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler is a liveness check: 200 while the process is up
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   metrics.GetHealth().Version,
	})
}

// readyHandler reports whether the registry answers and every critical
// component has reported healthy
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks, message := hs.check(r.Context())

	resp := ReadyResponse{
		Status:    "ready",
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	}
	code := http.StatusOK
	if message != "" {
		resp.Status = "not ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// check returns per-check results and, when not ready, the first reason
func (hs *HealthServer) check(ctx context.Context) (map[string]string, string) {
	checks := make(map[string]string)
	var message string

	if hs.counter == nil {
		checks["registry"] = "not initialized"
		message = "Registry not initialized"
	} else if n, err := hs.counter.CountRecords(ctx); err != nil {
		checks["registry"] = fmt.Sprintf("error: %v", err)
		message = "Registry not accessible"
	} else {
		checks["registry"] = fmt.Sprintf("ok (%d records)", n)
	}

	readiness := metrics.GetReadiness()
	for name, state := range readiness.Components {
		if name == "registry" {
			continue
		}
		checks[name] = state
	}
	if readiness.Status != "ready" && message == "" {
		message = readiness.Message
	}

	return checks, message
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}

// UserHealthService exposes per-user polls through the standard gRPC health
// protocol. The empty service name reports the daemon's own readiness; any
// other name is treated as a user and polled.
type UserHealthService struct {
	grpc_health_v1.UnimplementedHealthServer
	spawner Spawner
	ready   *HealthServer
}

// NewUserHealthService creates the gRPC health service
func NewUserHealthService(spawner Spawner, counter RecordCounter) *UserHealthService {
	return &UserHealthService{spawner: spawner, ready: &HealthServer{counter: counter}}
}

func (s *UserHealthService) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	user := req.GetService()
	if user == "" {
		if _, message := s.ready.check(ctx); message != "" {
			return servingStatus(grpc_health_v1.HealthCheckResponse_NOT_SERVING), nil
		}
		return servingStatus(grpc_health_v1.HealthCheckResponse_SERVING), nil
	}

	if err := types.ValidateUsername(user); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	res, err := s.spawner.Poll(ctx, user)
	if err != nil {
		code, _ := StatusCode(err)
		if code == http.StatusServiceUnavailable {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}

	switch res.Status {
	case types.PollHealthy:
		return servingStatus(grpc_health_v1.HealthCheckResponse_SERVING), nil
	case types.PollNotTracked:
		return nil, status.Errorf(codes.NotFound, "unknown service %q", user)
	default:
		return servingStatus(grpc_health_v1.HealthCheckResponse_NOT_SERVING), nil
	}
}

func servingStatus(s grpc_health_v1.HealthCheckResponse_ServingStatus) *grpc_health_v1.HealthCheckResponse {
	return &grpc_health_v1.HealthCheckResponse{Status: s}
}
