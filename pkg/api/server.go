package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/log"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/metrics"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/retry"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/types"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/worker"
)

// Spawner is the lifecycle surface the API exposes
type Spawner interface {
	Start(ctx context.Context, user string, opts types.UserOptions) (types.Endpoint, error)
	Stop(ctx context.Context, user string) (string, error)
	Terminate(ctx context.Context, user string, deleteVolume bool) (string, error)
	Poll(ctx context.Context, user string) (types.PollResult, error)
}

// StartRequest is the JSON body of a start call. Form-encoded bodies use
// the hub's option form field names instead.
type StartRequest struct {
	InstanceType     string            `json:"instance_type"`
	ExistingVolumeID string            `json:"existing_volume_id,omitempty"`
	VolumeSize       int               `json:"volume_size,omitempty"`
	SnapshotID       string            `json:"snapshot_id,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
}

// StartResponse tells the hub where the notebook listens
type StartResponse struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// StatusResponse carries the status text of stop and terminate
type StatusResponse struct {
	Status string `json:"status"`
}

// PollResponse follows the hub convention: an empty status means healthy
type PollResponse struct {
	Healthy bool   `json:"healthy"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is returned with every non-2xx status
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// Server serves the lifecycle API over HTTP and the per-user health service
// over gRPC
type Server struct {
	Router  *chi.Mux
	spawner Spawner
	health  *HealthServer
	grpc    *grpc.Server
	http    *http.Server
	logger  zerolog.Logger
}

// NewServer creates a new API server. counter backs the readiness check and
// may be nil.
func NewServer(spawner Spawner, counter RecordCounter) *Server {
	s := &Server{
		spawner: spawner,
		health:  NewHealthServer(counter),
		logger:  log.WithComponent("api"),
	}
	s.Router = s.routes()

	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(MetricsInterceptor()))
	grpc_health_v1.RegisterHealthServer(s.grpc, NewUserHealthService(spawner, counter))
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	for _, path := range []string{"/health", "/health/components", "/ready", "/live", "/metrics"} {
		r.Handle(path, s.health.GetHandler())
	}

	r.Route("/v1/users/{user}", func(r chi.Router) {
		r.Use(validUser)
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Post("/terminate", s.handleTerminate)
		r.Get("/poll", s.handlePoll)
	})

	return r
}

// Start serves HTTP on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	metrics.RegisterComponent("api", true, "listening on "+addr)
	s.logger.Info().Str("addr", addr).Msg("HTTP API listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		metrics.UpdateComponent("api", false, err.Error())
		return fmt.Errorf("failed to serve HTTP: %w", err)
	}
	return nil
}

// StartGRPC serves the gRPC health service on addr until Shutdown
func (s *Server) StartGRPC(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.logger.Info().Str("addr", addr).Msg("gRPC health service listening")
	return s.grpc.Serve(lis)
}

// Shutdown stops both listeners, letting in-flight requests finish until
// ctx ends
func (s *Server) Shutdown(ctx context.Context) error {
	s.grpc.GracefulStop()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")

	opts, err := decodeStart(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ep, err := s.spawner.Start(r.Context(), user, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StartResponse{Address: ep.Address, Port: ep.Port})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	status, err := s.spawner.Stop(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: status})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	deleteVolume := false
	if v := r.URL.Query().Get("delete_volume"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, r, &types.ConfigurationError{Field: "delete_volume", Reason: "not a boolean: " + strconv.Quote(v)})
			return
		}
		deleteVolume = b
	}

	status, err := s.spawner.Terminate(r.Context(), chi.URLParam(r, "user"), deleteVolume)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: status})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	res, err := s.spawner.Poll(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PollResponse{
		Healthy: res.Healthy(),
		Status:  string(res.Status),
		Reason:  res.Reason,
		Message: res.StatusText(),
	})
}

func decodeStart(r *http.Request) (types.UserOptions, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseForm(); err != nil {
			return types.UserOptions{}, &types.ConfigurationError{Reason: "unreadable form: " + err.Error()}
		}
		return types.ParseOptionsForm(r.PostForm)
	default:
		var req StartRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				return types.UserOptions{}, &types.ConfigurationError{Reason: "invalid JSON body: " + err.Error()}
			}
		}
		if req.VolumeSize < 0 {
			return types.UserOptions{}, &types.ConfigurationError{Field: "volume_size", Reason: "must not be negative"}
		}
		return types.UserOptions{
			InstanceType:     req.InstanceType,
			ExistingVolumeID: req.ExistingVolumeID,
			VolumeSize:       req.VolumeSize,
			SnapshotID:       req.SnapshotID,
			Env:              req.Env,
		}, nil
	}
}

// StatusCode maps a lifecycle error to an HTTP status and a short kind
func StatusCode(err error) (int, string) {
	switch {
	case types.IsConfigurationError(err):
		return http.StatusBadRequest, "configuration"
	case types.IsProvisioningError(err):
		return http.StatusInternalServerError, "provisioning"
	case errors.Is(err, types.ErrTransientUnavailable),
		errors.Is(err, retry.ErrExhausted),
		errors.Is(err, worker.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, kind := StatusCode(err)

	event := s.logger.Warn()
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		event = s.logger.Error()
	}
	event.Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("path", r.URL.Path).
		Int("status", code).
		Msg("Request failed")

	writeJSON(w, code, ErrorResponse{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func validUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := types.ValidateUsername(chi.URLParam(r, "user")); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "configuration"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
