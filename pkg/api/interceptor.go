package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/log"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/metrics"
)

// MetricsInterceptor records request counts and latency for unary gRPC
// calls under the method's short name
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	logger := log.WithComponent("api")
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		timer := metrics.NewTimer()
		method := methodName(info.FullMethod)

		resp, err := handler(ctx, req)

		code := status.Code(err)
		timer.ObserveDurationVec(metrics.APIRequestDuration, method)
		metrics.APIRequestsTotal.WithLabelValues(method, code.String()).Inc()
		if err != nil {
			logger.Debug().Err(err).Str("method", method).Str("code", code.String()).Msg("gRPC call failed")
		}
		return resp, err
	}
}

// methodName extracts the method from a full gRPC path, e.g.
// "/grpc.health.v1.Health/Check" -> "Check"
func methodName(fullMethod string) string {
	parts := strings.Split(fullMethod, "/")
	return parts[len(parts)-1]
}

// instrument is the HTTP counterpart of MetricsInterceptor. Requests are
// labelled by route pattern so per-user paths do not explode cardinality.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		method := r.Method + " " + route

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		timer.ObserveDurationVec(metrics.APIRequestDuration, method)
		metrics.APIRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	})
}
