package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(t *testing.T) {
	t.Helper()
	healthChecker = newHealthChecker()
	SetCriticalComponents("registry", "cloud", "api")
}

func TestRegisterAndUpdateComponent(t *testing.T) {
	resetHealth(t)

	RegisterComponent("registry", true, "open")
	comp := healthChecker.components["registry"]
	assert.True(t, comp.Healthy)
	assert.Equal(t, "open", comp.Message)

	UpdateComponent("registry", false, "disk full")
	comp = healthChecker.components["registry"]
	assert.False(t, comp.Healthy)
	assert.Equal(t, "disk full", comp.Message)
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		expected   string
	}{
		{name: "no components", components: nil, expected: "healthy"},
		{name: "all healthy", components: map[string]bool{"api": true, "registry": true}, expected: "healthy"},
		{name: "one unhealthy", components: map[string]bool{"api": true, "registry": false}, expected: "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			SetVersion("1.0.0")
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "broken")
			}

			health := GetHealth()
			assert.Equal(t, tt.expected, health.Status)
			assert.Len(t, health.Components, len(tt.components))
			assert.Equal(t, "1.0.0", health.Version)
		})
	}
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		expected   string
	}{
		{name: "all critical ready", components: map[string]bool{"registry": true, "cloud": true, "api": true}, expected: "ready"},
		{name: "critical missing", components: map[string]bool{"api": true}, expected: "not_ready"},
		{name: "critical unhealthy", components: map[string]bool{"registry": false, "cloud": true, "api": true}, expected: "not_ready"},
		{name: "non critical ignored", components: map[string]bool{"registry": true, "cloud": true, "api": true, "nats": false}, expected: "ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "")
			}

			readiness := GetReadiness()
			assert.Equal(t, tt.expected, readiness.Status)
			if tt.expected != "ready" {
				assert.NotEmpty(t, readiness.Message)
			}
		})
	}
}

func TestHealthHandlers(t *testing.T) {
	tests := []struct {
		name         string
		handler      http.HandlerFunc
		healthy      bool
		expectedCode int
	}{
		{name: "health ok", handler: HealthHandler(), healthy: true, expectedCode: http.StatusOK},
		{name: "health unhealthy", handler: HealthHandler(), healthy: false, expectedCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			for _, name := range []string{"registry", "cloud", "api"} {
				RegisterComponent(name, tt.healthy, "")
			}

			w := httptest.NewRecorder()
			tt.handler(w, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.expectedCode, w.Code)
			var status HealthStatus
			require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
			assert.NotEmpty(t, status.Status)
		})
	}
}

func TestLivenessHandler(t *testing.T) {
	resetHealth(t)

	w := httptest.NewRecorder()
	LivenessHandler()(w, httptest.NewRequest(http.MethodGet, "/live", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "alive", response["status"])
	assert.NotEmpty(t, response["uptime"])
}

type fakeCounter struct {
	n   int
	err error
}

func (f fakeCounter) CountRecords(_ context.Context) (int, error) {
	return f.n, f.err
}

func TestCollectorCollect(t *testing.T) {
	resetHealth(t)

	NewCollector(fakeCounter{n: 7}, 0).Collect()
	assert.Equal(t, 7.0, testutil.ToFloat64(InstancesTracked))
	assert.True(t, healthChecker.components["registry"].Healthy)

	NewCollector(fakeCounter{err: errors.New("closed")}, 0).Collect()
	assert.Equal(t, 7.0, testutil.ToFloat64(InstancesTracked))
	assert.False(t, healthChecker.components["registry"].Healthy)
}
