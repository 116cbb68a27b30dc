package observability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker_Aggregation(t *testing.T) {
	hc := NewHealthChecker("test")
	assert.Equal(t, HealthStatusHealthy, hc.Check(context.Background()).Status)

	hc.RegisterCheck(ExternalServiceCheck("llm", func(context.Context) error {
		return errors.New("slow")
	}))
	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, resp.Status)
	assert.Equal(t, "slow", resp.Checks["llm"].Message)

	hc.RegisterCheck(StoreCheck(func(context.Context) error {
		return errors.New("redis down")
	}))
	resp = hc.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
	assert.Equal(t, "test", resp.Version)
}

func TestHealthChecker_Timeout(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck(&HealthCheck{
		Name:     "hang",
		Timeout:  10 * time.Millisecond,
		Critical: true,
		CheckFunc: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, resp.Checks["hang"].Status)
}

func TestRoutes(t *testing.T) {
	InitMetrics()
	RecordHTTPRequest("GET", "/sessions", "200", time.Millisecond)
	RecordRun("eliza", "done", 2, time.Second)
	RecordCapabilityCall("action", "REPLY", true, time.Millisecond)
	RecordStreamTimeout()

	hc := NewHealthChecker("1.2.3")
	mux := http.NewServeMux()
	RegisterRoutes(mux, hc)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1.2.3", body.Version)

	resp, err = http.Get(srv.URL + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	hc.RegisterCheck(StoreCheck(func(context.Context) error { return errors.New("down") }))
	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "agentrelay_orchestrator_runs_total")
	assert.Contains(t, string(raw), "agentrelay_stream_timeouts_total")
}
