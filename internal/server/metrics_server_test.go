package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/devrev/pairdb/refstore/internal/health"
	"github.com/devrev/pairdb/refstore/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestMetricsServer_Routes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics("node-1", reg)
	m.RecordSyncTimeout()

	checker := health.NewHealthChecker(&health.HealthCheckConfig{NodeID: "node-1"}, zap.NewNop())
	checker.RunChecks(context.Background())

	s := NewMetricsServer(&MetricsServerConfig{Port: 0}, reg, checker, zap.NewNop())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "refstore_engine_sync_timeouts_total")

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
