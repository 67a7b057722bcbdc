package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Check statuses
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// CheckFunc runs a single health check
type CheckFunc func(ctx context.Context) CheckResult

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID   string
	Service  string
	Interval time.Duration
	Timeout  time.Duration
}

// HealthChecker runs periodic checks and mirrors the outcome into a gRPC health server
type HealthChecker struct {
	nodeID   string
	service  string
	interval time.Duration
	timeout  time.Duration
	checks   []CheckFunc
	grpc     *health.Server
	logger   *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	results     map[string]CheckResult
	readinessOK bool
	draining    bool
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, logger *zap.Logger, checks ...CheckFunc) *HealthChecker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthChecker{
		nodeID:   cfg.NodeID,
		service:  cfg.Service,
		interval: interval,
		timeout:  timeout,
		checks:   checks,
		grpc:     health.NewServer(),
		logger:   logger,
		results:  make(map[string]CheckResult),
	}
}

// GRPCServer returns the gRPC health service fed by this checker
func (h *HealthChecker) GRPCServer() *health.Server {
	return h.grpc
}

// Start runs checks until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks(ctx)

	for {
		select {
		case <-ticker.C:
			h.RunChecks(ctx)
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs every check once and updates readiness
func (h *HealthChecker) RunChecks(ctx context.Context) {
	results := make([]CheckResult, 0, len(h.checks))
	for _, check := range h.checks {
		checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
		results = append(results, check(checkCtx))
		cancel()
	}

	ready := true
	for _, r := range results {
		if r.Status == StatusCritical {
			ready = false
		}
	}

	h.mu.Lock()
	h.lastCheck = time.Now()
	for _, r := range results {
		h.results[r.Name] = r
	}
	h.readinessOK = ready
	draining := h.draining
	h.mu.Unlock()

	if !draining {
		h.setServing(ready)
	}

	h.logger.Debug("Health check completed", zap.Bool("readiness", ready))
}

func (h *HealthChecker) setServing(ok bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.grpc.SetServingStatus(h.service, status)
	h.grpc.SetServingStatus("", status)
}

// IsReady returns whether the node can serve traffic
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK && !h.draining
}

// Drain marks the node not ready for the rest of its life
func (h *HealthChecker) Drain() {
	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()
	h.grpc.Shutdown()
}

// GetChecks returns a copy of the latest check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.results))
	for k, v := range h.results {
		checks[k] = v
	}
	return checks
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy":   true,
		"node_id":   h.nodeID,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":   ready,
		"node_id": h.nodeID,
		"checks":  h.GetChecks(),
	})
}

// PingCheck reports critical when ping fails
func PingCheck(name string, ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{
				Name:      name,
				Status:    StatusCritical,
				Message:   fmt.Sprintf("Ping failed: %v", err),
				Timestamp: time.Now(),
			}
		}
		return CheckResult{Name: name, Status: StatusHealthy, Message: "reachable", Timestamp: time.Now()}
	}
}

// ThresholdCheck warns when value exceeds warn and is critical above critical
func ThresholdCheck(name string, value func() int, warn, critical int) CheckFunc {
	return func(ctx context.Context) CheckResult {
		v := value()
		result := CheckResult{Name: name, Status: StatusHealthy, Timestamp: time.Now()}
		switch {
		case critical > 0 && v > critical:
			result.Status = StatusCritical
		case warn > 0 && v > warn:
			result.Status = StatusWarning
		}
		result.Message = fmt.Sprintf("%s: %d", name, v)
		return result
	}
}
