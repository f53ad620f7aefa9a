package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) DependencyStatus

// HealthChecker answers liveness and readiness probes. Postgres is
// required; Redis is advisory, so a Redis outage reads as degraded
// rather than unhealthy because quota decisions still work against the
// ledger alone.
type HealthChecker struct {
	db     *sql.DB
	redis  *redis.Client
	extra  map[string]CheckFunc
	extraC map[string]bool // true when the check is load-bearing
}

// NewHealthChecker creates a health checker. db and redis may be nil
// when the corresponding backend is not configured.
func NewHealthChecker(db *sql.DB, redis *redis.Client) *HealthChecker {
	return &HealthChecker{
		db:     db,
		redis:  redis,
		extra:  make(map[string]CheckFunc),
		extraC: make(map[string]bool),
	}
}

// AddCheck registers an additional dependency probe. critical controls
// whether a failure turns readiness unhealthy or just degraded.
func (h *HealthChecker) AddCheck(name string, critical bool, fn CheckFunc) {
	h.extra[name] = fn
	h.extraC[name] = critical
}

// HealthStatus is the readiness payload.
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus reports one probed dependency.
type DependencyStatus struct {
	Status  string        `json:"status"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency_ms,omitempty"`
}

// Liveness answers 200 whenever the process is serving.
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now(),
	})
}

// Readiness probes every dependency. Unhealthy answers 503; degraded
// still answers 200 so the pod keeps taking traffic without Redis.
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(status)
}

// Check probes all configured dependencies and folds their statuses
// into one overall status.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Dependencies: make(map[string]DependencyStatus),
	}

	if h.db != nil {
		dep := h.checkDatabase(ctx)
		status.Dependencies["postgres"] = dep
		status.Status = fold(status.Status, dep.Status, true)
	}

	if h.redis != nil {
		dep := h.checkRedis(ctx)
		status.Dependencies["redis"] = dep
		status.Status = fold(status.Status, dep.Status, false)
	}

	for name, fn := range h.extra {
		dep := fn(ctx)
		status.Dependencies[name] = dep
		status.Status = fold(status.Status, dep.Status, h.extraC[name])
	}

	return status
}

// fold merges one dependency's status into the overall status. A
// non-critical failure caps at degraded.
func fold(overall, dep string, critical bool) string {
	if dep == StatusHealthy {
		return overall
	}
	if dep == StatusUnhealthy && critical {
		return StatusUnhealthy
	}
	if overall == StatusUnhealthy {
		return StatusUnhealthy
	}
	return StatusDegraded
}

func (h *HealthChecker) checkDatabase(ctx context.Context) DependencyStatus {
	start := time.Now()
	dep := DependencyStatus{Status: StatusHealthy}

	if err := h.db.PingContext(ctx); err != nil {
		dep.Latency = time.Since(start)
		dep.Status = StatusUnhealthy
		dep.Message = err.Error()
		return dep
	}

	var one int
	if err := h.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		dep.Latency = time.Since(start)
		dep.Status = StatusUnhealthy
		dep.Message = "query failed: " + err.Error()
		return dep
	}
	dep.Latency = time.Since(start)

	stats := h.db.Stats()
	if stats.MaxOpenConnections > 0 && stats.OpenConnections >= stats.MaxOpenConnections {
		dep.Status = StatusDegraded
		dep.Message = "connection pool exhausted"
	}

	return dep
}

func (h *HealthChecker) checkRedis(ctx context.Context) DependencyStatus {
	start := time.Now()
	dep := DependencyStatus{Status: StatusHealthy}

	if err := h.redis.Ping(ctx).Err(); err != nil {
		dep.Status = StatusUnhealthy
		dep.Message = err.Error()
	}
	dep.Latency = time.Since(start)

	return dep
}

// RegisterHealthRoutes registers health check endpoints
func RegisterHealthRoutes(mux *http.ServeMux, checker *HealthChecker) {
	mux.HandleFunc("/health", checker.Readiness)
	mux.HandleFunc("/health/live", checker.Liveness)
	mux.HandleFunc("/health/ready", checker.Readiness)
}
