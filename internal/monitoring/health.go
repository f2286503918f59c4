// Package monitoring provides health checking for the API and worker
// processes. Checks are registered per component and aggregated into a
// single readiness verdict.
package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/notifyrelay/notifyrelay/internal/database"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status      HealthStatus `json:"status"`
	Message     string       `json:"message,omitempty"`
	Latency     *int64       `json:"latency_ms,omitempty"`
	LastChecked time.Time    `json:"last_checked"`
	Details     interface{}  `json:"details,omitempty"`
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status     HealthStatus               `json:"status"`
	Service    string                     `json:"service"`
	Version    string                     `json:"version"`
	Timestamp  time.Time                  `json:"timestamp"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
	System     SystemInfo                 `json:"system"`
}

// SystemInfo represents process-level information
type SystemInfo struct {
	AllocatedBytes uint64 `json:"allocated_bytes"`
	Goroutines     int    `json:"goroutines"`
	CPUCount       int    `json:"cpu_count"`
	GoVersion      string `json:"go_version"`
}

// QueueStats is the slice of the retry queue the health checker needs.
type QueueStats interface {
	Ping(ctx context.Context) error
	Depth(ctx context.Context) (int64, error)
	PendingCount(ctx context.Context) (int64, error)
}

// HealthChecker manages health checks for registered components. Check
// results are cached for checkInterval so probes cannot hammer the
// dependencies.
type HealthChecker struct {
	mu            sync.RWMutex
	startTime     time.Time
	service       string
	version       string
	components    map[string]ComponentHealth
	checkFuncs    map[string]func() ComponentHealth
	lastCheck     time.Time
	checkInterval time.Duration
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(service, version string) *HealthChecker {
	return &HealthChecker{
		startTime:     time.Now(),
		service:       service,
		version:       version,
		components:    make(map[string]ComponentHealth),
		checkFuncs:    make(map[string]func() ComponentHealth),
		checkInterval: 30 * time.Second,
	}
}

// RegisterDatabaseCheck registers a Postgres health check
func (hc *HealthChecker) RegisterDatabaseCheck(name string, db *database.DB) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.checkFuncs[name] = func() ComponentHealth {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := db.Health(ctx)
		latency := time.Since(start).Milliseconds()

		if err != nil {
			return ComponentHealth{
				Status:      HealthStatusUnhealthy,
				Message:     fmt.Sprintf("Database connection failed: %v", err),
				Latency:     &latency,
				LastChecked: time.Now(),
			}
		}

		stats := db.Stats()
		details := map[string]interface{}{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"idle":             stats.Idle,
			"wait_count":       stats.WaitCount,
			"wait_duration":    stats.WaitDuration.String(),
		}

		status := HealthStatusHealthy
		if latency > 1000 {
			status = HealthStatusDegraded
		}

		return ComponentHealth{
			Status:      status,
			Message:     "Database connection successful",
			Latency:     &latency,
			LastChecked: time.Now(),
			Details:     details,
		}
	}
}

// RegisterQueueCheck registers a retry queue health check. Depth and pending
// counts are informational; only an unreachable Redis makes the component
// unhealthy.
func (hc *HealthChecker) RegisterQueueCheck(name string, queue QueueStats) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.checkFuncs[name] = func() ComponentHealth {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := queue.Ping(ctx)
		latency := time.Since(start).Milliseconds()

		if err != nil {
			return ComponentHealth{
				Status:      HealthStatusUnhealthy,
				Message:     fmt.Sprintf("Queue connection failed: %v", err),
				Latency:     &latency,
				LastChecked: time.Now(),
			}
		}

		details := map[string]interface{}{}
		status := HealthStatusHealthy
		message := "Queue connection successful"

		if depth, derr := queue.Depth(ctx); derr == nil {
			details["stream_depth"] = depth
		} else {
			status = HealthStatusDegraded
			message = fmt.Sprintf("Queue reachable but depth unavailable: %v", derr)
		}
		if pending, perr := queue.PendingCount(ctx); perr == nil {
			details["pending_entries"] = pending
		} else {
			status = HealthStatusDegraded
			message = fmt.Sprintf("Queue reachable but pending count unavailable: %v", perr)
		}

		if latency > 500 {
			status = HealthStatusDegraded
		}

		return ComponentHealth{
			Status:      status,
			Message:     message,
			Latency:     &latency,
			LastChecked: time.Now(),
			Details:     details,
		}
	}
}

// RegisterCustomCheck registers a custom health check function
func (hc *HealthChecker) RegisterCustomCheck(name string, checkFunc func() ComponentHealth) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checkFuncs[name] = checkFunc
}

// RunChecks executes all registered health checks
func (hc *HealthChecker) RunChecks() {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	for name, checkFunc := range hc.checkFuncs {
		hc.components[name] = checkFunc()
	}
	hc.lastCheck = time.Now()
}

// GetHealth returns the current health status, re-running checks when the
// cached results are older than checkInterval.
func (hc *HealthChecker) GetHealth() HealthResponse {
	hc.mu.RLock()
	stale := time.Since(hc.lastCheck) > hc.checkInterval
	hc.mu.RUnlock()

	if stale {
		hc.RunChecks()
	}

	hc.mu.RLock()
	defer hc.mu.RUnlock()

	overallStatus := HealthStatusHealthy
	components := make(map[string]ComponentHealth, len(hc.components))
	for name, component := range hc.components {
		components[name] = component
		if component.Status == HealthStatusUnhealthy {
			overallStatus = HealthStatusUnhealthy
		} else if component.Status == HealthStatusDegraded && overallStatus == HealthStatusHealthy {
			overallStatus = HealthStatusDegraded
		}
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return HealthResponse{
		Status:     overallStatus,
		Service:    hc.service,
		Version:    hc.version,
		Timestamp:  time.Now(),
		Uptime:     time.Since(hc.startTime).String(),
		Components: components,
		System: SystemInfo{
			AllocatedBytes: memStats.Alloc,
			Goroutines:     runtime.NumGoroutine(),
			CPUCount:       runtime.NumCPU(),
			GoVersion:      runtime.Version(),
		},
	}
}

// LivenessHandler answers the cheap liveness probe. It never touches
// dependencies.
func (hc *HealthChecker) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC(),
			"uptime":    time.Since(hc.startTime).String(),
		})
	}
}

// ReadinessHandler answers the readiness probe with the full component
// report. Degraded still serves traffic; only unhealthy returns 503.
func (hc *HealthChecker) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := hc.GetHealth()

		statusCode := http.StatusOK
		if health.Status == HealthStatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, health)
	}
}
