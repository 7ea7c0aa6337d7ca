package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/masa-finance/scan-worker/api/types"
	"github.com/masa-finance/scan-worker/internal/health"
)

const serviceName = "scan-worker"

// HealthMetrics tracks the error rate of API calls over a rolling window.
type HealthMetrics struct {
	mu             sync.RWMutex
	errorCount     int
	successCount   int
	windowStart    time.Time
	windowDuration time.Duration
	errorThreshold float64
}

func NewHealthMetrics() *HealthMetrics {
	return &HealthMetrics{
		windowStart:    time.Now(),
		windowDuration: 10 * time.Minute,
		errorThreshold: 0.95,
	}
}

func (hm *HealthMetrics) RecordSuccess() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.checkAndResetWindow()
	hm.successCount++
}

func (hm *HealthMetrics) RecordError() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.checkAndResetWindow()
	hm.errorCount++
}

// checkAndResetWindow resets the metrics window if it has expired
func (hm *HealthMetrics) checkAndResetWindow() {
	if time.Since(hm.windowStart) > hm.windowDuration {
		hm.errorCount = 0
		hm.successCount = 0
		hm.windowStart = time.Now()
	}
}

// IsHealthy checks if the service is healthy based on error rate
func (hm *HealthMetrics) IsHealthy() bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	total := hm.errorCount + hm.successCount
	if total == 0 {
		return true
	}

	errorRate := float64(hm.errorCount) / float64(total)
	return errorRate < hm.errorThreshold
}

func (hm *HealthMetrics) GetStats() map[string]interface{} {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	total := hm.errorCount + hm.successCount
	errorRate := 0.0
	if total > 0 {
		errorRate = float64(hm.errorCount) / float64(total)
	}

	return map[string]interface{}{
		"error_count":     hm.errorCount,
		"success_count":   hm.successCount,
		"total_count":     total,
		"error_rate":      errorRate,
		"window_start":    hm.windowStart.Format(time.RFC3339),
		"window_duration": hm.windowDuration.String(),
	}
}

// Healthz is the liveness probe endpoint
func Healthz() func(c echo.Context) error {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, types.HealthResponse{Status: "ok", Service: serviceName})
	}
}

// HealthReporter lists failing capabilities, see health.Tracker.
type HealthReporter interface {
	Unhealthy() []health.CapabilityStatus
}

// Readyz is the readiness probe endpoint. The worker is ready when the job
// server dispatches, the API error rate is acceptable and no capability the
// scans depend on is failing.
func Readyz(jobServer Scans, healthMetrics *HealthMetrics, tracker HealthReporter) func(c echo.Context) error {
	return func(c echo.Context) error {
		checks := map[string]interface{}{}
		body := map[string]interface{}{
			"service": serviceName,
			"ready":   true,
			"checks":  checks,
		}
		notReady := func() error {
			body["ready"] = false
			return c.JSON(http.StatusServiceUnavailable, body)
		}

		if jobServer == nil || !jobServer.Running() {
			checks["job_server"] = "not running"
			return notReady()
		}
		checks["job_server"] = "ok"
		checks["queue"] = jobServer.GetQueueStats()

		checks["stats"] = healthMetrics.GetStats()
		if !healthMetrics.IsHealthy() {
			checks["error_rate"] = "unhealthy"
			return notReady()
		}
		checks["error_rate"] = "healthy"

		if tracker != nil {
			if unhealthy := tracker.Unhealthy(); len(unhealthy) > 0 {
				checks["capabilities"] = unhealthy
				return notReady()
			}
		}
		checks["capabilities"] = "ok"

		return c.JSON(http.StatusOK, body)
	}
}
