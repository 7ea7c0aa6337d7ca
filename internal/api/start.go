package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"

	"github.com/edgelesssys/ego/enclave"
	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/masa-finance/scan-worker/internal/auth"
	"github.com/masa-finance/scan-worker/internal/jobs/stats"
)

// Deps are the services behind the HTTP routes.
type Deps struct {
	Scans    Scans
	Sessions Sessions
	Verifier *auth.Verifier
	Stats    *stats.StatsCollector
	Tracker  HealthReporter
}

type Options struct {
	ListenAddress string
	LogLevel      string
	Standalone    bool
	EnablePprof   bool
}

func setLogLevel(e *echo.Echo, level string) {
	switch strings.ToLower(level) {
	case "debug":
		e.Logger.SetLevel(log.DEBUG)
	case "info":
		e.Logger.SetLevel(log.INFO)
	case "warn":
		e.Logger.SetLevel(log.WARN)
	case "error":
		e.Logger.SetLevel(log.ERROR)
	default:
		e.Logger.SetLevel(log.INFO)
	}
}

// NewServer builds the echo instance with every route registered.
func NewServer(deps Deps, opts Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	setLogLevel(e, opts.LogLevel)

	healthMetrics := NewHealthMetrics()

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// Health metrics tracking middleware
	e.Use(HealthMetricsMiddleware(healthMetrics))

	// Health check endpoints (no auth required)
	e.GET(HealthCheckPath, Healthz())
	e.GET(ReadinessCheckPath, Readyz(deps.Scans, healthMetrics, deps.Tracker))

	required := BearerAuth(deps.Verifier, true)
	optional := BearerAuth(deps.Verifier, false)

	/*
		- POST /scan: validate, gate and queue a scan
		- GET /scan/:scan_id: poll the status of a scan
		- POST /scan/:scan_id/retry: re-dispatch a failed scan
	*/
	s := e.Group("/scan", required)
	s.POST("", createScan(deps.Scans))
	s.GET("/:scan_id", scanStatus(deps.Scans))
	s.POST("/:scan_id/retry", retryScan(deps.Scans))

	e.POST("/session", submitSession(deps.Sessions, deps.Stats), optional)
	e.GET("/session/validity", sessionValidity(deps.Sessions), required)
	e.POST("/session/claim", claimSession(deps.Sessions), required)

	e.POST("/live-session", liveSession(deps.Scans), required)
	e.GET("/stats", statsHandler(deps.Stats, deps.Scans), required)

	if opts.EnablePprof {
		_ = enableProfiling(e, opts.Standalone)
	}

	if opts.Standalone {
		e.Logger.Info("Enabling profiling control endpoints")
		debug := e.Group("/debug/pprof")

		debug.POST("/enable", func(c echo.Context) error {
			if enableProfiling(e, opts.Standalone) {
				return c.String(http.StatusOK, "pprof enabled")
			}
			return c.String(http.StatusBadRequest, "pprof not supported")
		})

		debug.POST("/disable", func(c echo.Context) error {
			if disableProfiling(e, opts.Standalone) {
				return c.String(http.StatusOK, "pprof disabled")
			}
			return c.String(http.StatusBadRequest, "pprof not supported")
		})
	}

	return e
}

// Start serves e until ctx is done. Standalone mode serves plain HTTP,
// otherwise TLS with an attestation certificate from the enclave.
func Start(ctx context.Context, e *echo.Echo, opts Options) error {
	go func() {
		<-ctx.Done()
		if err := e.Close(); err != nil {
			e.Logger.Error("Failed to close Echo server: ", err)
		}
	}()

	if opts.Standalone {
		e.Logger.Info(fmt.Sprintf("Starting server on %s", opts.ListenAddress))
		if err := e.Start(opts.ListenAddress); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	e.Logger.Info("Starting server in enclave mode")

	// Create a TLS config with a self-signed certificate and an embedded report.
	tlsCfg, err := enclave.CreateAttestationServerTLSConfig()
	if err != nil {
		e.Logger.Error("Failed to create TLS config: ", err)
		return err
	}

	e.Logger.Info(fmt.Sprintf("Starting server on %s", opts.ListenAddress))
	s := &http.Server{
		Addr:      opts.ListenAddress,
		Handler:   e,
		TLSConfig: tlsCfg,
	}
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	if err := s.ListenAndServeTLS("", ""); !errors.Is(err, http.ErrServerClosed) {
		e.Logger.Error(err)
		return err
	}
	return nil
}

// enableProfiling enables pprof profiling
// In TEE/enclave mode a warning is logged and profiling stays off
func enableProfiling(e *echo.Echo, standaloneMode bool) bool {
	if !standaloneMode {
		e.Logger.Warn("Profiling is not supported in TEE/enclave mode. Not enabling.")
		return false
	}

	e.Logger.Info("Enabling profiling - this may impact performance")

	// Sample time in nanoseconds, see https://github.com/DataDog/go-profiler-notes/blob/main/block.md#usage
	runtime.SetBlockProfileRate(500)
	runtime.SetMutexProfileFraction(1)
	runtime.SetCPUProfileRate(30)

	pprof.Register(e)

	return true
}

func disableProfiling(e *echo.Echo, standaloneMode bool) bool {
	if !standaloneMode {
		e.Logger.Warn("Profiling is not supported in TEE/enclave mode.")
		return false
	}

	e.Logger.Info("Disabling performance-intensive profiling probes")

	runtime.SetBlockProfileRate(0)
	runtime.SetMutexProfileFraction(0)
	runtime.SetCPUProfileRate(0)

	// The routes stay registered; only the expensive sampling stops.
	return true
}
