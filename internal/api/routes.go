package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/masa-finance/scan-worker/api/types"
	"github.com/masa-finance/scan-worker/internal/auth"
	"github.com/masa-finance/scan-worker/internal/jobs/stats"
	"github.com/masa-finance/scan-worker/internal/jobserver"
	"github.com/masa-finance/scan-worker/internal/signal"
	"github.com/masa-finance/scan-worker/internal/vault"
)

// Scans is the part of the job server the handlers drive.
type Scans interface {
	CreateScan(ctx context.Context, p auth.Principal, req types.CreateScanRequest) (string, error)
	GetStatus(ctx context.Context, scanID, ownerID string) (types.ScanView, error)
	Signal(ctx context.Context, scanID, ownerID, action string) (signal.Outcome, error)
	Retry(ctx context.Context, p auth.Principal, scanID string) (string, error)
	GetQueueStats() jobserver.QueueStats
	Running() bool
}

// Sessions is the part of the vault exposed over HTTP. Consume is not.
type Sessions interface {
	Submit(ctx context.Context, ownerID string, m vault.Material) (vault.Receipt, error)
	CheckValidity(ctx context.Context, ownerID string) (vault.Validity, error)
	Claim(ctx context.Context, anonymousID, ownerID string) error
}

func mustPrincipal(c echo.Context) (auth.Principal, error) {
	p, ok := principal(c)
	if !ok || p.OwnerID == "" {
		return auth.Principal{}, auth.ErrUnauthorized
	}
	return p, nil
}

// createScan validates, gates and queues a scan.
//
// POST /scan {"targetHandle": "alice", "scanId": "optional"} -> {"scanId": "..."}
func createScan(scans Scans) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, err := mustPrincipal(c)
		if err != nil {
			return fail(c, err)
		}

		req := types.CreateScanRequest{}
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "malformed request body")
		}

		id, err := scans.CreateScan(c.Request().Context(), p, req)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, types.CreateScanResponse{ScanID: id})
	}
}

// scanStatus is the polling endpoint. It never writes and answers 404 for
// scans of other owners.
func scanStatus(scans Scans) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, err := mustPrincipal(c)
		if err != nil {
			return fail(c, err)
		}

		view, err := scans.GetStatus(c.Request().Context(), c.Param("scan_id"), p.OwnerID)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, view)
	}
}

func retryScan(scans Scans) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, err := mustPrincipal(c)
		if err != nil {
			return fail(c, err)
		}

		id, err := scans.Retry(c.Request().Context(), p, c.Param("scan_id"))
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, types.CreateScanResponse{ScanID: id})
	}
}

// submitSession stores captured browser session material. Anonymous callers
// get back an id they can claim after signing in.
func submitSession(sessions Sessions, collector *stats.StatsCollector) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := types.SessionSubmission{}
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "malformed request body")
		}

		owner := ""
		tier := stats.SystemScope
		if p, ok := principal(c); ok {
			owner = p.OwnerID
			if p.Tier != "" {
				tier = p.Tier
			}
		}

		receipt, err := sessions.Submit(c.Request().Context(), owner, vault.Material{
			Cookies:        req.Cookies,
			LocalStorage:   req.LocalStorage,
			SessionStorage: req.SessionStorage,
			UserAgent:      req.UserAgent,
			URL:            req.URL,
		})
		if err != nil {
			return fail(c, err)
		}
		collector.Add(tier, stats.SessionsSubmitted, 1)
		return c.JSON(http.StatusOK, types.SessionReceipt{Accepted: receipt.Accepted, ID: receipt.ID})
	}
}

func sessionValidity(sessions Sessions) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, err := mustPrincipal(c)
		if err != nil {
			return fail(c, err)
		}

		v, err := sessions.CheckValidity(c.Request().Context(), p.OwnerID)
		if err != nil {
			return fail(c, err)
		}

		res := types.ValidityResponse{Valid: v.Valid}
		if v.Info != nil {
			res.Info = &types.SessionInfo{
				CapturedAt:     v.Info.CapturedAt,
				AgeSeconds:     v.Info.AgeSeconds,
				CookieCount:    v.Info.CookieCount,
				ReadsRemaining: v.Info.ReadsRemaining,
			}
		}
		return c.JSON(http.StatusOK, res)
	}
}

func claimSession(sessions Sessions) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, err := mustPrincipal(c)
		if err != nil {
			return fail(c, err)
		}

		req := types.ClaimRequest{}
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "malformed request body")
		}

		if err := sessions.Claim(c.Request().Context(), req.AnonymousID, p.OwnerID); err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, types.ClaimResponse{Claimed: true})
	}
}

// liveSession relays a control signal from the client tab. It carries no
// session material.
//
// POST /live-session {"scanId": "...", "action": "start_extraction|session_ended"}
func liveSession(scans Scans) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, err := mustPrincipal(c)
		if err != nil {
			return fail(c, err)
		}

		req := types.SignalRequest{}
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "malformed request body")
		}
		if req.ScanID == "" {
			return badRequest(c, "scanId is required")
		}

		out, err := scans.Signal(c.Request().Context(), req.ScanID, p.OwnerID, req.Action)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusOK, types.SignalResponse{Applied: out.Applied, Status: string(out.Status)})
	}
}

// statsHandler returns the telemetry counters together with the queue depths.
func statsHandler(collector *stats.StatsCollector, scans Scans) echo.HandlerFunc {
	return func(c echo.Context) error {
		body := map[string]interface{}{
			"queue": scans.GetQueueStats(),
		}
		if collector != nil {
			data, err := collector.Json()
			if err != nil {
				return fail(c, err)
			}
			body["telemetry"] = json.RawMessage(data)
		}
		return c.JSON(http.StatusOK, body)
	}
}
