package jobserver

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/masa-finance/scan-worker/internal/jobs/stats"
	"github.com/masa-finance/scan-worker/internal/scan"
)

func (js *JobServer) watchdog(ctx context.Context) {
	ticker := time.NewTicker(js.config.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			js.Reap(ctx)
		}
	}
}

// Reap fails every active scan that has not been written for longer than the
// job ceiling and sweeps expired vault material. It returns the number of
// scans it failed.
func (js *JobServer) Reap(ctx context.Context) int {
	cutoff := js.now().Add(-js.config.JobCeiling)
	recs, err := js.store.ListActive(ctx, cutoff)
	if err != nil {
		logrus.WithError(err).Error("Watchdog failed to list active scans")
		return 0
	}

	reaped := 0
	for _, rec := range recs {
		// CAS on the observed status: a scan that moved meanwhile is alive
		if js.fail(ctx, rec.ID, rec.Status(), scan.ErrorDetails{Kind: scan.KindJobTimeout}, "") {
			reaped++
		}
	}
	if reaped > 0 {
		js.stats.Add(stats.SystemScope, stats.WatchdogExpirations, uint(reaped))
		logrus.Warnf("Watchdog expired %d stale scans", reaped)
	}

	if js.vault != nil {
		if _, err := js.vault.Sweep(ctx); err != nil {
			logrus.WithError(err).Warn("Watchdog failed to sweep the vault")
		}
	}
	return reaped
}
