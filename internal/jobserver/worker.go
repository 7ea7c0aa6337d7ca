package jobserver

import (
	"context"
	"errors"
	"path"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/masa-finance/scan-worker/internal/jobs/stats"
	"github.com/masa-finance/scan-worker/internal/sandbox"
	"github.com/masa-finance/scan-worker/internal/scan"
	"github.com/masa-finance/scan-worker/internal/signal"
	"github.com/masa-finance/scan-worker/internal/store"
	"github.com/masa-finance/scan-worker/internal/vault"
)

// classify maps a dispatcher error onto a recorded failure kind.
func classify(err error) scan.ErrorDetails {
	d := scan.ErrorDetails{Kind: scan.KindInternal, Cause: err.Error()}
	var exit *sandbox.ExitError
	switch {
	case errors.Is(err, sandbox.ErrCapacityExceeded):
		d.Kind = scan.KindCapacityExceeded
	case errors.Is(err, sandbox.ErrProvisionFailed):
		d.Kind = scan.KindProvisionFailed
	case errors.As(err, &exit):
		d.Kind = scan.KindNonZeroExit
		d.ExitCode = exit.Code
	case errors.Is(err, sandbox.ErrTimeout):
		d.Kind = scan.KindArtifactTimeout
	case errors.Is(err, sandbox.ErrInvalidArtifact):
		d.Kind = scan.KindArtifactInvalid
	}
	return d
}

// task is the state of one scan run.
type task struct {
	js     *JobServer
	job    *Job
	log    *logrus.Entry
	handle sandbox.Handle

	// attempt numbers the extraction runs, each writes to its own directory
	attempt int

	mu       sync.Mutex
	progress int
}

// outDir is the directory of the current extraction run. A restarted run
// never sees the result file of the run before it.
func (t *task) outDir() string {
	return path.Join(t.js.config.OutDir, strconv.Itoa(t.attempt))
}

// runScan drives one scan from pending to a terminal status. Whatever path it
// takes, the sandbox is released and the record does not stay active.
func (js *JobServer) runScan(parent context.Context, job *Job) {
	ctx, cancel := context.WithTimeout(parent, js.config.JobCeiling)
	defer cancel()

	t := &task{js: js, job: job, log: logrus.WithFields(logrus.Fields{"scan": job.ScanID, "owner": job.OwnerID})}
	defer t.settle(parent, ctx)

	if _, err := js.store.Update(ctx, job.ScanID, scan.StatusPending, (*scan.Record).Dispatch); err != nil {
		t.log.WithError(err).Info("Scan is no longer pending, skipping")
		return
	}

	rec, err := js.store.Get(ctx, job.ScanID)
	if err != nil {
		t.log.WithError(err).Error("Failed to load scan")
		return
	}

	h, err := js.dispatcher.Acquire(ctx, rec.TargetHandle)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		js.fail(ctx, job.ScanID, scan.StatusDispatching, classify(err), "")
		return
	}
	t.handle = h
	defer func() {
		_ = js.dispatcher.Release(ctx, h)
	}()

	if err := t.start(ctx, rec.TargetHandle); err != nil {
		if ctx.Err() == nil {
			js.fail(ctx, job.ScanID, scan.StatusDispatching, startFailure(err), "")
		}
		return
	}

	if _, err := js.store.Update(ctx, job.ScanID, scan.StatusDispatching, func(r *scan.Record) error {
		return r.Start(h.ID)
	}); err != nil {
		t.log.WithError(err).Warn("Scan moved on before extraction started")
		return
	}
	t.log.WithField("sandbox", h.ID).Info("Extraction started")

	t.extract(ctx, rec.TargetHandle)
}

// startFailure classifies a failed extraction start. Anything that is not an
// exit status means the sandbox is not usable.
func startFailure(err error) scan.ErrorDetails {
	d := classify(err)
	if d.Kind == scan.KindInternal {
		d.Kind = scan.KindProvisionFailed
	}
	return d
}

// start hands the owner's session to the sandbox, if there is one, and
// launches the extraction program.
func (t *task) start(ctx context.Context, targetHandle string) error {
	t.attempt++
	t.injectSession(ctx)
	cmd := sandbox.ExtractCommand(targetHandle, t.outDir(), t.js.config.MaxFollowers)
	_, err := t.js.dispatcher.Run(ctx, t.handle, cmd)
	return err
}

func (t *task) injectSession(ctx context.Context) {
	if t.js.vault == nil {
		return
	}
	m, err := t.js.vault.Consume(ctx, t.job.OwnerID)
	if errors.Is(err, vault.ErrNoSession) || errors.Is(err, vault.ErrSessionExpired) {
		t.log.Debug("No usable session in the vault, extracting without one")
		return
	}
	if err != nil {
		t.log.WithError(err).Warn("Failed to read session from the vault")
		return
	}

	err = t.js.dispatcher.InjectSession(ctx, t.handle, sandbox.SessionCookies{
		Cookies:        m.Cookies,
		LocalStorage:   m.LocalStorage,
		SessionStorage: m.SessionStorage,
		UserAgent:      m.UserAgent,
	})
	if err != nil {
		t.log.WithError(err).Warn("Failed to inject session into sandbox")
		return
	}
	t.js.stats.Add(stats.SystemScope, stats.SessionsConsumed, 1)
}

// extract waits for the result of a running scan. An auth wall suspends the
// scan and, once the user confirms a live session, starts the extraction
// again on the same sandbox.
func (t *task) extract(ctx context.Context, targetHandle string) {
	js := t.js
	id := t.job.ScanID

	for {
		resultPath := sandbox.ResultPath(t.outDir())
		pollCtx, abort := context.WithCancel(ctx)
		data, err := js.dispatcher.AwaitArtifact(pollCtx, t.handle, resultPath, js.config.ArtifactTimeout, t.pollProgress(abort))
		aborted := pollCtx.Err() != nil && ctx.Err() == nil
		abort()
		if aborted {
			t.log.Info("Scan was finished elsewhere, stopping")
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				js.fail(ctx, id, scan.StatusRunning, classify(err), "")
			}
			return
		}

		artifact, err := sandbox.ParseArtifact(data)
		if err != nil {
			js.fail(ctx, id, scan.StatusRunning, classify(err), "")
			return
		}

		switch artifact.Status {
		case sandbox.ArtifactCompleted:
			t.complete(ctx, artifact)
			return

		case sandbox.ArtifactError:
			js.fail(ctx, id, scan.StatusRunning, scan.ErrorDetails{Kind: scan.KindExtractionFailed, Cause: artifact.Error}, artifact.Error)
			return

		case sandbox.ArtifactAuthRequired:
			if !t.awaitSession(ctx, artifact.Reason) {
				return
			}
			if err := t.start(ctx, targetHandle); err != nil {
				if ctx.Err() == nil {
					js.fail(ctx, id, scan.StatusRunning, startFailure(err), "")
				}
				return
			}
			t.log.Info("Extraction restarted after authentication")
		}
	}
}

// pollProgress returns the AwaitArtifact hook that copies the sandbox
// progress into the record. It aborts the wait once the record is terminal.
func (t *task) pollProgress(abort context.CancelFunc) func(context.Context) {
	progressPath := sandbox.ProgressPath(t.outDir())
	return func(ctx context.Context) {
		data, err := t.js.dispatcher.ReadFile(ctx, t.handle, progressPath)
		if err != nil {
			return
		}
		p, err := sandbox.ParseProgress(data)
		if err != nil {
			t.log.WithError(err).Debug("Ignoring unreadable progress")
			return
		}

		t.mu.Lock()
		last := t.progress
		t.mu.Unlock()
		if p <= last {
			return
		}

		_, err = t.js.store.Update(ctx, t.job.ScanID, scan.StatusRunning, func(r *scan.Record) error {
			_, err := r.SetProgress(p)
			return err
		})
		if actual, ok := store.ActualStatus(err); ok {
			if actual.IsTerminal() {
				abort()
			}
			return
		}
		if err != nil {
			t.log.WithError(err).Debug("Failed to record progress")
			return
		}

		t.mu.Lock()
		t.progress = p
		t.mu.Unlock()
	}
}

func (t *task) complete(ctx context.Context, artifact *sandbox.Artifact) {
	result := scan.Result{Followers: artifact.Followers, Truncated: artifact.Truncated}
	rec, err := t.js.store.Update(context.WithoutCancel(ctx), t.job.ScanID, scan.StatusRunning, func(r *scan.Record) error {
		return r.Complete(result)
	})
	if err != nil {
		t.log.WithError(err).Warn("Failed to record scan result")
		return
	}

	count := rec.State.(scan.Completed).FollowerCount()
	t.js.stats.Add(scope(t.job.Tier), stats.ScansCompleted, 1)
	t.js.stats.Add(scope(t.job.Tier), stats.FollowersExtracted, uint(count))
	t.log.WithField("followers", count).Info("Scan completed")
}

// awaitSession suspends the scan until the user confirms a live session. It
// returns true when the extraction should start again.
func (t *task) awaitSession(ctx context.Context, reason string) bool {
	js := t.js
	id := t.job.ScanID

	// registered before the status flip so a fast signal is not lost
	waiter := js.signals.Register(id)
	defer waiter.Close()

	challenge, err := js.dispatcher.RequestInteractiveAuth(ctx, t.handle)
	if err != nil {
		if ctx.Err() == nil {
			js.fail(ctx, id, scan.StatusRunning, scan.ErrorDetails{Kind: scan.KindExtractionFailed, Cause: err.Error()},
				"login required but the sandbox could not open an interactive session")
		}
		return false
	}

	if _, err := js.store.Update(ctx, id, scan.StatusRunning, func(r *scan.Record) error {
		return r.AwaitSession(scan.AuthChallenge{URL: challenge.URL, ExpiresAt: challenge.ExpiresAt})
	}); err != nil {
		t.log.WithError(err).Warn("Failed to suspend scan for authentication")
		return false
	}
	js.stats.Add(stats.SystemScope, stats.AuthWallsHit, 1)
	t.log.WithField("reason", reason).Info("Scan awaiting session")

	wctx, cancel := context.WithTimeout(ctx, js.config.AuthWaitTimeout)
	defer cancel()

	action, err := waiter.Wait(wctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		if js.fail(ctx, id, scan.StatusAwaitingSession, scan.ErrorDetails{Kind: scan.KindAuthTimeout}, "") {
			js.stats.Add(stats.SystemScope, stats.AuthTimeouts, 1)
			return false
		}
		// a start signal won the race against the timeout
		rec, err := js.store.Get(ctx, id)
		return err == nil && rec.Status() == scan.StatusRunning
	}

	if action == signal.ActionSessionEnded {
		t.log.Info("Live session ended before extraction resumed")
		return false
	}
	return true
}

// settle fails a scan the task is leaving behind in an active status: the
// worker is shutting down, or the scan ran into its ceiling.
func (t *task) settle(parent, ctx context.Context) {
	if ctx.Err() == nil {
		return
	}

	details := scan.ErrorDetails{Kind: scan.KindJobTimeout}
	if parent.Err() != nil {
		details.Kind = scan.KindInterrupted
	}

	rec, err := t.js.store.Get(context.WithoutCancel(ctx), t.job.ScanID)
	if err != nil || rec.Status().IsTerminal() {
		return
	}
	t.js.fail(ctx, t.job.ScanID, rec.Status(), details, "")
}
