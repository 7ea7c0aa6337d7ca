package jobserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/masa-finance/scan-worker/api/types"
	"github.com/masa-finance/scan-worker/internal/auth"
	"github.com/masa-finance/scan-worker/internal/jobs/stats"
	"github.com/masa-finance/scan-worker/internal/sandbox"
	"github.com/masa-finance/scan-worker/internal/scan"
	"github.com/masa-finance/scan-worker/internal/signal"
	"github.com/masa-finance/scan-worker/internal/store"
	"github.com/masa-finance/scan-worker/internal/vault"
)

// Config holds the job server timeouts and bounds. Zero values take the
// defaults below.
type Config struct {
	// MaxConcurrent bounds the scans dispatched at once.
	MaxConcurrent int
	MaxFollowers  int
	// OutDir is the directory inside the sandbox the extraction writes to.
	OutDir string

	ArtifactTimeout  time.Duration
	AuthWaitTimeout  time.Duration
	JobCeiling       time.Duration
	WatchdogInterval time.Duration

	FastQueueSize int
	SlowQueueSize int

	ViewCacheMaxSize int
	ViewCacheMaxAge  time.Duration

	PriorityTiers           []string
	PriorityEndpoint        string
	PriorityRefreshInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.MaxFollowers <= 0 {
		c.MaxFollowers = 1000
	}
	if c.OutDir == "" {
		c.OutDir = "/tmp/scan"
	}
	if c.ArtifactTimeout <= 0 {
		c.ArtifactTimeout = 10 * time.Minute
	}
	if c.AuthWaitTimeout <= 0 {
		c.AuthWaitTimeout = 60 * time.Second
	}
	if c.JobCeiling <= 0 {
		c.JobCeiling = 30 * time.Minute
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = time.Minute
	}
	if c.FastQueueSize <= 0 {
		c.FastQueueSize = 100
	}
	if c.SlowQueueSize <= 0 {
		c.SlowQueueSize = 1000
	}
}

// Deps are the collaborators a job server drives. Gate and Stats are optional.
type Deps struct {
	Store      store.Store
	Vault      *vault.Vault
	Dispatcher *sandbox.Dispatcher
	Signals    *signal.Channel
	Gate       auth.Gate
	Stats      *stats.StatsCollector
}

type JobServer struct {
	store      store.Store
	vault      *vault.Vault
	dispatcher *sandbox.Dispatcher
	signals    *signal.Channel
	gate       auth.Gate
	stats      *stats.StatsCollector
	config     Config

	results         *ResultCache
	priorityQueue   *PriorityQueue
	priorityManager *PriorityManager
	slots           *semaphore.Weighted
	tasks           sync.WaitGroup

	mu      sync.Mutex
	running bool

	now   func() time.Time
	newID func() string
}

func NewJobServer(deps Deps, config Config) *JobServer {
	logrus.Info("Initializing JobServer...")
	config.setDefaults()

	gate := deps.Gate
	if gate == nil {
		gate = auth.AllowAll
	}
	signals := deps.Signals
	if signals == nil {
		signals = signal.New(deps.Store)
	}

	logrus.Infof("Priority queue initialized (fast: %d, slow: %d)", config.FastQueueSize, config.SlowQueueSize)
	return &JobServer{
		store:           deps.Store,
		vault:           deps.Vault,
		dispatcher:      deps.Dispatcher,
		signals:         signals,
		gate:            gate,
		stats:           deps.Stats,
		config:          config,
		results:         NewResultCache(config.ViewCacheMaxSize, config.ViewCacheMaxAge),
		priorityQueue:   NewPriorityQueue(config.FastQueueSize, config.SlowQueueSize),
		priorityManager: NewPriorityManager(config.PriorityTiers, config.PriorityEndpoint, config.PriorityRefreshInterval),
		slots:           semaphore.NewWeighted(int64(config.MaxConcurrent)),
		now:             func() time.Time { return time.Now().UTC() },
		newID:           func() string { return uuid.New().String() },
	}
}

func scope(tier string) string {
	if tier == "" {
		return stats.SystemScope
	}
	return tier
}

// CreateScan validates and gates the request, records a pending scan and
// queues it. The returned id is the scan id.
func (js *JobServer) CreateScan(ctx context.Context, p auth.Principal, req types.CreateScanRequest) (string, error) {
	id := req.ScanID
	if id == "" {
		id = js.newID()
	}
	rec, err := scan.New(id, p.OwnerID, req.TargetHandle)
	if err != nil {
		return "", err
	}

	// a duplicate id must not cost the owner quota
	if _, err := js.store.Get(ctx, id); err == nil {
		return "", fmt.Errorf("%w: %s", store.ErrAlreadyExists, id)
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	if err := js.gate.Authorize(ctx, p); err != nil {
		js.stats.Add(scope(p.Tier), stats.ScansRejected, 1)
		return "", err
	}

	if _, err := js.store.Create(ctx, rec); err != nil {
		return "", err
	}

	if err := js.enqueue(ctx, rec, p); err != nil {
		return "", err
	}
	js.stats.Add(scope(p.Tier), stats.ScansCreated, 1)
	logrus.WithFields(logrus.Fields{"scan": id, "owner": p.OwnerID, "target": rec.TargetHandle}).Info("Scan created")
	return id, nil
}

// enqueue routes a pending scan to the fast or the slow queue. A scan that
// fits in neither is failed so no record stays pending without a task.
func (js *JobServer) enqueue(ctx context.Context, rec *scan.Record, p auth.Principal) error {
	job := &Job{ScanID: rec.ID, OwnerID: rec.OwnerID, Tier: p.Tier, Priority: js.priorityManager.IsPriority(p)}

	var err error
	if job.Priority {
		if err = js.priorityQueue.EnqueueFast(job); errors.Is(err, ErrQueueFull) {
			logrus.Warnf("Fast queue full, trying slow queue for scan %s", job.ScanID)
			err = js.priorityQueue.EnqueueSlow(job)
		}
	} else {
		err = js.priorityQueue.EnqueueSlow(job)
	}
	if err == nil {
		return nil
	}

	logrus.WithError(err).Errorf("Failed to enqueue scan %s", job.ScanID)
	js.fail(ctx, rec.ID, scan.StatusPending, scan.ErrorDetails{Kind: scan.KindQueueFull, Cause: err.Error()}, "")
	return fmt.Errorf("%w: %v", ErrQueueFull, err)
}

// GetStatus returns the view of a scan owned by ownerID. Other owners get
// store.ErrNotFound. It never writes.
func (js *JobServer) GetStatus(ctx context.Context, scanID, ownerID string) (types.ScanView, error) {
	if view, owner, ok := js.results.Get(scanID); ok {
		if owner != ownerID {
			return types.ScanView{}, store.ErrNotFound
		}
		return view, nil
	}

	rec, err := js.store.Get(ctx, scanID)
	if err != nil {
		return types.ScanView{}, err
	}
	if rec.OwnerID != ownerID {
		return types.ScanView{}, store.ErrNotFound
	}

	view := NewScanView(rec)
	if rec.Status().IsTerminal() {
		js.results.Set(scanID, rec.OwnerID, view)
	}
	return view, nil
}

// Signal forwards a live-session action to the signal channel.
func (js *JobServer) Signal(ctx context.Context, scanID, ownerID, action string) (signal.Outcome, error) {
	a, err := signal.ParseAction(action)
	if err != nil {
		return signal.Outcome{}, err
	}
	out, err := js.signals.Signal(ctx, scanID, ownerID, a)
	if err == nil && out.Applied && out.Status == scan.StatusFailed {
		js.stats.Add(stats.SystemScope, stats.AuthAbandoned, 1)
	}
	return out, err
}

// Retry re-dispatches a failed scan as a new record and returns its id.
func (js *JobServer) Retry(ctx context.Context, p auth.Principal, scanID string) (string, error) {
	parent, err := js.store.Get(ctx, scanID)
	if err != nil {
		return "", err
	}
	if parent.OwnerID != p.OwnerID {
		return "", store.ErrNotFound
	}
	if parent.Status() != scan.StatusFailed {
		return "", fmt.Errorf("%w: scan %s is %s", ErrNotRetryable, scanID, parent.Status())
	}

	if err := js.gate.Authorize(ctx, p); err != nil {
		js.stats.Add(scope(p.Tier), stats.ScansRejected, 1)
		return "", err
	}

	rec, err := scan.NewRetry(js.newID(), parent)
	if err != nil {
		return "", err
	}
	if _, err := js.store.Create(ctx, rec); err != nil {
		return "", err
	}
	if err := js.enqueue(ctx, rec, p); err != nil {
		return "", err
	}

	js.stats.Add(scope(p.Tier), stats.ScansRetried, 1)
	logrus.WithFields(logrus.Fields{"scan": rec.ID, "retryOf": scanID, "retry": rec.RetryCount}).Info("Scan retried")
	return rec.ID, nil
}

// GetQueueStats returns real-time statistics about the queues.
func (js *JobServer) GetQueueStats() QueueStats {
	return js.priorityQueue.GetStats()
}

// Running reports whether Run is dispatching scans.
func (js *JobServer) Running() bool {
	js.mu.Lock()
	defer js.mu.Unlock()
	return js.running
}

func (js *JobServer) setRunning(r bool) {
	js.mu.Lock()
	js.running = r
	js.mu.Unlock()
}

// Run dispatches queued scans and runs the watchdog until ctx is done. It then
// shuts down: queued scans and scans still in flight are failed as
// interrupted and every held sandbox is released.
func (js *JobServer) Run(ctx context.Context) {
	js.setRunning(true)
	logrus.Info("JobServer running")

	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		js.priorityManager.Run(ctx)
	}()
	go func() {
		defer background.Done()
		js.watchdog(ctx)
	}()

	for {
		if err := js.slots.Acquire(ctx, 1); err != nil {
			break
		}
		job, err := js.priorityQueue.DequeueBlocking(ctx)
		if err != nil {
			js.slots.Release(1)
			break
		}

		js.tasks.Add(1)
		go func() {
			defer js.tasks.Done()
			defer js.slots.Release(1)
			js.runScan(ctx, job)
		}()
	}

	js.shutdown()
	background.Wait()
	js.setRunning(false)
}

func (js *JobServer) shutdown() {
	logrus.Info("Shutting down JobServer...")
	js.priorityQueue.Close()

	// the base context is gone, so writes use a fresh one
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, job := range js.priorityQueue.Drain() {
		js.fail(ctx, job.ScanID, scan.StatusPending, scan.ErrorDetails{Kind: scan.KindInterrupted}, "")
	}

	js.tasks.Wait()
	js.dispatcher.ReleaseAll(ctx)
	js.results.Close()
	logrus.Info("JobServer stopped")
}

// fail moves a scan from the expected status to failed. A status mismatch
// means someone else already moved the scan on and is not an error.
func (js *JobServer) fail(ctx context.Context, scanID string, expected scan.Status, details scan.ErrorDetails, message string) bool {
	rec, err := js.store.Update(context.WithoutCancel(ctx), scanID, expected, func(r *scan.Record) error {
		return r.Fail(details, message)
	})
	if err != nil {
		if actual, ok := store.ActualStatus(err); ok {
			logrus.Debugf("Scan %s not failed as %s, it is already %s", scanID, details.Kind, actual)
		} else {
			logrus.WithError(err).Errorf("Failed to record failure of scan %s", scanID)
		}
		return false
	}

	failed := rec.State.(scan.Failed)
	logrus.WithFields(logrus.Fields{"scan": scanID, "kind": failed.Details.Kind}).Warnf("Scan failed: %s", failed.Error)
	js.stats.Add(stats.SystemScope, stats.ScansFailed, 1)
	return true
}
