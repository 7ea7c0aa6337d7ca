package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/masa-finance/scan-worker/internal/health"
	"github.com/masa-finance/scan-worker/internal/jobs/stats"
)

const releaseTimeout = 30 * time.Second

type DispatcherConfig struct {
	MaxSandboxes    int
	PollInterval    time.Duration
	MaxPollInterval time.Duration
}

// Dispatcher bounds how many sandboxes are held at once and makes sure every
// acquired sandbox is released exactly once.
type Dispatcher struct {
	provider Provider
	sem      *semaphore.Weighted
	config   DispatcherConfig
	tracker  health.CapabilityHealthTracker
	stats    *stats.StatsCollector

	mu   sync.Mutex
	held map[string]Handle
}

func NewDispatcher(provider Provider, config DispatcherConfig, tracker health.CapabilityHealthTracker, sc *stats.StatsCollector) *Dispatcher {
	if config.MaxSandboxes <= 0 {
		config.MaxSandboxes = 10
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.MaxPollInterval < config.PollInterval {
		config.MaxPollInterval = 8 * config.PollInterval
	}
	return &Dispatcher{
		provider: provider,
		sem:      semaphore.NewWeighted(int64(config.MaxSandboxes)),
		config:   config,
		tracker:  tracker,
		stats:    sc,
		held:     make(map[string]Handle),
	}
}

func (d *Dispatcher) report(err error) {
	if d.tracker == nil {
		return
	}
	// a full sandbox service is still a reachable one
	healthy := err == nil || errors.Is(err, ErrCapacityExceeded)
	d.tracker.UpdateStatus(health.CapabilitySandbox, healthy, err)
}

// Acquire obtains a sandbox or fails fast. It never queues.
func (d *Dispatcher) Acquire(ctx context.Context, targetHandle string) (Handle, error) {
	if !d.sem.TryAcquire(1) {
		d.stats.Add(stats.SystemScope, stats.CapacityRejections, 1)
		return Handle{}, fmt.Errorf("%w: %d sandboxes in use", ErrCapacityExceeded, d.config.MaxSandboxes)
	}

	h, err := d.provider.Acquire(ctx, targetHandle)
	if err != nil {
		if h.ID != "" {
			// partially provisioned, the service still holds it
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			if rerr := d.provider.Release(rctx, h); rerr != nil {
				logrus.WithError(rerr).Warnf("Failed to release partially acquired sandbox %s", h.ID)
			}
			cancel()
		}
		d.sem.Release(1)

		if !errors.Is(err, ErrCapacityExceeded) && !errors.Is(err, ErrProvisionFailed) {
			err = fmt.Errorf("%w: %v", ErrProvisionFailed, err)
		}
		if errors.Is(err, ErrCapacityExceeded) {
			d.stats.Add(stats.SystemScope, stats.CapacityRejections, 1)
		} else {
			d.stats.Add(stats.SystemScope, stats.ProvisionFailures, 1)
		}
		d.report(err)
		return Handle{}, err
	}

	d.mu.Lock()
	d.held[h.ID] = h
	d.mu.Unlock()

	d.report(nil)
	d.stats.Add(stats.SystemScope, stats.SandboxesAcquired, 1)
	logrus.WithFields(logrus.Fields{"sandbox": h.ID, "target": targetHandle}).Info("Sandbox acquired")
	return h, nil
}

// Release gives the sandbox back. Only the first call for a handle reaches
// the provider.
func (d *Dispatcher) Release(ctx context.Context, h Handle) error {
	d.mu.Lock()
	_, ok := d.held[h.ID]
	delete(d.held, h.ID)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	defer d.sem.Release(1)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	err := d.provider.Release(rctx, h)
	d.stats.Add(stats.SystemScope, stats.SandboxesReleased, 1)
	if err != nil {
		logrus.WithError(err).Warnf("Failed to release sandbox %s", h.ID)
		return err
	}
	logrus.WithField("sandbox", h.ID).Info("Sandbox released")
	return nil
}

// InUse returns how many sandboxes are currently held.
func (d *Dispatcher) InUse() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.held)
}

// ReleaseAll releases every held sandbox, used on shutdown.
func (d *Dispatcher) ReleaseAll(ctx context.Context) {
	d.mu.Lock()
	handles := make([]Handle, 0, len(d.held))
	for _, h := range d.held {
		handles = append(handles, h)
	}
	d.mu.Unlock()

	for _, h := range handles {
		_ = d.Release(ctx, h)
	}
}

func (d *Dispatcher) check(h Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.held[h.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSandbox, h.ID)
	}
	return nil
}

// Run starts a command. A non-zero exit is returned as *ExitError.
func (d *Dispatcher) Run(ctx context.Context, h Handle, cmd Command) (CommandResult, error) {
	if err := d.check(h); err != nil {
		return CommandResult{}, err
	}
	res, err := d.provider.Run(ctx, h, cmd)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, &ExitError{Code: res.ExitCode, Stderr: res.Stderr}
	}
	return res, nil
}

func (d *Dispatcher) ReadFile(ctx context.Context, h Handle, path string) ([]byte, error) {
	if err := d.check(h); err != nil {
		return nil, err
	}
	return d.provider.ReadFile(ctx, h, path)
}

func (d *Dispatcher) RequestInteractiveAuth(ctx context.Context, h Handle) (AuthChallenge, error) {
	if err := d.check(h); err != nil {
		return AuthChallenge{}, err
	}
	return d.provider.RequestInteractiveAuth(ctx, h)
}

func (d *Dispatcher) InjectSession(ctx context.Context, h Handle, session SessionCookies) error {
	if err := d.check(h); err != nil {
		return err
	}
	return d.provider.InjectSession(ctx, h, session)
}

// Ping checks that the sandbox service is reachable.
func (d *Dispatcher) Ping(ctx context.Context) error {
	return d.provider.Ping(ctx)
}

// AwaitArtifact polls for a file with exponential backoff until it exists,
// the budget elapses (ErrTimeout) or ctx is done. Transient read errors are
// retried within the budget. onPoll runs before every read.
func (d *Dispatcher) AwaitArtifact(ctx context.Context, h Handle, path string, timeout time.Duration, onPoll func(context.Context)) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.config.PollInterval
	b.MaxInterval = d.config.MaxPollInterval
	b.MaxElapsedTime = 0
	b.Reset()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var lastErr error
	for {
		if onPoll != nil {
			onPoll(ctx)
		}

		data, err := d.ReadFile(ctx, h, path)
		switch {
		case err == nil:
			return data, nil
		case errors.Is(err, ErrNotFound):
		case errors.Is(err, ErrTransient):
			logrus.WithError(err).WithField("sandbox", h.ID).Debug("Retrying artifact read")
			lastErr = err
		default:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}

		wait := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			wait.Stop()
			return nil, ctx.Err()
		case <-deadline.C:
			wait.Stop()
			if lastErr != nil {
				return nil, fmt.Errorf("%w: %s after %s, last error: %v", ErrTimeout, path, timeout, lastErr)
			}
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, path, timeout)
		case <-wait.C:
		}
	}
}
