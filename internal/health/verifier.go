package health

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CapabilityVerifier runs the registered checks and feeds the tracker.
type CapabilityVerifier struct {
	tracker CapabilityHealthTracker

	mu        sync.RWMutex
	verifiers map[string]Verifier
}

func NewCapabilityVerifier(tracker CapabilityHealthTracker) *CapabilityVerifier {
	return &CapabilityVerifier{
		tracker:   tracker,
		verifiers: make(map[string]Verifier),
	}
}

// RegisterVerifier adds a verifier for a specific capability.
func (v *CapabilityVerifier) RegisterVerifier(capability string, verifier Verifier) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.verifiers[capability] = verifier
}

// VerifyCapabilities runs the checks for the named capabilities, or all of
// them when none are named.
func (v *CapabilityVerifier) VerifyCapabilities(ctx context.Context, capabilities ...string) {
	v.mu.RLock()
	if len(capabilities) == 0 {
		for name := range v.verifiers {
			capabilities = append(capabilities, name)
		}
	}
	checks := make(map[string]Verifier, len(capabilities))
	for _, name := range capabilities {
		checks[name] = v.verifiers[name]
	}
	v.mu.RUnlock()

	for name, verifier := range checks {
		if verifier == nil {
			v.tracker.UpdateStatus(name, true, nil)
			continue
		}
		err := verifier.Verify(ctx)
		if err != nil {
			logrus.WithError(err).Warnf("Capability %s failed verification", name)
		}
		v.tracker.UpdateStatus(name, err == nil, err)
	}
}

// StartReconciliationLoop re-checks unhealthy capabilities until ctx is done.
func (v *CapabilityVerifier) StartReconciliationLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var unhealthy []string
			for name, status := range v.tracker.GetAllStatuses() {
				if !status.IsHealthy {
					unhealthy = append(unhealthy, name)
				}
			}
			if len(unhealthy) > 0 {
				v.VerifyCapabilities(ctx, unhealthy...)
			}
		}
	}
}
