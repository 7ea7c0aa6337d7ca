// Package health tracks whether the collaborators a worker depends on (the
// sandbox service, the scan store, the vault) are currently usable. The
// readiness endpoint reports the tracker's view.
package health

import (
	"context"
	"time"
)

const (
	CapabilitySandbox = "sandbox"
	CapabilityStore   = "store"
	CapabilityVault   = "vault"
)

// CapabilityStatus holds the health information for a single capability.
type CapabilityStatus struct {
	Name        string    `json:"name"`
	IsHealthy   bool      `json:"healthy"`
	LastChecked time.Time `json:"lastChecked"`
	LastError   string    `json:"lastError,omitempty"`
	ErrorCount  int       `json:"errorCount"`
}

// CapabilityHealthTracker defines the interface for managing the health status
// of all worker capabilities.
type CapabilityHealthTracker interface {
	// UpdateStatus updates the health status of a specific capability.
	UpdateStatus(name string, isHealthy bool, err error)
	// GetStatus retrieves the current health status of a specific capability.
	GetStatus(name string) (CapabilityStatus, bool)
	// GetAllStatuses returns a map of all tracked capability statuses.
	GetAllStatuses() map[string]CapabilityStatus
}

// Verifier checks one capability.
type Verifier interface {
	Verify(ctx context.Context) error
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context) error

func (f VerifierFunc) Verify(ctx context.Context) error {
	return f(ctx)
}
