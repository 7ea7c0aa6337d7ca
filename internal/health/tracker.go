package health

import (
	"sort"
	"sync"
	"time"
)

// Tracker keeps the last verification outcome per capability.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[string]CapabilityStatus
	now      func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		statuses: make(map[string]CapabilityStatus),
		now:      time.Now,
	}
}

// UpdateStatus records an outcome. Consecutive failures are counted and a
// success clears them.
func (t *Tracker) UpdateStatus(name string, isHealthy bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	status, exists := t.statuses[name]
	if !exists {
		status = CapabilityStatus{Name: name}
	}

	status.IsHealthy = isHealthy
	status.LastChecked = t.now()

	switch {
	case isHealthy:
		status.LastError = ""
		status.ErrorCount = 0
	case err != nil:
		status.LastError = err.Error()
		status.ErrorCount++
	default:
		status.ErrorCount++
	}
	t.statuses[name] = status
}

func (t *Tracker) GetStatus(name string) (CapabilityStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	status, exists := t.statuses[name]
	return status, exists
}

// GetAllStatuses returns a copy of every tracked status.
func (t *Tracker) GetAllStatuses() map[string]CapabilityStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]CapabilityStatus, len(t.statuses))
	for k, v := range t.statuses {
		out[k] = v
	}
	return out
}

// Unhealthy returns the capabilities currently marked unhealthy, by name.
func (t *Tracker) Unhealthy() []CapabilityStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []CapabilityStatus
	for _, s := range t.statuses {
		if !s.IsHealthy {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
