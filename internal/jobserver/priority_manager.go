package jobserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/masa-finance/scan-worker/internal/auth"
)

// PriorityManager decides which scans go to the fast queue. A principal has
// priority when its tier is one of the priority tiers or when its owner id is
// on the list served by the optional external endpoint.
type PriorityManager struct {
	mu              sync.RWMutex
	tiers           []string
	priorityOwners  map[string]bool
	endpoint        string
	refreshInterval time.Duration
	httpClient      *http.Client
}

// PriorityOwnerList is the response format of the external priority endpoint.
type PriorityOwnerList struct {
	OwnerIDs  []string `json:"owner_ids"`
	UpdatedAt string   `json:"updated_at"`
}

// NewPriorityManager creates a manager for the given tiers. When endpoint is
// empty only the tiers count; refreshInterval defaults to 15 minutes.
func NewPriorityManager(tiers []string, endpoint string, refreshInterval time.Duration) *PriorityManager {
	if refreshInterval <= 0 {
		refreshInterval = 15 * time.Minute
	}

	return &PriorityManager{
		tiers:           tiers,
		priorityOwners:  make(map[string]bool),
		endpoint:        endpoint,
		refreshInterval: refreshInterval,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsPriority is called on every scan submission.
func (pm *PriorityManager) IsPriority(p auth.Principal) bool {
	if auth.HasTier(pm.tiers, p.Tier) {
		return true
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.priorityOwners[p.OwnerID]
}

// GetPriorityOwners returns a snapshot of the owner ids fetched from the
// endpoint. The order is not guaranteed.
func (pm *PriorityManager) GetPriorityOwners() []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	owners := make([]string, 0, len(pm.priorityOwners))
	for id := range pm.priorityOwners {
		owners = append(owners, id)
	}
	return owners
}

// UpdatePriorityOwners replaces the entire owner list.
func (pm *PriorityManager) UpdatePriorityOwners(ownerIDs []string) {
	owners := make(map[string]bool, len(ownerIDs))
	for _, id := range ownerIDs {
		owners[id] = true
	}

	pm.mu.Lock()
	pm.priorityOwners = owners
	pm.mu.Unlock()
}

func (pm *PriorityManager) fetchPriorityList(ctx context.Context) error {
	if pm.endpoint == "" {
		return fmt.Errorf("no priority endpoint configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pm.endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := pm.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("priority endpoint returned %s", resp.Status)
	}

	var list PriorityOwnerList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("decoding priority list: %w", err)
	}

	pm.UpdatePriorityOwners(list.OwnerIDs)
	logrus.Debugf("Priority list updated with %d owners", len(list.OwnerIDs))
	return nil
}

// Run fetches the owner list once and then every refresh interval until ctx
// is done. Without an endpoint it returns immediately.
func (pm *PriorityManager) Run(ctx context.Context) {
	if pm.endpoint == "" {
		logrus.Info("No priority endpoint configured, prioritizing by tier only")
		return
	}

	logrus.Infof("Fetching priority list from %s (refresh every %v)", pm.endpoint, pm.refreshInterval)
	if err := pm.fetchPriorityList(ctx); err != nil {
		logrus.Warnf("Failed to fetch initial priority list: %v", err)
	}

	ticker := time.NewTicker(pm.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pm.fetchPriorityList(ctx); err != nil {
				logrus.Errorf("Error refreshing priority list: %v", err)
			}
		}
	}
}
