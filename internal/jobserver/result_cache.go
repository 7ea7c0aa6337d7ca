package jobserver

import (
	"container/list"
	"sync"
	"time"

	"github.com/masa-finance/scan-worker/api/types"
)

// Default values
const (
	defaultMaxSize = 1000
	defaultMaxAge  = 600 * time.Second
)

type cacheEntry struct {
	key       string
	ownerID   string
	view      types.ScanView
	timestamp time.Time
	element   *list.Element // pointer to the element in the list
}

// ResultCache keeps the views of terminal scans. Terminal records never change
// so a cached view is never stale, only old.
type ResultCache struct {
	lock    sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // oldest at Front, newest at Back
	maxSize int
	maxAge  time.Duration
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

// NewResultCache creates a new ResultCache bounded by maxSize entries and maxAge.
func NewResultCache(maxSize int, maxAge time.Duration) *ResultCache {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	rc := &ResultCache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		maxSize: maxSize,
		maxAge:  maxAge,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go rc.periodicCleanup()
	return rc
}

func (rc *ResultCache) Set(key, ownerID string, view types.ScanView) {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	if entry, exists := rc.entries[key]; exists {
		// Update and move to back
		entry.ownerID = ownerID
		entry.view = view
		entry.timestamp = rc.now()
		rc.order.MoveToBack(entry.element)
		return
	}
	// New entry
	entry := &cacheEntry{
		key:       key,
		ownerID:   ownerID,
		view:      view,
		timestamp: rc.now(),
	}
	entry.element = rc.order.PushBack(entry)
	rc.entries[key] = entry
	// Evict if over size
	for len(rc.entries) > rc.maxSize {
		oldest := rc.order.Front()
		if oldest != nil {
			oldestEntry := oldest.Value.(*cacheEntry)
			delete(rc.entries, oldestEntry.key)
			rc.order.Remove(oldest)
		}
	}
}

// Get returns the cached view and the owner it belongs to.
func (rc *ResultCache) Get(key string) (types.ScanView, string, bool) {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	entry, exists := rc.entries[key]
	if !exists {
		return types.ScanView{}, "", false
	}
	// If expired, remove
	if rc.now().Sub(entry.timestamp) > rc.maxAge {
		rc.order.Remove(entry.element)
		delete(rc.entries, key)
		return types.ScanView{}, "", false
	}
	return entry.view, entry.ownerID, true
}

func (rc *ResultCache) Len() int {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	return len(rc.entries)
}

// Close stops the background cleanup.
func (rc *ResultCache) Close() {
	rc.once.Do(func() { close(rc.done) })
}

func (rc *ResultCache) periodicCleanup() {
	ticker := time.NewTicker(rc.maxAge / 2)
	defer ticker.Stop()
	for {
		select {
		case <-rc.done:
			return
		case <-ticker.C:
			rc.cleanupExpired()
		}
	}
}

func (rc *ResultCache) cleanupExpired() {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	now := rc.now()
	for e := rc.order.Front(); e != nil; {
		next := e.Next()
		entry := e.Value.(*cacheEntry)
		if now.Sub(entry.timestamp) > rc.maxAge {
			delete(rc.entries, entry.key)
			rc.order.Remove(e)
		}
		e = next
	}
}
