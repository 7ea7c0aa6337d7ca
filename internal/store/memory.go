package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/masa-finance/scan-worker/internal/scan"
)

// MemoryStore keeps records in a map. Records are cloned on the way in and
// out so callers never share state with the store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*scan.Record
	now     Clock
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(utcNow)
}

func NewMemoryStoreWithClock(now Clock) *MemoryStore {
	return &MemoryStore{records: make(map[string]*scan.Record), now: now}
}

func (m *MemoryStore) Create(_ context.Context, rec *scan.Record) (*scan.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.ID]; ok {
		return nil, ErrAlreadyExists
	}
	c, err := prepareCreate(rec, m.now())
	if err != nil {
		return nil, err
	}
	m.records[c.ID] = c
	return c.Clone(), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*scan.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, expected scan.Status, mutate Mutation) (*scan.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := apply(cur, expected, mutate, m.now())
	if err != nil {
		return nil, err
	}
	m.records[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) ListActive(_ context.Context, updatedBefore time.Time) ([]*scan.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*scan.Record
	for _, r := range m.records {
		if r.Status().IsTerminal() || !r.UpdatedAt.Before(updatedBefore) {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
