package vault

import (
	"context"
	"sync"
	"time"
)

// Store keeps sealed entries keyed by owner (or anonymous) key.
type Store interface {
	Put(ctx context.Context, e Entry) error
	Get(ctx context.Context, key string) (Entry, error)

	// Update atomically edits an entry; ErrNoSession when it does not exist.
	Update(ctx context.Context, key string, fn func(*Entry) error) (Entry, error)

	// Replace stores e and deletes the entry under from in one step.
	Replace(ctx context.Context, from string, e Entry) error

	// DeleteStale removes invalidated entries and entries captured before the cutoff.
	DeleteStale(ctx context.Context, capturedBefore time.Time) (int, error)

	Close() error
}

type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (m *MemoryStore) Put(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Key] = e
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, ErrNoSession
	}
	return e, nil
}

func (m *MemoryStore) Update(_ context.Context, key string, fn func(*Entry) error) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, ErrNoSession
	}
	if err := fn(&e); err != nil {
		return Entry{}, err
	}
	m.entries[key] = e
	return e, nil
}

func (m *MemoryStore) Replace(_ context.Context, from string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[from]; !ok {
		return ErrNoSession
	}
	delete(m.entries, from)
	m.entries[e.Key] = e
	return nil
}

func (m *MemoryStore) DeleteStale(_ context.Context, capturedBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if !e.Valid || e.CapturedAt.Before(capturedBefore) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
