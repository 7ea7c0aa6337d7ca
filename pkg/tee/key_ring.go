package tee

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	// MaxKeysInRing is the number of keys to keep in the ring buffer
	MaxKeysInRing = 3

	// KeySize is the AES-256 key length
	KeySize = 32
)

// KeyEntry represents a single key in the key ring with metadata
type KeyEntry struct {
	Key        string
	InsertedAt time.Time
}

// KeyRing maintains a ring of standalone sealing keys with the most recent at
// index 0. Old keys stay around so material sealed before a rotation can
// still be opened.
type KeyRing struct {
	mu   sync.RWMutex
	Keys []KeyEntry
}

// NewKeyRing creates a key ring from keys ordered oldest to newest.
func NewKeyRing(keys ...string) (*KeyRing, error) {
	kr := &KeyRing{Keys: make([]KeyEntry, 0, MaxKeysInRing)}
	for _, k := range keys {
		if _, err := kr.Add(k); err != nil {
			return nil, err
		}
	}
	return kr, nil
}

// ParseKeyRing reads a comma separated list of keys, most recent first, as
// found in the SEALING_KEY variable.
func ParseKeyRing(value string) (*KeyRing, error) {
	var keys []string
	for _, k := range strings.Split(value, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append([]string{k}, keys...)
		}
	}
	if len(keys) == 0 {
		return nil, ErrNoSealingKey
	}
	return NewKeyRing(keys...)
}

// Add adds a new key to the ring, pushing out the oldest if at capacity.
// It returns true if the key was newly added, false if it was already present.
func (kr *KeyRing) Add(key string) (bool, error) {
	if len(key) != KeySize {
		return false, fmt.Errorf("invalid key length: got %d bytes, expected %d bytes for AES-256 encryption", len(key), KeySize)
	}

	kr.mu.Lock()
	defer kr.mu.Unlock()

	for _, entry := range kr.Keys {
		if entry.Key == key {
			return false, nil
		}
	}

	kr.Keys = append([]KeyEntry{{Key: key, InsertedAt: time.Now()}}, kr.Keys...)
	if len(kr.Keys) > MaxKeysInRing {
		kr.Keys = kr.Keys[:MaxKeysInRing]
	}
	return true, nil
}

// GetAllKeys returns all keys in the ring, most recent first
func (kr *KeyRing) GetAllKeys() []string {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	keys := make([]string, len(kr.Keys))
	for i, entry := range kr.Keys {
		keys[i] = entry.Key
	}
	return keys
}

// MostRecentKey returns the most recent key, or empty string if no keys
func (kr *KeyRing) MostRecentKey() string {
	kr.mu.RLock()
	defer kr.mu.RUnlock()

	if len(kr.Keys) == 0 {
		return ""
	}
	return kr.Keys[0].Key
}
