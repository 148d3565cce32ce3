package store

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	fields  map[string]string
	expires time.Time
}

// Memory is an in-process Store with the same expiry semantics as the
// shared backends
type Memory struct {
	ttl     time.Duration
	now     func() time.Time
	records map[string]memoryEntry
	active  map[string]struct{}
	mu      sync.RWMutex
}

// Compile-time interface check.
var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-process store
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:     ttl,
		now:     time.Now,
		records: make(map[string]memoryEntry),
		active:  make(map[string]struct{}),
	}
}

// Save stores a copy of rec's fields
func (m *Memory) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[rec.CallID] = memoryEntry{
		fields:  maps.Clone(rec.Fields),
		expires: m.now().Add(m.ttl),
	}
	if rec.Active {
		m.active[rec.CallID] = struct{}{}
	} else {
		delete(m.active, rec.CallID)
	}
	return nil
}

// Load returns a copy of the stored record
func (m *Memory) Load(_ context.Context, callID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.records[callID]
	if !ok || m.now().After(entry.expires) {
		return Record{}, ErrNotFound
	}
	_, active := m.active[callID]
	return Record{CallID: callID, Fields: maps.Clone(entry.fields), Active: active}, nil
}

// ActiveIDs returns the active call identifiers in sorted order
func (m *Memory) ActiveIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Ping always succeeds
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op
func (m *Memory) Close() error { return nil }

// Len returns the number of unexpired records
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	n := 0
	for _, entry := range m.records {
		if !now.After(entry.expires) {
			n++
		}
	}
	return n
}
