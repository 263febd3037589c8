package registrycache

import (
	"context"
	"sync"

	"github.com/Mindburn-Labs/echocrypt/pkg/fingerprint"
)

// Memory is an in-process Cache.
type Memory struct {
	mu      sync.RWMutex
	entries map[fingerprint.Fingerprint]Entry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[fingerprint.Fingerprint]Entry)}
}

func (m *Memory) Get(_ context.Context, fp fingerprint.Fingerprint) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[fp]
	return e, ok, nil
}

func (m *Memory) Put(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fp := e.Registration.Fingerprint
	if cur, ok := m.entries[fp]; ok && !replaces(cur, e) {
		return nil
	}
	m.entries[fp] = e
	return nil
}

func (m *Memory) Invalidate(_ context.Context, fp fingerprint.Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, fp)
	return nil
}

// Len returns the number of cached entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
