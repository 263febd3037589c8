package contentstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/echocrypt/pkg/contracts"
)

// MemoryStore keeps objects in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	blobs  map[string][]byte
	labels map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs:  make(map[string][]byte),
		labels: make(map[string]string),
	}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte, suggestedName string) (contracts.StorageRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := refFor(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[string(ref)]; ok {
		return ref, nil
	}
	s.blobs[string(ref)] = append([]byte(nil), data...)
	s.labels[string(ref)] = SanitizeName(suggestedName)
	return ref, nil
}

func (s *MemoryStore) Get(ctx context.Context, ref contracts.StorageRef) ([]byte, error) {
	key, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Exists(ctx context.Context, ref contracts.StorageRef) (bool, error) {
	key, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[key]
	return ok, nil
}

func (s *MemoryStore) Delete(ctx context.Context, ref contracts.StorageRef) error {
	key, err := parseRef(ref)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	delete(s.labels, key)
	return nil
}

// Overwrite replaces the bytes at ref without changing the reference.
// It exists to simulate out-of-band modification of stored objects.
func (s *MemoryStore) Overwrite(ref contracts.StorageRef, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[string(ref)] = append([]byte(nil), data...)
}

// Label returns the sanitized name recorded for ref.
func (s *MemoryStore) Label(ref contracts.StorageRef) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.labels[string(ref)]
}
