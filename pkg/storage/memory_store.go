package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// Object is a stored payload with its content type.
type Object struct {
	Data        []byte
	ContentType string
}

// MemoryStore is an in-process ObjectStore for local runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewMemoryStore initializes an empty object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]Object)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, bool, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return io.NopCloser(bytes.NewReader(obj.Data)), true, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	m.mu.Lock()
	m.objects[key] = Object{Data: data, ContentType: contentType}
	m.mu.Unlock()
	return nil
}

// Object returns a stored object for inspection.
func (m *MemoryStore) Object(key string) (Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return obj, ok
}
