package storage

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MemoryStore is an in-memory ObjectStore for tests and dev mode.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

type memObject struct {
	body    []byte
	version int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject)}
}

// Get returns the object at key, or (nil, nil) when absent.
func (m *MemoryStore) Get(_ context.Context, key string) (*Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, nil
	}
	body := make([]byte, len(obj.body))
	copy(body, obj.body)
	return &Object{Body: body, ETag: strconv.FormatInt(obj.version, 10)}, nil
}

// Put writes body at key, honoring the etag precondition.
func (m *MemoryStore) Put(_ context.Context, key string, body []byte, opts *PutOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.objects[key]

	if opts != nil && opts.IfMatch != nil {
		want := *opts.IfMatch
		if want == "" {
			if exists {
				return "", ErrPreconditionFailed
			}
		} else {
			if !exists || strconv.FormatInt(existing.version, 10) != want {
				return "", ErrPreconditionFailed
			}
		}
	}

	version := int64(1)
	if exists {
		version = existing.version + 1
	}
	stored := make([]byte, len(body))
	copy(stored, body)
	m.objects[key] = memObject{body: stored, version: version}
	return strconv.FormatInt(version, 10), nil
}

// Delete removes the object at key.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// List returns up to limit keys under prefix after cursor, sorted.
func (m *MemoryStore) List(_ context.Context, prefix string, limit int, cursor string) ([]string, string, error) {
	m.mu.RLock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) && k > cursor {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	next := ""
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
		next = keys[len(keys)-1]
	}
	return keys, next, nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error {
	return nil
}
