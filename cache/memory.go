package cache

import (
	"context"
	"sort"
	"sync"
)

// MemoryStorage keeps buckets in process memory. Nothing survives a restart.
type MemoryStorage struct {
	mu      sync.RWMutex
	buckets map[string]*memoryBucket
}

var _ Storage = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		buckets: make(map[string]*memoryBucket),
	}
}

func (m *MemoryStorage) Open(_ context.Context, name string) (Bucket, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[name]
	if !ok {
		b = &memoryBucket{
			name:    name,
			entries: make(map[Key]*Entry),
		}
		m.buckets[name] = b
	}
	return b, nil
}

func (m *MemoryStorage) Names(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.buckets))
	for name := range m.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[name]
	if !ok {
		return false, nil
	}
	delete(m.buckets, name)
	b.mu.Lock()
	b.deleted = true
	b.mu.Unlock()
	return true, nil
}

type memoryBucket struct {
	name string

	mu      sync.RWMutex
	entries map[Key]*Entry
	deleted bool
}

func (b *memoryBucket) Name() string {
	return b.name
}

func (b *memoryBucket) Match(_ context.Context, key Key) (*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[key]
	if !ok {
		return nil, nil
	}
	return e.clone(), nil
}

func (b *memoryBucket) Put(ctx context.Context, key Key, e *Entry) error {
	return b.PutAll(ctx, map[Key]*Entry{key: e})
}

func (b *memoryBucket) PutAll(_ context.Context, entries map[Key]*Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleted {
		return ErrBucketDeleted
	}
	for key, e := range entries {
		b.entries[key] = e.clone()
	}
	return nil
}

func (b *memoryBucket) Keys(_ context.Context) ([]Key, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]Key, 0, len(b.entries))
	for key := range b.entries {
		keys = append(keys, key)
	}
	return sortedKeys(keys), nil
}

func (b *memoryBucket) Delete(_ context.Context, key Key) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.entries[key]
	delete(b.entries, key)
	return ok, nil
}
