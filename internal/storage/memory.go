package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memObject struct {
	data []byte
	info ObjectInfo
}

// MemoryStore is an in-process ObjectStore.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]*memObject
	now         func() time.Time
}

var _ ObjectStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string]*memObject),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for expiry checks.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) EnsureCollection(_ context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[collection]; !ok {
		m.collections[collection] = make(map[string]*memObject)
	}
	return nil
}

func (m *MemoryStore) Put(_ context.Context, collection, key string, data []byte, opts PutOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	objs, ok := m.collections[collection]
	if !ok {
		return fmt.Errorf("put %s/%s: collection does not exist", collection, key)
	}
	buf := append([]byte(nil), data...)
	objs[key] = &memObject{
		data: buf,
		info: ObjectInfo{
			Key:       key,
			Size:      int64(len(buf)),
			Hash:      ContentHash(buf),
			CreatedAt: m.now(),
			ExpiresAt: opts.ExpiresAt,
		},
	}
	return nil
}

func (m *MemoryStore) lookup(collection, key string) (*memObject, error) {
	obj, ok := m.collections[collection][key]
	if !ok || obj.info.Expired(m.now()) {
		return nil, ErrNotFound
	}
	return obj, nil
}

func (m *MemoryStore) Get(_ context.Context, collection, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, err := m.lookup(collection, key)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *MemoryStore) Stat(_ context.Context, collection, key string) (ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, err := m.lookup(collection, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	return obj.info, nil
}

func (m *MemoryStore) Delete(_ context.Context, collection string, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.collections[collection], k)
	}
	return nil
}

// List returns every object in the collection, including expired objects
// that have not been swept yet, sorted by key.
func (m *MemoryStore) List(_ context.Context, collection string) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	objs := m.collections[collection]
	out := make([]ObjectInfo, 0, len(objs))
	for _, obj := range objs {
		out = append(out, obj.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
