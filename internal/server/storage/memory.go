package storage

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/optipress/internal/common"
)

// MemoryStore is an in-process ObjectStore used by tests and local runs
// without a bucket.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func (m *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: put %s: %v", common.ErrTimeout, key, err)
	}
	m.mu.Lock()
	m.objects[key] = append([]byte(nil), data...)
	m.types[key] = contentType
	m.mu.Unlock()
	return m.PresignGet(ctx, key, time.Minute)
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", common.ErrTimeout, key, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrorNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: delete %s: %v", common.ErrTimeout, key, err)
	}
	m.mu.Lock()
	delete(m.objects, key)
	delete(m.types, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) PresignPut(_ context.Context, key, _ string, expiry time.Duration) (string, error) {
	return presignedMemoryURL("put", key, expiry), nil
}

func (m *MemoryStore) PresignGet(_ context.Context, key string, expiry time.Duration) (string, error) {
	return presignedMemoryURL("get", key, expiry), nil
}

// Has reports whether key is currently stored.
func (m *MemoryStore) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok
}

// ContentType returns the content type recorded for key.
func (m *MemoryStore) ContentType(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.types[key]
}

// Keys returns all stored keys in lexical order.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func presignedMemoryURL(op, key string, expiry time.Duration) string {
	q := url.Values{}
	q.Set("op", op)
	q.Set("expires", fmt.Sprintf("%d", int(expiry.Seconds())))
	return "memory:///" + key + "?" + q.Encode()
}
