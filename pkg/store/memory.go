package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryKV is a thread-safe in-memory KV for tests and
// single-process deployments.
type MemoryKV struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{records: make(map[string]Record)}
}

func (m *MemoryKV) Load(_ context.Context, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *MemoryKV) CompareAndSwap(_ context.Context, key string, expectedVersion uint64, data []byte) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.records[key]
	if expectedVersion == 0 {
		if exists {
			return Record{}, ErrVersionMismatch
		}
	} else {
		if !exists {
			return Record{}, ErrNotFound
		}
		if current.Version != expectedVersion {
			return Record{}, ErrVersionMismatch
		}
	}

	next := Record{
		Key:     key,
		Version: expectedVersion + 1,
		Data:    append([]byte(nil), data...),
	}
	m.records[key] = next
	return cloneRecord(next), nil
}

func (m *MemoryKV) List(_ context.Context, prefix string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for key, rec := range m.records {
		if strings.HasPrefix(key, prefix) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func cloneRecord(rec Record) Record {
	rec.Data = append([]byte(nil), rec.Data...)
	return rec
}
