package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kvImplementations(t *testing.T) map[string]KV {
	t.Helper()

	sqlite, err := OpenSQLiteKV(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]KV{
		"memory": NewMemoryKV(),
		"sqlite": sqlite,
	}
}

func TestCreateLoadSwap(t *testing.T) {
	ctx := context.Background()
	for name, kv := range kvImplementations(t) {
		t.Run(name, func(t *testing.T) {
			_, err := kv.Load(ctx, "tx:1")
			assert.True(t, errors.Is(err, ErrNotFound))

			rec, err := kv.CompareAndSwap(ctx, "tx:1", 0, []byte(`{"a":1}`))
			require.NoError(t, err)
			assert.Equal(t, uint64(1), rec.Version)

			// Duplicate create loses.
			_, err = kv.CompareAndSwap(ctx, "tx:1", 0, []byte(`{}`))
			assert.True(t, errors.Is(err, ErrVersionMismatch))

			rec, err = kv.CompareAndSwap(ctx, "tx:1", 1, []byte(`{"a":2}`))
			require.NoError(t, err)
			assert.Equal(t, uint64(2), rec.Version)

			// Stale version loses.
			_, err = kv.CompareAndSwap(ctx, "tx:1", 1, []byte(`{"a":3}`))
			assert.True(t, errors.Is(err, ErrVersionMismatch))

			got, err := kv.Load(ctx, "tx:1")
			require.NoError(t, err)
			assert.Equal(t, []byte(`{"a":2}`), got.Data)

			// Swapping a missing key reports not found.
			_, err = kv.CompareAndSwap(ctx, "tx:missing", 3, []byte(`{}`))
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestListByPrefix(t *testing.T) {
	ctx := context.Background()
	for name, kv := range kvImplementations(t) {
		t.Run(name, func(t *testing.T) {
			_, err := kv.CompareAndSwap(ctx, "agent:b", 0, []byte(`2`))
			require.NoError(t, err)
			_, err = kv.CompareAndSwap(ctx, "agent:a", 0, []byte(`1`))
			require.NoError(t, err)
			_, err = kv.CompareAndSwap(ctx, "tx:1", 0, []byte(`3`))
			require.NoError(t, err)

			recs, err := kv.List(ctx, "agent:")
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, "agent:a", recs[0].Key)
			assert.Equal(t, "agent:b", recs[1].Key)
		})
	}
}

// Exactly one writer may win each version; no update is silently lost.
func TestCASContention(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	_, err := kv.CompareAndSwap(ctx, "rep:a", 0, []byte(`0`))
	require.NoError(t, err)

	const writers = 16
	var wins int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := kv.CompareAndSwap(ctx, "rep:a", 1, []byte(`1`))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins)
	rec, err := kv.Load(ctx, "rep:a")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Version)
}
