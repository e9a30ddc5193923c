package badger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
)

func newStore(t *testing.T) *BlobStore {
	t.Helper()
	store, err := New(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewRequiresDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	assert.Error(t, err)
}

func TestCreateGetExists(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, "DIGEST1", []byte("payload"))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.Create(ctx, "DIGEST1", []byte("other"))
	require.NoError(t, err)
	assert.False(t, created)

	got, err := store.Get(ctx, "DIGEST1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	ok, err := store.Exists(ctx, "DIGEST1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.Get(ctx, "DIGEST2")
	assert.ErrorIs(t, err, harvest.ErrNotFound)
	ok, err = store.Exists(ctx, "DIGEST2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOnDiskReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(Config{Dir: dir})
	require.NoError(t, err)
	_, err = store.Create(context.Background(), "DIGEST1", []byte("durable"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := New(Config{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	got, err := reopened.Get(context.Background(), "DIGEST1")
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), got)
}

func TestConcurrentCreate(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := store.Create(context.Background(), "DIGEST1", []byte("same"))
			assert.NoError(t, err)
			if created {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}
