package content

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
	"github.com/JakeFAU/wayback-harvester/internal/hash/sha1"
	"github.com/JakeFAU/wayback-harvester/internal/storage/memory"
)

type constantHasher struct{ digest string }

func (h constantHasher) Hash([]byte) (string, error) { return h.digest, nil }

type failingBlobs struct{ *memory.BlobStore }

func (failingBlobs) Create(context.Context, string, []byte) (bool, error) {
	return false, errors.New("disk on fire")
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(nil, sha1.New(), zap.NewNop())
	assert.Error(t, err)
	_, err = New(memory.NewBlobStore(), nil, zap.NewNop())
	assert.Error(t, err)
}

func TestPutDeduplicatesIdenticalBytes(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	store, err := New(blobs, sha1.New(), zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	first, err := store.Put(ctx, []byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "FKXGYNOJJ7H3IFO35FPUBC445EPOQRXN", first)

	second, err := store.Put(ctx, []byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, blobs.Len())

	got, err := store.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), got)

	ok, err := store.Exists(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrentPutsConverge(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	store, err := New(blobs, sha1.New(), zap.NewNop())
	require.NoError(t, err)

	var wg sync.WaitGroup
	digests := make([]string, 12)
	for i := range digests {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := store.Put(context.Background(), []byte("<html>same</html>"))
			assert.NoError(t, err)
			digests[i] = d
		}(i)
	}
	wg.Wait()

	for _, d := range digests {
		assert.Equal(t, "FQ5XLYOTHGRWUGE6RHKDPCYHM7AOEPT7", d)
	}
	assert.Equal(t, 1, blobs.Len())
}

func TestPutDetectsCollisionAndQuarantines(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	store, err := New(blobs, constantHasher{digest: "SAMEDIGEST"}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Put(ctx, []byte("original"))
	require.NoError(t, err)

	_, err = store.Put(ctx, []byte("impostor"))
	require.ErrorIs(t, err, harvest.ErrDigestCollision)

	stored, err := store.Get(ctx, "SAMEDIGEST")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), stored, "collisions never overwrite")

	_, err = store.Put(ctx, []byte("original"))
	assert.ErrorIs(t, err, harvest.ErrDigestCollision, "a quarantined digest refuses further writes")
}

func TestGetMissingAndBackendFailure(t *testing.T) {
	t.Parallel()

	store, err := New(memory.NewBlobStore(), sha1.New(), zap.NewNop())
	require.NoError(t, err)
	_, err = store.Get(context.Background(), "MISSING")
	assert.ErrorIs(t, err, harvest.ErrNotFound)

	broken, err := New(failingBlobs{BlobStore: memory.NewBlobStore()}, sha1.New(), zap.NewNop())
	require.NoError(t, err)
	_, err = broken.Put(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, harvest.ErrStoreUnavailable)
}
