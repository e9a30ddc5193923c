package index

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
	"github.com/JakeFAU/wayback-harvester/internal/index/memory"
)

// recordingBackend counts Upsert calls and checks they never overlap.
type recordingBackend struct {
	*memory.Index

	mu       sync.Mutex
	active   int
	overlaps int
	batches  [][]harvest.Document
	lastQ    harvest.Query
	err      error
	delay    time.Duration
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{Index: memory.New()}
}

func (b *recordingBackend) Upsert(ctx context.Context, docs []harvest.Document) error {
	b.mu.Lock()
	b.active++
	if b.active > 1 {
		b.overlaps++
	}
	b.batches = append(b.batches, docs)
	err := b.err
	b.mu.Unlock()

	time.Sleep(b.delay)

	b.mu.Lock()
	b.active--
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.Index.Upsert(ctx, docs)
}

func (b *recordingBackend) Search(ctx context.Context, q harvest.Query) (harvest.Results, error) {
	b.mu.Lock()
	b.lastQ = q
	b.mu.Unlock()
	return b.Index.Search(ctx, q)
}

func (b *recordingBackend) snapshot() (batches [][]harvest.Document, overlaps int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]harvest.Document(nil), b.batches...), b.overlaps
}

func TestConcurrentUpsertsAreBatchedThroughOneWriter(t *testing.T) {
	t.Parallel()

	backend := newRecordingBackend()
	backend.delay = 5 * time.Millisecond
	m := New(backend, Config{BatchSize: 8, FlushInterval: 20 * time.Millisecond}, nil)
	defer m.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			surt := "com,example)/" + string(rune('a'+i%26)) + string(rune('a'+i/26))
			errs <- m.Upsert(context.Background(), []harvest.Document{{Surt: surt}})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	batches, overlaps := backend.snapshot()
	assert.Zero(t, overlaps)
	assert.Less(t, len(batches), 40)
	assert.Equal(t, 40, backend.Len())
}

func TestBatchKeepsLastDocumentPerSurt(t *testing.T) {
	t.Parallel()

	batch := []upsertRequest{
		{docs: []harvest.Document{{Surt: "a", Title: "old"}, {Surt: "b"}}},
		{docs: []harvest.Document{{Surt: "a", Title: "new"}}},
	}
	docs := dedupe(batch)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].Surt)
	assert.Equal(t, "new", docs[0].Title)
	assert.Equal(t, "b", docs[1].Surt)
}

func TestUpsertReturnsFlushError(t *testing.T) {
	t.Parallel()

	backend := newRecordingBackend()
	backend.err = harvest.ErrIndexUnavailable
	m := New(backend, Config{BatchSize: 1}, nil)
	defer m.Close()

	err := m.Upsert(context.Background(), []harvest.Document{{Surt: "a"}})
	require.ErrorIs(t, err, harvest.ErrIndexUnavailable)
	assert.Zero(t, backend.Len())
}

func TestUpsertEmptyIsNoop(t *testing.T) {
	t.Parallel()

	backend := newRecordingBackend()
	m := New(backend, Config{}, nil)
	defer m.Close()

	require.NoError(t, m.Upsert(context.Background(), nil))
	batches, _ := backend.snapshot()
	assert.Empty(t, batches)
}

func TestCloseFlushesAndRejectsLaterWrites(t *testing.T) {
	t.Parallel()

	backend := newRecordingBackend()
	m := New(backend, Config{BatchSize: 100, FlushInterval: time.Hour}, nil)

	done := make(chan error, 1)
	go func() {
		done <- m.Upsert(context.Background(), []harvest.Document{{Surt: "a"}})
	}()

	// Let the request reach the writer, which then waits for more.
	time.Sleep(50 * time.Millisecond)
	m.Close()
	require.NoError(t, <-done)
	assert.Equal(t, 1, backend.Len())
	require.ErrorIs(t, m.Upsert(context.Background(), []harvest.Document{{Surt: "b"}}), ErrClosed)
}

func TestUpsertHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	backend := newRecordingBackend()
	backend.delay = 200 * time.Millisecond
	m := New(backend, Config{BatchSize: 1}, nil)
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Upsert(ctx, []harvest.Document{{Surt: "a"}})
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSearchAppliesUnverifiedPolicy(t *testing.T) {
	t.Parallel()

	backend := newRecordingBackend()
	m := New(backend, Config{ExcludeUnverified: true}, nil)
	defer m.Close()

	_, err := m.Search(context.Background(), harvest.Query{Text: "x"})
	require.NoError(t, err)
	backend.mu.Lock()
	assert.True(t, backend.lastQ.VerifiedOnly)
	backend.mu.Unlock()
}

func TestSearchAndPingPropagateUnavailable(t *testing.T) {
	t.Parallel()

	backend := newRecordingBackend()
	backend.SetDown(errors.New("red"))
	m := New(backend, Config{}, nil)
	defer m.Close()

	_, err := m.Search(context.Background(), harvest.Query{})
	require.ErrorIs(t, err, harvest.ErrIndexUnavailable)
	require.ErrorIs(t, m.Ping(context.Background()), harvest.ErrIndexUnavailable)
}
