package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsEvents(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "snapshots", map[string]int{"entry_id": 1})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "passes", "done")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"entry_id":1}`, string(msgs[0].Data))
	assert.Equal(t, "passes", msgs[1].Topic)

	snaps := pub.Topic("snapshots")
	require.Len(t, snaps, 1)
	assert.Equal(t, "memory-1", snaps[0].ID)

	msgs[0].Topic = "modified"
	assert.Equal(t, "snapshots", pub.Messages()[0].Topic)
}

func TestPublisherFailures(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "t", make(chan int))
	require.ErrorContains(t, err, "marshal payload")

	outage := errors.New("unavailable")
	pub.SetError(outage)
	_, err = pub.Publish(context.Background(), "t", "x")
	require.ErrorIs(t, err, outage)
	assert.Empty(t, pub.Messages())

	pub.SetError(nil)
	_, err = pub.Publish(context.Background(), "t", "x")
	require.NoError(t, err)
}
