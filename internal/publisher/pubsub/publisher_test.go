package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newFakeClient(t *testing.T, topics ...string) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "harvest-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	for _, topic := range topics {
		_, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{
			Name: "projects/harvest-test/topics/" + topic,
		})
		require.NoError(t, err)
	}
	return client, srv
}

func TestPublishSendsJSON(t *testing.T) {
	t.Parallel()

	client, srv := newFakeClient(t, "snapshots")
	pub := New(client, nil)
	defer pub.Stop()

	id, err := pub.Publish(context.Background(), "snapshots", map[string]any{"entry_id": 7, "verified": true})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "application/json", msgs[0].Attributes["content_type"])

	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.EqualValues(t, 7, got["entry_id"])
	assert.Equal(t, true, got["verified"])
}

func TestPublishReusesTopicPublisher(t *testing.T) {
	t.Parallel()

	client, srv := newFakeClient(t, "a")
	pub := New(client, nil)
	defer pub.Stop()

	for i := 0; i < 3; i++ {
		_, err := pub.Publish(context.Background(), "a", i)
		require.NoError(t, err)
	}
	assert.Len(t, pub.publishers, 1)
	assert.Len(t, srv.Messages(), 3)
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	client, _ := newFakeClient(t)
	pub := New(client, nil)

	_, err := pub.Publish(context.Background(), "", "x")
	require.Error(t, err)

	_, err = pub.Publish(context.Background(), "missing", "x")
	require.Error(t, err)

	_, err = pub.Publish(context.Background(), "missing", func() {})
	require.ErrorContains(t, err, "marshal payload")

	pub.Stop()
	_, err = pub.Publish(context.Background(), "missing", "x")
	require.ErrorContains(t, err, "stopped")
}

func TestPublishWithoutClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil).Publish(context.Background(), "t", "x")
	require.ErrorContains(t, err, "not configured")
}
