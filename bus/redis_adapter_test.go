package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startMiniredis boots an in-process Redis server for the Pub/Sub path.
// miniredis's XREADGROUP/XCLAIM support does not track a real Redis
// server closely enough to exercise the consumer-group redelivery path
// here; that path is covered by the in-memory adapter's equivalent
// semantics and needs a live Redis instance to verify directly.
func startMiniredis(t *testing.T) *Redis {
	t.Helper()

	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedis(client, nil)
}

func TestRedis_BroadcastPubSub(t *testing.T) {
	b := startMiniredis(t)
	ctx := context.Background()

	received := make(chan string, 1)
	sub, err := b.Subscribe(ctx, "topic", func(_ context.Context, msg Message) error {
		received <- string(msg.Payload)
		return nil
	}, SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(ctx, "topic", []byte("hello"), PublishOptions{}))

	select {
	case got := <-received:
		assert.Equal(t, "hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast delivery")
	}
}

func TestRedis_PublishMirrorsToStream(t *testing.T) {
	b := startMiniredis(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "topic", []byte("rec1"), PublishOptions{MirrorToStream: StreamName("topic")}))

	entries, err := b.client.XRange(ctx, StreamName("topic"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "rec1", entries[0].Values["payload"])
}

func TestRedis_PingAndDisconnect(t *testing.T) {
	b := startMiniredis(t)
	ctx := context.Background()

	require.NoError(t, b.Ping(ctx))
	require.NoError(t, b.Disconnect(ctx))
	assert.ErrorIs(t, b.Ping(ctx), ErrDisconnected)
}
