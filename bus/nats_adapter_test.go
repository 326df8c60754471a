package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startEmbeddedNATS boots an in-process JetStream-enabled server for
// tests, the same way the production bootstrap does for a zero-config run.
func startEmbeddedNATS(t *testing.T) *NATS {
	t.Helper()

	opts := &server.Options{Port: -1, JetStream: true, NoLog: true, NoSigs: true}
	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second))
	t.Cleanup(ns.Shutdown)

	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	js, err := jetstream.New(conn)
	require.NoError(t, err)

	return NewNATS(conn, js, nil)
}

func TestNATS_BroadcastPubSub(t *testing.T) {
	b := startEmbeddedNATS(t)
	ctx := context.Background()

	received := make(chan string, 1)
	sub, err := b.Subscribe(ctx, "topic", func(_ context.Context, msg Message) error {
		received <- string(msg.Payload)
		return nil
	}, SubscribeOptions{})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	time.Sleep(50 * time.Millisecond) // allow the subscription to register with the server
	require.NoError(t, b.Publish(ctx, "topic", []byte("hello"), PublishOptions{}))

	select {
	case got := <-received:
		assert.Equal(t, "hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast delivery")
	}
}

func TestNATS_ConsumerGroupReceivesMirroredRecords(t *testing.T) {
	b := startEmbeddedNATS(t)
	ctx := context.Background()

	received := make(chan string, 1)
	sub, err := b.Subscribe(ctx, "topic", func(_ context.Context, msg Message) error {
		received <- string(msg.Payload)
		return nil
	}, SubscribeOptions{ConsumerGroup: "group-a"})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(ctx, "topic", []byte("rec1"), PublishOptions{MirrorToStream: StreamName("topic")}))

	select {
	case got := <-received:
		assert.Equal(t, "rec1", got)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for consumer group delivery")
	}
}

func TestNATS_ConsumerGroupRedeliversOnFailureThenDLQs(t *testing.T) {
	b := startEmbeddedNATS(t)
	ctx := context.Background()

	var attempts int
	var mu sync.Mutex

	sub, err := b.Subscribe(ctx, "topic", func(_ context.Context, _ Message) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("handler always fails")
	}, SubscribeOptions{ConsumerGroup: "group-a", MaxRedeliveries: 2})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	dlqReceived := make(chan Message, 1)
	dlqSub, err := b.Subscribe(ctx, DLQTopic("topic"), func(_ context.Context, msg Message) error {
		dlqReceived <- msg
		return nil
	}, SubscribeOptions{})
	require.NoError(t, err)
	defer dlqSub.Unsubscribe()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.Publish(ctx, "topic", []byte("poison"), PublishOptions{MirrorToStream: StreamName("topic")}))

	select {
	case msg := <-dlqReceived:
		assert.Equal(t, "poison", string(msg.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for DLQ delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, attempts, 3, "1 initial attempt + 2 redeliveries")
}

func TestNATS_PingAndDisconnect(t *testing.T) {
	b := startEmbeddedNATS(t)
	ctx := context.Background()

	require.NoError(t, b.Ping(ctx))
	require.NoError(t, b.Disconnect(ctx))
	assert.ErrorIs(t, b.Ping(ctx), ErrDisconnected)
}
