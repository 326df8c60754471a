package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATS is a Port backed by a real NATS connection: core pub/sub for
// broadcast subscriptions, JetStream streams and durable consumers for
// anything published with MirrorToStream or subscribed with a
// ConsumerGroup.
type NATS struct {
	logger *slog.Logger
	conn   *nats.Conn
	js     jetstream.JetStream

	mu       sync.Mutex
	closed   bool
	streams  map[string]jetstream.Stream // stream name -> ensured stream
	consumed map[string]bool             // "stream|group" already ensured
}

// NewNATS wraps an established connection and JetStream context. The
// caller owns connecting conn; Disconnect drains and closes it.
func NewNATS(conn *nats.Conn, js jetstream.JetStream, logger *slog.Logger) *NATS {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{
		logger:   logger,
		conn:     conn,
		js:       js,
		streams:  make(map[string]jetstream.Stream),
		consumed: make(map[string]bool),
	}
}

// Publish sends topic as a core NATS message and, if opts.MirrorToStream
// is set, additionally publishes it into that JetStream stream (creating
// the stream on first use).
func (b *NATS) Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrDisconnected
	}
	b.mu.Unlock()

	msg := &nats.Msg{Subject: topic, Data: payload, Header: toNATSHeader(opts.Headers)}
	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("bus: nats publish %q: %w", topic, err)
	}

	if opts.MirrorToStream == "" {
		return nil
	}

	stream, err := b.ensureStream(ctx, opts.MirrorToStream, topic)
	if err != nil {
		return fmt.Errorf("bus: ensure stream %q: %w", opts.MirrorToStream, err)
	}

	jsMsg := &nats.Msg{Subject: streamSubject(opts.MirrorToStream), Data: payload, Header: toNATSHeader(opts.Headers)}
	if opts.Key != "" {
		jsMsg.Header.Set("Nats-Msg-Key", opts.Key)
	}
	if _, err := b.js.PublishMsg(ctx, jsMsg); err != nil {
		return fmt.Errorf("bus: mirror to stream %q: %w", stream.CachedInfo().Config.Name, err)
	}
	return nil
}

// Subscribe opens a core NATS subscription when opts.ConsumerGroup is
// empty, or a durable JetStream pull consumer bound to the topic's
// mirrored stream otherwise.
func (b *NATS) Subscribe(ctx context.Context, topic string, handler Handler, opts SubscribeOptions) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrDisconnected
	}
	b.mu.Unlock()

	if opts.ConsumerGroup == "" {
		sub, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
			if err := handler(ctx, fromNATSMsg(topic, msg)); err != nil {
				b.logger.Warn("bus: broadcast handler error", slog.String("topic", topic), slog.String("error", err.Error()))
			}
		})
		if err != nil {
			return nil, fmt.Errorf("bus: nats subscribe %q: %w", topic, err)
		}
		return &natsBroadcastSub{topic: topic, sub: sub}, nil
	}

	streamName := StreamName(topic)
	if _, err := b.ensureStream(ctx, streamName, topic); err != nil {
		return nil, fmt.Errorf("bus: ensure stream %q: %w", streamName, err)
	}

	deliverPolicy := jetstream.DeliverNewPolicy
	if opts.FromBeginning {
		deliverPolicy = jetstream.DeliverAllPolicy
	}

	consumer, err := b.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       opts.ConsumerGroup,
		FilterSubject: streamSubject(streamName),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: deliverPolicy,
		MaxDeliver:    opts.maxRedeliveries() + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("bus: create consumer %q on %q: %w", opts.ConsumerGroup, streamName, err)
	}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		meta, _ := msg.Metadata()
		m := Message{Topic: topic, Payload: msg.Data(), Headers: fromNATSHeader(msg.Headers())}
		if meta != nil {
			m.RecordID = fmt.Sprintf("%d", meta.Sequence.Stream)
		}

		if err := handler(ctx, m); err != nil {
			b.logger.Warn("bus: consumer group handler error, will redeliver",
				slog.String("topic", topic), slog.String("group", opts.ConsumerGroup), slog.String("error", err.Error()))
			if nakErr := msg.Nak(); nakErr != nil {
				b.logger.Error("bus: nak failed", slog.String("error", nakErr.Error()))
			}
			if meta != nil && int(meta.NumDelivered) >= opts.maxRedeliveries()+1 {
				_ = b.Publish(ctx, DLQTopic(topic), msg.Data(), PublishOptions{Headers: fromNATSHeader(msg.Headers())})
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			b.logger.Error("bus: ack failed", slog.String("error", ackErr.Error()))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("bus: start consuming %q: %w", streamName, err)
	}

	return &natsGroupSub{topic: topic, consumeCtx: consumeCtx}, nil
}

// ensureStream creates the named JetStream stream on first use, mirroring
// to it a single subject derived deterministically from the stream name.
func (b *NATS) ensureStream(ctx context.Context, streamName, _ string) (jetstream.Stream, error) {
	b.mu.Lock()
	if s, ok := b.streams[streamName]; ok {
		b.mu.Unlock()
		return s, nil
	}
	b.mu.Unlock()

	stream, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{streamSubject(streamName)},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.streams[streamName] = stream
	b.mu.Unlock()
	return stream, nil
}

func streamSubject(streamName string) string {
	return fmt.Sprintf("%s.records", streamName)
}

// Ping round-trips an RTT probe against the server.
func (b *NATS) Ping(ctx context.Context) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrDisconnected
	}
	if !b.conn.IsConnected() {
		return errors.New("bus: nats connection not established")
	}
	return b.conn.FlushWithContext(ctx)
}

// Disconnect drains the underlying connection, waiting for in-flight
// publishes to settle before closing.
func (b *NATS) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- b.conn.Drain() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("bus: drain nats connection: %w", err)
		}
		return nil
	case <-ctx.Done():
		b.conn.Close()
		return ctx.Err()
	case <-time.After(10 * time.Second):
		b.conn.Close()
		return errors.New("bus: nats drain timed out")
	}
}

type natsBroadcastSub struct {
	topic string
	sub   *nats.Subscription
}

func (s *natsBroadcastSub) Topic() string    { return s.topic }
func (s *natsBroadcastSub) Unsubscribe() error { return s.sub.Unsubscribe() }

type natsGroupSub struct {
	topic      string
	consumeCtx jetstream.ConsumeContext
}

func (s *natsGroupSub) Topic() string { return s.topic }

func (s *natsGroupSub) Unsubscribe() error {
	s.consumeCtx.Stop()
	return nil
}

func toNATSHeader(h map[string]string) nats.Header {
	if len(h) == 0 {
		return nats.Header{}
	}
	out := nats.Header{}
	for k, v := range h {
		out.Set(k, v)
	}
	return out
}

func fromNATSHeader(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func fromNATSMsg(topic string, msg *nats.Msg) Message {
	return Message{Topic: topic, Payload: msg.Data, Headers: fromNATSHeader(msg.Header)}
}
