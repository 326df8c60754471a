package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Port backed by Redis Streams. Broadcast subscriptions (no
// ConsumerGroup) use Pub/Sub; consumer-group subscriptions use a stream
// plus a consumer group, claiming and redelivering pending entries before
// moving them to the topic's DLQ.
type Redis struct {
	logger *slog.Logger
	client *redis.Client

	mu     sync.Mutex
	closed bool
	groups map[string]bool // "stream|group" already created
}

// NewRedis wraps an established client. The caller owns the client's
// lifecycle beyond what Disconnect releases.
func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{logger: logger, client: client, groups: make(map[string]bool)}
}

// Publish publishes to topic's Pub/Sub channel and, if opts.MirrorToStream
// is set, additionally XAdds an entry to that stream.
func (b *Redis) Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrDisconnected
	}
	b.mu.Unlock()

	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("bus: redis publish %q: %w", topic, err)
	}

	if opts.MirrorToStream == "" {
		return nil
	}

	values := map[string]any{"payload": payload, "key": opts.Key}
	for k, v := range opts.Headers {
		values["hdr."+k] = v
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: opts.MirrorToStream, Values: values}).Err(); err != nil {
		return fmt.Errorf("bus: xadd %q: %w", opts.MirrorToStream, err)
	}
	return nil
}

// Subscribe opens a Pub/Sub subscription when opts.ConsumerGroup is
// empty, or starts a background consumer-group reader against the
// topic's mirrored stream otherwise.
func (b *Redis) Subscribe(ctx context.Context, topic string, handler Handler, opts SubscribeOptions) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrDisconnected
	}
	b.mu.Unlock()

	if opts.ConsumerGroup == "" {
		pubsub := b.client.Subscribe(ctx, topic)
		if _, err := pubsub.Receive(ctx); err != nil {
			return nil, fmt.Errorf("bus: redis subscribe %q: %w", topic, err)
		}

		subCtx, cancel := context.WithCancel(ctx)
		go func() {
			ch := pubsub.Channel()
			for {
				select {
				case <-subCtx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					if err := handler(subCtx, Message{Topic: topic, Payload: []byte(msg.Payload)}); err != nil {
						b.logger.Warn("bus: broadcast handler error", slog.String("topic", topic), slog.String("error", err.Error()))
					}
				}
			}
		}()

		return &redisBroadcastSub{topic: topic, pubsub: pubsub, cancel: cancel}, nil
	}

	streamName := StreamName(topic)
	if err := b.ensureGroup(ctx, streamName, opts.ConsumerGroup, opts.FromBeginning); err != nil {
		return nil, err
	}

	consumerName := opts.ConsumerGroup + "-consumer"
	groupCtx, cancel := context.WithCancel(ctx)
	go b.runGroup(groupCtx, streamName, topic, opts.ConsumerGroup, consumerName, opts.maxRedeliveries(), handler)

	return &redisGroupSub{topic: topic, cancel: cancel}, nil
}

func (b *Redis) ensureGroup(ctx context.Context, streamName, group string, fromBeginning bool) error {
	key := streamName + "|" + group
	b.mu.Lock()
	if b.groups[key] {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	start := "$"
	if fromBeginning {
		start = "0"
	}
	err := b.client.XGroupCreateMkStream(ctx, streamName, group, start).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		// BUSYGROUP means the group already exists, which is fine on
		// resubscribe.
		if !isBusyGroupErr(err) {
			return fmt.Errorf("bus: create consumer group %q on %q: %w", group, streamName, err)
		}
	}

	b.mu.Lock()
	b.groups[key] = true
	b.mu.Unlock()
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (b *Redis) runGroup(ctx context.Context, streamName, topic, group, consumer string, maxRedeliveries int, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if b.reclaimPending(ctx, streamName, topic, group, consumer, maxRedeliveries, handler) {
			continue
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{streamName, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			b.logger.Warn("bus: xreadgroup error", slog.String("stream", streamName), slog.String("error", err.Error()))
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range res {
			for _, entry := range stream.Messages {
				b.deliver(ctx, streamName, topic, group, entry, handler)
			}
		}
	}
}

// reclaimPending redelivers entries that were handed to a consumer but
// never acked, using XPending age as the retry signal. Returns true if it
// processed at least one entry, so the caller skips the blocking read.
func (b *Redis) reclaimPending(ctx context.Context, streamName, topic, group, consumer string, maxRedeliveries int, handler Handler) bool {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamName,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  10,
		Idle:   30 * time.Second,
	}).Result()
	if err != nil || len(pending) == 0 {
		return false
	}

	processed := false
	for _, p := range pending {
		if p.RetryCount > int64(maxRedeliveries) {
			b.deadLetter(ctx, streamName, topic, group, p.ID)
			processed = true
			continue
		}

		claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   streamName,
			Group:    group,
			Consumer: consumer,
			MinIdle:  30 * time.Second,
			Messages: []string{p.ID},
		}).Result()
		if err != nil || len(claimed) == 0 {
			continue
		}
		b.deliver(ctx, streamName, topic, group, claimed[0], handler)
		processed = true
	}
	return processed
}

func (b *Redis) deliver(ctx context.Context, streamName, topic, group string, entry redis.XMessage, handler Handler) {
	msg := xMessageToMessage(topic, entry)

	if err := handler(ctx, msg); err != nil {
		b.logger.Warn("bus: consumer group handler error, will redeliver",
			slog.String("topic", topic), slog.String("group", group), slog.String("error", err.Error()))
		return
	}
	if err := b.client.XAck(ctx, streamName, group, entry.ID).Err(); err != nil {
		b.logger.Error("bus: xack failed", slog.String("error", err.Error()))
	}
}

func (b *Redis) deadLetter(ctx context.Context, streamName, topic, group, entryID string) {
	vals, err := b.client.XRange(ctx, streamName, entryID, entryID).Result()
	if err == nil && len(vals) == 1 {
		msg := xMessageToMessage(topic, vals[0])
		if pubErr := b.Publish(ctx, DLQTopic(topic), msg.Payload, PublishOptions{Key: msg.Key, Headers: msg.Headers}); pubErr != nil {
			b.logger.Error("bus: dlq publish failed", slog.String("error", pubErr.Error()))
		}
	}
	if err := b.client.XAck(ctx, streamName, group, entryID).Err(); err != nil {
		b.logger.Error("bus: xack (dlq) failed", slog.String("error", err.Error()))
	}
}

func xMessageToMessage(topic string, entry redis.XMessage) Message {
	msg := Message{Topic: topic, RecordID: entry.ID, Headers: make(map[string]string)}
	for k, v := range entry.Values {
		s, _ := v.(string)
		switch {
		case k == "payload":
			msg.Payload = []byte(s)
		case k == "key":
			msg.Key = s
		case len(k) > 4 && k[:4] == "hdr.":
			msg.Headers[k[4:]] = s
		}
	}
	if len(msg.Headers) == 0 {
		msg.Headers = nil
	}
	return msg
}

// Ping checks liveness of the underlying connection.
func (b *Redis) Ping(ctx context.Context) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrDisconnected
	}
	return b.client.Ping(ctx).Err()
}

// Disconnect closes the underlying client.
func (b *Redis) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if err := b.client.Close(); err != nil {
		return fmt.Errorf("bus: close redis client: %w", err)
	}
	return nil
}

type redisBroadcastSub struct {
	topic  string
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

func (s *redisBroadcastSub) Topic() string { return s.topic }

func (s *redisBroadcastSub) Unsubscribe() error {
	s.cancel()
	return s.pubsub.Close()
}

type redisGroupSub struct {
	topic  string
	cancel context.CancelFunc
}

func (s *redisGroupSub) Topic() string { return s.topic }

func (s *redisGroupSub) Unsubscribe() error {
	s.cancel()
	return nil
}
