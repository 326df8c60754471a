package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// InMemory is a Port backed entirely by process memory: broadcast fan-out
// for plain subscriptions, and an append-only per-stream log for
// consumer-group subscriptions. It is the reference adapter used by tests
// and single-process runs.
type InMemory struct {
	logger *slog.Logger

	mu          sync.Mutex
	closed      bool
	broadcasts  map[string][]*broadcastSub // topic -> subscribers
	streams     map[string][]streamRecord  // stream name -> records
	groups      map[string]map[string]*groupCursor
	nextRecord  uint64
	groupWakers map[string]chan struct{} // stream name -> wake channel, closed+replaced on append
}

type streamRecord struct {
	id  uint64
	msg Message
}

type groupCursor struct {
	cancel context.CancelFunc
	pos    int // index into the stream slice of the next record to deliver
}

type broadcastSub struct {
	id      uint64
	topic   string
	handler Handler
}

func (s *broadcastSub) Topic() string { return s.topic }

func (s *broadcastSub) Unsubscribe() error {
	return nil // detaching is done by detachableBroadcastSub.Unsubscribe
}

// NewInMemory constructs an empty in-memory bus.
func NewInMemory(logger *slog.Logger) *InMemory {
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemory{
		logger:      logger,
		broadcasts:  make(map[string][]*broadcastSub),
		streams:     make(map[string][]streamRecord),
		groups:      make(map[string]map[string]*groupCursor),
		groupWakers: make(map[string]chan struct{}),
	}
}

// Publish fans out to broadcast subscribers of topic and, if
// opts.MirrorToStream is set, appends a copy to that stream's log.
func (b *InMemory) Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrDisconnected
	}

	msg := Message{Topic: topic, Payload: payload, Key: opts.Key, Headers: opts.Headers}

	subs := append([]*broadcastSub(nil), b.broadcasts[topic]...)

	var streamName string
	if opts.MirrorToStream != "" {
		streamName = opts.MirrorToStream
		b.nextRecord++
		id := b.nextRecord
		msg.RecordID = fmt.Sprintf("%d", id)
		b.streams[streamName] = append(b.streams[streamName], streamRecord{id: id, msg: msg})
		b.wakeLocked(streamName)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if err := sub.handler(ctx, msg); err != nil {
			b.logger.Warn("bus: broadcast handler error", slog.String("topic", topic), slog.String("error", err.Error()))
		}
	}

	return nil
}

func (b *InMemory) wakeLocked(streamName string) {
	if ch, ok := b.groupWakers[streamName]; ok {
		close(ch)
	}
	b.groupWakers[streamName] = make(chan struct{})
}

// Subscribe registers a broadcast handler (no ConsumerGroup) or starts a
// background consumer-group reader against topic's mirrored stream.
func (b *InMemory) Subscribe(ctx context.Context, topic string, handler Handler, opts SubscribeOptions) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrDisconnected
	}

	if opts.ConsumerGroup == "" {
		sub := &broadcastSub{topic: topic, handler: handler}
		b.broadcasts[topic] = append(b.broadcasts[topic], sub)
		b.mu.Unlock()
		return &detachableBroadcastSub{bus: b, sub: sub}, nil
	}

	streamName := StreamName(topic)
	groupCtx, cancel := context.WithCancel(ctx)

	groupsForStream, ok := b.groups[streamName]
	if !ok {
		groupsForStream = make(map[string]*groupCursor)
		b.groups[streamName] = groupsForStream
	}

	startPos := len(b.streams[streamName]) // new group: start at the tail
	if opts.FromBeginning {
		startPos = 0
	}
	if cursor, existing := groupsForStream[opts.ConsumerGroup]; existing {
		// Resubscribing an existing group resumes from its committed
		// cursor regardless of FromBeginning.
		cursor.cancel()
		startPos = cursor.pos
	}
	cursor := &groupCursor{cancel: cancel, pos: startPos}
	groupsForStream[opts.ConsumerGroup] = cursor
	b.mu.Unlock()

	go b.runGroup(groupCtx, streamName, topic, opts.ConsumerGroup, opts.maxRedeliveries(), handler)

	return &groupSubscription{bus: b, topic: topic, streamName: streamName, group: opts.ConsumerGroup, cancel: cancel}, nil
}

func (b *InMemory) runGroup(ctx context.Context, streamName, topic, group string, maxRedeliveries int, handler Handler) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}
		records := b.streams[streamName]
		cursor := b.groups[streamName][group]
		waker := b.groupWakers[streamName]
		if waker == nil {
			waker = make(chan struct{})
			b.groupWakers[streamName] = waker
		}

		if cursor == nil || cursor.pos >= len(records) {
			b.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-waker:
				continue
			}
		}

		rec := records[cursor.pos]
		cursor.pos++
		b.mu.Unlock()

		delivered := false
		for attempt := 0; attempt <= maxRedeliveries; attempt++ {
			if err := handler(ctx, rec.msg); err != nil {
				b.logger.Warn("bus: consumer group handler error, will redeliver",
					slog.String("topic", topic), slog.String("group", group), slog.Int("attempt", attempt), slog.String("error", err.Error()))
				continue
			}
			delivered = true
			break
		}

		if !delivered {
			b.logger.Error("bus: max redeliveries exceeded, moving to DLQ",
				slog.String("topic", topic), slog.String("group", group))
			_ = b.Publish(ctx, DLQTopic(topic), rec.msg.Payload, PublishOptions{Key: rec.msg.Key, Headers: rec.msg.Headers})
		}
	}
}

type detachableBroadcastSub struct {
	bus *InMemory
	sub *broadcastSub
}

func (d *detachableBroadcastSub) Topic() string { return d.sub.topic }

func (d *detachableBroadcastSub) Unsubscribe() error {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	subs := d.bus.broadcasts[d.sub.topic]
	for i, s := range subs {
		if s == d.sub {
			d.bus.broadcasts[d.sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

type groupSubscription struct {
	bus        *InMemory
	topic      string
	streamName string
	group      string
	cancel     context.CancelFunc
}

func (g *groupSubscription) Topic() string { return g.topic }

func (g *groupSubscription) Unsubscribe() error {
	g.cancel()
	return nil
}

// Ping always succeeds for an open InMemory bus.
func (b *InMemory) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrDisconnected
	}
	return nil
}

// Disconnect stops all consumer-group readers and marks the bus closed.
func (b *InMemory) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, groupsForStream := range b.groups {
		for _, cursor := range groupsForStream {
			cursor.cancel()
		}
	}
	for _, ch := range b.groupWakers {
		close(ch)
	}
	return nil
}
