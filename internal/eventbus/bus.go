// Package eventbus implements the hybrid in-process / pub-sub / persistent
// stream fan-out. The in-process tier is a typed dispatcher over the closed
// event set; the live and durable tiers ride on the store's shared stream.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gpuforge/broker/internal/adapter/observability"
	"github.com/gpuforge/broker/internal/domain"
)

// Handler consumes one event. In-process handlers must be idempotent: a
// failed persistent append is retried by the publisher, replaying the local
// tier.
type Handler func(ctx context.Context, ev domain.Event)

// DurableHandler consumes one stored event; returning an error leaves the
// entry unacked so the group redelivers it.
type DurableHandler func(ctx context.Context, se domain.StoredEvent) error

// Bus fans events out across the three tiers.
type Bus struct {
	log    domain.EventLog
	logger *slog.Logger

	mu    sync.RWMutex
	local map[domain.EventType][]Handler

	lagThreshold int64
}

// New constructs a Bus over the given persistent log.
func New(log domain.EventLog, logger *slog.Logger, lagThreshold int64) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if lagThreshold <= 0 {
		lagThreshold = 1000
	}
	return &Bus{
		log:          log,
		logger:       logger,
		local:        make(map[domain.EventType][]Handler),
		lagThreshold: lagThreshold,
	}
}

// SubscribeLocal registers an in-process handler for the given types. Not
// safe to call concurrently with Publish from the same types' producers until
// registration settles; wire subscriptions at startup.
func (b *Bus) SubscribeLocal(h Handler, types ...domain.EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(types) == 0 {
		types = domain.EventTypes
	}
	for _, t := range types {
		b.local[t] = append(b.local[t], h)
	}
}

// DispatchLocal fans an event out to in-process handlers only. Used after a
// store script has already appended the event atomically with its state
// change; Publish is for events that are not produced inside a script.
func (b *Bus) DispatchLocal(ctx context.Context, ev domain.Event) {
	b.mu.RLock()
	handlers := b.local[ev.Type]
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, ev)
	}
}

// Publish performs the full contract: local tier synchronously, then the
// pub/sub and persistent tiers in one atomic store operation. If the
// persistent append fails the publish fails and the caller retries; local
// side effects are not rolled back, which is why local handlers are
// idempotent.
func (b *Bus) Publish(ctx context.Context, ev domain.Event) error {
	b.DispatchLocal(ctx, ev)
	if _, err := b.log.Append(ctx, ev); err != nil {
		observability.EventPublishFailures.Inc()
		return fmt.Errorf("op=bus.Publish: %w", err)
	}
	observability.EventsPublishedTotal.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

// Record marks a script-emitted event as published (for metrics) and fans it
// out locally.
func (b *Bus) Record(ctx context.Context, ev domain.Event) {
	observability.EventsPublishedTotal.WithLabelValues(string(ev.Type)).Inc()
	b.DispatchLocal(ctx, ev)
}

// SubscribeLive attaches a best-effort pub/sub subscriber filtered to the
// given types. Missed messages are not retried; durable consumers exist for
// that.
func (b *Bus) SubscribeLive(ctx context.Context, h Handler, types ...domain.EventType) (stop func(), err error) {
	want := typeSet(types)
	return b.log.SubscribeLive(ctx, func(ev domain.Event) {
		if want != nil && !want[ev.Type] {
			return
		}
		h(ctx, ev)
	})
}

// RunDurable drives a durable consumer group until ctx is cancelled. Each
// entry is acked only after the handler returns nil; redelivered entries are
// deduped by the caller via the event id.
func (b *Bus) RunDurable(ctx context.Context, group, consumer string, count int, block time.Duration, h DurableHandler, types ...domain.EventType) error {
	want := typeSet(types)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		batch, err := b.log.ReadGroup(ctx, group, consumer, count, block)
		if err != nil {
			b.logger.Error("durable read failed", slog.String("group", group), slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, se := range batch {
			if want != nil && !want[se.Event.Type] {
				if err := b.log.Ack(ctx, group, se.StreamID); err != nil {
					b.logger.Error("ack failed", slog.String("group", group), slog.Any("error", err))
				}
				continue
			}
			if err := h(ctx, se); err != nil {
				b.logger.Error("durable handler failed; leaving unacked",
					slog.String("group", group),
					slog.String("event_id", se.Event.ID),
					slog.String("type", string(se.Event.Type)),
					slog.Any("error", err))
				continue
			}
			if err := b.log.Ack(ctx, group, se.StreamID); err != nil {
				b.logger.Error("ack failed", slog.String("group", group), slog.Any("error", err))
			}
		}
	}
}

// Replay streams historical events from the persistent log starting at
// fromStreamID ("-" or "" for the beginning), then continues seamlessly with
// live ones. Live events are buffered while history drains and deduped by
// event id across the seam.
func (b *Bus) Replay(ctx context.Context, fromStreamID string, h Handler, types ...domain.EventType) (stop func(), err error) {
	want := typeSet(types)
	buf := make(chan domain.Event, 1024)
	liveStop, err := b.log.SubscribeLive(ctx, func(ev domain.Event) {
		select {
		case buf <- ev:
		default:
			// Buffer full: live tier is lossy by contract.
		}
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	from := fromStreamID
	if from == "" {
		from = "-"
	}
	for {
		batch, err := b.log.Range(ctx, from, "+", 256)
		if err != nil {
			liveStop()
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		for _, se := range batch {
			seen[se.Event.ID] = struct{}{}
			if want == nil || want[se.Event.Type] {
				h(ctx, se.Event)
			}
		}
		from = "(" + batch[len(batch)-1].StreamID
		if len(batch) < 256 {
			break
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-buf:
				if !ok {
					return
				}
				if _, dup := seen[ev.ID]; dup {
					delete(seen, ev.ID)
					continue
				}
				if want == nil || want[ev.Type] {
					h(ctx, ev)
				}
			}
		}
	}()
	return func() {
		liveStop()
		close(buf)
		<-done
	}, nil
}

// WatchLag periodically reports each group's backlog and raises an alert log
// when it crosses the threshold. Nothing is ever dropped from the stream on
// behalf of a slow consumer.
func (b *Bus) WatchLag(ctx context.Context, period time.Duration, groups ...string) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, g := range groups {
				lag, err := b.log.GroupLag(ctx, g)
				if err != nil {
					b.logger.Warn("lag probe failed", slog.String("group", g), slog.Any("error", err))
					continue
				}
				observability.ConsumerLag.WithLabelValues(g).Set(float64(lag))
				if lag > b.lagThreshold {
					b.logger.Error("durable consumer lagging",
						slog.String("group", g),
						slog.Int64("lag", lag),
						slog.Int64("threshold", b.lagThreshold))
				}
			}
		}
	}
}

func typeSet(types []domain.EventType) map[domain.EventType]bool {
	if len(types) == 0 {
		return nil
	}
	m := make(map[domain.EventType]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}
