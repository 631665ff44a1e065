package redisstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gpuforge/broker/internal/domain"
)

// Append implements domain.EventLog: XADD plus live PUBLISH in one atomic
// script, trimmed to the retention bound.
func (s *Store) Append(ctx domain.Context, ev domain.Event) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("op=events.Append: %w: %v", domain.ErrInvalidArgument, err)
	}
	var streamID string
	err = s.retry(ctx, "events.Append", func() error {
		res, runErr := scriptPublish.Run(ctx, s.rdb, []string{keyEventStream},
			string(data), string(ev.Type), ev.AggregateID(),
			s.opts.RetentionCount, chanEvents).Result()
		if runErr != nil {
			return runErr
		}
		streamID, _ = res.(string)
		return nil
	})
	return streamID, err
}

// ReadGroup implements domain.EventLog. The consumer group is created on
// first use, anchored at the beginning of the stream so a new durable
// consumer observes full history within retention.
func (s *Store) ReadGroup(ctx domain.Context, group, consumer string, count int, block time.Duration) ([]domain.StoredEvent, error) {
	if err := s.ensureGroup(ctx, group); err != nil {
		return nil, err
	}
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{keyEventStream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=events.ReadGroup: %w: %v", domain.ErrStoreUnavailable, err)
	}
	var out []domain.StoredEvent
	for _, stream := range res {
		for _, msg := range stream.Messages {
			se, err := storedEventFromMessage(msg)
			if err != nil {
				continue // malformed entry, skip rather than wedge the group
			}
			out = append(out, se)
		}
	}
	return out, nil
}

func (s *Store) ensureGroup(ctx domain.Context, group string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, keyEventStream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("op=events.ensureGroup: %w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Ack implements domain.EventLog.
func (s *Store) Ack(ctx domain.Context, group string, streamIDs ...string) error {
	if len(streamIDs) == 0 {
		return nil
	}
	return s.retry(ctx, "events.Ack", func() error {
		return s.rdb.XAck(ctx, keyEventStream, group, streamIDs...).Err()
	})
}

// Range implements domain.EventLog.
func (s *Store) Range(ctx domain.Context, from, to string, count int) ([]domain.StoredEvent, error) {
	if from == "" {
		from = "-"
	}
	if to == "" {
		to = "+"
	}
	msgs, err := s.rdb.XRangeN(ctx, keyEventStream, from, to, int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=events.Range: %w: %v", domain.ErrStoreUnavailable, err)
	}
	out := make([]domain.StoredEvent, 0, len(msgs))
	for _, msg := range msgs {
		se, err := storedEventFromMessage(msg)
		if err != nil {
			continue
		}
		out = append(out, se)
	}
	return out, nil
}

// SubscribeLive implements domain.EventLog: best-effort pub/sub fan-out.
// Messages published while the subscriber is away are not retried.
func (s *Store) SubscribeLive(ctx domain.Context, handler func(domain.Event)) (func(), error) {
	sub := s.rdb.Subscribe(ctx, chanEvents)
	// Wait for the subscription to be established before returning, so
	// callers do not miss events published immediately after.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("op=events.SubscribeLive: %w: %v", domain.ErrStoreUnavailable, err)
	}
	ch := sub.Channel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ch {
			var ev domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			handler(ev)
		}
	}()
	stop := func() {
		_ = sub.Close()
		<-done
	}
	return stop, nil
}

// GroupLag implements domain.EventLog: entries the group has not acked,
// including those never delivered.
func (s *Store) GroupLag(ctx domain.Context, group string) (int64, error) {
	groups, err := s.rdb.XInfoGroups(ctx, keyEventStream).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("op=events.GroupLag: %w: %v", domain.ErrStoreUnavailable, err)
	}
	for _, g := range groups {
		if g.Name == group {
			return g.Lag + g.Pending, nil
		}
	}
	return 0, nil
}

// TrimByAge removes stream entries older than the retention age. Count-based
// trimming happens on every append; age-based trimming is periodic.
func (s *Store) TrimByAge(ctx domain.Context, olderThan time.Time) error {
	minID := fmt.Sprintf("%d-0", nowMillis(olderThan))
	return s.retry(ctx, "events.TrimByAge", func() error {
		return s.rdb.XTrimMinID(ctx, keyEventStream, minID).Err()
	})
}

func storedEventFromMessage(msg redis.XMessage) (domain.StoredEvent, error) {
	data, _ := msg.Values["data"].(string)
	if data == "" {
		return domain.StoredEvent{}, fmt.Errorf("op=storedEventFromMessage: entry %s has no data field", msg.ID)
	}
	var ev domain.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return domain.StoredEvent{}, fmt.Errorf("op=storedEventFromMessage: entry %s: %w", msg.ID, err)
	}
	return domain.StoredEvent{StreamID: msg.ID, Event: ev}, nil
}
