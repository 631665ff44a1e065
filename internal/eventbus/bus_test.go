package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpuforge/broker/internal/domain"
)

// fakeLog is an in-memory domain.EventLog with the same semantics the bus
// relies on: append order, per-group cursors with acks, live fan-out.
type fakeLog struct {
	mu      sync.Mutex
	entries []domain.StoredEvent
	cursors map[string]int
	pending map[string]map[string]domain.StoredEvent
	subs    []func(domain.Event)

	appendErr error
}

func newFakeLog() *fakeLog {
	return &fakeLog{
		cursors: make(map[string]int),
		pending: make(map[string]map[string]domain.StoredEvent),
	}
}

func (f *fakeLog) Append(_ context.Context, ev domain.Event) (string, error) {
	f.mu.Lock()
	if f.appendErr != nil {
		err := f.appendErr
		f.mu.Unlock()
		return "", err
	}
	id := fmt.Sprintf("%d-0", len(f.entries)+1)
	f.entries = append(f.entries, domain.StoredEvent{StreamID: id, Event: ev})
	subs := append([]func(domain.Event){}, f.subs...)
	f.mu.Unlock()
	for _, h := range subs {
		h(ev)
	}
	return id, nil
}

func (f *fakeLog) ReadGroup(_ context.Context, group, _ string, count int, _ time.Duration) ([]domain.StoredEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.cursors[group]
	if cur >= len(f.entries) {
		return nil, nil
	}
	end := cur + count
	if end > len(f.entries) {
		end = len(f.entries)
	}
	batch := append([]domain.StoredEvent{}, f.entries[cur:end]...)
	f.cursors[group] = end
	if f.pending[group] == nil {
		f.pending[group] = make(map[string]domain.StoredEvent)
	}
	for _, se := range batch {
		f.pending[group][se.StreamID] = se
	}
	return batch, nil
}

func (f *fakeLog) Ack(_ context.Context, group string, streamIDs ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range streamIDs {
		delete(f.pending[group], id)
	}
	return nil
}

func (f *fakeLog) Range(_ context.Context, from, to string, count int) ([]domain.StoredEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := 0
	if len(from) > 0 && from[0] == '(' {
		for i, se := range f.entries {
			if se.StreamID == from[1:] {
				start = i + 1
				break
			}
		}
	}
	end := start + count
	if end > len(f.entries) {
		end = len(f.entries)
	}
	if start >= end {
		return nil, nil
	}
	return append([]domain.StoredEvent{}, f.entries[start:end]...), nil
}

func (f *fakeLog) SubscribeLive(_ context.Context, handler func(domain.Event)) (func(), error) {
	f.mu.Lock()
	f.subs = append(f.subs, handler)
	idx := len(f.subs) - 1
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.subs[idx] = func(domain.Event) {}
		f.mu.Unlock()
	}, nil
}

func (f *fakeLog) GroupLag(_ context.Context, group string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	undelivered := int64(len(f.entries) - f.cursors[group])
	return undelivered + int64(len(f.pending[group])), nil
}

func jobEvent(id, jobID string, t domain.EventType) domain.Event {
	payload, _ := json.Marshal(domain.JobEventPayload{JobID: jobID, Status: domain.JobPending})
	return domain.Event{ID: id, Type: t, EmittedAt: time.Now().UTC(), Payload: payload}
}

func TestPublishDispatchesLocallyThenAppends(t *testing.T) {
	log := newFakeLog()
	bus := New(log, nil, 0)

	var got []string
	bus.SubscribeLocal(func(_ context.Context, ev domain.Event) {
		got = append(got, ev.ID)
	}, domain.EventJobSubmitted)

	ev := jobEvent("ev-1", "job-1", domain.EventJobSubmitted)
	require.NoError(t, bus.Publish(context.Background(), ev))

	assert.Equal(t, []string{"ev-1"}, got)
	require.Len(t, log.entries, 1)
	assert.Equal(t, domain.EventJobSubmitted, log.entries[0].Event.Type)
}

func TestPublishLocalTierRunsEvenWhenAppendFails(t *testing.T) {
	log := newFakeLog()
	log.appendErr = errors.New("store down")
	bus := New(log, nil, 0)

	calls := 0
	bus.SubscribeLocal(func(context.Context, domain.Event) { calls++ }, domain.EventJobSubmitted)

	err := bus.Publish(context.Background(), jobEvent("ev-1", "job-1", domain.EventJobSubmitted))
	require.Error(t, err)
	assert.Equal(t, 1, calls, "local handlers fire before the persistent append")
}

func TestSubscribeLocalFiltersByType(t *testing.T) {
	bus := New(newFakeLog(), nil, 0)

	var completed, all int
	bus.SubscribeLocal(func(context.Context, domain.Event) { completed++ }, domain.EventJobCompleted)
	bus.SubscribeLocal(func(context.Context, domain.Event) { all++ })

	ctx := context.Background()
	bus.DispatchLocal(ctx, jobEvent("a", "j1", domain.EventJobCompleted))
	bus.DispatchLocal(ctx, jobEvent("b", "j1", domain.EventJobFailed))

	assert.Equal(t, 1, completed)
	assert.Equal(t, 2, all)
}

func TestRunDurableAcksOnlySuccessfulHandles(t *testing.T) {
	log := newFakeLog()
	bus := New(log, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())

	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, jobEvent(fmt.Sprintf("ev-%d", i), "job-1", domain.EventJobSubmitted))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var handled []string
	done := make(chan error, 1)
	go func() {
		done <- bus.RunDurable(ctx, "g1", "c1", 10, time.Millisecond, func(_ context.Context, se domain.StoredEvent) error {
			if se.Event.ID == "ev-1" {
				return errors.New("transient")
			}
			mu.Lock()
			handled = append(handled, se.Event.ID)
			mu.Unlock()
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, []string{"ev-0", "ev-2"}, handled)
	// ev-1 stays pending for redelivery.
	lag, err := log.GroupLag(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), lag)
}

func TestRunDurableTypeFilterAcksSkippedEntries(t *testing.T) {
	log := newFakeLog()
	bus := New(log, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := log.Append(ctx, jobEvent("ev-0", "job-1", domain.EventJobSubmitted))
	require.NoError(t, err)
	_, err = log.Append(ctx, jobEvent("ev-1", "job-1", domain.EventJobCompleted))
	require.NoError(t, err)

	var handled []string
	go func() {
		_ = bus.RunDurable(ctx, "g1", "c1", 10, time.Millisecond, func(_ context.Context, se domain.StoredEvent) error {
			handled = append(handled, se.Event.ID)
			return nil
		}, domain.EventJobCompleted)
	}()

	require.Eventually(t, func() bool {
		lag, lagErr := log.GroupLag(context.Background(), "g1")
		return lagErr == nil && lag == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ev-1"}, handled)
}

func TestReplayDeliversHistoryThenLive(t *testing.T) {
	log := newFakeLog()
	bus := New(log, nil, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, jobEvent(fmt.Sprintf("hist-%d", i), "job-1", domain.EventJobProgress))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	var seen []string
	stop, err := bus.Replay(ctx, "", func(_ context.Context, ev domain.Event) {
		mu.Lock()
		seen = append(seen, ev.ID)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer stop()

	_, err = log.Append(ctx, jobEvent("live-0", "job-1", domain.EventJobProgress))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"hist-0", "hist-1", "hist-2", "live-0"}, seen)
}

func TestAggregateIDKeysBySubject(t *testing.T) {
	ev := jobEvent("ev-1", "job-42", domain.EventJobCompleted)
	assert.Equal(t, "job-42", ev.AggregateID())

	payload, _ := json.Marshal(domain.WorkflowEventPayload{WorkflowID: "wf-7"})
	wfEv := domain.Event{ID: "ev-2", Type: domain.EventWorkflowCompleted, Payload: payload}
	assert.Equal(t, "wf-7", wfEv.AggregateID())
}
