package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpuforge/broker/internal/domain"
)

func TestRegisterAndGetWorker(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	desc := testDescriptor("w1", "llm-chat", "embedding")
	ev, err := s.Register(ctx, desc, now)
	require.NoError(t, err)
	assert.Equal(t, domain.EventWorkerRegistered, ev.Type)

	w, err := s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, desc, w.CapabilityDescriptor)
	assert.Equal(t, domain.WorkerIdle, w.Status)
	assert.Equal(t, now, w.LastHeartbeatAt)
	assert.Equal(t, now, w.RegisteredAt)

	workers, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "w1", workers[0].WorkerID)
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Heartbeat(context.Background(), "ghost", time.Now(), false)
	require.ErrorIs(t, err, domain.ErrWorkerNotRegistered)
}

func TestHeartbeatRenewsHeldLeases(t *testing.T) {
	s, _ := newTestStore(t)
	s.SetLeaseDuration(3 * time.Minute)
	ctx := context.Background()

	_, err := s.Register(ctx, testDescriptor("w1", "llm-chat"), time.Now())
	require.NoError(t, err)
	j := submitAndClaim(t, s, "w1", "llm-chat")

	beat := time.Now().Add(30 * time.Second)
	_, err = s.Heartbeat(ctx, "w1", beat, true)
	require.NoError(t, err)

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Lease)
	assert.WithinDuration(t, beat.Add(3*time.Minute), got.Lease.ExpiresAt, time.Second)
}

func TestHeartbeatWithoutActiveWorkLeavesLeases(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Register(ctx, testDescriptor("w1", "llm-chat"), time.Now())
	require.NoError(t, err)
	now := time.Now()
	j := testJob(s, "llm-chat")
	_, err = s.Submit(ctx, j)
	require.NoError(t, err)
	_, _, err = s.Claim(ctx, testDescriptor("w1", "llm-chat"), now, time.Minute)
	require.NoError(t, err)

	_, err = s.Heartbeat(ctx, "w1", now.Add(30*time.Second), false)
	require.NoError(t, err)

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Lease)
	assert.WithinDuration(t, now.Add(time.Minute), got.Lease.ExpiresAt, time.Second)
}

func TestCancellationIntentsDrainedOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.Register(ctx, testDescriptor("w1", "llm-chat"), time.Now())
	require.NoError(t, err)

	require.NoError(t, s.RequestCancel(ctx, "w1", "j1"))
	require.NoError(t, s.RequestCancel(ctx, "w1", "j2"))

	cancels, err := s.Heartbeat(ctx, "w1", time.Now(), false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"j1", "j2"}, cancels)

	cancels, err = s.Heartbeat(ctx, "w1", time.Now(), false)
	require.NoError(t, err)
	assert.Empty(t, cancels)
}

func TestReleaseValidatesStatus(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.Register(ctx, testDescriptor("w1", "llm-chat"), time.Now())
	require.NoError(t, err)

	require.ErrorIs(t, s.Release(ctx, "w1", domain.WorkerIdle), domain.ErrInvalidArgument)
	require.ErrorIs(t, s.Release(ctx, "ghost", domain.WorkerDraining), domain.ErrWorkerNotRegistered)

	require.NoError(t, s.Release(ctx, "w1", domain.WorkerDraining))
	w, err := s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerDraining, w.Status)
}

func TestFailureRingIsBounded(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < failureRingSize+10; i++ {
		require.NoError(t, s.RecordFailure(ctx, "w1", domain.FailureRecord{
			JobID: s.NewID(), Kind: "oom", RecordedAt: time.Now().UTC(),
		}))
	}
	last := domain.FailureRecord{JobID: "newest", Kind: "timeout", RecordedAt: time.Now().UTC()}
	require.NoError(t, s.RecordFailure(ctx, "w1", last))

	recs, err := s.WorkerFailures(ctx, "w1")
	require.NoError(t, err)
	assert.Len(t, recs, failureRingSize)
	assert.Equal(t, "newest", recs[0].JobID)
}

func TestMarkDeadIfSilentCAS(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.Register(ctx, testDescriptor("w1", "llm-chat"), now)
	require.NoError(t, err)

	// Fresh heartbeat: no change.
	ev, err := s.MarkDeadIfSilent(ctx, "w1", now.Add(10*time.Second), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, ev)

	// Silent past the threshold: flipped exactly once.
	ev, err = s.MarkDeadIfSilent(ctx, "w1", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, domain.EventWorkerLost, ev.Type)

	ev, err = s.MarkDeadIfSilent(ctx, "w1", now.Add(3*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, ev)

	// A dead worker's heartbeat is rejected until it re-registers.
	_, err = s.Heartbeat(ctx, "w1", now.Add(4*time.Minute), false)
	require.ErrorIs(t, err, domain.ErrWorkerNotRegistered)

	_, err = s.Register(ctx, testDescriptor("w1", "llm-chat"), now.Add(5*time.Minute))
	require.NoError(t, err)
	w, err := s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerIdle, w.Status)
}
