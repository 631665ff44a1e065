package usecase

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpuforge/broker/internal/adapter/store/redisstore"
	"github.com/gpuforge/broker/internal/domain"
	"github.com/gpuforge/broker/internal/eventbus"
)

// The aggregator against the real store: workflow views coming back from the
// step CAS must carry everything the sibling policy and step events need.
func newRedisAggFixture(t *testing.T) (*redisstore.Store, *eventbus.Bus, *Aggregator, context.CancelFunc) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := redisstore.New(rdb, redisstore.Options{})
	bus := eventbus.New(store, nil, 0)
	agg := NewAggregator(store, store, bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	agg.Start(ctx)
	return store, bus, agg, cancel
}

func TestAggregatorCancelsSiblingsThroughStore(t *testing.T) {
	store, bus, _, cancel := newRedisAggFixture(t)
	defer cancel()
	ctx := context.Background()

	var mu sync.Mutex
	var stepEvents []domain.WorkflowEventPayload
	bus.SubscribeLocal(func(_ domain.Context, ev domain.Event) {
		var p domain.WorkflowEventPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			mu.Lock()
			stepEvents = append(stepEvents, p)
			mu.Unlock()
		}
	}, domain.EventWorkflowStepCompleted)

	now := time.Now().UTC()
	wf := domain.Workflow{
		ID:         store.NewID(),
		Name:       "batch-render",
		Mode:       domain.ModeAbortOnFailure,
		TotalSteps: 2,
		Status:     domain.WorkflowPending,
		CreatedAt:  now,
	}
	steps := make([]domain.Job, 2)
	for i := range steps {
		steps[i] = domain.Job{
			ID: store.NewID(), ServiceType: "llm-chat", Status: domain.JobPending,
			SubmittedAt: now, MaxAttempts: 1,
			WorkflowRef: &domain.WorkflowRef{WorkflowID: wf.ID, StepIndex: i},
		}
	}
	_, err := store.Create(ctx, wf, steps)
	require.NoError(t, err)

	desc := domain.CapabilityDescriptor{
		WorkerID: "w1", ServiceTypes: []string{"llm-chat"}, MaxConcurrentJobs: 2,
	}
	_, err = store.Register(ctx, desc, now)
	require.NoError(t, err)

	claimed, _, err := store.Claim(ctx, desc, now, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NotNil(t, claimed.WorkflowRef)
	sibling := steps[1-claimed.WorkflowRef.StepIndex].ID

	// Terminal failure on the claimed step; the loop must abort the sibling
	// and finalize the workflow.
	willRetry, failEv, err := store.Fail(ctx, claimed.ID, "w1", domain.JobError{
		Kind: "oom", Message: "cuda out of memory", Retryable: false,
	})
	require.NoError(t, err)
	require.False(t, willRetry)
	bus.Record(ctx, *failEv)

	require.Eventually(t, func() bool {
		sib, err := store.Get(ctx, sibling)
		if err != nil || sib.Status != domain.JobCancelled {
			return false
		}
		got, err := store.GetWorkflow(ctx, wf.ID)
		return err == nil && got.Status == domain.WorkflowFailed
	}, 2*time.Second, 5*time.Millisecond)

	final, err := store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, final.CompletedCount)
	assert.Equal(t, 2, final.FailedCount)
	require.Len(t, final.StepDetails, 2)

	// Step events carry the workflow's name, not a zero value.
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, stepEvents)
	for _, p := range stepEvents {
		assert.Equal(t, wf.ID, p.WorkflowID)
		assert.Equal(t, "batch-render", p.Name)
	}
}
