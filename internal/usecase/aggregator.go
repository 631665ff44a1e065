package usecase

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gpuforge/broker/internal/domain"
	"github.com/gpuforge/broker/internal/eventbus"
)

// Aggregator owns workflow aggregation. A single goroutine drains terminal
// step events, fills step details through the store's once-only slot, applies
// the sibling policy, and finalizes the workflow. It is the sole producer of
// step_details; nothing else may synthesize them.
type Aggregator struct {
	Workflows domain.WorkflowStore
	Jobs      domain.JobRegistry
	Bus       *eventbus.Bus
	Logger    *slog.Logger

	mu     sync.Mutex
	queue  []domain.Event
	notify chan struct{}
}

// NewAggregator constructs an Aggregator; call Start before publishing.
func NewAggregator(wfs domain.WorkflowStore, jobs domain.JobRegistry, bus *eventbus.Bus, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		Workflows: wfs,
		Jobs:      jobs,
		Bus:       bus,
		Logger:    logger,
		notify:    make(chan struct{}, 1),
	}
}

// Start subscribes to terminal job events and runs the aggregation loop until
// ctx is cancelled. The enqueue path never blocks the publisher: sibling
// cancellations emit further job.cancelled events from inside the loop itself.
func (a *Aggregator) Start(ctx domain.Context) {
	a.Bus.SubscribeLocal(func(_ domain.Context, ev domain.Event) {
		a.enqueue(ev)
	}, domain.EventJobCompleted, domain.EventJobFailed, domain.EventJobCancelled)

	go a.run(ctx)
}

func (a *Aggregator) enqueue(ev domain.Event) {
	a.mu.Lock()
	a.queue = append(a.queue, ev)
	a.mu.Unlock()
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

func (a *Aggregator) run(ctx domain.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.notify:
		}
		for {
			a.mu.Lock()
			if len(a.queue) == 0 {
				a.mu.Unlock()
				break
			}
			ev := a.queue[0]
			a.queue = a.queue[1:]
			a.mu.Unlock()
			a.handle(ctx, ev)
		}
	}
}

func (a *Aggregator) handle(ctx domain.Context, ev domain.Event) {
	var p domain.JobEventPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		a.Logger.Warn("aggregator: undecodable payload", slog.String("event_id", ev.ID), slog.Any("error", err))
		return
	}
	if p.WorkflowRef == nil {
		return
	}
	if ev.Type == domain.EventJobFailed && p.WillRetry {
		// Requeued, not terminal; the step stays open.
		return
	}

	detail := domain.StepDetail{
		StepIndex:   p.WorkflowRef.StepIndex,
		JobID:       p.JobID,
		Status:      p.Status,
		Result:      p.Result,
		Error:       p.Error,
		CompletedAt: ev.EmittedAt,
	}
	filled, wf, err := a.Workflows.FillStep(ctx, p.WorkflowRef.WorkflowID, detail)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.Logger.Warn("aggregator: workflow missing", slog.String("workflow_id", p.WorkflowRef.WorkflowID))
			return
		}
		a.Logger.Error("aggregator: fill step failed",
			slog.String("workflow_id", p.WorkflowRef.WorkflowID),
			slog.Int("step_index", detail.StepIndex),
			slog.Any("error", err))
		// Put it back; the slot is idempotent, a retry is safe.
		a.enqueue(ev)
		return
	}
	if !filled {
		return
	}

	a.publishStepCompleted(ctx, wf, detail)

	stepFailed := detail.Status != domain.JobCompleted
	if stepFailed && wf.Mode == domain.ModeAbortOnFailure {
		a.cancelSiblings(ctx, wf, detail.StepIndex)
	}

	if wf.CompletedCount+wf.FailedCount >= wf.TotalSteps {
		status := domain.WorkflowCompleted
		if wf.FailedCount > 0 {
			status = domain.WorkflowFailed
		}
		finalEv, err := a.Workflows.Finalize(ctx, wf.ID, status)
		if err != nil {
			a.Logger.Error("aggregator: finalize failed", slog.String("workflow_id", wf.ID), slog.Any("error", err))
			return
		}
		if finalEv != nil {
			a.Bus.Record(ctx, *finalEv)
		}
	}
}

func (a *Aggregator) publishStepCompleted(ctx domain.Context, wf domain.Workflow, detail domain.StepDetail) {
	payload, err := json.Marshal(domain.WorkflowEventPayload{
		WorkflowID:     wf.ID,
		Name:           wf.Name,
		Status:         wf.Status,
		TotalSteps:     wf.TotalSteps,
		CompletedCount: wf.CompletedCount,
		FailedCount:    wf.FailedCount,
		StepIndex:      detail.StepIndex,
	})
	if err != nil {
		return
	}
	ev := domain.Event{
		ID:          newEventID(),
		Type:        domain.EventWorkflowStepCompleted,
		EmittedAt:   time.Now().UTC(),
		CausationID: detail.JobID,
		Payload:     payload,
	}
	if err := a.Bus.Publish(ctx, ev); err != nil {
		a.Logger.Error("aggregator: step event publish failed", slog.String("workflow_id", wf.ID), slog.Any("error", err))
	}
}

// cancelSiblings aborts every still-open step of an abort_on_failure workflow.
// Already-terminal siblings surface ErrConflict and are skipped.
func (a *Aggregator) cancelSiblings(ctx domain.Context, wf domain.Workflow, failedStep int) {
	for i, jobID := range wf.StepJobs {
		if i == failedStep {
			continue
		}
		ev, _, _, err := a.Jobs.Cancel(ctx, jobID)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
				continue
			}
			a.Logger.Error("aggregator: sibling cancel failed",
				slog.String("workflow_id", wf.ID), slog.String("job_id", jobID), slog.Any("error", err))
			continue
		}
		if ev != nil {
			a.Bus.Record(ctx, *ev)
		}
	}
}
