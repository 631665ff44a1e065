// Package usecase contains application business logic services.
package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gpuforge/broker/internal/adapter/observability"
	"github.com/gpuforge/broker/internal/domain"
	"github.com/gpuforge/broker/internal/eventbus"
)

// StatsSource exposes the store-side counters the stats view reads.
type StatsSource interface {
	PendingDepth(ctx domain.Context) (int64, error)
	ActiveCount(ctx domain.Context) (int64, error)
	TerminalCount(ctx domain.Context) (int64, error)
}

// QueueStats is the read-only projection behind GET /v1/stats.
type QueueStats struct {
	Pending  int64 `json:"pending"`
	Active   int64 `json:"active"`
	Terminal int64 `json:"terminal"`
	Workers  int   `json:"workers"`
}

// IngressService is the request-side surface: job and workflow submission,
// status queries, cancellation, and the webhook registry.
type IngressService struct {
	Jobs      domain.JobRegistry
	Workflows domain.WorkflowStore
	Workers   domain.WorkerRegistry
	Webhooks  *WebhookCache
	Idem      domain.IdempotencyIndex
	Bus       *eventbus.Bus
	Stats     StatsSource
	NewID     func() string

	DefaultMaxAttempts  int
	DefaultWorkflowMode domain.WorkflowMode
	IdempotencyTTL      time.Duration
}

// NewIngressService constructs an IngressService with its dependencies.
func NewIngressService(jobs domain.JobRegistry, wfs domain.WorkflowStore, workers domain.WorkerRegistry,
	hooks *WebhookCache, idem domain.IdempotencyIndex, bus *eventbus.Bus, stats StatsSource,
	newID func() string) *IngressService {
	return &IngressService{
		Jobs: jobs, Workflows: wfs, Workers: workers, Webhooks: hooks,
		Idem: idem, Bus: bus, Stats: stats, NewID: newID,
		DefaultMaxAttempts:  3,
		DefaultWorkflowMode: domain.ModeAbortOnFailure,
		IdempotencyTTL:      24 * time.Hour,
	}
}

// SubmitJob creates a job from spec. Submissions are idempotent within the
// idempotency window: a repeat with the same correlation id (or, absent one,
// the same derived spec key) returns the original job with created=false.
func (s *IngressService) SubmitJob(ctx domain.Context, spec domain.JobSpec) (domain.Job, bool, error) {
	if spec.ServiceType == "" {
		return domain.Job{}, false, fmt.Errorf("op=SubmitJob: %w: service_type required", domain.ErrInvalidArgument)
	}
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = s.DefaultMaxAttempts
	}

	key := spec.CorrelationID
	specHash := specFingerprint(spec)
	if key == "" {
		key = specHash
	}

	j := domain.Job{
		ID:            s.NewID(),
		ServiceType:   spec.ServiceType,
		Requirements:  spec.Requirements,
		Payload:       spec.Payload,
		Priority:      spec.Priority,
		SubmittedAt:   time.Now().UTC(),
		Status:        domain.JobPending,
		MaxAttempts:   spec.MaxAttempts,
		CorrelationID: spec.CorrelationID,
		WebhookRef:    spec.WebhookRef,
		WorkflowRef:   spec.WorkflowRef,
	}

	existingID, created, err := s.Idem.Reserve(ctx, key, specHash, j.ID, s.IdempotencyTTL)
	if err != nil {
		return domain.Job{}, false, err
	}
	if !created {
		existing, err := s.Jobs.Get(ctx, existingID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				// Reservation outlived the job record (terminal GC); fall
				// through and submit fresh.
				return s.submit(ctx, j)
			}
			return domain.Job{}, false, err
		}
		return existing, false, nil
	}
	return s.submit(ctx, j)
}

func (s *IngressService) submit(ctx domain.Context, j domain.Job) (domain.Job, bool, error) {
	ev, err := s.Jobs.Submit(ctx, j)
	if err != nil {
		return domain.Job{}, false, err
	}
	s.Bus.Record(ctx, ev)
	observability.JobsSubmittedTotal.WithLabelValues(j.ServiceType).Inc()
	return j, true, nil
}

// SubmitWorkflow atomically creates the workflow record and all step jobs.
// All or nothing: nothing is visible unless every step persisted.
func (s *IngressService) SubmitWorkflow(ctx domain.Context, spec domain.WorkflowSpec) (domain.Workflow, error) {
	if spec.Name == "" {
		return domain.Workflow{}, fmt.Errorf("op=SubmitWorkflow: %w: name required", domain.ErrInvalidArgument)
	}
	if len(spec.Steps) == 0 {
		return domain.Workflow{}, fmt.Errorf("op=SubmitWorkflow: %w: at least one step required", domain.ErrInvalidArgument)
	}
	mode := spec.Mode
	if mode == "" {
		mode = s.DefaultWorkflowMode
	}
	if mode != domain.ModeAbortOnFailure && mode != domain.ModeRunToCompletion {
		return domain.Workflow{}, fmt.Errorf("op=SubmitWorkflow: %w: unknown mode %q", domain.ErrInvalidArgument, mode)
	}

	now := time.Now().UTC()
	wf := domain.Workflow{
		ID:         s.NewID(),
		Name:       spec.Name,
		Mode:       mode,
		TotalSteps: len(spec.Steps),
		Status:     domain.WorkflowPending,
		WebhookRef: spec.WebhookRef,
		CreatedAt:  now,
	}
	stepJobs := make([]domain.Job, 0, len(spec.Steps))
	for i, step := range spec.Steps {
		if step.ServiceType == "" {
			return domain.Workflow{}, fmt.Errorf("op=SubmitWorkflow: %w: step %d missing service_type", domain.ErrInvalidArgument, i)
		}
		maxAtt := step.MaxAttempts
		if maxAtt <= 0 {
			maxAtt = s.DefaultMaxAttempts
		}
		j := domain.Job{
			ID:           s.NewID(),
			ServiceType:  step.ServiceType,
			Requirements: step.Requirements,
			Payload:      step.Payload,
			Priority:     step.Priority,
			SubmittedAt:  now,
			Status:       domain.JobPending,
			MaxAttempts:  maxAtt,
			WebhookRef:   step.WebhookRef,
			WorkflowRef:  &domain.WorkflowRef{WorkflowID: wf.ID, StepIndex: i},
		}
		stepJobs = append(stepJobs, j)
		wf.StepJobs = append(wf.StepJobs, j.ID)
	}

	events, err := s.Workflows.Create(ctx, wf, stepJobs)
	if err != nil {
		return domain.Workflow{}, err
	}
	for _, ev := range events {
		s.Bus.Record(ctx, ev)
	}
	for _, j := range stepJobs {
		observability.JobsSubmittedTotal.WithLabelValues(j.ServiceType).Inc()
	}
	return wf, nil
}

// GetJob reads the job view from the store, never from event streams, so a
// client observes its own writes.
func (s *IngressService) GetJob(ctx domain.Context, jobID string) (domain.Job, error) {
	return s.Jobs.Get(ctx, jobID)
}

// GetWorkflow reads the workflow view from the store.
func (s *IngressService) GetWorkflow(ctx domain.Context, workflowID string) (domain.Workflow, error) {
	return s.Workflows.GetWorkflow(ctx, workflowID)
}

// CancelJob cancels a non-terminal job. Pending jobs transition immediately;
// active jobs transition and leave a cancellation intent the owning worker
// drains on its next heartbeat.
func (s *IngressService) CancelJob(ctx domain.Context, jobID string) error {
	ev, _, _, err := s.Jobs.Cancel(ctx, jobID)
	if err != nil {
		return err
	}
	if ev != nil {
		s.Bus.Record(ctx, *ev)
	}
	return nil
}

// CancelWorkflow cancels every non-terminal step job. The aggregator observes
// the resulting job.cancelled events and finalizes the workflow.
func (s *IngressService) CancelWorkflow(ctx domain.Context, workflowID string) error {
	wf, err := s.Workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status == domain.WorkflowCompleted || wf.Status == domain.WorkflowFailed {
		return fmt.Errorf("op=CancelWorkflow: workflow %s already %s: %w", workflowID, wf.Status, domain.ErrConflict)
	}
	for _, jobID := range wf.StepJobs {
		ev, _, _, err := s.Jobs.Cancel(ctx, jobID)
		if err != nil {
			// Steps already terminal are fine; everything else aborts.
			if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return err
		}
		if ev != nil {
			s.Bus.Record(ctx, *ev)
		}
	}
	return nil
}

// RegisterWebhook persists a new webhook endpoint and primes the cache.
func (s *IngressService) RegisterWebhook(ctx domain.Context, w domain.Webhook) (domain.Webhook, error) {
	if w.URL == "" {
		return domain.Webhook{}, fmt.Errorf("op=RegisterWebhook: %w: url required", domain.ErrInvalidArgument)
	}
	for _, t := range w.EventTypes {
		if !knownEventType(t) {
			return domain.Webhook{}, fmt.Errorf("op=RegisterWebhook: %w: unknown event type %q", domain.ErrInvalidArgument, t)
		}
	}
	w.ID = s.NewID()
	w.Active = true
	w.CreatedAt = time.Now().UTC()
	if err := s.Webhooks.Put(ctx, w); err != nil {
		return domain.Webhook{}, err
	}
	return w, nil
}

// GetWebhook serves from the cache, falling back to the store on a miss.
func (s *IngressService) GetWebhook(ctx domain.Context, id string) (domain.Webhook, error) {
	return s.Webhooks.Get(ctx, id)
}

// ListWebhooks returns the full population, active and inactive.
func (s *IngressService) ListWebhooks(ctx domain.Context) ([]domain.Webhook, error) {
	return s.Webhooks.List(ctx)
}

// DeleteWebhook removes a webhook endpoint.
func (s *IngressService) DeleteWebhook(ctx domain.Context, id string) error {
	return s.Webhooks.Delete(ctx, id)
}

// SetWebhookActive toggles delivery without losing the registration.
func (s *IngressService) SetWebhookActive(ctx domain.Context, id string, active bool) error {
	return s.Webhooks.SetActive(ctx, id, active)
}

// ListWorkers is the monitor view of registered workers.
func (s *IngressService) ListWorkers(ctx domain.Context) ([]domain.Worker, error) {
	return s.Workers.ListWorkers(ctx)
}

// WorkerView is the monitor projection of one worker: the session record plus
// the recent failure attestation ring.
type WorkerView struct {
	domain.Worker
	RecentFailures []domain.FailureRecord `json:"recent_failures"`
}

// GetWorkerView returns one worker's session record with its recent failures.
func (s *IngressService) GetWorkerView(ctx domain.Context, workerID string) (WorkerView, error) {
	w, err := s.Workers.GetWorker(ctx, workerID)
	if err != nil {
		return WorkerView{}, err
	}
	failures, err := s.Workers.WorkerFailures(ctx, workerID)
	if err != nil {
		return WorkerView{}, err
	}
	return WorkerView{Worker: w, RecentFailures: failures}, nil
}

// QueueStats reads the store-side counters.
func (s *IngressService) QueueStats(ctx domain.Context) (QueueStats, error) {
	pending, err := s.Stats.PendingDepth(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	active, err := s.Stats.ActiveCount(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	terminal, err := s.Stats.TerminalCount(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	workers, err := s.Workers.ListWorkers(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	observability.PendingDepth.Set(float64(pending))
	observability.ActiveLeases.Set(float64(active))
	return QueueStats{Pending: pending, Active: active, Terminal: terminal, Workers: len(workers)}, nil
}

// specFingerprint derives the idempotency key for submissions without a
// caller-supplied correlation id: a hash over service type, payload, affinity
// and the remaining requirements.
func specFingerprint(spec domain.JobSpec) string {
	tags := append([]string(nil), spec.Requirements.CapabilityTags...)
	sort.Strings(tags)
	models := append([]string(nil), spec.Requirements.ModelFiles...)
	sort.Strings(models)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d|%s|%s|%d",
		spec.ServiceType, string(spec.Payload), spec.Requirements.Affinity,
		spec.Requirements.Geographic, spec.Requirements.MinGPUMemoryMB,
		strings.Join(tags, ","), strings.Join(models, ","), spec.Priority)
	return hex.EncodeToString(h.Sum(nil))
}

func knownEventType(t domain.EventType) bool {
	for _, k := range domain.EventTypes {
		if k == t {
			return true
		}
	}
	return false
}
