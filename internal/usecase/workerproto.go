package usecase

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gpuforge/broker/internal/adapter/observability"
	"github.com/gpuforge/broker/internal/domain"
	"github.com/gpuforge/broker/internal/eventbus"
)

// WorkerService is the broker side of the worker protocol: registration,
// heartbeats, work polling, progress and terminal reports.
type WorkerService struct {
	Jobs    domain.JobRegistry
	Workers domain.WorkerRegistry
	Bus     *eventbus.Bus
	NewID   func() string

	LeaseDuration time.Duration
}

// NewWorkerService constructs a WorkerService with its dependencies.
func NewWorkerService(jobs domain.JobRegistry, workers domain.WorkerRegistry, bus *eventbus.Bus, newID func() string, lease time.Duration) *WorkerService {
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &WorkerService{Jobs: jobs, Workers: workers, Bus: bus, NewID: newID, LeaseDuration: lease}
}

// Register announces a worker session and its capability descriptor.
// Re-registering an existing id refreshes the descriptor.
func (s *WorkerService) Register(ctx domain.Context, desc domain.CapabilityDescriptor) (domain.Worker, error) {
	if desc.WorkerID == "" {
		return domain.Worker{}, fmt.Errorf("op=worker.Register: %w: worker_id required", domain.ErrInvalidArgument)
	}
	if len(desc.ServiceTypes) == 0 {
		return domain.Worker{}, fmt.Errorf("op=worker.Register: %w: at least one service_type required", domain.ErrInvalidArgument)
	}
	if desc.MaxConcurrentJobs <= 0 {
		desc.MaxConcurrentJobs = 1
	}
	now := time.Now().UTC()
	ev, err := s.Workers.Register(ctx, desc, now)
	if err != nil {
		return domain.Worker{}, err
	}
	s.Bus.Record(ctx, ev)
	return s.Workers.GetWorker(ctx, desc.WorkerID)
}

// Heartbeat refreshes liveness and returns cancellation intents recorded
// since the previous beat. activeWork additionally renews the worker's job
// leases.
func (s *WorkerService) Heartbeat(ctx domain.Context, workerID string, activeWork bool) ([]string, error) {
	now := time.Now().UTC()
	cancels, err := s.Workers.Heartbeat(ctx, workerID, now, activeWork)
	if err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(domain.WorkerEventPayload{WorkerID: workerID})
	// A failed append does not invalidate the beat; liveness is already
	// refreshed in the store.
	_ = s.Bus.Publish(ctx, domain.Event{
		ID:        s.NewID(),
		Type:      domain.EventWorkerHeartbeat,
		EmittedAt: now,
		Payload:   payload,
	})
	return cancels, nil
}

// RequestWork runs the match kernel for the calling worker. A nil job with a
// nil error means nothing eligible was found within the scan window.
func (s *WorkerService) RequestWork(ctx domain.Context, desc domain.CapabilityDescriptor) (*domain.Job, error) {
	if desc.WorkerID == "" {
		return nil, fmt.Errorf("op=worker.RequestWork: %w: worker_id required", domain.ErrInvalidArgument)
	}
	w, err := s.Workers.GetWorker(ctx, desc.WorkerID)
	if err != nil {
		return nil, err
	}
	switch w.Status {
	case domain.WorkerDraining:
		return nil, fmt.Errorf("op=worker.RequestWork: worker %s is draining: %w", desc.WorkerID, domain.ErrConflict)
	case domain.WorkerDead:
		return nil, fmt.Errorf("op=worker.RequestWork: worker %s is dead: %w", desc.WorkerID, domain.ErrWorkerNotRegistered)
	}
	if len(w.ActiveJobs) >= w.MaxConcurrentJobs {
		return nil, nil
	}

	job, ev, err := s.Jobs.Claim(ctx, desc, time.Now().UTC(), s.LeaseDuration)
	if err != nil {
		return nil, err
	}
	if job == nil {
		observability.MatchIdlePolls.Inc()
		return nil, nil
	}
	if ev != nil {
		s.Bus.Record(ctx, *ev)
	}
	observability.JobsMatchedTotal.WithLabelValues(job.ServiceType).Inc()
	return job, nil
}

// MarkStarted transitions assigned -> running once the worker begins executing.
func (s *WorkerService) MarkStarted(ctx domain.Context, jobID, workerID string) error {
	if err := s.requireLive(ctx, workerID); err != nil {
		return err
	}
	return s.Jobs.MarkStarted(ctx, jobID, workerID)
}

// Progress reports a fraction in [0,1] and renews the lease. Stale or
// out-of-order updates are dropped without error.
func (s *WorkerService) Progress(ctx domain.Context, jobID, workerID string, fraction float64, message string) error {
	if fraction < 0 || fraction > 1 {
		return fmt.Errorf("op=worker.Progress: %w: fraction %s out of range",
			domain.ErrInvalidArgument, strconv.FormatFloat(fraction, 'f', -1, 64))
	}
	if err := s.requireLive(ctx, workerID); err != nil {
		return err
	}
	ev, err := s.Jobs.ReportProgress(ctx, jobID, workerID, fraction, message)
	if err != nil {
		return err
	}
	if ev != nil {
		s.Bus.Record(ctx, *ev)
	}
	return nil
}

// Complete finalizes a job with its result. Repeats with the same result are
// idempotent; a different result from a repeat is a conflict at the store.
func (s *WorkerService) Complete(ctx domain.Context, jobID, workerID string, result json.RawMessage) error {
	if err := s.requireLive(ctx, workerID); err != nil {
		return err
	}
	ev, err := s.Jobs.Complete(ctx, jobID, workerID, result)
	if err != nil {
		return err
	}
	if ev != nil {
		s.Bus.Record(ctx, *ev)
		if job := decodeJobPayload(*ev); job != nil {
			observability.JobsCompletedTotal.WithLabelValues(job.ServiceType).Inc()
		}
	}
	return nil
}

// Fail reports a failure. Retryable failures with attempts left requeue with
// backoff; everything else finalizes. The failure is also attested on the
// worker's bounded ring for capability diagnostics.
func (s *WorkerService) Fail(ctx domain.Context, jobID, workerID string, jerr domain.JobError) (bool, error) {
	if err := s.requireLive(ctx, workerID); err != nil {
		return false, err
	}
	willRetry, ev, err := s.Jobs.Fail(ctx, jobID, workerID, jerr)
	if err != nil {
		return false, err
	}
	if recErr := s.Workers.RecordFailure(ctx, workerID, domain.FailureRecord{
		JobID: jobID, Kind: jerr.Kind, Message: jerr.Message, RecordedAt: time.Now().UTC(),
	}); recErr != nil {
		// Attestation is advisory; the lifecycle transition already happened.
		_ = recErr
	}
	if ev != nil {
		s.Bus.Record(ctx, *ev)
		if job := decodeJobPayload(*ev); job != nil {
			observability.JobsFailedTotal.WithLabelValues(job.ServiceType, strconv.FormatBool(willRetry)).Inc()
		}
	}
	return willRetry, nil
}

// Release ends a worker session. Draining refuses new work but lets in-flight
// jobs finish or lease-expire.
func (s *WorkerService) Release(ctx domain.Context, workerID string, status domain.WorkerStatus) error {
	if status != domain.WorkerDraining && status != domain.WorkerDead {
		return fmt.Errorf("op=worker.Release: %w: status must be draining or dead", domain.ErrInvalidArgument)
	}
	return s.Workers.Release(ctx, workerID, status)
}

// requireLive rejects reports from unregistered or dead workers.
func (s *WorkerService) requireLive(ctx domain.Context, workerID string) error {
	if workerID == "" {
		return fmt.Errorf("op=worker.requireLive: %w: worker_id required", domain.ErrInvalidArgument)
	}
	w, err := s.Workers.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if w.Status == domain.WorkerDead {
		return fmt.Errorf("op=worker.requireLive: worker %s is dead: %w", workerID, domain.ErrWorkerNotRegistered)
	}
	return nil
}

func decodeJobPayload(ev domain.Event) *domain.JobEventPayload {
	var p domain.JobEventPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil
	}
	return &p
}
