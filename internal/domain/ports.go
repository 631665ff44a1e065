package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Context is an alias so ports read cleanly; adapters pass context.Context through.
type Context = context.Context

// JobRegistry owns the job state machine. Every mutation is atomic at the
// store and appends its lifecycle event in the same step; the returned Event
// (when non-nil) is what was appended, so callers can fan it out in-process.
type JobRegistry interface {
	// Submit writes the job hash, inserts into the pending index and emits
	// job.submitted. The job must arrive with id, status and submitted_at set.
	Submit(ctx Context, j Job) (Event, error)
	// Claim runs the match kernel for the worker described by desc. Returns
	// (nil, nil, nil) when no eligible job is within the scan window.
	Claim(ctx Context, desc CapabilityDescriptor, now time.Time, leaseDuration time.Duration) (*Job, *Event, error)
	// MarkStarted transitions assigned -> running for the owning worker.
	MarkStarted(ctx Context, jobID, workerID string) error
	// ReportProgress refreshes the lease and emits job.progress. A nil event
	// with nil error means the update was stale and silently dropped.
	ReportProgress(ctx Context, jobID, workerID string, fraction float64, message string) (*Event, error)
	// Complete finalizes a job. A nil event with nil error means the call was
	// an idempotent repeat and nothing was re-emitted.
	Complete(ctx Context, jobID, workerID string, result json.RawMessage) (*Event, error)
	// Fail either requeues (retryable, attempts left) or finalizes terminally.
	Fail(ctx Context, jobID, workerID string, jerr JobError) (willRetry bool, ev *Event, err error)
	// Cancel is permitted from any non-terminal state. wasActive reports that
	// a worker currently holds the lease and must be signalled.
	Cancel(ctx Context, jobID string) (ev *Event, wasActive bool, workerID string, err error)
	Get(ctx Context, jobID string) (Job, error)
}

// WorkflowStore owns workflow records and the canonical step_details array.
type WorkflowStore interface {
	// Create persists the workflow and all step jobs atomically (all or
	// nothing) and returns workflow.submitted followed by one job.submitted
	// per step, in step order.
	Create(ctx Context, wf Workflow, stepJobs []Job) ([]Event, error)
	GetWorkflow(ctx Context, workflowID string) (Workflow, error)
	// FillStep writes the canonical record for a step exactly once. filled is
	// false when the slot was already taken, in which case wf reflects the
	// untouched state.
	FillStep(ctx Context, workflowID string, detail StepDetail) (filled bool, wf Workflow, err error)
	// Finalize flips the workflow to a terminal status and emits the terminal
	// event, keyed by workflow id + status so repeats return a nil event.
	Finalize(ctx Context, workflowID string, status WorkflowStatus) (*Event, error)
}

// WorkerRegistry owns worker session records.
type WorkerRegistry interface {
	Register(ctx Context, desc CapabilityDescriptor, now time.Time) (Event, error)
	// Heartbeat refreshes liveness and returns ids of jobs the worker must
	// abort (cancellation intents recorded since the previous beat).
	Heartbeat(ctx Context, workerID string, now time.Time, activeWork bool) (cancelJobIDs []string, err error)
	Release(ctx Context, workerID string, status WorkerStatus) error
	RequestCancel(ctx Context, workerID, jobID string) error
	RecordFailure(ctx Context, workerID string, rec FailureRecord) error
	// WorkerFailures returns the bounded failure attestation ring, newest first.
	WorkerFailures(ctx Context, workerID string) ([]FailureRecord, error)
	GetWorker(ctx Context, workerID string) (Worker, error)
	ListWorkers(ctx Context) ([]Worker, error)
}

// WebhookStore owns webhook endpoint records. ListWebhooks must return the
// full population, active and inactive alike.
type WebhookStore interface {
	PutWebhook(ctx Context, w Webhook) error
	GetWebhook(ctx Context, id string) (Webhook, error)
	ListWebhooks(ctx Context) ([]Webhook, error)
	DeleteWebhook(ctx Context, id string) error
	SetWebhookActive(ctx Context, id string, active bool) error
}

// IdempotencyIndex maps correlation keys to job ids within the idempotency window.
type IdempotencyIndex interface {
	// Reserve returns (existingJobID, false) when the key is already taken by
	// a submission with the same spec hash, ("", true) when newly reserved,
	// and ErrConflict when the key is taken by a different spec.
	Reserve(ctx Context, key, specHash, jobID string, ttl time.Duration) (existingJobID string, created bool, err error)
}

// StoredEvent is an event read back from the persistent log.
type StoredEvent struct {
	StreamID string
	Event    Event
}

// EventLog is the persistent tier of the bus plus the live pub/sub tier.
type EventLog interface {
	// Append XADDs the event and publishes it on the live channel in one
	// atomic step, trimming the stream to the retention bound.
	Append(ctx Context, ev Event) (streamID string, err error)
	ReadGroup(ctx Context, group, consumer string, count int, block time.Duration) ([]StoredEvent, error)
	Ack(ctx Context, group string, streamIDs ...string) error
	// Range reads historical entries; from/to are stream ids ("-"/"+" allowed).
	Range(ctx Context, from, to string, count int) ([]StoredEvent, error)
	// SubscribeLive delivers best-effort copies of events published while the
	// subscription is open. Returned stop func must be called once.
	SubscribeLive(ctx Context, handler func(Event)) (stop func(), err error)
	// GroupLag reports how many entries a consumer group has not acked.
	GroupLag(ctx Context, group string) (int64, error)
}
