package domain

import (
	"encoding/json"
	"time"
)

// EventType is the closed set of lifecycle events the broker emits.
type EventType string

const (
	EventJobSubmitted          EventType = "job.submitted"
	EventJobAssigned           EventType = "job.assigned"
	EventJobProgress           EventType = "job.progress"
	EventJobCompleted          EventType = "job.completed"
	EventJobFailed             EventType = "job.failed"
	EventJobCancelled          EventType = "job.cancelled"
	EventWorkflowSubmitted     EventType = "workflow.submitted"
	EventWorkflowStepCompleted EventType = "workflow.step_completed"
	EventWorkflowCompleted     EventType = "workflow.completed"
	EventWorkflowFailed        EventType = "workflow.failed"
	EventWorkerRegistered      EventType = "worker.registered"
	EventWorkerHeartbeat       EventType = "worker.heartbeat"
	EventWorkerLost            EventType = "worker.lost"
)

// EventTypes lists every member of the closed set. Dispatchers iterate this so
// a newly added type cannot be silently unhandled.
var EventTypes = []EventType{
	EventJobSubmitted, EventJobAssigned, EventJobProgress,
	EventJobCompleted, EventJobFailed, EventJobCancelled,
	EventWorkflowSubmitted, EventWorkflowStepCompleted,
	EventWorkflowCompleted, EventWorkflowFailed,
	EventWorkerRegistered, EventWorkerHeartbeat, EventWorkerLost,
}

// Event is the envelope shared by all tiers of the bus. The wire shape is part
// of the subscriber contract and must not grow required fields.
type Event struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	EmittedAt     time.Time       `json:"emitted_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// JobEventPayload is carried by every job.* event.
type JobEventPayload struct {
	JobID       string          `json:"job_id"`
	ServiceType string          `json:"service_type,omitempty"`
	Status      JobStatus       `json:"status"`
	Attempt     int             `json:"attempt,omitempty"`
	WorkerID    string          `json:"worker_id,omitempty"`
	Progress    float64         `json:"progress,omitempty"`
	Message     string          `json:"message,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *JobError       `json:"error,omitempty"`
	WillRetry   bool            `json:"will_retry,omitempty"`
	WorkflowRef *WorkflowRef    `json:"workflow_ref,omitempty"`
}

// WorkflowEventPayload is carried by workflow.* events. For terminal events the
// step_details array is always the aggregator's canonical copy.
type WorkflowEventPayload struct {
	WorkflowID     string         `json:"workflow_id"`
	Name           string         `json:"name"`
	Status         WorkflowStatus `json:"status"`
	TotalSteps     int            `json:"total_steps"`
	CompletedCount int            `json:"completed_count"`
	FailedCount    int            `json:"failed_count"`
	StepIndex      int            `json:"step_index,omitempty"`
	JobIDs         []string       `json:"job_ids,omitempty"`
	StepDetails    []StepDetail   `json:"step_details,omitempty"`
}

// WorkerEventPayload is carried by worker.* events.
type WorkerEventPayload struct {
	WorkerID  string       `json:"worker_id"`
	MachineID string       `json:"machine_id,omitempty"`
	Status    WorkerStatus `json:"status,omitempty"`
}

// AggregateID returns the id of the job, workflow, or worker an event refers
// to. Used for partition keying and per-aggregate ordering checks; events for
// the same aggregate share a key.
func (e Event) AggregateID() string {
	var probe struct {
		JobID      string `json:"job_id"`
		WorkflowID string `json:"workflow_id"`
		WorkerID   string `json:"worker_id"`
	}
	if err := json.Unmarshal(e.Payload, &probe); err != nil {
		return e.ID
	}
	switch {
	case probe.JobID != "":
		return probe.JobID
	case probe.WorkflowID != "":
		return probe.WorkflowID
	case probe.WorkerID != "":
		return probe.WorkerID
	}
	return e.ID
}
