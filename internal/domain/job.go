package domain

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates the job state machine.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobAssigned  JobStatus = "assigned"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether s is absorbing.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Requirements is the capability predicate a worker must satisfy to claim a job.
type Requirements struct {
	CapabilityTags []string `json:"capability_tags,omitempty"`
	MinGPUMemoryMB int64    `json:"min_gpu_memory_mb,omitempty"`
	ModelFiles     []string `json:"model_files,omitempty"`
	Affinity       string   `json:"affinity,omitempty"`
	Geographic     string   `json:"geographic,omitempty"`
}

// Lease is the exclusive right of a worker to execute a job for a bounded time.
// Present iff the job is assigned or running.
type Lease struct {
	WorkerID       string    `json:"worker_id"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastProgressAt time.Time `json:"last_progress_at"`
}

// JobError carries a worker- or janitor-reported failure.
type JobError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// WorkflowRef back-references the workflow step a job belongs to.
type WorkflowRef struct {
	WorkflowID string `json:"workflow_id"`
	StepIndex  int    `json:"step_index"`
}

// Job is a single unit of work processable by one worker in one attempt.
// Invariants: status=pending iff the id is in the pending index; status in
// {assigned,running} iff the id is in the active index with a non-empty lease;
// attempt <= max_attempts; completed and cancelled jobs are immutable.
type Job struct {
	ID              string          `json:"id"`
	ServiceType     string          `json:"service_type"`
	Requirements    Requirements    `json:"requirements"`
	Payload         json.RawMessage `json:"payload"`
	Priority        int             `json:"priority"`
	SubmittedAt     time.Time       `json:"submitted_at"`
	Status          JobStatus       `json:"status"`
	Attempt         int             `json:"attempt"`
	MaxAttempts     int             `json:"max_attempts"`
	Lease           *Lease          `json:"lease,omitempty"`
	WorkflowRef     *WorkflowRef    `json:"workflow_ref,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *JobError       `json:"error,omitempty"`
	WebhookRef      string          `json:"webhook_ref,omitempty"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	Progress        float64         `json:"progress,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
}

// JobSpec is the ingress-side description of a job to submit.
type JobSpec struct {
	ServiceType   string          `json:"service_type"`
	Requirements  Requirements    `json:"requirements"`
	Payload       json.RawMessage `json:"payload"`
	Priority      int             `json:"priority"`
	MaxAttempts   int             `json:"max_attempts"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	WebhookRef    string          `json:"webhook_ref,omitempty"`
	WorkflowRef   *WorkflowRef    `json:"workflow_ref,omitempty"`
}
