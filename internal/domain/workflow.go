package domain

import (
	"encoding/json"
	"time"
)

// WorkflowStatus enumerates workflow states.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

// WorkflowMode selects the sibling policy on step failure.
type WorkflowMode string

const (
	ModeAbortOnFailure  WorkflowMode = "abort_on_failure"
	ModeRunToCompletion WorkflowMode = "run_to_completion"
)

// StepDetail is the canonical per-step terminal record. The Workflow Aggregator
// is its sole producer; no other component may synthesize step details.
type StepDetail struct {
	StepIndex   int             `json:"step_index"`
	JobID       string          `json:"job_id"`
	Status      JobStatus       `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *JobError       `json:"error,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Workflow is an ordered group of jobs with aggregated terminal reporting.
// Invariants: completed_count+failed_count <= total_steps; a step slot is
// filled at most once; terminal workflow events are emitted at most once.
type Workflow struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Mode           WorkflowMode   `json:"mode"`
	TotalSteps     int            `json:"total_steps"`
	StepJobs       []string       `json:"step_jobs"`
	CompletedCount int            `json:"completed_count"`
	FailedCount    int            `json:"failed_count"`
	Status         WorkflowStatus `json:"status"`
	StepDetails    []StepDetail   `json:"step_details"`
	WebhookRef     string         `json:"webhook_ref,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// WorkflowSpec is the ingress-side description of a workflow to submit.
type WorkflowSpec struct {
	Name       string       `json:"name"`
	Mode       WorkflowMode `json:"mode"`
	Steps      []JobSpec    `json:"steps"`
	WebhookRef string       `json:"webhook_ref,omitempty"`
}
