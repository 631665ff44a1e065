package domain

import "time"

// WorkerStatus enumerates worker session states.
type WorkerStatus string

const (
	WorkerIdle     WorkerStatus = "idle"
	WorkerBusy     WorkerStatus = "busy"
	WorkerDraining WorkerStatus = "draining"
	WorkerDead     WorkerStatus = "dead"
)

// CapabilityDescriptor is a worker's declared service tags, feature tags and
// hardware attributes used by the match kernel.
type CapabilityDescriptor struct {
	WorkerID          string   `json:"worker_id"`
	MachineID         string   `json:"machine_id"`
	ServiceTypes      []string `json:"service_types"`
	CapabilityTags    []string `json:"capability_tags"`
	GPUMemoryMB       int64    `json:"gpu_memory_mb"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	Affinity          string   `json:"affinity,omitempty"`
	Region            string   `json:"region,omitempty"`
}

// FailureRecord is one entry of a worker's failure attestation ring.
type FailureRecord struct {
	JobID      string    `json:"job_id"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Worker is the broker-side view of a worker session.
type Worker struct {
	CapabilityDescriptor
	Status          WorkerStatus `json:"status"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
	RegisteredAt    time.Time    `json:"registered_at"`
	ActiveJobs      []string     `json:"active_jobs,omitempty"`
	CancelPending   []string     `json:"cancel_pending,omitempty"`
}
