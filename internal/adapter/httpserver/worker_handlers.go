package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gpuforge/broker/internal/domain"
)

type registerWorkerRequest struct {
	WorkerID          string   `json:"worker_id" validate:"required,max=128"`
	MachineID         string   `json:"machine_id" validate:"max=128"`
	ServiceTypes      []string `json:"service_types" validate:"required,min=1"`
	CapabilityTags    []string `json:"capability_tags"`
	GPUMemoryMB       int64    `json:"gpu_memory_mb" validate:"gte=0"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs" validate:"gte=0,lte=64"`
	Affinity          string   `json:"affinity" validate:"max=128"`
	Region            string   `json:"region" validate:"max=64"`
}

func (r registerWorkerRequest) descriptor() domain.CapabilityDescriptor {
	return domain.CapabilityDescriptor{
		WorkerID:          r.WorkerID,
		MachineID:         r.MachineID,
		ServiceTypes:      r.ServiceTypes,
		CapabilityTags:    r.CapabilityTags,
		GPUMemoryMB:       r.GPUMemoryMB,
		MaxConcurrentJobs: r.MaxConcurrentJobs,
		Affinity:          r.Affinity,
		Region:            r.Region,
	}
}

type registerWorkerResponse struct {
	Worker              domain.Worker `json:"worker"`
	HeartbeatIntervalMS int64         `json:"heartbeat_interval_ms"`
}

// RegisterWorkerHandler announces a worker session; re-registration refreshes
// the capability descriptor. The reply tells the worker how often to beat.
func (s *Server) RegisterWorkerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerWorkerRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if details, err := validateStruct(req); err != nil {
			writeError(w, r, err, details)
			return
		}
		worker, err := s.Workers.Register(r.Context(), req.descriptor())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, registerWorkerResponse{
			Worker:              worker,
			HeartbeatIntervalMS: s.Cfg.HeartbeatInterval.Milliseconds(),
		})
	}
}

type heartbeatRequest struct {
	WorkerID   string `json:"worker_id" validate:"required,max=128"`
	ActiveWork bool   `json:"active_work"`
}

// HeartbeatHandler refreshes liveness and piggybacks cancellation intents on
// the reply.
func (s *Server) HeartbeatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req heartbeatRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if details, err := validateStruct(req); err != nil {
			writeError(w, r, err, details)
			return
		}
		cancelIDs, err := s.Workers.Heartbeat(r.Context(), req.WorkerID, req.ActiveWork)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if cancelIDs == nil {
			cancelIDs = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"cancel_job_ids": cancelIDs})
	}
}

// RequestWorkHandler runs the match kernel for the calling worker. 204 means
// nothing eligible right now; workers back off and poll again.
func (s *Server) RequestWorkHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerWorkerRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if details, err := validateStruct(req); err != nil {
			writeError(w, r, err, details)
			return
		}
		job, err := s.Workers.RequestWork(r.Context(), req.descriptor())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if job == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

type workerJobRequest struct {
	WorkerID string `json:"worker_id" validate:"required,max=128"`
}

// StartJobHandler transitions assigned -> running.
func (s *Server) StartJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "id")
		var req workerJobRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if details, err := validateStruct(req); err != nil {
			writeError(w, r, err, details)
			return
		}
		if err := s.Workers.MarkStarted(r.Context(), jobID, req.WorkerID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": jobID, "status": string(domain.JobRunning)})
	}
}

type progressRequest struct {
	WorkerID string  `json:"worker_id" validate:"required,max=128"`
	Fraction float64 `json:"fraction"`
	Message  string  `json:"message" validate:"max=1024"`
}

// ProgressHandler reports progress and renews the lease. Stale updates are
// dropped silently; the response does not distinguish them.
func (s *Server) ProgressHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "id")
		var req progressRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if details, err := validateStruct(req); err != nil {
			writeError(w, r, err, details)
			return
		}
		if err := s.Workers.Progress(r.Context(), jobID, req.WorkerID, req.Fraction, req.Message); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

type completeRequest struct {
	WorkerID string          `json:"worker_id" validate:"required,max=128"`
	Result   json.RawMessage `json:"result"`
}

// CompleteJobHandler finalizes a job with its result. Repeats with the same
// result are idempotent.
func (s *Server) CompleteJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "id")
		var req completeRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if details, err := validateStruct(req); err != nil {
			writeError(w, r, err, details)
			return
		}
		if err := s.Workers.Complete(r.Context(), jobID, req.WorkerID, req.Result); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": jobID, "status": string(domain.JobCompleted)})
	}
}

type failRequest struct {
	WorkerID  string `json:"worker_id" validate:"required,max=128"`
	Kind      string `json:"kind" validate:"required,max=64"`
	Message   string `json:"message" validate:"max=4096"`
	Retryable bool   `json:"retryable"`
}

// FailJobHandler reports a failure; the reply says whether the job requeued.
func (s *Server) FailJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "id")
		var req failRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if details, err := validateStruct(req); err != nil {
			writeError(w, r, err, details)
			return
		}
		willRetry, err := s.Workers.Fail(r.Context(), jobID, req.WorkerID, domain.JobError{
			Kind: req.Kind, Message: req.Message, Retryable: req.Retryable,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": jobID, "will_retry": willRetry})
	}
}

type releaseRequest struct {
	WorkerID string `json:"worker_id" validate:"required,max=128"`
	Status   string `json:"status" validate:"required,oneof=draining dead"`
}

// ReleaseWorkerHandler ends a worker session.
func (s *Server) ReleaseWorkerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req releaseRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if details, err := validateStruct(req); err != nil {
			writeError(w, r, err, details)
			return
		}
		if err := s.Workers.Release(r.Context(), req.WorkerID, domain.WorkerStatus(req.Status)); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"worker_id": req.WorkerID, "status": req.Status})
	}
}
