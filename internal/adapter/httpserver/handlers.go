package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gpuforge/broker/internal/config"
	"github.com/gpuforge/broker/internal/domain"
	"github.com/gpuforge/broker/internal/usecase"
)

const maxBodyBytes = 1 << 20 // 1MB request cap for JSON bodies

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Ingress    *usecase.IngressService
	Workers    *usecase.WorkerService
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, ingress *usecase.IngressService, workers *usecase.WorkerService, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Ingress: ingress, Workers: workers, RedisCheck: redisCheck}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid json: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

type submitJobRequest struct {
	ServiceType   string              `json:"service_type" validate:"required,max=128"`
	Requirements  domain.Requirements `json:"requirements"`
	Payload       json.RawMessage     `json:"payload"`
	Priority      int                 `json:"priority" validate:"gte=-100,lte=100"`
	MaxAttempts   int                 `json:"max_attempts" validate:"gte=0,lte=20"`
	CorrelationID string              `json:"correlation_id" validate:"max=256"`
	WebhookRef    string              `json:"webhook_ref" validate:"max=128"`
}

// SubmitJobHandler accepts a job spec and returns the created (or, for an
// idempotent repeat, the existing) job.
func (s *Server) SubmitJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(r) {
			writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{Code: "INVALID_ARGUMENT", Message: "only application/json responses are supported"}})
			return
		}
		var req submitJobRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if details, err := validateStruct(req); err != nil {
			writeError(w, r, err, details)
			return
		}
		job, created, err := s.Ingress.SubmitJob(r.Context(), domain.JobSpec{
			ServiceType:   req.ServiceType,
			Requirements:  req.Requirements,
			Payload:       req.Payload,
			Priority:      req.Priority,
			MaxAttempts:   req.MaxAttempts,
			CorrelationID: req.CorrelationID,
			WebhookRef:    req.WebhookRef,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		status := http.StatusCreated
		if !created {
			status = http.StatusOK
		}
		writeJSON(w, status, job)
	}
}

// GetJobHandler returns the job view read from the store.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !validID(id) {
			writeError(w, r, fmt.Errorf("%w: malformed job id", domain.ErrInvalidArgument), nil)
			return
		}
		job, err := s.Ingress.GetJob(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// CancelJobHandler requests cancellation of a non-terminal job.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !validID(id) {
			writeError(w, r, fmt.Errorf("%w: malformed job id", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.Ingress.CancelJob(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(domain.JobCancelled)})
	}
}

type submitWorkflowRequest struct {
	Name       string             `json:"name" validate:"required,max=256"`
	Mode       string             `json:"mode" validate:"omitempty,oneof=abort_on_failure run_to_completion"`
	Steps      []submitJobRequest `json:"steps" validate:"required,min=1,dive"`
	WebhookRef string             `json:"webhook_ref" validate:"max=128"`
}

// SubmitWorkflowHandler atomically creates a workflow and its step jobs.
func (s *Server) SubmitWorkflowHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(r) {
			writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{Code: "INVALID_ARGUMENT", Message: "only application/json responses are supported"}})
			return
		}
		var req submitWorkflowRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if details, err := validateStruct(req); err != nil {
			writeError(w, r, err, details)
			return
		}
		if s.Cfg.MaxWorkflowSteps > 0 && len(req.Steps) > s.Cfg.MaxWorkflowSteps {
			writeError(w, r, fmt.Errorf("%w: workflow exceeds %d steps", domain.ErrInvalidArgument, s.Cfg.MaxWorkflowSteps), nil)
			return
		}
		spec := domain.WorkflowSpec{Name: req.Name, Mode: domain.WorkflowMode(req.Mode), WebhookRef: req.WebhookRef}
		for _, step := range req.Steps {
			spec.Steps = append(spec.Steps, domain.JobSpec{
				ServiceType:  step.ServiceType,
				Requirements: step.Requirements,
				Payload:      step.Payload,
				Priority:     step.Priority,
				MaxAttempts:  step.MaxAttempts,
				WebhookRef:   step.WebhookRef,
			})
		}
		wf, err := s.Ingress.SubmitWorkflow(r.Context(), spec)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, wf)
	}
}

// GetWorkflowHandler returns the workflow view with its canonical step details.
func (s *Server) GetWorkflowHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !validID(id) {
			writeError(w, r, fmt.Errorf("%w: malformed workflow id", domain.ErrInvalidArgument), nil)
			return
		}
		wf, err := s.Ingress.GetWorkflow(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, wf)
	}
}

// CancelWorkflowHandler cancels every open step of a workflow.
func (s *Server) CancelWorkflowHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !validID(id) {
			writeError(w, r, fmt.Errorf("%w: malformed workflow id", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.Ingress.CancelWorkflow(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
	}
}

// ListWorkersHandler is the monitor view of registered workers.
func (s *Server) ListWorkersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workers, err := s.Ingress.ListWorkers(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"workers": workers})
	}
}

// GetWorkerHandler returns one worker's session record.
func (s *Server) GetWorkerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		worker, err := s.Ingress.GetWorkerView(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, worker)
	}
}

// StatsHandler returns queue depth counters.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Ingress.QueueStats(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// ReadyzHandler reports readiness of the store dependency.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		checks := make([]check, 0, 1)
		allOK := true
		if s.RedisCheck != nil {
			c := check{Name: "redis", OK: true}
			if err := s.RedisCheck(r.Context()); err != nil {
				c.OK = false
				c.Details = err.Error()
				allOK = false
			}
			checks = append(checks, c)
		}
		status := http.StatusOK
		if !allOK {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]interface{}{"ready": allOK, "checks": checks})
	}
}

// validID bounds opaque ids passed in URLs. IDs are ULIDs in practice but the
// contract only promises an opaque token.
func validID(id string) bool {
	if id == "" || len(id) > 100 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// acceptsJSON rejects requests that explicitly refuse JSON responses.
func acceptsJSON(r *http.Request) bool {
	a := r.Header.Get("Accept")
	return a == "" || a == "*/*" || strings.Contains(a, "application/json")
}
