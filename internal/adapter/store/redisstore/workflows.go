package redisstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gpuforge/broker/internal/domain"
)

// Create implements domain.WorkflowStore. The workflow hash, every step job
// hash, the pending-index inserts, and all submission events land in one
// atomic script, so a partial workflow can never be observed.
func (s *Store) Create(ctx domain.Context, wf domain.Workflow, stepJobs []domain.Job) ([]domain.Event, error) {
	if len(stepJobs) != wf.TotalSteps {
		return nil, fmt.Errorf("op=workflows.Create: %w: step count mismatch", domain.ErrInvalidArgument)
	}

	wfFields := map[string]interface{}{
		"id":              wf.ID,
		"name":            wf.Name,
		"mode":            string(wf.Mode),
		"total_steps":     wf.TotalSteps,
		"completed_count": 0,
		"failed_count":    0,
		"status":          string(domain.WorkflowPending),
		"created_at":      nowMillis(wf.CreatedAt),
		"step_jobs":       joinIDs(stepJobs),
	}
	if wf.WebhookRef != "" {
		wfFields["webhook_ref"] = wf.WebhookRef
	}
	wfFieldsJSON, _ := json.Marshal(wfFields)

	wfEvent, wfEventRaw := s.newEvent(domain.EventWorkflowSubmitted, "", domain.WorkflowEventPayload{
		WorkflowID: wf.ID,
		Name:       wf.Name,
		Status:     domain.WorkflowPending,
		TotalSteps: wf.TotalSteps,
		JobIDs:     idsOf(stepJobs),
	})

	events := []domain.Event{wfEvent}
	args := []interface{}{
		s.opts.RetentionCount, chanEvents,
		string(wfFieldsJSON), string(wfEventRaw), wf.ID,
		len(stepJobs),
	}
	for _, j := range stepJobs {
		fieldsMap := map[string]interface{}{}
		flat := jobFields(j)
		for i := 0; i < len(flat); i += 2 {
			fieldsMap[flat[i].(string)] = flat[i+1]
		}
		fieldsJSON, _ := json.Marshal(fieldsMap)

		jobEvent, jobEventRaw := s.newEvent(domain.EventJobSubmitted, j.CorrelationID, domain.JobEventPayload{
			JobID:       j.ID,
			ServiceType: j.ServiceType,
			Status:      domain.JobPending,
			WorkflowRef: j.WorkflowRef,
		})
		events = append(events, jobEvent)
		score := pendingScore(j.Priority, 0, nowMillis(j.SubmittedAt), 0)
		args = append(args, string(fieldsJSON), score, string(jobEventRaw), j.ID)
	}

	err := s.retry(ctx, "workflows.Create", func() error {
		res, err := scriptWorkflowCreate.Run(ctx, s.rdb,
			[]string{workflowKey(wf.ID), keyPending, keyEventStream}, args...).Result()
		if err != nil {
			return err
		}
		if str, ok := res.(string); ok && str == "exists" {
			return fmt.Errorf("op=workflows.Create: workflow %s: %w", wf.ID, domain.ErrConflict)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Get implements domain.WorkflowStore.
func (s *Store) GetWorkflow(ctx domain.Context, workflowID string) (domain.Workflow, error) {
	var h map[string]string
	err := s.retry(ctx, "workflows.Get", func() error {
		var runErr error
		h, runErr = s.rdb.HGetAll(ctx, workflowKey(workflowID)).Result()
		return runErr
	})
	if err != nil {
		return domain.Workflow{}, err
	}
	if len(h) == 0 {
		return domain.Workflow{}, fmt.Errorf("op=workflows.Get: workflow %s: %w", workflowID, domain.ErrNotFound)
	}
	return workflowFromHash(h)
}

// FillStep implements domain.WorkflowStore.
func (s *Store) FillStep(ctx domain.Context, workflowID string, detail domain.StepDetail) (bool, domain.Workflow, error) {
	detailJSON, _ := json.Marshal(detail)
	var res interface{}
	err := s.retry(ctx, "workflows.FillStep", func() error {
		var runErr error
		res, runErr = scriptFillStep.Run(ctx, s.rdb, []string{workflowKey(workflowID)},
			detail.StepIndex, string(detailJSON), string(detail.Status)).Result()
		return runErr
	})
	if err != nil {
		return false, domain.Workflow{}, err
	}
	if str, ok := res.(string); ok && str == "not_found" {
		return false, domain.Workflow{}, fmt.Errorf("op=workflows.FillStep: workflow %s: %w", workflowID, domain.ErrNotFound)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 8 {
		return false, domain.Workflow{}, fmt.Errorf("op=workflows.FillStep: unexpected script result: %w", domain.ErrInternal)
	}
	wf := domain.Workflow{
		ID:             workflowID,
		CompletedCount: int(toInt(arr[1])),
		FailedCount:    int(toInt(arr[2])),
		TotalSteps:     int(toInt(arr[3])),
	}
	if mode, ok := arr[4].(string); ok {
		wf.Mode = domain.WorkflowMode(mode)
	}
	if status, ok := arr[5].(string); ok {
		wf.Status = domain.WorkflowStatus(status)
	}
	if name, ok := arr[6].(string); ok {
		wf.Name = name
	}
	if ids, ok := arr[7].(string); ok {
		wf.StepJobs = splitIDs(ids)
	}
	return toInt(arr[0]) == 1, wf, nil
}

// Finalize implements domain.WorkflowStore. Emission is keyed by workflow id
// plus terminal status; a repeat returns a nil event.
func (s *Store) Finalize(ctx domain.Context, workflowID string, status domain.WorkflowStatus) (*domain.Event, error) {
	if status != domain.WorkflowCompleted && status != domain.WorkflowFailed {
		return nil, fmt.Errorf("op=workflows.Finalize: %w: status %s is not terminal", domain.ErrInvalidArgument, status)
	}
	eventID := s.NewID()
	now := time.Now()
	var res interface{}
	err := s.retry(ctx, "workflows.Finalize", func() error {
		var runErr error
		res, runErr = scriptFinalize.Run(ctx, s.rdb,
			[]string{workflowKey(workflowID), keyEventStream},
			string(status), eventID, now.UTC().Format(time.RFC3339Nano),
			s.opts.RetentionCount, chanEvents).Result()
		return runErr
	})
	if err != nil {
		return nil, err
	}
	str, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("op=workflows.Finalize: unexpected script result: %w", domain.ErrInternal)
	}
	switch str {
	case "dup":
		return nil, nil
	case "not_found":
		return nil, fmt.Errorf("op=workflows.Finalize: workflow %s: %w", workflowID, domain.ErrNotFound)
	}
	return decodeEventJSON(str)
}

func workflowFromHash(h map[string]string) (domain.Workflow, error) {
	wf := domain.Workflow{
		ID:         h["id"],
		Name:       h["name"],
		Mode:       domain.WorkflowMode(h["mode"]),
		Status:     domain.WorkflowStatus(h["status"]),
		WebhookRef: h["webhook_ref"],
		StepJobs:   splitIDs(h["step_jobs"]),
	}
	wf.TotalSteps, _ = strconv.Atoi(h["total_steps"])
	wf.CompletedCount, _ = strconv.Atoi(h["completed_count"])
	wf.FailedCount, _ = strconv.Atoi(h["failed_count"])
	if ms, err := strconv.ParseInt(h["created_at"], 10, 64); err == nil {
		wf.CreatedAt = time.UnixMilli(ms).UTC()
	}
	for i := 0; i < wf.TotalSteps; i++ {
		raw, ok := h["step:"+strconv.Itoa(i)]
		if !ok {
			continue
		}
		var d domain.StepDetail
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return domain.Workflow{}, fmt.Errorf("op=workflowFromHash: step %d: %w", i, err)
		}
		wf.StepDetails = append(wf.StepDetails, d)
	}
	return wf, nil
}

func joinIDs(jobs []domain.Job) string {
	out := ""
	for i, j := range jobs {
		if i > 0 {
			out += ","
		}
		out += j.ID
	}
	return out
}

func idsOf(jobs []domain.Job) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}

func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}
