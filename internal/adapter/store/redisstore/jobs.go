package redisstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gpuforge/broker/internal/domain"
)

// jobFields flattens a Job into the hash representation scripts operate on.
func jobFields(j domain.Job) []interface{} {
	req, _ := json.Marshal(j.Requirements)
	fields := []interface{}{
		"id", j.ID,
		"service_type", j.ServiceType,
		"payload", string(j.Payload),
		"priority", strconv.Itoa(j.Priority),
		"submitted_at", strconv.FormatInt(nowMillis(j.SubmittedAt), 10),
		"status", string(j.Status),
		"attempt", strconv.Itoa(j.Attempt),
		"max_attempts", strconv.Itoa(j.MaxAttempts),
		"requirements", string(req),
		"boost", "0",
	}
	if j.WorkflowRef != nil {
		fields = append(fields,
			"workflow_id", j.WorkflowRef.WorkflowID,
			"step_index", strconv.Itoa(j.WorkflowRef.StepIndex))
	}
	if j.WebhookRef != "" {
		fields = append(fields, "webhook_ref", j.WebhookRef)
	}
	if j.CorrelationID != "" {
		fields = append(fields, "correlation_id", j.CorrelationID)
	}
	return fields
}

func jobFromHash(h map[string]string) (domain.Job, error) {
	if h["id"] == "" {
		return domain.Job{}, domain.ErrNotFound
	}
	j := domain.Job{
		ID:            h["id"],
		ServiceType:   h["service_type"],
		Payload:       rawOrNil(h["payload"]),
		Status:        domain.JobStatus(h["status"]),
		WebhookRef:    h["webhook_ref"],
		CorrelationID: h["correlation_id"],
		Result:        rawOrNil(h["result"]),
	}
	j.Priority, _ = strconv.Atoi(h["priority"])
	j.Attempt, _ = strconv.Atoi(h["attempt"])
	j.MaxAttempts, _ = strconv.Atoi(h["max_attempts"])
	j.Progress, _ = strconv.ParseFloat(h["progress"], 64)
	j.CancelRequested = h["cancel_requested"] == "1"
	if ms, err := strconv.ParseInt(h["submitted_at"], 10, 64); err == nil {
		j.SubmittedAt = time.UnixMilli(ms).UTC()
	}
	if h["requirements"] != "" {
		if err := json.Unmarshal([]byte(h["requirements"]), &j.Requirements); err != nil {
			return domain.Job{}, fmt.Errorf("op=jobFromHash: requirements: %w", err)
		}
	}
	if h["error"] != "" {
		var je domain.JobError
		if err := json.Unmarshal([]byte(h["error"]), &je); err == nil {
			j.Error = &je
		}
	}
	if h["workflow_id"] != "" {
		idx, _ := strconv.Atoi(h["step_index"])
		j.WorkflowRef = &domain.WorkflowRef{WorkflowID: h["workflow_id"], StepIndex: idx}
	}
	if (j.Status == domain.JobAssigned || j.Status == domain.JobRunning) && h["lease_worker"] != "" {
		lease := &domain.Lease{WorkerID: h["lease_worker"]}
		if ms, err := strconv.ParseInt(h["lease_expires"], 10, 64); err == nil {
			lease.ExpiresAt = time.UnixMilli(ms).UTC()
		}
		if ms, err := strconv.ParseInt(h["lease_progress"], 10, 64); err == nil {
			lease.LastProgressAt = time.UnixMilli(ms).UTC()
		}
		j.Lease = lease
	}
	return j, nil
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func decodeEventJSON(s string) (*domain.Event, error) {
	var ev domain.Event
	if err := json.Unmarshal([]byte(s), &ev); err != nil {
		return nil, fmt.Errorf("op=decodeEventJSON: %w", err)
	}
	return &ev, nil
}

// newEvent builds the envelope Go-side for transitions whose payload is fully
// known before the script runs.
func (s *Store) newEvent(t domain.EventType, correlationID string, payload interface{}) (domain.Event, []byte) {
	data, _ := json.Marshal(payload)
	ev := domain.Event{
		ID:            s.NewID(),
		Type:          t,
		EmittedAt:     time.Now().UTC(),
		CorrelationID: correlationID,
		Payload:       data,
	}
	raw, _ := json.Marshal(ev)
	return ev, raw
}

// Submit implements domain.JobRegistry.
func (s *Store) Submit(ctx domain.Context, j domain.Job) (domain.Event, error) {
	payload := domain.JobEventPayload{
		JobID:       j.ID,
		ServiceType: j.ServiceType,
		Status:      domain.JobPending,
		WorkflowRef: j.WorkflowRef,
	}
	ev, raw := s.newEvent(domain.EventJobSubmitted, j.CorrelationID, payload)
	score := pendingScore(j.Priority, 0, nowMillis(j.SubmittedAt), 0)

	args := []interface{}{
		score, string(raw), string(domain.EventJobSubmitted), j.ID,
		s.opts.RetentionCount, chanEvents,
	}
	args = append(args, jobFields(j)...)

	err := s.retry(ctx, "jobs.Submit", func() error {
		res, err := scriptSubmit.Run(ctx, s.rdb, []string{jobKey(j.ID), keyPending, keyEventStream}, args...).Result()
		if err != nil {
			return err
		}
		if str, ok := res.(string); ok && str == "exists" {
			return fmt.Errorf("op=jobs.Submit: job %s: %w", j.ID, domain.ErrConflict)
		}
		return nil
	})
	if err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

// Claim implements the match kernel call. A (nil, nil, nil) return means no
// eligible job was found within the scan window.
func (s *Store) Claim(ctx domain.Context, desc domain.CapabilityDescriptor, now time.Time, leaseDuration time.Duration) (*domain.Job, *domain.Event, error) {
	descJSON, err := json.Marshal(desc)
	if err != nil {
		return nil, nil, fmt.Errorf("op=jobs.Claim: %w: %v", domain.ErrInvalidArgument, err)
	}
	eventID := s.NewID()
	emitted := now.UTC().Format(time.RFC3339Nano)

	var res interface{}
	err = s.retry(ctx, "jobs.Claim", func() error {
		var runErr error
		res, runErr = scriptClaim.Run(ctx, s.rdb,
			[]string{keyPending, keyActive, keyEventStream},
			string(descJSON), nowMillis(now), leaseDuration.Milliseconds(),
			s.scanCap(), eventID, emitted, s.opts.RetentionCount, chanEvents,
		).Result()
		if runErr == redis.Nil {
			res = nil
			return nil
		}
		return runErr
	})
	if err != nil {
		return nil, nil, err
	}
	if res == nil {
		return nil, nil, nil
	}
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return nil, nil, fmt.Errorf("op=jobs.Claim: unexpected script result: %w", domain.ErrInternal)
	}
	var h map[string]string
	if err := json.Unmarshal([]byte(pair[0].(string)), &h); err != nil {
		return nil, nil, fmt.Errorf("op=jobs.Claim: decode job: %w", err)
	}
	job, err := jobFromHash(h)
	if err != nil {
		return nil, nil, err
	}
	ev, err := decodeEventJSON(pair[1].(string))
	if err != nil {
		return nil, nil, err
	}
	return &job, ev, nil
}

func (s *Store) scanCap() int {
	// Bounded scan keeps worst-case script runtime flat; aging re-surfaces
	// anything that falls outside the window.
	if s.matchScanCap > 0 {
		return s.matchScanCap
	}
	return 100
}

// SetScanCap overrides the candidate scan bound (configuration hook).
func (s *Store) SetScanCap(n int) {
	if n > 0 {
		s.matchScanCap = n
	}
}

// MarkStarted implements domain.JobRegistry.
func (s *Store) MarkStarted(ctx domain.Context, jobID, workerID string) error {
	return s.retry(ctx, "jobs.MarkStarted", func() error {
		res, err := scriptMarkStarted.Run(ctx, s.rdb, []string{jobKey(jobID)},
			workerID, nowMillis(time.Now())).Result()
		if err != nil {
			return err
		}
		return statusError("jobs.MarkStarted", jobID, res)
	})
}

// ReportProgress implements domain.JobRegistry. A nil event with nil error
// means the update was out of order and dropped.
func (s *Store) ReportProgress(ctx domain.Context, jobID, workerID string, fraction float64, message string) (*domain.Event, error) {
	eventID := s.NewID()
	now := time.Now()
	var res interface{}
	err := s.retry(ctx, "jobs.ReportProgress", func() error {
		var runErr error
		res, runErr = scriptProgress.Run(ctx, s.rdb, []string{jobKey(jobID), keyEventStream},
			workerID, fraction, message, nowMillis(now), s.leaseMillis(),
			eventID, now.UTC().Format(time.RFC3339Nano),
			s.opts.RetentionCount, chanEvents).Result()
		return runErr
	})
	if err != nil {
		return nil, err
	}
	if str, ok := res.(string); ok {
		if str == "stale" {
			return nil, nil
		}
		return nil, statusError("jobs.ReportProgress", jobID, str)
	}
	return eventFromScriptPair(res, 0)
}

// Complete implements domain.JobRegistry. A nil event with nil error means the
// call was an idempotent repeat.
func (s *Store) Complete(ctx domain.Context, jobID, workerID string, result json.RawMessage) (*domain.Event, error) {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	sum := sha256.Sum256(result)
	eventID := s.NewID()
	now := time.Now()

	var res interface{}
	err := s.retry(ctx, "jobs.Complete", func() error {
		var runErr error
		res, runErr = scriptComplete.Run(ctx, s.rdb,
			[]string{jobKey(jobID), keyActive, keyTerminal, keyEventStream},
			workerID, string(result), hex.EncodeToString(sum[:]), nowMillis(now),
			eventID, now.UTC().Format(time.RFC3339Nano),
			s.opts.RetentionCount, chanEvents).Result()
		return runErr
	})
	if err != nil {
		return nil, err
	}
	if str, ok := res.(string); ok {
		if str == "dup" {
			return nil, nil
		}
		return nil, statusError("jobs.Complete", jobID, str)
	}
	return eventFromScriptPair(res, 0)
}

// Fail implements domain.JobRegistry.
func (s *Store) Fail(ctx domain.Context, jobID, workerID string, jerr domain.JobError) (bool, *domain.Event, error) {
	errJSON, _ := json.Marshal(jerr)
	eventID := s.NewID()
	now := time.Now()

	var res interface{}
	err := s.retry(ctx, "jobs.Fail", func() error {
		var runErr error
		res, runErr = scriptFail.Run(ctx, s.rdb,
			[]string{jobKey(jobID), keyPending, keyActive, keyTerminal, keyEventStream},
			workerID, string(errJSON), nowMillis(now),
			s.opts.BackoffBase.Milliseconds(), s.opts.BackoffMax.Milliseconds(),
			eventID, now.UTC().Format(time.RFC3339Nano),
			s.opts.RetentionCount, chanEvents).Result()
		return runErr
	})
	if err != nil {
		return false, nil, err
	}
	if str, ok := res.(string); ok {
		return false, nil, statusError("jobs.Fail", jobID, str)
	}
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return false, nil, fmt.Errorf("op=jobs.Fail: unexpected script result: %w", domain.ErrInternal)
	}
	willRetry := toInt(pair[0]) == 1
	ev, err := decodeEventJSON(pair[1].(string))
	if err != nil {
		return false, nil, err
	}
	return willRetry, ev, nil
}

// Cancel implements domain.JobRegistry.
func (s *Store) Cancel(ctx domain.Context, jobID string) (*domain.Event, bool, string, error) {
	eventID := s.NewID()
	now := time.Now()

	var res interface{}
	err := s.retry(ctx, "jobs.Cancel", func() error {
		var runErr error
		res, runErr = scriptCancel.Run(ctx, s.rdb,
			[]string{jobKey(jobID), keyPending, keyActive, keyTerminal, keyEventStream},
			nowMillis(now), eventID, now.UTC().Format(time.RFC3339Nano),
			s.opts.RetentionCount, chanEvents, s.cancelGraceMillis()).Result()
		return runErr
	})
	if err != nil {
		return nil, false, "", err
	}
	if str, ok := res.(string); ok {
		return nil, false, "", statusError("jobs.Cancel", jobID, str)
	}
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return nil, false, "", fmt.Errorf("op=jobs.Cancel: unexpected script result: %w", domain.ErrInternal)
	}
	workerID, _ := pair[0].(string)
	ev, err := decodeEventJSON(pair[1].(string))
	if err != nil {
		return nil, false, "", err
	}
	return ev, workerID != "", workerID, nil
}

// Get implements domain.JobRegistry.
func (s *Store) Get(ctx domain.Context, jobID string) (domain.Job, error) {
	var h map[string]string
	err := s.retry(ctx, "jobs.Get", func() error {
		var runErr error
		h, runErr = s.rdb.HGetAll(ctx, jobKey(jobID)).Result()
		return runErr
	})
	if err != nil {
		return domain.Job{}, err
	}
	if len(h) == 0 {
		return domain.Job{}, fmt.Errorf("op=jobs.Get: job %s: %w", jobID, domain.ErrNotFound)
	}
	return jobFromHash(h)
}

// ReclaimExpired walks the active index and reclaims every lease whose expiry
// plus grace is strictly in the past, verifying ownership inside the script.
// Returns the job.failed events produced.
func (s *Store) ReclaimExpired(ctx domain.Context, now time.Time, grace time.Duration) ([]domain.Event, error) {
	var ids []string
	err := s.retry(ctx, "jobs.ReclaimExpired", func() error {
		var runErr error
		ids, runErr = s.rdb.SMembers(ctx, keyActive).Result()
		return runErr
	})
	if err != nil {
		return nil, err
	}

	var events []domain.Event
	for _, id := range ids {
		lease, err := s.rdb.HMGet(ctx, jobKey(id), "lease_worker", "lease_expires").Result()
		if err != nil || len(lease) != 2 || lease[0] == nil {
			continue
		}
		worker, _ := lease[0].(string)
		expiresStr, _ := lease[1].(string)
		expires, _ := strconv.ParseInt(expiresStr, 10, 64)
		if nowMillis(now) <= expires+grace.Milliseconds() {
			continue
		}
		res, err := scriptReclaimOne.Run(ctx, s.rdb,
			[]string{jobKey(id), keyPending, keyActive, keyTerminal, keyEventStream},
			worker, nowMillis(now), grace.Milliseconds(),
			s.opts.BackoffBase.Milliseconds(), s.opts.BackoffMax.Milliseconds(),
			s.NewID(), now.UTC().Format(time.RFC3339Nano),
			s.opts.RetentionCount, chanEvents).Result()
		if err != nil {
			return events, fmt.Errorf("op=jobs.ReclaimExpired: job %s: %w", id, err)
		}
		pair, ok := res.([]interface{})
		if !ok || len(pair) != 2 {
			continue // skip / not_found: the lease moved under us
		}
		if ev, err := decodeEventJSON(pair[1].(string)); err == nil {
			events = append(events, *ev)
		}
	}
	return events, nil
}

// AgePending applies the starvation guard: long-waiting pending jobs gain
// whole priority units so they surface within the bounded match scan.
func (s *Store) AgePending(ctx domain.Context, now time.Time, boostPerMinute, boostCap, limit int) (int, error) {
	var boosted int
	err := s.retry(ctx, "jobs.AgePending", func() error {
		res, runErr := scriptAge.Run(ctx, s.rdb, []string{keyPending},
			nowMillis(now), boostPerMinute, boostCap, limit).Result()
		if runErr != nil {
			return runErr
		}
		boosted = int(toInt(res))
		return nil
	})
	return boosted, err
}

// GCTerminal removes terminal jobs older than the retention window. Terminal
// records are immutable, so the read-then-delete is race free.
func (s *Store) GCTerminal(ctx domain.Context, olderThan time.Time, limit int) (int, error) {
	ids, err := s.rdb.SMembers(ctx, keyTerminal).Result()
	if err != nil {
		return 0, fmt.Errorf("op=jobs.GCTerminal: %w: %v", domain.ErrStoreUnavailable, err)
	}
	removed := 0
	cutoff := nowMillis(olderThan)
	for _, id := range ids {
		if limit > 0 && removed >= limit {
			break
		}
		tstr, err := s.rdb.HGet(ctx, jobKey(id), "terminal_at").Result()
		if err == redis.Nil {
			_ = s.rdb.SRem(ctx, keyTerminal, id).Err()
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("op=jobs.GCTerminal: %w: %v", domain.ErrStoreUnavailable, err)
		}
		t, _ := strconv.ParseInt(tstr, 10, 64)
		if t < cutoff {
			pipe := s.rdb.TxPipeline()
			pipe.SRem(ctx, keyTerminal, id)
			pipe.Del(ctx, jobKey(id))
			if _, err := pipe.Exec(ctx); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (s *Store) leaseMillis() int64 {
	if s.leaseDuration > 0 {
		return s.leaseDuration.Milliseconds()
	}
	return (5 * time.Minute).Milliseconds()
}

// SetLeaseDuration sets the lease renewal window used by progress/heartbeat.
func (s *Store) SetLeaseDuration(d time.Duration) {
	if d > 0 {
		s.leaseDuration = d
	}
}

func (s *Store) cancelGraceMillis() int64 {
	if s.cancelGrace > 0 {
		return s.cancelGrace.Milliseconds()
	}
	return (30 * time.Second).Milliseconds()
}

// SetCancelGrace bounds how long a cancellation intent waits for the owning
// worker to heartbeat before it is dropped.
func (s *Store) SetCancelGrace(d time.Duration) {
	if d > 0 {
		s.cancelGrace = d
	}
}

func statusError(op, id string, res interface{}) error {
	str, _ := res.(string)
	switch str {
	case "ok":
		return nil
	case "not_found":
		return fmt.Errorf("op=%s: job %s: %w", op, id, domain.ErrNotFound)
	case "not_owner":
		return fmt.Errorf("op=%s: job %s: %w", op, id, domain.ErrLeaseNotOwned)
	case "conflict":
		return fmt.Errorf("op=%s: job %s: %w", op, id, domain.ErrConflict)
	default:
		return fmt.Errorf("op=%s: job %s: unexpected result %q: %w", op, id, str, domain.ErrInternal)
	}
}

func eventFromScriptPair(res interface{}, idx int) (*domain.Event, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) <= idx {
		return nil, fmt.Errorf("op=eventFromScriptPair: unexpected script result: %w", domain.ErrInternal)
	}
	str, ok := arr[idx].(string)
	if !ok {
		return nil, fmt.Errorf("op=eventFromScriptPair: unexpected element: %w", domain.ErrInternal)
	}
	return decodeEventJSON(str)
}

func toInt(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}
