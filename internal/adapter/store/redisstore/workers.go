package redisstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gpuforge/broker/internal/domain"
)

// failureRingSize bounds the per-worker failure attestation ring.
const failureRingSize = 50

// Register implements domain.WorkerRegistry. Re-registration of a known
// worker refreshes its descriptor and revives a dead session.
func (s *Store) Register(ctx domain.Context, desc domain.CapabilityDescriptor, now time.Time) (domain.Event, error) {
	descJSON, _ := json.Marshal(desc)
	err := s.retry(ctx, "workers.Register", func() error {
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, workerKey(desc.WorkerID),
			"id", desc.WorkerID,
			"descriptor", string(descJSON),
			"status", string(domain.WorkerIdle),
			"last_heartbeat", nowMillis(now),
			"registered_at", nowMillis(now),
		)
		pipe.SAdd(ctx, keyWorkers, desc.WorkerID)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return domain.Event{}, err
	}
	ev, _ := s.newEvent(domain.EventWorkerRegistered, "", domain.WorkerEventPayload{
		WorkerID:  desc.WorkerID,
		MachineID: desc.MachineID,
		Status:    domain.WorkerIdle,
	})
	if _, err := s.Append(ctx, ev); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

// Heartbeat implements domain.WorkerRegistry. Returns the cancellation
// intents recorded since the previous beat; they are drained atomically so
// each intent is surfaced once (the janitor backstops lost ones).
func (s *Store) Heartbeat(ctx domain.Context, workerID string, now time.Time, activeWork bool) ([]string, error) {
	flag := "0"
	if activeWork {
		flag = "1"
	}
	var res interface{}
	err := s.retry(ctx, "workers.Heartbeat", func() error {
		var runErr error
		res, runErr = scriptHeartbeat.Run(ctx, s.rdb,
			[]string{workerKey(workerID), workerJobsKey(workerID), workerCancelKey(workerID)},
			nowMillis(now), flag, s.leaseMillis()).Result()
		return runErr
	})
	if err != nil {
		return nil, err
	}
	if str, ok := res.(string); ok {
		switch str {
		case "not_registered":
			return nil, fmt.Errorf("op=workers.Heartbeat: worker %s: %w", workerID, domain.ErrWorkerNotRegistered)
		case "dead":
			return nil, fmt.Errorf("op=workers.Heartbeat: worker %s is dead: %w", workerID, domain.ErrWorkerNotRegistered)
		}
	}
	arr, _ := res.([]interface{})
	cancels := make([]string, 0, len(arr))
	for _, v := range arr {
		if id, ok := v.(string); ok {
			cancels = append(cancels, id)
		}
	}
	return cancels, nil
}

// Release implements domain.WorkerRegistry.
func (s *Store) Release(ctx domain.Context, workerID string, status domain.WorkerStatus) error {
	if status != domain.WorkerDraining && status != domain.WorkerDead {
		return fmt.Errorf("op=workers.Release: %w: status %s", domain.ErrInvalidArgument, status)
	}
	return s.retry(ctx, "workers.Release", func() error {
		n, err := s.rdb.Exists(ctx, workerKey(workerID)).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("op=workers.Release: worker %s: %w", workerID, domain.ErrWorkerNotRegistered)
		}
		return s.rdb.HSet(ctx, workerKey(workerID), "status", string(status)).Err()
	})
}

// RequestCancel implements domain.WorkerRegistry: records a cancellation
// intent the worker will observe on its next heartbeat reply. The intent set
// expires after the cancel grace window so intents for vanished workers do
// not linger.
func (s *Store) RequestCancel(ctx domain.Context, workerID, jobID string) error {
	return s.retry(ctx, "workers.RequestCancel", func() error {
		pipe := s.rdb.TxPipeline()
		pipe.SAdd(ctx, workerCancelKey(workerID), jobID)
		pipe.PExpire(ctx, workerCancelKey(workerID), time.Duration(s.cancelGraceMillis())*time.Millisecond)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// RecordFailure implements domain.WorkerRegistry: pushes onto the bounded
// attestation ring.
func (s *Store) RecordFailure(ctx domain.Context, workerID string, rec domain.FailureRecord) error {
	data, _ := json.Marshal(rec)
	return s.retry(ctx, "workers.RecordFailure", func() error {
		pipe := s.rdb.TxPipeline()
		pipe.LPush(ctx, workerFailuresKey(workerID), string(data))
		pipe.LTrim(ctx, workerFailuresKey(workerID), 0, failureRingSize-1)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// GetWorker implements domain.WorkerRegistry.
func (s *Store) GetWorker(ctx domain.Context, workerID string) (domain.Worker, error) {
	var h map[string]string
	err := s.retry(ctx, "workers.Get", func() error {
		var runErr error
		h, runErr = s.rdb.HGetAll(ctx, workerKey(workerID)).Result()
		return runErr
	})
	if err != nil {
		return domain.Worker{}, err
	}
	if len(h) == 0 {
		return domain.Worker{}, fmt.Errorf("op=workers.Get: worker %s: %w", workerID, domain.ErrNotFound)
	}
	w, err := workerFromHash(h)
	if err != nil {
		return domain.Worker{}, err
	}
	if jobs, err := s.rdb.SMembers(ctx, workerJobsKey(workerID)).Result(); err == nil {
		w.ActiveJobs = jobs
	}
	if cancels, err := s.rdb.SMembers(ctx, workerCancelKey(workerID)).Result(); err == nil {
		w.CancelPending = cancels
	}
	return w, nil
}

// ListWorkers implements domain.WorkerRegistry.
func (s *Store) ListWorkers(ctx domain.Context) ([]domain.Worker, error) {
	ids, err := s.rdb.SMembers(ctx, keyWorkers).Result()
	if err != nil {
		return nil, fmt.Errorf("op=workers.List: %w: %v", domain.ErrStoreUnavailable, err)
	}
	out := make([]domain.Worker, 0, len(ids))
	for _, id := range ids {
		w, err := s.GetWorker(ctx, id)
		if err != nil {
			continue // deregistered between SMEMBERS and HGETALL
		}
		out = append(out, w)
	}
	return out, nil
}

// WorkerFailures returns the attestation ring, newest first.
func (s *Store) WorkerFailures(ctx domain.Context, workerID string) ([]domain.FailureRecord, error) {
	raw, err := s.rdb.LRange(ctx, workerFailuresKey(workerID), 0, failureRingSize-1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("op=workers.Failures: %w: %v", domain.ErrStoreUnavailable, err)
	}
	out := make([]domain.FailureRecord, 0, len(raw))
	for _, r := range raw {
		var rec domain.FailureRecord
		if err := json.Unmarshal([]byte(r), &rec); err == nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

// MarkDeadIfSilent flips a silent worker to dead exactly once; the returned
// event is nil when nothing changed.
func (s *Store) MarkDeadIfSilent(ctx domain.Context, workerID string, now time.Time, deadAfter time.Duration) (*domain.Event, error) {
	var res interface{}
	err := s.retry(ctx, "workers.MarkDeadIfSilent", func() error {
		var runErr error
		res, runErr = scriptMarkDead.Run(ctx, s.rdb, []string{workerKey(workerID)},
			nowMillis(now), deadAfter.Milliseconds()).Result()
		return runErr
	})
	if err != nil {
		return nil, err
	}
	if str, _ := res.(string); str != "dead" {
		return nil, nil
	}
	ev, _ := s.newEvent(domain.EventWorkerLost, "", domain.WorkerEventPayload{
		WorkerID: workerID,
		Status:   domain.WorkerDead,
	})
	if _, err := s.Append(ctx, ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func workerFromHash(h map[string]string) (domain.Worker, error) {
	w := domain.Worker{Status: domain.WorkerStatus(h["status"])}
	if h["descriptor"] != "" {
		if err := json.Unmarshal([]byte(h["descriptor"]), &w.CapabilityDescriptor); err != nil {
			return domain.Worker{}, fmt.Errorf("op=workerFromHash: descriptor: %w", err)
		}
	}
	if ms, err := strconv.ParseInt(h["last_heartbeat"], 10, 64); err == nil {
		w.LastHeartbeatAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(h["registered_at"], 10, 64); err == nil {
		w.RegisteredAt = time.UnixMilli(ms).UTC()
	}
	return w, nil
}
