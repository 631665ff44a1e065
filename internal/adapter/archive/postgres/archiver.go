// Package postgres archives terminal job and workflow records so history
// survives the store's retention GC.
//
// Expected schema:
//
//	CREATE TABLE archived_jobs (
//	    id            TEXT PRIMARY KEY,
//	    service_type  TEXT NOT NULL,
//	    status        TEXT NOT NULL,
//	    attempt       INT NOT NULL,
//	    worker_id     TEXT NOT NULL DEFAULT '',
//	    result        JSONB,
//	    error         JSONB,
//	    workflow_id   TEXT NOT NULL DEFAULT '',
//	    step_index    INT NOT NULL DEFAULT -1,
//	    event_id      TEXT NOT NULL,
//	    finished_at   TIMESTAMPTZ NOT NULL,
//	    archived_at   TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE archived_workflows (
//	    id              TEXT PRIMARY KEY,
//	    name            TEXT NOT NULL,
//	    status          TEXT NOT NULL,
//	    total_steps     INT NOT NULL,
//	    completed_count INT NOT NULL,
//	    failed_count    INT NOT NULL,
//	    step_details    JSONB,
//	    event_id        TEXT NOT NULL,
//	    finished_at     TIMESTAMPTZ NOT NULL,
//	    archived_at     TIMESTAMPTZ NOT NULL
//	);
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/gpuforge/broker/internal/domain"
)

// PgxPool is the minimal pool surface the archiver needs.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPool creates a pgx connection pool from the provided DSN.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// Archiver upserts terminal records keyed by id, so redelivered events are
// harmless.
type Archiver struct{ Pool PgxPool }

// NewArchiver constructs an Archiver with the given pool.
func NewArchiver(p PgxPool) *Archiver { return &Archiver{Pool: p} }

// HandleEvent archives terminal job and workflow events; everything else is
// ignored. Used as the durable handler of the archive consumer group.
func (a *Archiver) HandleEvent(ctx context.Context, se domain.StoredEvent) error {
	switch se.Event.Type {
	case domain.EventJobCompleted, domain.EventJobCancelled:
		return a.archiveJob(ctx, se.Event)
	case domain.EventJobFailed:
		var p domain.JobEventPayload
		if err := json.Unmarshal(se.Event.Payload, &p); err != nil {
			return fmt.Errorf("op=archive.HandleEvent: %w", err)
		}
		if p.WillRetry {
			return nil // requeued, not terminal
		}
		return a.archiveJob(ctx, se.Event)
	case domain.EventWorkflowCompleted, domain.EventWorkflowFailed:
		return a.archiveWorkflow(ctx, se.Event)
	default:
		return nil
	}
}

func (a *Archiver) archiveJob(ctx context.Context, ev domain.Event) error {
	tracer := otel.Tracer("archive.jobs")
	ctx, span := tracer.Start(ctx, "jobs.archive")
	defer span.End()

	var p domain.JobEventPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("op=archive.job: %w", err)
	}
	var errJSON []byte
	if p.Error != nil {
		errJSON, _ = json.Marshal(p.Error)
	}
	workflowID := ""
	stepIndex := -1
	if p.WorkflowRef != nil {
		workflowID = p.WorkflowRef.WorkflowID
		stepIndex = p.WorkflowRef.StepIndex
	}
	q := `INSERT INTO archived_jobs (id, service_type, status, attempt, worker_id, result, error, workflow_id, step_index, event_id, finished_at, archived_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	      ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, attempt=EXCLUDED.attempt, result=EXCLUDED.result, error=EXCLUDED.error, event_id=EXCLUDED.event_id, finished_at=EXCLUDED.finished_at, archived_at=EXCLUDED.archived_at`
	_, err := a.Pool.Exec(ctx, q,
		p.JobID, p.ServiceType, string(p.Status), p.Attempt, p.WorkerID,
		nullableJSON(p.Result), nullableJSON(errJSON), workflowID, stepIndex,
		ev.ID, ev.EmittedAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=archive.job: %w", err)
	}
	return nil
}

func (a *Archiver) archiveWorkflow(ctx context.Context, ev domain.Event) error {
	tracer := otel.Tracer("archive.workflows")
	ctx, span := tracer.Start(ctx, "workflows.archive")
	defer span.End()

	var p domain.WorkflowEventPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("op=archive.workflow: %w", err)
	}
	details, _ := json.Marshal(p.StepDetails)
	q := `INSERT INTO archived_workflows (id, name, status, total_steps, completed_count, failed_count, step_details, event_id, finished_at, archived_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	      ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, completed_count=EXCLUDED.completed_count, failed_count=EXCLUDED.failed_count, step_details=EXCLUDED.step_details, event_id=EXCLUDED.event_id, finished_at=EXCLUDED.finished_at, archived_at=EXCLUDED.archived_at`
	_, err := a.Pool.Exec(ctx, q,
		p.WorkflowID, p.Name, string(p.Status), p.TotalSteps, p.CompletedCount, p.FailedCount,
		nullableJSON(details), ev.ID, ev.EmittedAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=archive.workflow: %w", err)
	}
	return nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return b
}
