package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpuforge/broker/internal/domain"
)

type fakePool struct {
	execs []struct {
		sql  string
		args []any
	}
}

func (f *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, struct {
		sql  string
		args []any
	}{sql, args})
	return pgconn.CommandTag{}, nil
}

func (f *fakePool) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func storedJobEvent(t *testing.T, typ domain.EventType, p domain.JobEventPayload) domain.StoredEvent {
	t.Helper()
	payload, err := json.Marshal(p)
	require.NoError(t, err)
	return domain.StoredEvent{
		StreamID: "1-0",
		Event:    domain.Event{ID: "ev-1", Type: typ, EmittedAt: time.Now().UTC(), Payload: payload},
	}
}

func TestArchiverUpsertsTerminalJob(t *testing.T) {
	pool := &fakePool{}
	a := NewArchiver(pool)

	se := storedJobEvent(t, domain.EventJobCompleted, domain.JobEventPayload{
		JobID: "j1", ServiceType: "llm-chat", Status: domain.JobCompleted,
		Attempt: 1, WorkerID: "w1", Result: json.RawMessage(`{"ok":true}`),
	})
	require.NoError(t, a.HandleEvent(context.Background(), se))

	require.Len(t, pool.execs, 1)
	assert.Contains(t, pool.execs[0].sql, "archived_jobs")
	assert.Equal(t, "j1", pool.execs[0].args[0])
	assert.Equal(t, "completed", pool.execs[0].args[2])
}

func TestArchiverSkipsRetryableFailures(t *testing.T) {
	pool := &fakePool{}
	a := NewArchiver(pool)

	se := storedJobEvent(t, domain.EventJobFailed, domain.JobEventPayload{
		JobID: "j1", Status: domain.JobPending, WillRetry: true,
		Error: &domain.JobError{Kind: "timeout", Retryable: true},
	})
	require.NoError(t, a.HandleEvent(context.Background(), se))
	assert.Empty(t, pool.execs)

	se = storedJobEvent(t, domain.EventJobFailed, domain.JobEventPayload{
		JobID: "j1", Status: domain.JobFailed,
		Error: &domain.JobError{Kind: "timeout", Retryable: true},
	})
	require.NoError(t, a.HandleEvent(context.Background(), se))
	require.Len(t, pool.execs, 1)
}

func TestArchiverUpsertsTerminalWorkflow(t *testing.T) {
	pool := &fakePool{}
	a := NewArchiver(pool)

	payload, err := json.Marshal(domain.WorkflowEventPayload{
		WorkflowID: "wf1", Name: "pipeline", Status: domain.WorkflowFailed,
		TotalSteps: 2, CompletedCount: 1, FailedCount: 1,
		StepDetails: []domain.StepDetail{{StepIndex: 0, JobID: "j1", Status: domain.JobCompleted}},
	})
	require.NoError(t, err)
	se := domain.StoredEvent{
		StreamID: "2-0",
		Event:    domain.Event{ID: "ev-2", Type: domain.EventWorkflowFailed, EmittedAt: time.Now().UTC(), Payload: payload},
	}
	require.NoError(t, a.HandleEvent(context.Background(), se))

	require.Len(t, pool.execs, 1)
	assert.Contains(t, pool.execs[0].sql, "archived_workflows")
	assert.Equal(t, "wf1", pool.execs[0].args[0])
}

func TestArchiverIgnoresNonTerminalEvents(t *testing.T) {
	pool := &fakePool{}
	a := NewArchiver(pool)

	se := storedJobEvent(t, domain.EventJobProgress, domain.JobEventPayload{JobID: "j1", Status: domain.JobRunning})
	require.NoError(t, a.HandleEvent(context.Background(), se))
	assert.Empty(t, pool.execs)
}
