package usecase

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpuforge/broker/internal/domain"
	"github.com/gpuforge/broker/internal/eventbus"
)

func testDescriptor(workerID string) domain.CapabilityDescriptor {
	return domain.CapabilityDescriptor{
		WorkerID:          workerID,
		MachineID:         "m-1",
		ServiceTypes:      []string{"image-gen-sdxl"},
		CapabilityTags:    []string{"sdxl", "fp16"},
		GPUMemoryMB:       24576,
		MaxConcurrentJobs: 2,
	}
}

func newTestWorkerService(jobs *fakeJobs, workers *fakeWorkers) *WorkerService {
	return NewWorkerService(jobs, workers, newTestBus(), testNewID, time.Minute)
}

func TestRegisterRequiresDescriptor(t *testing.T) {
	svc := newTestWorkerService(newFakeJobs(), newFakeWorkers())

	_, err := svc.Register(context.Background(), domain.CapabilityDescriptor{})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.Register(context.Background(), domain.CapabilityDescriptor{WorkerID: "w1"})
	require.ErrorIs(t, err, domain.ErrInvalidArgument, "service types required")

	w, err := svc.Register(context.Background(), testDescriptor("w1"))
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerIdle, w.Status)
}

func TestRequestWorkClaimsEligibleJob(t *testing.T) {
	jobs := newFakeJobs()
	workers := newFakeWorkers()
	svc := newTestWorkerService(jobs, workers)

	_, err := svc.Register(context.Background(), testDescriptor("w1"))
	require.NoError(t, err)

	jobs.claimable = &domain.Job{ID: "j1", ServiceType: "image-gen-sdxl", Status: domain.JobPending, MaxAttempts: 3}
	got, err := svc.RequestWork(context.Background(), testDescriptor("w1"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "j1", got.ID)
	assert.Equal(t, domain.JobAssigned, got.Status)
	assert.Equal(t, 1, got.Attempt)
	require.NotNil(t, got.Lease)
	assert.Equal(t, "w1", got.Lease.WorkerID)

	// Queue empty now.
	got, err = svc.RequestWork(context.Background(), testDescriptor("w1"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRequestWorkRefusedWhileDraining(t *testing.T) {
	workers := newFakeWorkers()
	svc := newTestWorkerService(newFakeJobs(), workers)

	_, err := svc.Register(context.Background(), testDescriptor("w1"))
	require.NoError(t, err)
	require.NoError(t, svc.Release(context.Background(), "w1", domain.WorkerDraining))

	_, err = svc.RequestWork(context.Background(), testDescriptor("w1"))
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestRequestWorkRejectsUnregistered(t *testing.T) {
	svc := newTestWorkerService(newFakeJobs(), newFakeWorkers())
	_, err := svc.RequestWork(context.Background(), testDescriptor("ghost"))
	require.ErrorIs(t, err, domain.ErrWorkerNotRegistered)
}

func TestCompleteRejectedFromDeadWorker(t *testing.T) {
	jobs := newFakeJobs()
	workers := newFakeWorkers()
	svc := newTestWorkerService(jobs, workers)

	_, err := svc.Register(context.Background(), testDescriptor("w1"))
	require.NoError(t, err)
	workers.setStatus("w1", domain.WorkerDead)

	err = svc.Complete(context.Background(), "j1", "w1", json.RawMessage(`{}`))
	require.ErrorIs(t, err, domain.ErrWorkerNotRegistered)
}

func TestProgressValidatesFraction(t *testing.T) {
	svc := newTestWorkerService(newFakeJobs(), newFakeWorkers())
	err := svc.Progress(context.Background(), "j1", "w1", 1.5, "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestFailRecordsAttestationAndReportsRetry(t *testing.T) {
	jobs := newFakeJobs()
	workers := newFakeWorkers()
	svc := newTestWorkerService(jobs, workers)

	_, err := svc.Register(context.Background(), testDescriptor("w1"))
	require.NoError(t, err)

	_, err = jobs.Submit(context.Background(), domain.Job{ID: "j1", ServiceType: "image-gen-sdxl", Status: domain.JobRunning, Attempt: 1, MaxAttempts: 3})
	require.NoError(t, err)

	willRetry, err := svc.Fail(context.Background(), "j1", "w1", domain.JobError{Kind: "oom", Message: "cuda oom", Retryable: true})
	require.NoError(t, err)
	assert.True(t, willRetry)
	require.Len(t, workers.failures["w1"], 1)
	assert.Equal(t, "oom", workers.failures["w1"][0].Kind)

	// Exhausted attempts finalize.
	_, err = jobs.Submit(context.Background(), domain.Job{ID: "j2", ServiceType: "image-gen-sdxl", Status: domain.JobRunning, Attempt: 3, MaxAttempts: 3})
	require.NoError(t, err)
	willRetry, err = svc.Fail(context.Background(), "j2", "w1", domain.JobError{Kind: "oom", Message: "cuda oom", Retryable: true})
	require.NoError(t, err)
	assert.False(t, willRetry)
}

func TestHeartbeatDrainsCancellationIntents(t *testing.T) {
	workers := newFakeWorkers()
	svc := newTestWorkerService(newFakeJobs(), workers)

	_, err := svc.Register(context.Background(), testDescriptor("w1"))
	require.NoError(t, err)
	require.NoError(t, workers.RequestCancel(context.Background(), "w1", "j9"))

	ids, err := svc.Heartbeat(context.Background(), "w1", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"j9"}, ids)

	// Intent delivered once.
	ids, err = svc.Heartbeat(context.Background(), "w1", false)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestHeartbeatAppendsLivenessEvent(t *testing.T) {
	workers := newFakeWorkers()
	log := &nopLog{}
	svc := NewWorkerService(newFakeJobs(), workers, eventbus.New(log, nil, 0), testNewID, time.Minute)

	_, err := svc.Register(context.Background(), testDescriptor("w1"))
	require.NoError(t, err)

	_, err = svc.Heartbeat(context.Background(), "w1", false)
	require.NoError(t, err)

	var beats []domain.Event
	for _, ev := range log.events() {
		if ev.Type == domain.EventWorkerHeartbeat {
			beats = append(beats, ev)
		}
	}
	require.Len(t, beats, 1)
	var p domain.WorkerEventPayload
	require.NoError(t, json.Unmarshal(beats[0].Payload, &p))
	assert.Equal(t, "w1", p.WorkerID)

	// An unknown worker refreshes nothing and emits nothing.
	_, err = svc.Heartbeat(context.Background(), "ghost", false)
	require.ErrorIs(t, err, domain.ErrWorkerNotRegistered)
	assert.Len(t, log.events(), 1)
}

func TestReleaseValidatesStatus(t *testing.T) {
	workers := newFakeWorkers()
	svc := newTestWorkerService(newFakeJobs(), workers)

	_, err := svc.Register(context.Background(), testDescriptor("w1"))
	require.NoError(t, err)

	require.ErrorIs(t, svc.Release(context.Background(), "w1", domain.WorkerBusy), domain.ErrInvalidArgument)
	require.NoError(t, svc.Release(context.Background(), "w1", domain.WorkerDraining))
}
