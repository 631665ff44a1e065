package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gpuforge/broker/internal/domain"
	"github.com/gpuforge/broker/internal/eventbus"
)

// nopLog satisfies domain.EventLog for tests that only exercise the local tier.
type nopLog struct {
	mu       sync.Mutex
	appended []domain.Event
}

func (n *nopLog) Append(_ context.Context, ev domain.Event) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.appended = append(n.appended, ev)
	return fmt.Sprintf("%d-0", len(n.appended)), nil
}
func (n *nopLog) ReadGroup(context.Context, string, string, int, time.Duration) ([]domain.StoredEvent, error) {
	return nil, nil
}
func (n *nopLog) Ack(context.Context, string, ...string) error { return nil }
func (n *nopLog) Range(context.Context, string, string, int) ([]domain.StoredEvent, error) {
	return nil, nil
}
func (n *nopLog) SubscribeLive(context.Context, func(domain.Event)) (func(), error) {
	return func() {}, nil
}
func (n *nopLog) GroupLag(context.Context, string) (int64, error) { return 0, nil }

func (n *nopLog) events() []domain.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Event(nil), n.appended...)
}

func newTestBus() *eventbus.Bus { return eventbus.New(&nopLog{}, nil, 0) }

func mustJobPayload(j domain.Job, extra func(*domain.JobEventPayload)) json.RawMessage {
	p := domain.JobEventPayload{
		JobID:       j.ID,
		ServiceType: j.ServiceType,
		Status:      j.Status,
		Attempt:     j.Attempt,
		WorkflowRef: j.WorkflowRef,
	}
	if extra != nil {
		extra(&p)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		panic(err)
	}
	return raw
}

// fakeJobs is an in-memory domain.JobRegistry.
type fakeJobs struct {
	mu        sync.Mutex
	jobs      map[string]domain.Job
	cancelled []string
	claimable *domain.Job
	failErr   error
	seq       int
}

func newFakeJobs() *fakeJobs { return &fakeJobs{jobs: make(map[string]domain.Job)} }

func (f *fakeJobs) event(t domain.EventType, payload json.RawMessage) domain.Event {
	f.seq++
	return domain.Event{
		ID:        fmt.Sprintf("ev-%d", f.seq),
		Type:      t,
		EmittedAt: time.Now().UTC(),
		Payload:   payload,
	}
}

func (f *fakeJobs) Submit(_ domain.Context, j domain.Job) (domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[j.ID] = j
	return f.event(domain.EventJobSubmitted, mustJobPayload(j, nil)), nil
}

func (f *fakeJobs) Claim(_ domain.Context, desc domain.CapabilityDescriptor, now time.Time, lease time.Duration) (*domain.Job, *domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimable == nil {
		return nil, nil, nil
	}
	j := *f.claimable
	f.claimable = nil
	j.Status = domain.JobAssigned
	j.Attempt++
	j.Lease = &domain.Lease{WorkerID: desc.WorkerID, ExpiresAt: now.Add(lease)}
	f.jobs[j.ID] = j
	ev := f.event(domain.EventJobAssigned, mustJobPayload(j, func(p *domain.JobEventPayload) {
		p.WorkerID = desc.WorkerID
	}))
	return &j, &ev, nil
}

func (f *fakeJobs) MarkStarted(_ domain.Context, jobID, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = domain.JobRunning
	f.jobs[jobID] = j
	return nil
}

func (f *fakeJobs) ReportProgress(_ domain.Context, jobID, workerID string, fraction float64, message string) (*domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if fraction < j.Progress {
		return nil, nil
	}
	j.Progress = fraction
	f.jobs[jobID] = j
	ev := f.event(domain.EventJobProgress, mustJobPayload(j, func(p *domain.JobEventPayload) {
		p.Progress = fraction
		p.Message = message
	}))
	return &ev, nil
}

func (f *fakeJobs) Complete(_ domain.Context, jobID, workerID string, result json.RawMessage) (*domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if j.Status.Terminal() {
		return nil, nil
	}
	j.Status = domain.JobCompleted
	j.Result = result
	f.jobs[jobID] = j
	ev := f.event(domain.EventJobCompleted, mustJobPayload(j, func(p *domain.JobEventPayload) {
		p.Result = result
	}))
	return &ev, nil
}

func (f *fakeJobs) Fail(_ domain.Context, jobID, workerID string, jerr domain.JobError) (bool, *domain.Event, error) {
	if f.failErr != nil {
		return false, nil, f.failErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return false, nil, domain.ErrNotFound
	}
	willRetry := jerr.Retryable && j.Attempt < j.MaxAttempts
	if willRetry {
		j.Status = domain.JobPending
	} else {
		j.Status = domain.JobFailed
		j.Error = &jerr
	}
	f.jobs[jobID] = j
	ev := f.event(domain.EventJobFailed, mustJobPayload(j, func(p *domain.JobEventPayload) {
		p.Error = &jerr
		p.WillRetry = willRetry
	}))
	return willRetry, &ev, nil
}

func (f *fakeJobs) Cancel(_ domain.Context, jobID string) (*domain.Event, bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, false, "", domain.ErrNotFound
	}
	if j.Status.Terminal() {
		return nil, false, "", domain.ErrConflict
	}
	wasActive := j.Status == domain.JobAssigned || j.Status == domain.JobRunning
	workerID := ""
	if j.Lease != nil {
		workerID = j.Lease.WorkerID
	}
	j.Status = domain.JobCancelled
	f.jobs[jobID] = j
	f.cancelled = append(f.cancelled, jobID)
	ev := f.event(domain.EventJobCancelled, mustJobPayload(j, nil))
	return &ev, wasActive, workerID, nil
}

func (f *fakeJobs) Get(_ domain.Context, jobID string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

// fakeWorkflows is an in-memory domain.WorkflowStore.
type fakeWorkflows struct {
	mu        sync.Mutex
	wfs       map[string]*domain.Workflow
	createErr error
	finalized map[string]domain.WorkflowStatus
	seq       int
}

func newFakeWorkflows() *fakeWorkflows {
	return &fakeWorkflows{wfs: make(map[string]*domain.Workflow), finalized: make(map[string]domain.WorkflowStatus)}
}

func (f *fakeWorkflows) Create(_ domain.Context, wf domain.Workflow, stepJobs []domain.Job) ([]domain.Event, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := wf
	f.wfs[wf.ID] = &cp
	events := make([]domain.Event, 0, 1+len(stepJobs))
	f.seq++
	payload, _ := json.Marshal(domain.WorkflowEventPayload{WorkflowID: wf.ID, Name: wf.Name, Status: wf.Status, TotalSteps: wf.TotalSteps, JobIDs: wf.StepJobs})
	events = append(events, domain.Event{ID: fmt.Sprintf("wfev-%d", f.seq), Type: domain.EventWorkflowSubmitted, EmittedAt: time.Now().UTC(), Payload: payload})
	for _, j := range stepJobs {
		f.seq++
		events = append(events, domain.Event{ID: fmt.Sprintf("wfev-%d", f.seq), Type: domain.EventJobSubmitted, EmittedAt: time.Now().UTC(), Payload: mustJobPayload(j, nil)})
	}
	return events, nil
}

func (f *fakeWorkflows) GetWorkflow(_ domain.Context, id string) (domain.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.wfs[id]
	if !ok {
		return domain.Workflow{}, domain.ErrNotFound
	}
	return *wf, nil
}

func (f *fakeWorkflows) FillStep(_ domain.Context, id string, detail domain.StepDetail) (bool, domain.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.wfs[id]
	if !ok {
		return false, domain.Workflow{}, domain.ErrNotFound
	}
	for _, d := range wf.StepDetails {
		if d.StepIndex == detail.StepIndex {
			return false, *wf, nil
		}
	}
	wf.StepDetails = append(wf.StepDetails, detail)
	if detail.Status == domain.JobCompleted {
		wf.CompletedCount++
	} else {
		wf.FailedCount++
	}
	if wf.Status == domain.WorkflowPending {
		wf.Status = domain.WorkflowRunning
	}
	return true, *wf, nil
}

func (f *fakeWorkflows) Finalize(_ domain.Context, id string, status domain.WorkflowStatus) (*domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.wfs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if _, done := f.finalized[id]; done {
		return nil, nil
	}
	f.finalized[id] = status
	wf.Status = status
	payload, _ := json.Marshal(domain.WorkflowEventPayload{
		WorkflowID: id, Name: wf.Name, Status: status, TotalSteps: wf.TotalSteps,
		CompletedCount: wf.CompletedCount, FailedCount: wf.FailedCount, StepDetails: wf.StepDetails,
	})
	t := domain.EventWorkflowCompleted
	if status == domain.WorkflowFailed {
		t = domain.EventWorkflowFailed
	}
	ev := domain.Event{ID: "final-" + id, Type: t, EmittedAt: time.Now().UTC(), Payload: payload}
	return &ev, nil
}

// fakeWorkers is an in-memory domain.WorkerRegistry.
type fakeWorkers struct {
	mu       sync.Mutex
	workers  map[string]domain.Worker
	cancels  map[string][]string
	failures map[string][]domain.FailureRecord
}

func newFakeWorkers() *fakeWorkers {
	return &fakeWorkers{
		workers:  make(map[string]domain.Worker),
		cancels:  make(map[string][]string),
		failures: make(map[string][]domain.FailureRecord),
	}
}

func (f *fakeWorkers) Register(_ domain.Context, desc domain.CapabilityDescriptor, now time.Time) (domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workers[desc.WorkerID] = domain.Worker{
		CapabilityDescriptor: desc,
		Status:               domain.WorkerIdle,
		LastHeartbeatAt:      now,
		RegisteredAt:         now,
	}
	payload, _ := json.Marshal(domain.WorkerEventPayload{WorkerID: desc.WorkerID, MachineID: desc.MachineID, Status: domain.WorkerIdle})
	return domain.Event{ID: "reg-" + desc.WorkerID, Type: domain.EventWorkerRegistered, EmittedAt: now, Payload: payload}, nil
}

func (f *fakeWorkers) Heartbeat(_ domain.Context, workerID string, now time.Time, activeWork bool) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[workerID]
	if !ok {
		return nil, domain.ErrWorkerNotRegistered
	}
	w.LastHeartbeatAt = now
	f.workers[workerID] = w
	out := f.cancels[workerID]
	delete(f.cancels, workerID)
	return out, nil
}

func (f *fakeWorkers) Release(_ domain.Context, workerID string, status domain.WorkerStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[workerID]
	if !ok {
		return domain.ErrWorkerNotRegistered
	}
	w.Status = status
	f.workers[workerID] = w
	return nil
}

func (f *fakeWorkers) RequestCancel(_ domain.Context, workerID, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels[workerID] = append(f.cancels[workerID], jobID)
	return nil
}

func (f *fakeWorkers) RecordFailure(_ domain.Context, workerID string, rec domain.FailureRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[workerID] = append(f.failures[workerID], rec)
	return nil
}

func (f *fakeWorkers) WorkerFailures(_ domain.Context, workerID string) ([]domain.FailureRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]domain.FailureRecord(nil), f.failures[workerID]...)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (f *fakeWorkers) GetWorker(_ domain.Context, workerID string) (domain.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[workerID]
	if !ok {
		return domain.Worker{}, domain.ErrWorkerNotRegistered
	}
	return w, nil
}

func (f *fakeWorkers) ListWorkers(_ domain.Context) ([]domain.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Worker, 0, len(f.workers))
	for _, w := range f.workers {
		out = append(out, w)
	}
	return out, nil
}

func (f *fakeWorkers) setStatus(workerID string, status domain.WorkerStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.workers[workerID]
	w.Status = status
	f.workers[workerID] = w
}

// fakeWebhookStore is an in-memory domain.WebhookStore.
type fakeWebhookStore struct {
	mu      sync.Mutex
	hooks   map[string]domain.Webhook
	listErr error
	gets    int
	lists   int
}

func newFakeWebhookStore() *fakeWebhookStore {
	return &fakeWebhookStore{hooks: make(map[string]domain.Webhook)}
}

func (f *fakeWebhookStore) PutWebhook(_ domain.Context, w domain.Webhook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[w.ID] = w
	return nil
}

func (f *fakeWebhookStore) GetWebhook(_ domain.Context, id string) (domain.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	w, ok := f.hooks[id]
	if !ok {
		return domain.Webhook{}, domain.ErrNotFound
	}
	return w, nil
}

func (f *fakeWebhookStore) ListWebhooks(_ domain.Context) ([]domain.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]domain.Webhook, 0, len(f.hooks))
	for _, w := range f.hooks {
		out = append(out, w)
	}
	return out, nil
}

func (f *fakeWebhookStore) DeleteWebhook(_ domain.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.hooks[id]; !ok {
		return domain.ErrNotFound
	}
	delete(f.hooks, id)
	return nil
}

func (f *fakeWebhookStore) SetWebhookActive(_ domain.Context, id string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.hooks[id]
	if !ok {
		return domain.ErrNotFound
	}
	w.Active = active
	f.hooks[id] = w
	return nil
}

// fakeIdem is an in-memory domain.IdempotencyIndex.
type fakeIdem struct {
	mu      sync.Mutex
	entries map[string][2]string // key -> {specHash, jobID}
}

func newFakeIdem() *fakeIdem { return &fakeIdem{entries: make(map[string][2]string)} }

func (f *fakeIdem) Reserve(_ domain.Context, key, specHash, jobID string, _ time.Duration) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.entries[key]; ok {
		if existing[0] == specHash {
			return existing[1], false, nil
		}
		return "", false, fmt.Errorf("key held by a different spec: %w", domain.ErrConflict)
	}
	f.entries[key] = [2]string{specHash, jobID}
	return "", true, nil
}

// fakeStats is a static StatsSource.
type fakeStats struct{ pending, active, terminal int64 }

func (f fakeStats) PendingDepth(domain.Context) (int64, error)  { return f.pending, nil }
func (f fakeStats) ActiveCount(domain.Context) (int64, error)   { return f.active, nil }
func (f fakeStats) TerminalCount(domain.Context) (int64, error) { return f.terminal, nil }

var idCounter int

func testNewID() string {
	idCounter++
	return fmt.Sprintf("id-%04d", idCounter)
}
