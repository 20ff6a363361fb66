package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fnrouter/fnrouter/internal/core"
	"github.com/fnrouter/fnrouter/internal/data"
	"github.com/fnrouter/fnrouter/internal/domain/model"
)

var scheduleTestBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeScheduleStore is an in-memory ScheduleRepository with the same patch
// semantics as the persisted store.
type fakeScheduleStore struct {
	mu        sync.Mutex
	seq       int
	wakeups   int
	rows      map[string]*model.Schedule
	createErr error
	updateErr error
}

func (f *fakeScheduleStore) wakeupCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wakeups
}

func newFakeScheduleStore() *fakeScheduleStore {
	return &fakeScheduleStore{rows: make(map[string]*model.Schedule)}
}

func (f *fakeScheduleStore) Create(_ context.Context, sched *model.Schedule) (*model.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	if _, ok := f.rows[sched.Name]; ok {
		return nil, data.ErrDuplicateName
	}
	f.seq++
	row := sched.Clone()
	row.ID = fmt.Sprintf("sched-%d", f.seq)
	f.rows[sched.Name] = row
	return row.Clone(), nil
}

func (f *fakeScheduleStore) GetByName(_ context.Context, name string) (*model.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[name]
	if !ok {
		return nil, data.ErrScheduleNotFound
	}
	return row.Clone(), nil
}

func (f *fakeScheduleStore) GetByID(_ context.Context, id string) (*model.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			return row.Clone(), nil
		}
	}
	return nil, data.ErrScheduleNotFound
}

func (f *fakeScheduleStore) GetAll(_ context.Context) ([]*model.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.Schedule, 0, len(f.rows))
	for _, row := range f.rows {
		out = append(out, row.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeScheduleStore) GetDueBefore(_ context.Context, t time.Time) ([]*model.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Schedule
	for _, row := range f.rows {
		if row.Status == model.ScheduleStatusActive && row.NextRunAt != nil && !row.NextRunAt.After(t) {
			out = append(out, row.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(*out[j].NextRunAt) })
	return out, nil
}

func (f *fakeScheduleStore) NextWakeup(_ context.Context) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wakeups++
	var soonest *time.Time
	for _, row := range f.rows {
		if row.Status != model.ScheduleStatusActive || row.NextRunAt == nil {
			continue
		}
		if soonest == nil || row.NextRunAt.Before(*soonest) {
			t := *row.NextRunAt
			soonest = &t
		}
	}
	return soonest, nil
}

func (f *fakeScheduleStore) Update(_ context.Context, name string, patch model.SchedulePatch) (*model.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	row, ok := f.rows[name]
	if !ok {
		return nil, data.ErrScheduleNotFound
	}
	if patch.Description != nil {
		row.Description = patch.Description
	}
	if patch.ClearDescription {
		row.Description = nil
	}
	if patch.Status != nil {
		row.Status = *patch.Status
	}
	if patch.NextRunAt != nil {
		row.NextRunAt = patch.NextRunAt
	}
	if patch.ClearNextRunAt {
		row.NextRunAt = nil
	}
	if patch.Interval != nil {
		row.Interval = *patch.Interval
	}
	if patch.JobPayload != nil {
		row.Job.Payload = *patch.JobPayload
	}
	if patch.JobPriority != nil {
		row.Job.Priority = *patch.JobPriority
	}
	if patch.JobMaxRetries != nil {
		row.Job.MaxRetries = *patch.JobMaxRetries
	}
	if patch.ActiveJobID != nil {
		row.ActiveJobID = patch.ActiveJobID
	}
	if patch.ClearActiveJobID {
		row.ActiveJobID = nil
	}
	if patch.ConsecutiveFailures != nil {
		row.ConsecutiveFailures = *patch.ConsecutiveFailures
	}
	if patch.MaxFailures != nil {
		row.MaxConsecutiveFailures = *patch.MaxFailures
	}
	if patch.LastError != nil {
		row.LastError = patch.LastError
	}
	if patch.ClearLastError {
		row.LastError = nil
	}
	if patch.LastTriggeredAt != nil {
		row.LastTriggeredAt = patch.LastTriggeredAt
	}
	if patch.LastCompletedAt != nil {
		row.LastCompletedAt = patch.LastCompletedAt
	}
	return row.Clone(), nil
}

func (f *fakeScheduleStore) Delete(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[name]; !ok {
		return false, nil
	}
	delete(f.rows, name)
	return true, nil
}

func (f *fakeScheduleStore) DeleteEphemeral(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for name, row := range f.rows {
		if !row.IsPersistent {
			delete(f.rows, name)
			n++
		}
	}
	return n, nil
}

func (f *fakeScheduleStore) ListWithActiveJob(_ context.Context) ([]*model.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Schedule
	for _, row := range f.rows {
		if row.ActiveJobID != nil {
			out = append(out, row.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeScheduleStore) seed(sched *model.Schedule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	row := sched.Clone()
	if row.ID == "" {
		row.ID = fmt.Sprintf("sched-%d", f.seq)
	}
	f.rows[row.Name] = row
}

// fakeJobQueue records enqueued jobs and lets tests drive them to a terminal
// state.
type fakeJobQueue struct {
	mu         sync.Mutex
	seq        int
	jobs       map[string]*model.Job
	enqueueErr error
	onEnqueue  func(*model.Job)
	cancelled  map[string]string
}

func newFakeJobQueue() *fakeJobQueue {
	return &fakeJobQueue{
		jobs:      make(map[string]*model.Job),
		cancelled: make(map[string]string),
	}
}

func (f *fakeJobQueue) Enqueue(_ context.Context, req *model.EnqueueRequest) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return nil, f.enqueueErr
	}
	f.seq++
	job := &model.Job{
		ID:            fmt.Sprintf("job-%d", f.seq),
		Type:          req.Type,
		Status:        model.JobStatusPending,
		Priority:      req.Priority,
		Payload:       req.Payload,
		MaxRetries:    req.MaxRetries,
		ExecutionMode: req.ExecutionMode,
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
	}
	if f.onEnqueue != nil {
		f.onEnqueue(job)
	}
	f.jobs[job.ID] = job
	cp := *job
	return &cp, nil
}

func (f *fakeJobQueue) GetJob(_ context.Context, id string) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (f *fakeJobQueue) CancelJob(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		// Matches the persisted queue: cancelling a purged job is a no-op.
		return nil
	}
	if job.Status.Terminal() {
		return nil
	}
	job.Status = model.JobStatusCancelled
	job.CancelReason = &reason
	f.cancelled[id] = reason
	return nil
}

func (f *fakeJobQueue) finish(id string, status model.JobStatus, result json.RawMessage, lastError string) *model.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[id]
	job.Status = status
	job.Result = result
	if lastError != "" {
		job.LastError = &lastError
	}
	cp := *job
	return &cp
}

func (f *fakeJobQueue) jobCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func (f *fakeJobQueue) seed(job *model.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
}

// fakeCompletionStream captures subscriptions and delivers events on demand.
type fakeCompletionStream struct {
	mu           sync.Mutex
	subs         map[string]func(model.CompletionEvent)
	subscribeErr error
	unsubscribed []string
}

func newFakeCompletionStream() *fakeCompletionStream {
	return &fakeCompletionStream{subs: make(map[string]func(model.CompletionEvent))}
}

func (f *fakeCompletionStream) SubscribeCompletion(
	_ context.Context,
	jobID string,
	fn func(model.CompletionEvent),
) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.subs[jobID] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, jobID)
		f.unsubscribed = append(f.unsubscribed, jobID)
	}, nil
}

func (f *fakeCompletionStream) deliver(jobID string, event model.CompletionEvent) bool {
	f.mu.Lock()
	fn, ok := f.subs[jobID]
	f.mu.Unlock()
	if !ok {
		return false
	}
	fn(event)
	return true
}

func (f *fakeCompletionStream) subscribed(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[jobID]
	return ok
}

type scheduleFixture struct {
	repo   *fakeScheduleStore
	queue  *fakeJobQueue
	stream *fakeCompletionStream
	clock  *data.FixedTimeProvider
	svc    *ScheduleService
}

func newScheduleFixture(t *testing.T, mutate ...func(*ScheduleServiceOptions)) *scheduleFixture {
	t.Helper()

	fx := &scheduleFixture{
		repo:   newFakeScheduleStore(),
		queue:  newFakeJobQueue(),
		stream: newFakeCompletionStream(),
		clock:  data.NewFixedTimeProvider(scheduleTestBase),
	}

	opts := ScheduleServiceOptions{
		Repo:         fx.repo,
		Queue:        fx.queue,
		Completions:  fx.stream,
		TimeProvider: fx.clock,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	svc, err := NewScheduleService(opts)
	require.NoError(t, err)
	fx.svc = svc
	return fx
}

func (fx *scheduleFixture) register(t *testing.T, req *model.CreateScheduleRequest) *model.Schedule {
	t.Helper()
	created, err := fx.svc.Register(context.Background(), req)
	require.NoError(t, err)
	return created
}

func sequentialRequest(name string) *model.CreateScheduleRequest {
	return &model.CreateScheduleRequest{
		Name:         name,
		Type:         model.ScheduleTypeSequentialInterval,
		Interval:     5 * time.Minute,
		IsPersistent: true,
		Job:          jobTemplateFixture(),
	}
}

// jobTemplateFixture returns a minimal job template for tests.
func jobTemplateFixture() model.JobTemplate {
	return model.JobTemplate{
		Type:    "fetch_feed",
		Payload: json.RawMessage(`{"feed":"main"}`),
	}
}

func TestScheduleService_NewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := NewScheduleService(ScheduleServiceOptions{Queue: newFakeJobQueue()})
	assert.ErrorContains(t, err, "schedule repository is required")

	_, err = NewScheduleService(ScheduleServiceOptions{Repo: newFakeScheduleStore()})
	assert.ErrorContains(t, err, "job queue is required")

	_, err = NewScheduleService(ScheduleServiceOptions{
		Repo:   newFakeScheduleStore(),
		Queue:  newFakeJobQueue(),
		Config: &core.ScheduleEngineConfig{ResultNextRunPath: "not a [ valid path"},
	})
	assert.ErrorContains(t, err, "compile result next-run path")
}

func TestScheduleService_Register_Defaults(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t)

	created := fx.register(t, sequentialRequest("poller"))

	assert.Equal(t, model.ScheduleStatusActive, created.Status)
	require.NotNil(t, created.NextRunAt)
	assert.True(t, created.NextRunAt.Equal(scheduleTestBase.Add(5*time.Minute)))
	assert.Equal(t, 5, created.MaxConsecutiveFailures)
}

func TestScheduleService_Register_Invalid(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t)

	_, err := fx.svc.Register(context.Background(), nil)
	assert.Error(t, err)

	_, err = fx.svc.Register(context.Background(), &model.CreateScheduleRequest{
		Type: model.ScheduleTypeOneOff,
		Job:  jobTemplateFixture(),
	})
	assert.ErrorContains(t, err, "name is required")
}

func TestScheduleService_Register_DuplicateName(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t)

	fx.register(t, sequentialRequest("poller"))
	_, err := fx.svc.Register(context.Background(), sequentialRequest("poller"))
	assert.ErrorIs(t, err, data.ErrDuplicateName)
}

func TestScheduleService_TriggerNow_OneOff(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t)
	ctx := context.Background()

	future := scheduleTestBase.Add(time.Hour)
	fx.register(t, &model.CreateScheduleRequest{
		Name:      "report",
		Type:      model.ScheduleTypeOneOff,
		NextRunAt: &future,
		Job:       model.JobTemplate{Type: "report", Priority: 7},
	})

	fired, err := fx.svc.TriggerNow(ctx, "report")
	require.NoError(t, err)

	assert.Equal(t, model.ScheduleStatusCompleted, fired.Status)
	assert.Nil(t, fired.NextRunAt)
	require.NotNil(t, fired.ActiveJobID)
	require.NotNil(t, fired.LastTriggeredAt)
	assert.True(t, fired.LastTriggeredAt.Equal(scheduleTestBase))

	job, err := fx.queue.GetJob(ctx, *fired.ActiveJobID)
	require.NoError(t, err)
	assert.Equal(t, "report", job.Type)
	assert.Equal(t, 7, job.Priority)
	assert.True(t, fx.stream.subscribed(job.ID))

	done := fx.queue.finish(job.ID, model.JobStatusCompleted, nil, "")
	fx.stream.deliver(job.ID, model.CompletionEvent{Type: model.CompletionCompleted, Job: done})

	after, err := fx.svc.Get(ctx, "report")
	require.NoError(t, err)
	assert.Nil(t, after.ActiveJobID)
	assert.Equal(t, model.ScheduleStatusCompleted, after.Status)
	require.NotNil(t, after.LastCompletedAt)
	assert.True(t, after.LastCompletedAt.Equal(scheduleTestBase))
	assert.False(t, fx.stream.subscribed(job.ID))
}

func TestScheduleService_TriggerNow_SequentialInterval(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t)
	ctx := context.Background()

	fx.register(t, sequentialRequest("poller"))

	fired, err := fx.svc.TriggerNow(ctx, "poller")
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusActive, fired.Status)
	assert.Nil(t, fired.NextRunAt)
	require.NotNil(t, fired.ActiveJobID)
	jobID := *fired.ActiveJobID

	fx.clock.AddTime(30 * time.Second)
	completedAt := fx.clock.Now()

	done := fx.queue.finish(jobID, model.JobStatusCompleted, nil, "")
	fx.stream.deliver(jobID, model.CompletionEvent{Type: model.CompletionCompleted, Job: done})

	after, err := fx.svc.Get(ctx, "poller")
	require.NoError(t, err)
	assert.Nil(t, after.ActiveJobID)
	require.NotNil(t, after.NextRunAt)
	assert.True(t, after.NextRunAt.Equal(completedAt.Add(5*time.Minute)))
	assert.Zero(t, after.ConsecutiveFailures)
	assert.Nil(t, after.LastError)
}

func TestScheduleService_TriggerNow_ConcurrentInterval(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t)
	ctx := context.Background()

	fx.register(t, &model.CreateScheduleRequest{
		Name:     "sweeper",
		Type:     model.ScheduleTypeConcurrentInterval,
		Interval: time.Minute,
		Job:      jobTemplateFixture(),
	})

	fired, err := fx.svc.TriggerNow(ctx, "sweeper")
	require.NoError(t, err)

	// Fire and forget: the next run is set immediately and no job is tracked.
	assert.Nil(t, fired.ActiveJobID)
	require.NotNil(t, fired.NextRunAt)
	assert.True(t, fired.NextRunAt.Equal(scheduleTestBase.Add(time.Minute)))
	assert.False(t, fx.stream.subscribed("job-1"))

	// A second trigger is allowed while the first job is still running.
	_, err = fx.svc.TriggerNow(ctx, "sweeper")
	require.NoError(t, err)
	assert.Len(t, fx.queue.jobs, 2)
}

func TestScheduleService_Dynamic_ResultNextRun(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t)
	ctx := context.Background()

	start := scheduleTestBase.Add(time.Second)
	fx.register(t, &model.CreateScheduleRequest{
		Name:      "feed",
		Type:      model.ScheduleTypeDynamic,
		NextRunAt: &start,
		Job:       jobTemplateFixture(),
	})

	fired, err := fx.svc.TriggerNow(ctx, "feed")
	require.NoError(t, err)
	jobID := *fired.ActiveJobID

	next := scheduleTestBase.Add(2 * time.Hour)
	result := json.RawMessage(`{"nextRunAt":"` + next.Format(time.RFC3339) + `"}`)
	done := fx.queue.finish(jobID, model.JobStatusCompleted, result, "")
	fx.stream.deliver(jobID, model.CompletionEvent{Type: model.CompletionCompleted, Job: done})

	after, err := fx.svc.Get(ctx, "feed")
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusActive, after.Status)
	require.NotNil(t, after.NextRunAt)
	assert.True(t, after.NextRunAt.Equal(next))
}

func TestScheduleService_Dynamic_NoNextRunCompletes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		result json.RawMessage
	}{
		{name: "empty result", result: nil},
		{name: "result without next run", result: json.RawMessage(`{"rows":12}`)},
		{name: "next run is not a string", result: json.RawMessage(`{"nextRunAt":42}`)},
		{name: "next run is not a timestamp", result: json.RawMessage(`{"nextRunAt":"soon"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fx := newScheduleFixture(t)
			ctx := context.Background()

			start := scheduleTestBase.Add(time.Second)
			fx.register(t, &model.CreateScheduleRequest{
				Name:      "feed",
				Type:      model.ScheduleTypeDynamic,
				NextRunAt: &start,
				Job:       jobTemplateFixture(),
			})

			fired, err := fx.svc.TriggerNow(ctx, "feed")
			require.NoError(t, err)
			jobID := *fired.ActiveJobID

			done := fx.queue.finish(jobID, model.JobStatusCompleted, tt.result, "")
			fx.stream.deliver(jobID, model.CompletionEvent{Type: model.CompletionCompleted, Job: done})

			after, err := fx.svc.Get(ctx, "feed")
			require.NoError(t, err)
			assert.Equal(t, model.ScheduleStatusCompleted, after.Status)
			assert.Nil(t, after.NextRunAt)
			assert.Nil(t, after.ActiveJobID)
		})
	}
}

func TestScheduleService_FailureBelowThreshold(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t)
	ctx := context.Background()

	start := scheduleTestBase.Add(time.Second)
	fx.register(t, &model.CreateScheduleRequest{
		Name:                   "feed",
		Type:                   model.ScheduleTypeDynamic,
		NextRunAt:              &start,
		MaxConsecutiveFailures: 3,
		Job:                    jobTemplateFixture(),
	})

	fired, err := fx.svc.TriggerNow(ctx, "feed")
	require.NoError(t, err)
	jobID := *fired.ActiveJobID

	done := fx.queue.finish(jobID, model.JobStatusFailed, nil, "upstream 503")
	fx.stream.deliver(jobID, model.CompletionEvent{Type: model.CompletionFailed, Job: done})

	after, err := fx.svc.Get(ctx, "feed")
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusActive, after.Status)
	assert.Equal(t, 1, after.ConsecutiveFailures)
	require.NotNil(t, after.LastError)
	assert.Equal(t, "upstream 503", *after.LastError)
	require.NotNil(t, after.NextRunAt)
	assert.True(t, after.NextRunAt.Equal(scheduleTestBase.Add(60*time.Second)))
}

func TestScheduleService_FailureEscalatesToError(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t)
	ctx := context.Background()

	req := sequentialRequest("poller")
	req.MaxConsecutiveFailures = 2
	fx.register(t, req)

	for i := 0; i < 2; i++ {
		fired, err := fx.svc.TriggerNow(ctx, "poller")
		require.NoError(t, err)
		jobID := *fired.ActiveJobID
		done := fx.queue.finish(jobID, model.JobStatusFailed, nil, "boom")
		fx.stream.deliver(jobID, model.CompletionEvent{Type: model.CompletionFailed, Job: done})
	}

	after, err := fx.svc.Get(ctx, "poller")
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusError, after.Status)
	assert.Equal(t, 2, after.ConsecutiveFailures)
	assert.Nil(t, after.NextRunAt)

	// Terminal schedules reject further triggers.
	_, err = fx.svc.TriggerNow(ctx, "poller")
	assert.ErrorIs(t, err, ErrScheduleTerminal)
}

func TestScheduleService_CancelledJobCountsAsFailure(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t)
	ctx := context.Background()

	fx.register(t, sequentialRequest("poller"))

	fired, err := fx.svc.TriggerNow(ctx, "poller")
	require.NoError(t, err)
	jobID := *fired.ActiveJobID

	require.NoError(t, fx.queue.CancelJob(ctx, jobID, "operator request"))
	done, err := fx.queue.GetJob(ctx, jobID)
	require.NoError(t, err)
	fx.stream.deliver(jobID, model.CompletionEvent{Type: model.CompletionCancelled, Job: done})

	after, err := fx.svc.Get(ctx, "poller")
	require.NoError(t, err)
	assert.Equal(t, 1, after.ConsecutiveFailures)
	require.NotNil(t, after.LastError)
	assert.Equal(t, "operator request", *after.LastError)
	require.NotNil(t, after.NextRunAt)
	assert.True(t, after.NextRunAt.Equal(scheduleTestBase.Add(5*time.Minute)))
}

func TestScheduleService_StaleCompletionDropped(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t)
	ctx := context.Background()

	fx.register(t, sequentialRequest("poller"))
	fired, err := fx.svc.TriggerNow(ctx, "poller")
	require.NoError(t, err)
	jobID := *fired.ActiveJobID

	stale := &model.Job{ID: "job-99", Status: model.JobStatusCompleted}
	fx.svc.handleCompletion(ctx, "poller", model.CompletionEvent{Type: model.CompletionCompleted, Job: stale})

	after, err := fx.svc.Get(ctx, "poller")
	require.NoError(t, err)
	require.NotNil(t, after.ActiveJobID)
	assert.Equal(t, jobID, *after.ActiveJobID)
	assert.Nil(t, after.NextRunAt)
}

func TestScheduleService_CompletionRaceCaughtAfterSubscribe(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t)
	ctx := context.Background()

	// The job reaches a terminal state before the subscription attaches. The
	// post-subscribe row check must still apply the completion.
	fx.queue.onEnqueue = func(job *model.Job) {
		job.Status = model.JobStatusCompleted
	}

	fx.register(t, sequentialRequest("poller"))
	_, err := fx.svc.TriggerNow(ctx, "poller")
	require.NoError(t, err)

	after, err := fx.svc.Get(ctx, "poller")
	require.NoError(t, err)
	assert.Nil(t, after.ActiveJobID)
	require.NotNil(t, after.NextRunAt)
	assert.True(t, after.NextRunAt.Equal(scheduleTestBase.Add(5*time.Minute)))
}

func TestScheduleService_EnqueueFailure(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t)
	ctx := context.Background()

	fx.register(t, sequentialRequest("poller"))
	fx.queue.enqueueErr = errors.New("queue unavailable")

	after, err := fx.svc.TriggerNow(ctx, "poller")
	require.NoError(t, err)

	assert.Equal(t, model.ScheduleStatusActive, after.Status)
	assert.Equal(t, 1, after.ConsecutiveFailures)
	require.NotNil(t, after.LastError)
	assert.Equal(t, "queue unavailable", *after.LastError)
	require.NotNil(t, after.NextRunAt)
	assert.True(t, after.NextRunAt.Equal(scheduleTestBase.Add(5*time.Minute)))
}

func TestScheduleService_EnqueueFailureEscalates(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t)
	ctx := context.Background()

	req := sequentialRequest("poller")
	req.MaxConsecutiveFailures = 1
	fx.register(t, req)
	fx.queue.enqueueErr = errors.New("queue unavailable")

	after, err := fx.svc.TriggerNow(ctx, "poller")
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusError, after.Status)
	assert.Nil(t, after.NextRunAt)
}

func TestScheduleService_PauseResume(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t)
	ctx := context.Background()

	fx.register(t, sequentialRequest("poller"))

	_, err := fx.svc.Resume(ctx, "poller")
	assert.ErrorIs(t, err, ErrScheduleNotPaused)

	paused, err := fx.svc.Pause(ctx, "poller")
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusPaused, paused.Status)
	assert.NotNil(t, paused.NextRunAt)

	_, err = fx.svc.Pause(ctx, "poller")
	assert.ErrorIs(t, err, ErrScheduleNotActive)

	fx.clock.AddTime(time.Hour)
	resumed, err := fx.svc.Resume(ctx, "poller")
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusActive, resumed.Status)
	require.NotNil(t, resumed.NextRunAt)
	assert.True(t, resumed.NextRunAt.Equal(fx.clock.Now().Add(5*time.Minute)))
}

func TestScheduleService_Resume_OneOffKeepsTarget(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t)
	ctx := context.Background()

	target := scheduleTestBase.Add(time.Hour)
	fx.register(t, &model.CreateScheduleRequest{
		Name:      "report",
		Type:      model.ScheduleTypeOneOff,
		NextRunAt: &target,
		Job:       jobTemplateFixture(),
	})

	_, err := fx.svc.Pause(ctx, "report")
	require.NoError(t, err)

	fx.clock.AddTime(10 * time.Minute)
	resumed, err := fx.svc.Resume(ctx, "report")
	require.NoError(t, err)
	require.NotNil(t, resumed.NextRunAt)
	assert.True(t, resumed.NextRunAt.Equal(target))
}

func TestScheduleService_Cancel(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t)
	ctx := context.Background()

	fx.register(t, sequentialRequest("poller"))
	fired, err := fx.svc.TriggerNow(ctx, "poller")
	require.NoError(t, err)
	jobID := *fired.ActiveJobID

	cancelled, err := fx.svc.Cancel(ctx, "poller")
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusCompleted, cancelled.Status)
	assert.Nil(t, cancelled.NextRunAt)
	assert.Nil(t, cancelled.ActiveJobID)
	assert.Equal(t, "schedule cancelled", fx.queue.cancelled[jobID])
	assert.False(t, fx.stream.subscribed(jobID))

	_, err = fx.svc.Cancel(ctx, "poller")
	assert.ErrorIs(t, err, ErrScheduleTerminal)
}

func TestScheduleService_Delete(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t)
	ctx := context.Background()

	removed, err := fx.svc.Delete(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, removed)

	fx.register(t, sequentialRequest("poller"))
	fired, err := fx.svc.TriggerNow(ctx, "poller")
	require.NoError(t, err)
	jobID := *fired.ActiveJobID

	removed, err = fx.svc.Delete(ctx, "poller")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, "schedule deleted", fx.queue.cancelled[jobID])

	_, err = fx.svc.Get(ctx, "poller")
	assert.ErrorIs(t, err, data.ErrScheduleNotFound)
}

func TestScheduleService_TriggerNow_JobInFlight(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t)
	ctx := context.Background()

	fx.register(t, sequentialRequest("poller"))
	_, err := fx.svc.TriggerNow(ctx, "poller")
	require.NoError(t, err)

	_, err = fx.svc.TriggerNow(ctx, "poller")
	assert.ErrorIs(t, err, ErrJobInFlight)
	assert.Len(t, fx.queue.jobs, 1)
}

func TestScheduleService_Update(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t)
	ctx := context.Background()

	fx.register(t, sequentialRequest("poller"))

	interval := 10 * time.Minute
	updated, err := fx.svc.Update(ctx, "poller", &model.UpdateScheduleRequest{Interval: &interval})
	require.NoError(t, err)
	assert.Equal(t, interval, updated.Interval)
	require.NotNil(t, updated.NextRunAt)
	assert.True(t, updated.NextRunAt.Equal(scheduleTestBase.Add(interval)))
}

func TestScheduleService_Update_PreserveAndExplicit(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t)
	ctx := context.Background()

	created := fx.register(t, sequentialRequest("poller"))
	original := *created.NextRunAt

	interval := 10 * time.Minute
	updated, err := fx.svc.Update(ctx, "poller", &model.UpdateScheduleRequest{
		Interval:    &interval,
		NextRunMode: model.NextRunModePreserve,
	})
	require.NoError(t, err)
	require.NotNil(t, updated.NextRunAt)
	assert.True(t, updated.NextRunAt.Equal(original))

	explicit := scheduleTestBase.Add(3 * time.Hour)
	updated, err = fx.svc.Update(ctx, "poller", &model.UpdateScheduleRequest{
		NextRunMode: model.NextRunModeExplicit,
		NextRunAt:   &explicit,
	})
	require.NoError(t, err)
	require.NotNil(t, updated.NextRunAt)
	assert.True(t, updated.NextRunAt.Equal(explicit))
}

func TestScheduleService_Update_IntervalWhileInFlight(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t)
	ctx := context.Background()

	fx.register(t, sequentialRequest("poller"))
	_, err := fx.svc.TriggerNow(ctx, "poller")
	require.NoError(t, err)

	// next_run_at stays cleared; the completion handler applies the new interval.
	interval := 10 * time.Minute
	updated, err := fx.svc.Update(ctx, "poller", &model.UpdateScheduleRequest{Interval: &interval})
	require.NoError(t, err)
	assert.Equal(t, interval, updated.Interval)
	assert.Nil(t, updated.NextRunAt)

	jobID := *updated.ActiveJobID
	fx.clock.AddTime(time.Minute)
	done := fx.queue.finish(jobID, model.JobStatusCompleted, nil, "")
	fx.stream.deliver(jobID, model.CompletionEvent{Type: model.CompletionCompleted, Job: done})

	after, err := fx.svc.Get(ctx, "poller")
	require.NoError(t, err)
	require.NotNil(t, after.NextRunAt)
	assert.True(t, after.NextRunAt.Equal(fx.clock.Now().Add(interval)))
}

func TestScheduleService_TriggerDueSchedules(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t)
	ctx := context.Background()

	past := scheduleTestBase.Add(-time.Minute)
	fx.register(t, &model.CreateScheduleRequest{
		Name:      "due",
		Type:      model.ScheduleTypeOneOff,
		NextRunAt: &past,
		Job:       jobTemplateFixture(),
	})
	future := scheduleTestBase.Add(time.Hour)
	fx.register(t, &model.CreateScheduleRequest{
		Name:      "later",
		Type:      model.ScheduleTypeOneOff,
		NextRunAt: &future,
		Job:       jobTemplateFixture(),
	})

	fx.svc.triggerDueSchedules(ctx)

	assert.Len(t, fx.queue.jobs, 1)
	due, err := fx.svc.Get(ctx, "due")
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusCompleted, due.Status)
	later, err := fx.svc.Get(ctx, "later")
	require.NoError(t, err)
	require.NotNil(t, later.NextRunAt)
	assert.True(t, later.NextRunAt.Equal(future))
}

func TestScheduleService_ClampedTimerReArmsWithoutFiring(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t, func(opts *ScheduleServiceOptions) {
		opts.Config = &core.ScheduleEngineConfig{MaxTimeout: 20 * time.Millisecond}
	})
	ctx := context.Background()

	target := scheduleTestBase.Add(time.Hour)
	fx.register(t, &model.CreateScheduleRequest{
		Name:      "far",
		Type:      model.ScheduleTypeOneOff,
		NextRunAt: &target,
		Job:       jobTemplateFixture(),
	})

	fx.svc.scheduleNextTrigger(ctx)

	fx.svc.timerMu.Lock()
	require.NotNil(t, fx.svc.fireTimer)
	require.NotNil(t, fx.svc.nextScheduledTime)
	assert.True(t, fx.svc.nextScheduledTime.Equal(target))
	fx.svc.timerMu.Unlock()

	// Several clamp windows elapse. Each expiry finds nothing due, enqueues
	// nothing, and arms a fresh timer aimed at the same target.
	time.Sleep(150 * time.Millisecond)

	assert.Zero(t, fx.queue.jobCount())
	fx.svc.timerMu.Lock()
	assert.NotNil(t, fx.svc.fireTimer)
	require.NotNil(t, fx.svc.nextScheduledTime)
	assert.True(t, fx.svc.nextScheduledTime.Equal(target))
	fx.svc.timerMu.Unlock()

	sched, err := fx.svc.Get(ctx, "far")
	require.NoError(t, err)
	assert.Equal(t, model.ScheduleStatusActive, sched.Status)
	require.NotNil(t, sched.NextRunAt)
	assert.True(t, sched.NextRunAt.Equal(target))
}

func TestScheduleService_RescheduleRequestsCoalesce(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t, func(opts *ScheduleServiceOptions) {
		opts.Config = &core.ScheduleEngineConfig{MinRecalcInterval: 250 * time.Millisecond}
	})
	ctx := context.Background()

	require.NoError(t, fx.svc.Start(ctx))
	defer func() { require.NoError(t, fx.svc.Stop(ctx)) }()

	base := fx.repo.wakeupCalls()

	// Two mutations land inside the same debounce window and produce exactly
	// one recomputation.
	fx.register(t, sequentialRequest("a"))
	fx.register(t, sequentialRequest("b"))

	require.Eventually(t, func() bool {
		return fx.repo.wakeupCalls() > base
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, base+1, fx.repo.wakeupCalls())
}

func TestScheduleService_StartRecovery(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t)
	ctx := context.Background()

	staleJob := "job-stale"
	liveJob := "job-live"
	fx.queue.seed(&model.Job{ID: staleJob, Status: model.JobStatusCompleted})
	fx.queue.seed(&model.Job{ID: liveJob, Status: model.JobStatusRunning})

	fx.repo.seed(&model.Schedule{
		Name:         "ephemeral",
		Type:         model.ScheduleTypeSequentialInterval,
		Status:       model.ScheduleStatusActive,
		Interval:     time.Minute,
		IsPersistent: false,
	})
	fx.repo.seed(&model.Schedule{
		Name:                   "stale",
		Type:                   model.ScheduleTypeSequentialInterval,
		Status:                 model.ScheduleStatusActive,
		Interval:               time.Minute,
		IsPersistent:           true,
		ActiveJobID:            &staleJob,
		MaxConsecutiveFailures: 5,
	})
	fx.repo.seed(&model.Schedule{
		Name:                   "live",
		Type:                   model.ScheduleTypeDynamic,
		Status:                 model.ScheduleStatusActive,
		IsPersistent:           true,
		ActiveJobID:            &liveJob,
		MaxConsecutiveFailures: 5,
	})

	require.NoError(t, fx.svc.Start(ctx))
	defer func() { require.NoError(t, fx.svc.Stop(ctx)) }()

	_, err := fx.svc.Get(ctx, "ephemeral")
	assert.ErrorIs(t, err, data.ErrScheduleNotFound)

	// The completion for the stale job was lost with the previous instance.
	stale, err := fx.svc.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Nil(t, stale.ActiveJobID)
	require.NotNil(t, stale.NextRunAt)
	assert.True(t, stale.NextRunAt.Equal(scheduleTestBase.Add(time.Minute)))

	// The live job survives; its completion arrives over the stream.
	live, err := fx.svc.Get(ctx, "live")
	require.NoError(t, err)
	require.NotNil(t, live.ActiveJobID)
	assert.True(t, fx.stream.subscribed(liveJob))

	require.Error(t, fx.svc.Start(ctx))
}

func TestScheduleService_StopDropsSubscriptions(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t)
	ctx := context.Background()

	fx.register(t, sequentialRequest("poller"))
	require.NoError(t, fx.svc.Start(ctx))

	fired, err := fx.svc.TriggerNow(ctx, "poller")
	require.NoError(t, err)
	jobID := *fired.ActiveJobID
	require.True(t, fx.stream.subscribed(jobID))

	require.NoError(t, fx.svc.Stop(ctx))
	assert.False(t, fx.stream.subscribed(jobID))
}

func TestScheduleService_PollCompletions(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t, func(opts *ScheduleServiceOptions) {
		opts.Completions = nil
	})
	ctx := context.Background()

	fx.register(t, sequentialRequest("poller"))
	fired, err := fx.svc.TriggerNow(ctx, "poller")
	require.NoError(t, err)
	jobID := *fired.ActiveJobID

	// Still in flight: the poll pass is a no-op.
	fx.svc.pollCompletions(ctx)
	mid, err := fx.svc.Get(ctx, "poller")
	require.NoError(t, err)
	require.NotNil(t, mid.ActiveJobID)

	fx.queue.finish(jobID, model.JobStatusCompleted, nil, "")
	fx.svc.pollCompletions(ctx)

	after, err := fx.svc.Get(ctx, "poller")
	require.NoError(t, err)
	assert.Nil(t, after.ActiveJobID)
	require.NotNil(t, after.NextRunAt)
	assert.True(t, after.NextRunAt.Equal(scheduleTestBase.Add(5*time.Minute)))
}

func TestScheduleService_PollCompletions_PurgedJob(t *testing.T) {
	t.Parallel()
	fx := newScheduleFixture(t, func(opts *ScheduleServiceOptions) {
		opts.Completions = nil
	})
	ctx := context.Background()

	fx.register(t, sequentialRequest("poller"))
	fired, err := fx.svc.TriggerNow(ctx, "poller")
	require.NoError(t, err)
	jobID := *fired.ActiveJobID

	fx.queue.mu.Lock()
	delete(fx.queue.jobs, jobID)
	fx.queue.mu.Unlock()

	fx.svc.pollCompletions(ctx)

	after, err := fx.svc.Get(ctx, "poller")
	require.NoError(t, err)
	assert.Nil(t, after.ActiveJobID)
	require.NotNil(t, after.NextRunAt)
	assert.True(t, after.NextRunAt.Equal(scheduleTestBase.Add(5*time.Minute)))
}
