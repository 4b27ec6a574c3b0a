package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/nextconvert/composer/internal/modules/composition"
	"github.com/nextconvert/composer/internal/modules/export"
	"github.com/nextconvert/composer/internal/modules/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	err  error
}

func newMemStore() *memStore {
	return &memStore{jobs: map[string]*Job{}}
}

func (s *memStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memStore) transition(id string, from, to Status) bool {
	j, ok := s.jobs[id]
	if !ok || j.Status != from {
		return false
	}
	j.Status = to
	return true
}

func (s *memStore) MarkProcessing(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(id, StatusQueued, StatusProcessing), nil
}

func (s *memStore) Complete(_ context.Context, id, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id].Status = StatusCompleted
	s.jobs[id].Output = output
	return nil
}

func (s *memStore) Fail(_ context.Context, id string, jobErr JobError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = StatusFailed
		j.Error = &jobErr
	}
	return nil
}

func (s *memStore) Cancel(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(id, StatusQueued, StatusCancelled), nil
}

func (s *memStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) List(_ context.Context, owner string, status Status, _ int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, j := range s.jobs {
		if owner != "" && j.Owner != owner {
			continue
		}
		if status == "" || j.Status == status {
			out = append(out, j)
		}
	}
	return out, nil
}

type fakeQueue struct {
	payloads   []ExportPayload
	priorities []string
	err        error
}

func (q *fakeQueue) EnqueueExport(p ExportPayload, priority string) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.payloads = append(q.payloads, p)
	q.priorities = append(q.priorities, priority)
	return &asynq.TaskInfo{ID: p.JobID, Queue: queueFor(priority)}, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *fakePublisher) Publish(_ context.Context, channel string, message interface{}) error {
	if channel != EventsChannel {
		return fmt.Errorf("unexpected channel %s", channel)
	}
	e, err := ParseEvent(string(message.([]byte)))
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type outputs struct {
	published []string
	pruned    time.Time
}

func (o *outputs) OutputPath(name string) string { return "/data/output/" + name }

func (o *outputs) Publish(_ context.Context, path string) (string, error) {
	o.published = append(o.published, path)
	return "output/" + path[len("/data/output/"):], nil
}

func (o *outputs) PruneWorking(cutoff time.Time) (int, error) {
	o.pruned = cutoff
	return 3, nil
}

func (o *outputs) WorkingUsage() (int64, int64, error) { return 2, 2048, nil }

type fakeExecutor struct {
	reqs []export.Request
	err  error
}

func (e *fakeExecutor) Execute(_ context.Context, req export.Request) error {
	e.reqs = append(e.reqs, req)
	return e.err
}

func newTestModule(store Store, queue Enqueuer, events Publisher) *Module {
	return NewModule(ModuleConfig{
		Store:         store,
		Queue:         queue,
		Events:        events,
		Outputs:       &outputs{},
		Presets:       media.NewModule(media.NewProcessor("", zap.NewNop()), zap.NewNop()),
		DefaultPreset: "portrait",
		Logger:        zap.NewNop(),
	})
}

func mergeRequest() export.Request {
	return export.Request{Operation: export.OpMerge, Inputs: []string{"/in/a.mp4", "/in/b.mp4"}}
}

func TestCreateJob(t *testing.T) {
	t.Run("stores and queues the job", func(t *testing.T) {
		store, queue, events := newMemStore(), &fakeQueue{}, &fakePublisher{}
		m := newTestModule(store, queue, events)

		job, err := m.CreateJob(t.Context(), CreateJobParams{Request: mergeRequest()})
		require.NoError(t, err)

		assert.Equal(t, StatusQueued, job.Status)
		assert.Equal(t, export.OpMerge, job.Operation)
		assert.Equal(t, "/data/output/"+job.ID+".mp4", job.Request.Output)
		require.Len(t, queue.payloads, 1)
		assert.Equal(t, job.ID, queue.payloads[0].JobID)
		assert.Equal(t, PriorityDefault, queue.priorities[0])
		assert.Equal(t, []string{EventQueued}, events.types())

		stored, err := store.Get(t.Context(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.Request, stored.Request)
	})

	t.Run("ignores client output path", func(t *testing.T) {
		m := newTestModule(newMemStore(), &fakeQueue{}, nil)
		req := mergeRequest()
		req.Output = "/etc/passwd"

		job, err := m.CreateJob(t.Context(), CreateJobParams{Request: req})
		require.NoError(t, err)
		assert.NotEqual(t, "/etc/passwd", job.Request.Output)
	})

	t.Run("preset fills unset options", func(t *testing.T) {
		queue := &fakeQueue{}
		m := newTestModule(newMemStore(), queue, nil)
		req := mergeRequest()
		req.Options.VideoBitrate = 3_000_000

		job, err := m.CreateJob(t.Context(), CreateJobParams{Request: req, Preset: "square"})
		require.NoError(t, err)
		assert.Equal(t, composition.Size{Width: 1080, Height: 1080}, job.Request.Options.Canvas)
		assert.Equal(t, 30, job.Request.Options.FrameRate)
		assert.Equal(t, 3_000_000, job.Request.Options.VideoBitrate)
		assert.Equal(t, job.Request, queue.payloads[0].Request)
	})

	t.Run("background default", func(t *testing.T) {
		m := newTestModule(newMemStore(), &fakeQueue{}, nil)
		m.background = "white"

		job, err := m.CreateJob(t.Context(), CreateJobParams{Request: mergeRequest()})
		require.NoError(t, err)
		assert.Equal(t, "white", job.Request.Options.BackgroundColor)

		req := mergeRequest()
		req.Options.BackgroundColor = "#202020"
		job, err = m.CreateJob(t.Context(), CreateJobParams{Request: req})
		require.NoError(t, err)
		assert.Equal(t, "#202020", job.Request.Options.BackgroundColor)
	})

	t.Run("unknown preset", func(t *testing.T) {
		m := newTestModule(newMemStore(), &fakeQueue{}, nil)
		_, err := m.CreateJob(t.Context(), CreateJobParams{Request: mergeRequest(), Preset: "cinema"})
		assert.ErrorIs(t, err, ErrInvalidRequest)
		assert.ErrorIs(t, err, media.ErrPresetNotFound)
	})

	t.Run("invalid request is not stored", func(t *testing.T) {
		store, queue := newMemStore(), &fakeQueue{}
		m := newTestModule(store, queue, nil)

		_, err := m.CreateJob(t.Context(), CreateJobParams{Request: export.Request{Operation: export.OpTrim, Inputs: []string{"a"}}})
		require.ErrorIs(t, err, ErrInvalidRequest)
		assert.Empty(t, store.jobs)
		assert.Empty(t, queue.payloads)
	})

	t.Run("enqueue failure marks the job failed", func(t *testing.T) {
		store := newMemStore()
		m := newTestModule(store, &fakeQueue{err: errors.New("redis down")}, nil)

		_, err := m.CreateJob(t.Context(), CreateJobParams{Request: mergeRequest(), Priority: PriorityHigh})
		require.Error(t, err)
		require.Len(t, store.jobs, 1)
		for _, j := range store.jobs {
			assert.Equal(t, StatusFailed, j.Status)
			assert.Equal(t, "ENQUEUE_FAILED", j.Error.Code)
		}
	})
}

func TestCancelJob(t *testing.T) {
	store, events := newMemStore(), &fakePublisher{}
	m := newTestModule(store, &fakeQueue{}, events)

	job, err := m.CreateJob(t.Context(), CreateJobParams{Request: mergeRequest()})
	require.NoError(t, err)

	require.NoError(t, m.CancelJob(t.Context(), "", job.ID))
	got, err := m.GetJob(t.Context(), "", job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, []string{EventQueued, EventCancelled}, events.types())

	assert.ErrorIs(t, m.CancelJob(t.Context(), "", job.ID), ErrNotCancellable)
	assert.ErrorIs(t, m.CancelJob(t.Context(), "", "missing"), ErrNotFound)
}

func TestJobOwnership(t *testing.T) {
	store, events := newMemStore(), &fakePublisher{}
	m := newTestModule(store, &fakeQueue{}, events)

	mine, err := m.CreateJob(t.Context(), CreateJobParams{Owner: "user_1", Request: mergeRequest()})
	require.NoError(t, err)
	theirs, err := m.CreateJob(t.Context(), CreateJobParams{Owner: "user_2", Request: mergeRequest()})
	require.NoError(t, err)
	assert.Equal(t, "user_1", store.jobs[mine.ID].Owner)

	t.Run("owner reads its job", func(t *testing.T) {
		got, err := m.GetJob(t.Context(), "user_1", mine.ID)
		require.NoError(t, err)
		assert.Equal(t, mine.ID, got.ID)
	})

	t.Run("other owners see not found", func(t *testing.T) {
		_, err := m.GetJob(t.Context(), "user_1", theirs.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list is scoped", func(t *testing.T) {
		jobs, err := m.ListJobs(t.Context(), "user_2", "", 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, theirs.ID, jobs[0].ID)

		all, err := m.ListJobs(t.Context(), "", "", 10)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("cancel of another owner's job is refused", func(t *testing.T) {
		assert.ErrorIs(t, m.CancelJob(t.Context(), "user_1", theirs.ID), ErrNotFound)
		assert.Equal(t, StatusQueued, store.jobs[theirs.ID].Status)
		assert.Equal(t, []string{EventQueued, EventQueued}, events.types())
	})

	t.Run("owner cancels its job", func(t *testing.T) {
		require.NoError(t, m.CancelJob(t.Context(), "user_1", mine.ID))
		assert.Equal(t, StatusCancelled, store.jobs[mine.ID].Status)
	})
}

func exportTask(t *testing.T, jobID string, req export.Request) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(ExportPayload{JobID: jobID, Request: req})
	require.NoError(t, err)
	return asynq.NewTask(TypeExport, data)
}

func TestHandleExport(t *testing.T) {
	queued := func(store *memStore, id string) export.Request {
		req := mergeRequest()
		req.Output = "/data/output/" + id + ".mp4"
		store.jobs[id] = &Job{ID: id, Status: StatusQueued, Request: req}
		return req
	}

	t.Run("completes and publishes the output", func(t *testing.T) {
		store, events, out, exec := newMemStore(), &fakePublisher{}, &outputs{}, &fakeExecutor{}
		h := NewHandler(HandlerConfig{Store: store, Exports: exec, Outputs: out, Events: events})
		req := queued(store, "job-1")

		require.NoError(t, h.HandleExport(t.Context(), exportTask(t, "job-1", req)))
		require.Len(t, exec.reqs, 1)
		assert.Equal(t, req, exec.reqs[0])
		assert.Equal(t, StatusCompleted, store.jobs["job-1"].Status)
		assert.Equal(t, "output/job-1.mp4", store.jobs["job-1"].Output)
		assert.Equal(t, []string{EventStarted, EventCompleted}, events.types())
	})

	t.Run("records failures with their kind", func(t *testing.T) {
		store, events := newMemStore(), &fakePublisher{}
		exec := &fakeExecutor{err: composition.NewError(composition.KindSourceUnreadable, "/in/a.mp4", errors.New("moov atom not found"))}
		h := NewHandler(HandlerConfig{Store: store, Exports: exec, Outputs: &outputs{}, Events: events})
		req := queued(store, "job-2")

		err := h.HandleExport(t.Context(), exportTask(t, "job-2", req))
		require.Error(t, err)
		assert.Equal(t, StatusFailed, store.jobs["job-2"].Status)
		assert.Equal(t, "SOURCE_UNREADABLE", store.jobs["job-2"].Error.Code)
		assert.Equal(t, []string{EventStarted, EventFailed}, events.types())
	})

	t.Run("skips cancelled jobs", func(t *testing.T) {
		store, exec := newMemStore(), &fakeExecutor{}
		h := NewHandler(HandlerConfig{Store: store, Exports: exec})
		req := queued(store, "job-3")
		store.jobs["job-3"].Status = StatusCancelled

		require.NoError(t, h.HandleExport(t.Context(), exportTask(t, "job-3", req)))
		assert.Empty(t, exec.reqs)
	})

	t.Run("bad payload is not retried", func(t *testing.T) {
		h := NewHandler(HandlerConfig{Store: newMemStore(), Exports: &fakeExecutor{}})
		err := h.HandleExport(t.Context(), asynq.NewTask(TypeExport, []byte("{")))
		assert.ErrorIs(t, err, asynq.SkipRetry)
	})
}

func TestJobErrorFor(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{composition.NewError(composition.KindTrackInsertionFailed, "insert", errors.New("x")), "TRACK_INSERTION_FAILED"},
		{composition.NewError(composition.KindSessionOpenFailed, "open", errors.New("x")), "SESSION_OPEN_FAILED"},
		{composition.NewError(composition.KindSinkRejectedSample, "append", errors.New("x")), "SINK_REJECTED_SAMPLE"},
		{composition.NewError(composition.KindCancelled, "run", context.Canceled), "CANCELLED"},
		{errors.New("plain"), "PROCESSING_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			got := jobErrorFor(fmt.Errorf("wrapped: %w", tt.err))
			assert.Equal(t, tt.code, got.Code)
			assert.Contains(t, got.Message, "wrapped")
		})
	}
}

func TestHandleCleanupFiles(t *testing.T) {
	out := &outputs{}
	h := NewHandler(HandlerConfig{Store: newMemStore(), Outputs: out})
	data, err := json.Marshal(CleanupPayload{MaxAgeSeconds: 4 * 3600})
	require.NoError(t, err)

	require.NoError(t, h.HandleCleanupFiles(t.Context(), asynq.NewTask(TypeCleanupFiles, data)))
	assert.WithinDuration(t, time.Now().Add(-4*time.Hour), out.pruned, time.Minute)
}

func TestNewExportTask(t *testing.T) {
	task, opts, err := newExportTask(ExportPayload{JobID: "job-9", Request: mergeRequest()}, PriorityLow)
	require.NoError(t, err)
	assert.Equal(t, TypeExport, task.Type())
	assert.Contains(t, opts, asynq.Queue("low"))
	assert.Contains(t, opts, asynq.MaxRetry(0))

	var payload ExportPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, "job-9", payload.JobID)
	assert.Equal(t, export.OpMerge, payload.Request.Operation)
}
