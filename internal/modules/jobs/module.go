package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/nextconvert/composer/internal/modules/export"
	"github.com/nextconvert/composer/internal/modules/media"
	"go.uber.org/zap"
)

// Status is the lifecycle state of a job.
type Status string

// Job statuses
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Priorities
const (
	PriorityHigh    = "high"
	PriorityDefault = "default"
	PriorityLow     = "low"
)

var (
	// ErrNotCancellable is returned when cancelling a job that already started.
	ErrNotCancellable = errors.New("job is not queued")
	// ErrInvalidRequest wraps every rejection of a submitted request.
	ErrInvalidRequest = errors.New("invalid request")
)

// Job represents an export job
type Job struct {
	ID          string           `json:"id"`
	Owner       string           `json:"-"`
	Operation   export.Operation `json:"operation"`
	Status      Status           `json:"status"`
	Priority    string           `json:"priority"`
	Request     export.Request   `json:"request"`
	Output      string           `json:"output,omitempty"`
	Error       *JobError        `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	StartedAt   *time.Time       `json:"startedAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}

// JobError represents a job error
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Store persists jobs. *Repository satisfies it.
type Store interface {
	Create(ctx context.Context, job *Job) error
	MarkProcessing(ctx context.Context, id string) (bool, error)
	Complete(ctx context.Context, id, outputPath string) error
	Fail(ctx context.Context, id string, jobErr JobError) error
	Cancel(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, owner string, status Status, limit int) ([]*Job, error)
}

// Enqueuer queues export tasks. *QueueClient satisfies it.
type Enqueuer interface {
	EnqueueExport(payload ExportPayload, priority string) (*asynq.TaskInfo, error)
}

// OutputLocator chooses where a job renders. *storage.Service satisfies it.
type OutputLocator interface {
	OutputPath(name string) string
}

// CreatedRecorder counts created jobs. *metrics.Metrics satisfies it.
type CreatedRecorder interface {
	RecordJobCreated(operation string)
}

// ModuleConfig wires the jobs module.
type ModuleConfig struct {
	Store         Store
	Queue         Enqueuer
	Events        Publisher
	Outputs       OutputLocator
	Presets       *media.Module
	DefaultPreset string
	Background    string // canvas color when neither request nor preset sets one
	Metrics       CreatedRecorder
	Logger        *zap.Logger
}

// Module handles job management
type Module struct {
	store         Store
	queue         Enqueuer
	events        Publisher
	outputs       OutputLocator
	presets       *media.Module
	defaultPreset string
	background    string
	metrics       CreatedRecorder
	logger        *zap.Logger
}

// NewModule creates a new jobs module
func NewModule(cfg ModuleConfig) *Module {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Module{
		store:         cfg.Store,
		queue:         cfg.Queue,
		events:        cfg.Events,
		outputs:       cfg.Outputs,
		presets:       cfg.Presets,
		defaultPreset: cfg.DefaultPreset,
		background:    cfg.Background,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
	}
}

// CreateJobParams contains parameters for creating a job
type CreateJobParams struct {
	Owner    string // empty when authentication is disabled
	Request  export.Request
	Preset   string // fills options the request leaves unset
	Priority string
}

// CreateJob validates the request, records the job and queues it. The
// output location is always chosen by the server.
func (m *Module) CreateJob(ctx context.Context, params CreateJobParams) (*Job, error) {
	req := params.Request
	if err := m.applyPreset(&req, params.Preset); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if req.Options.BackgroundColor == "" {
		req.Options.BackgroundColor = m.background
	}

	jobID := uuid.New().String()
	req.Output = m.outputs.OutputPath(jobID + ".mp4")
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	priority := params.Priority
	if priority == "" {
		priority = PriorityDefault
	}
	job := &Job{
		ID:        jobID,
		Owner:     params.Owner,
		Operation: req.Operation,
		Status:    StatusQueued,
		Priority:  priority,
		Request:   req,
		Output:    req.Output,
		CreatedAt: time.Now().UTC(),
	}

	if err := m.store.Create(ctx, job); err != nil {
		return nil, err
	}

	if _, err := m.queue.EnqueueExport(ExportPayload{JobID: jobID, Request: req}, priority); err != nil {
		jobErr := JobError{Code: "ENQUEUE_FAILED", Message: err.Error()}
		if ferr := m.store.Fail(ctx, jobID, jobErr); ferr != nil {
			m.logger.Error("Failed to mark job failed", zap.String("job_id", jobID), zap.Error(ferr))
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	if m.metrics != nil {
		m.metrics.RecordJobCreated(string(job.Operation))
	}
	if err := publish(ctx, m.events, Event{Type: EventQueued, JobID: jobID, Status: StatusQueued}); err != nil {
		m.logger.Warn("Failed to publish job event", zap.String("job_id", jobID), zap.Error(err))
	}

	m.logger.Info("Job created and queued",
		zap.String("job_id", job.ID),
		zap.String("operation", string(job.Operation)),
		zap.String("priority", priority),
		zap.String("owner", job.Owner),
		zap.Int("inputs", len(req.Inputs)+len(req.Images)),
	)

	return job, nil
}

// applyPreset copies the preset's canvas and encoder settings into every
// option the request leaves at zero.
func (m *Module) applyPreset(req *export.Request, id string) error {
	if m.presets == nil {
		return nil
	}
	if id == "" {
		id = m.defaultPreset
	}
	if id == "" {
		return nil
	}
	preset, err := m.presets.GetPreset(id)
	if err != nil {
		return err
	}

	o := &req.Options
	if o.Canvas.IsEmpty() {
		o.Canvas = preset.Canvas
	}
	if o.FrameRate == 0 {
		o.FrameRate = preset.FrameRate
	}
	if o.VideoBitrate == 0 {
		o.VideoBitrate = preset.Settings.VideoBitrate
	}
	if o.AudioSampleRate == 0 {
		o.AudioSampleRate = preset.Settings.AudioSampleRate
	}
	if o.AudioChannels == 0 {
		o.AudioChannels = preset.Settings.AudioChannels
	}
	if o.AudioBitrate == 0 {
		o.AudioBitrate = preset.Settings.AudioBitrate
	}
	return nil
}

// GetJob retrieves a job by ID. A non-empty owner only sees its own jobs;
// other owners' jobs are reported as ErrNotFound.
func (m *Module) GetJob(ctx context.Context, owner, jobID string) (*Job, error) {
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if owner != "" && job.Owner != owner {
		return nil, ErrNotFound
	}
	return job, nil
}

// ListJobs returns the newest jobs of owner, optionally with the given
// status. An empty owner lists every job.
func (m *Module) ListJobs(ctx context.Context, owner string, status Status, limit int) ([]*Job, error) {
	return m.store.List(ctx, owner, status, limit)
}

// CancelJob cancels a job of owner that has not started yet.
func (m *Module) CancelJob(ctx context.Context, owner, jobID string) error {
	if _, err := m.GetJob(ctx, owner, jobID); err != nil {
		return err
	}
	ok, err := m.store.Cancel(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotCancellable
	}

	if err := publish(ctx, m.events, Event{Type: EventCancelled, JobID: jobID, Status: StatusCancelled}); err != nil {
		m.logger.Warn("Failed to publish job event", zap.String("job_id", jobID), zap.Error(err))
	}
	m.logger.Info("Job cancelled", zap.String("job_id", jobID))
	return nil
}
