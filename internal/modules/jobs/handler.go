package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/nextconvert/composer/internal/modules/composition"
	"github.com/nextconvert/composer/internal/modules/export"
	"go.uber.org/zap"
)

// Executor runs an export synchronously. *export.Service satisfies it.
type Executor interface {
	Execute(ctx context.Context, req export.Request) error
}

// OutputStore publishes finished renders and prunes scratch files.
// *storage.Service satisfies it.
type OutputStore interface {
	Publish(ctx context.Context, localPath string) (string, error)
	PruneWorking(cutoff time.Time) (int, error)
	WorkingUsage() (files int64, bytes int64, err error)
}

// JobRecorder receives job measurements. *metrics.Metrics satisfies it.
type JobRecorder interface {
	RecordJobStarted()
	RecordJobCompleted(operation string, status string, duration time.Duration)
	UpdateStorageMetrics(zone string, fileCount int64, bytes int64)
}

// HandlerConfig contains dependencies for the job handler
type HandlerConfig struct {
	Store   Store
	Exports Executor
	Outputs OutputStore
	Events  Publisher
	Metrics JobRecorder
	Logger  *zap.Logger
}

// Handler handles job task execution
type Handler struct {
	store   Store
	exports Executor
	outputs OutputStore
	events  Publisher
	metrics JobRecorder
	logger  *zap.Logger
}

// NewHandler creates a new job handler
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Handler{
		store:   cfg.Store,
		exports: cfg.Exports,
		outputs: cfg.Outputs,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
}

// HandleExport runs one export job. Jobs cancelled while queued are
// skipped.
func (h *Handler) HandleExport(ctx context.Context, task *asynq.Task) error {
	var payload ExportPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	logger := h.logger.With(zap.String("job_id", payload.JobID), zap.String("operation", string(payload.Request.Operation)))

	started, err := h.store.MarkProcessing(ctx, payload.JobID)
	if err != nil {
		return fmt.Errorf("failed to mark job processing: %w", err)
	}
	if !started {
		logger.Info("Skipping job that is no longer queued")
		return nil
	}

	start := time.Now()
	if h.metrics != nil {
		h.metrics.RecordJobStarted()
	}
	h.emit(ctx, logger, Event{Type: EventStarted, JobID: payload.JobID, Status: StatusProcessing})
	logger.Info("Processing export job", zap.String("output", payload.Request.Output))

	output, err := h.run(ctx, payload.Request)
	if err != nil {
		logger.Error("Export job failed", zap.Error(err))
		h.finish(payload, StatusFailed, start)

		// The job row must reflect the failure even if the task context
		// has been cancelled.
		bg := context.WithoutCancel(ctx)
		if ferr := h.store.Fail(bg, payload.JobID, jobErrorFor(err)); ferr != nil {
			logger.Error("Failed to mark job failed", zap.Error(ferr))
		}
		h.emit(bg, logger, Event{Type: EventFailed, JobID: payload.JobID, Status: StatusFailed, Error: err.Error()})
		return err
	}

	if err := h.store.Complete(ctx, payload.JobID, output); err != nil {
		logger.Error("Failed to mark job completed", zap.Error(err))
		return err
	}
	h.finish(payload, StatusCompleted, start)
	h.emit(ctx, logger, Event{Type: EventCompleted, JobID: payload.JobID, Status: StatusCompleted, Output: output})

	logger.Info("Export job completed",
		zap.String("output", output),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (h *Handler) run(ctx context.Context, req export.Request) (string, error) {
	if err := h.exports.Execute(ctx, req); err != nil {
		return "", err
	}
	if h.outputs == nil {
		return req.Output, nil
	}
	return h.outputs.Publish(ctx, req.Output)
}

func (h *Handler) finish(payload ExportPayload, status Status, start time.Time) {
	if h.metrics != nil {
		h.metrics.RecordJobCompleted(string(payload.Request.Operation), string(status), time.Since(start))
	}
}

func (h *Handler) emit(ctx context.Context, logger *zap.Logger, e Event) {
	if err := publish(ctx, h.events, e); err != nil {
		logger.Warn("Failed to publish job event", zap.String("type", e.Type), zap.Error(err))
	}
}

// jobErrorFor maps export failures to stable error codes.
func jobErrorFor(err error) JobError {
	code := "PROCESSING_ERROR"
	switch composition.KindOf(err) {
	case composition.KindSourceUnreadable:
		code = "SOURCE_UNREADABLE"
	case composition.KindTrackInsertionFailed:
		code = "TRACK_INSERTION_FAILED"
	case composition.KindSessionOpenFailed:
		code = "SESSION_OPEN_FAILED"
	case composition.KindSinkRejectedSample:
		code = "SINK_REJECTED_SAMPLE"
	case composition.KindCancelled:
		code = "CANCELLED"
	}
	return JobError{Code: code, Message: err.Error()}
}

// HandleCleanupFiles removes stale files from the working zone
func (h *Handler) HandleCleanupFiles(ctx context.Context, task *asynq.Task) error {
	var payload CleanupPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	if h.outputs == nil || payload.MaxAgeSeconds <= 0 {
		return nil
	}

	cutoff := time.Now().Add(-time.Duration(payload.MaxAgeSeconds) * time.Second)
	removed, err := h.outputs.PruneWorking(cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune working zone: %w", err)
	}

	files, bytes, err := h.outputs.WorkingUsage()
	if err != nil {
		h.logger.Warn("Failed to measure working zone", zap.Error(err))
	} else if h.metrics != nil {
		h.metrics.UpdateStorageMetrics("working", files, bytes)
	}

	h.logger.Info("Cleaned up working files",
		zap.Int("removed", removed),
		zap.Time("cutoff", cutoff),
		zap.Int64("remaining_bytes", bytes),
	)
	return nil
}
