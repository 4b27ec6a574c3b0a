package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"github.com/nextconvert/composer/internal/modules/export"
	"go.uber.org/zap"
)

// Task types
const (
	TypeExport       = "export:run"
	TypeCleanupFiles = "files:cleanup"
)

// QueueClient handles job queue operations
type QueueClient struct {
	client    *asynq.Client
	redisAddr string
	logger    *zap.Logger
}

// NewQueueClient creates a new queue client
func NewQueueClient(redisAddr string, logger *zap.Logger) *QueueClient {
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})
	return &QueueClient{
		client:    client,
		redisAddr: redisAddr,
		logger:    logger,
	}
}

// Close closes the queue client
func (q *QueueClient) Close() error {
	return q.client.Close()
}

// ExportPayload contains export task data
type ExportPayload struct {
	JobID   string         `json:"jobId"`
	Request export.Request `json:"request"`
}

// CleanupPayload contains file cleanup task data
type CleanupPayload struct {
	MaxAgeSeconds int64 `json:"maxAgeSeconds"`
}

// queueFor maps a job priority to an asynq queue.
func queueFor(priority string) string {
	switch priority {
	case PriorityHigh:
		return "critical"
	case PriorityLow:
		return "low"
	default:
		return "default"
	}
}

// newExportTask builds the task for payload. Exports are not retried: a
// failed render leaves the job failed and the client resubmits.
func newExportTask(payload ExportPayload, priority string) (*asynq.Task, []asynq.Option, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{
		asynq.MaxRetry(0),
		asynq.Timeout(2 * time.Hour),
		asynq.Queue(queueFor(priority)),
		asynq.TaskID(payload.JobID),
	}
	return asynq.NewTask(TypeExport, data), opts, nil
}

// EnqueueExport queues an export task
func (q *QueueClient) EnqueueExport(payload ExportPayload, priority string) (*asynq.TaskInfo, error) {
	task, opts, err := newExportTask(payload, priority)
	if err != nil {
		return nil, err
	}

	info, err := q.client.Enqueue(task, opts...)
	if err != nil {
		q.logger.Error("Failed to enqueue export task", zap.Error(err))
		return nil, err
	}

	q.logger.Info("Export task enqueued",
		zap.String("task_id", info.ID),
		zap.String("job_id", payload.JobID),
		zap.String("queue", info.Queue),
	)

	return info, nil
}

// EnqueueCleanup queues a file cleanup task
func (q *QueueClient) EnqueueCleanup(payload CleanupPayload) (*asynq.TaskInfo, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	task := asynq.NewTask(TypeCleanupFiles, data)

	opts := []asynq.Option{
		asynq.MaxRetry(1),
		asynq.Queue("low"),
	}

	return q.client.Enqueue(task, opts...)
}

// NewCleanupScheduler registers the periodic working-zone cleanup. The
// caller starts and shuts down the returned scheduler.
func (q *QueueClient) NewCleanupScheduler(maxAge time.Duration) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(asynq.RedisClientOpt{Addr: q.redisAddr}, nil)

	payload, err := json.Marshal(CleanupPayload{MaxAgeSeconds: int64(maxAge / time.Second)})
	if err != nil {
		return nil, err
	}
	if _, err := scheduler.Register("@every 30m", asynq.NewTask(TypeCleanupFiles, payload), asynq.Queue("low")); err != nil {
		return nil, err
	}
	return scheduler, nil
}
