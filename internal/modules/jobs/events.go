package jobs

import (
	"context"
	"encoding/json"
	"time"
)

// EventsChannel is the Redis channel job events are published on.
const EventsChannel = "jobs:events"

// Event types
const (
	EventQueued    = "job.queued"
	EventStarted   = "job.started"
	EventCompleted = "job.completed"
	EventFailed    = "job.failed"
	EventCancelled = "job.cancelled"
)

// Event is a job state change broadcast to websocket clients.
type Event struct {
	Type      string    `json:"type"`
	JobID     string    `json:"jobId"`
	Status    Status    `json:"status"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher sends messages on a channel. *database.Redis satisfies it.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// ParseEvent decodes an event received from EventsChannel.
func ParseEvent(payload string) (Event, error) {
	var e Event
	err := json.Unmarshal([]byte(payload), &e)
	return e, err
}

func publish(ctx context.Context, p Publisher, e Event) error {
	if p == nil {
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.Publish(ctx, EventsChannel, data)
}
