package pipeline

import (
	"context"
	"time"

	"github.com/nextconvert/composer/internal/modules/composition"
	"go.uber.org/zap"
)

// Observer receives pipeline measurements. *metrics.Metrics satisfies it.
type Observer interface {
	RecordSample(kind string)
	RecordPipelineRun(status string, duration time.Duration)
}

// Engine runs timelines through a demuxer/muxer pair.
type Engine struct {
	demuxers DemuxerFactory
	muxers   MuxerFactory
	observer Observer
	logger   *zap.Logger
}

// NewEngine creates an engine. observer may be nil.
func NewEngine(demuxers DemuxerFactory, muxers MuxerFactory, observer Observer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		demuxers: demuxers,
		muxers:   muxers,
		observer: observer,
		logger:   logger,
	}
}

// Run transcodes tl into target and blocks until the output is finished or
// the run fails. Errors are *composition.Error values.
func (e *Engine) Run(ctx context.Context, tl *composition.Timeline, target Target) error {
	_, err := e.run(ctx, tl, target)
	return err
}

// RunAsync starts Run in a goroutine and delivers the outcome to cb exactly once.
func (e *Engine) RunAsync(ctx context.Context, tl *composition.Timeline, target Target, cb Callback) {
	go func() {
		err := e.Run(ctx, tl, target)
		if cb != nil {
			cb(err == nil, err)
		}
	}()
}

func (e *Engine) run(ctx context.Context, tl *composition.Timeline, target Target) (*Session, error) {
	start := time.Now()
	s := newSession(e, tl, target)
	err := s.run(ctx)

	status := "finished"
	if err != nil {
		status = string(composition.KindOf(err))
		e.logger.Error("Pipeline failed", zap.String("output", target.Path), zap.Error(err))
	}
	if e.observer != nil {
		e.observer.RecordPipelineRun(status, time.Since(start))
	}
	return s, err
}
