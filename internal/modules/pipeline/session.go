package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/nextconvert/composer/internal/modules/composition"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ChannelState is the lifecycle of one pull loop.
type ChannelState int32

const (
	StateIdle ChannelState = iota
	StateReading
	StateDraining
	StateFinished
	StateFailed
)

func (s ChannelState) String() string {
	switch s {
	case StateReading:
		return "reading"
	case StateDraining:
		return "draining"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

type channel struct {
	kind      composition.TrackKind
	out       Output
	in        Input
	state     atomic.Int32
	forwarded atomic.Int64
}

func (c *channel) setState(s ChannelState) {
	c.state.Store(int32(s))
}

func (c *channel) State() ChannelState {
	return ChannelState(c.state.Load())
}

// Session is one run of the pipeline. It owns the demuxer and muxer it opens
// and closes them on every exit path.
type Session struct {
	timeline *composition.Timeline
	target   Target
	engine   *Engine

	demux    Demuxer
	mux      Muxer
	channels []*channel
	pending  atomic.Int32 // channels not yet finished; failures stay pending

	// serializes Append and MarkFinished across channels
	muxMu sync.Mutex

	logger *zap.Logger
}

func newSession(e *Engine, tl *composition.Timeline, target Target) *Session {
	return &Session{
		timeline: tl,
		target:   target,
		engine:   e,
		logger:   e.logger.With(zap.String("output", target.Path)),
	}
}

// State returns the state of the channel for kind, StateIdle if absent.
func (s *Session) State(kind composition.TrackKind) ChannelState {
	for _, c := range s.channels {
		if c.kind == kind {
			return c.State()
		}
	}
	return StateIdle
}

// Forwarded returns the number of samples appended for kind.
func (s *Session) Forwarded(kind composition.TrackKind) int64 {
	for _, c := range s.channels {
		if c.kind == kind {
			return c.forwarded.Load()
		}
	}
	return 0
}

func (s *Session) run(ctx context.Context) error {
	defer s.close()

	if err := s.open(ctx); err != nil {
		return err
	}

	s.pending.Store(int32(len(s.channels)))
	s.logger.Info("Pipeline started", zap.Int("channels", len(s.channels)))

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range s.channels {
		g.Go(func() error {
			return s.pump(gctx, c)
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return composition.NewError(composition.KindCancelled, "run", ctx.Err())
		}
		return err
	}
	if n := s.pending.Load(); n != 0 {
		return composition.NewError(composition.KindSinkRejectedSample, "finish output",
			fmt.Errorf("%d channels still pending", n))
	}

	if err := s.mux.Finish(ctx); err != nil {
		if ctx.Err() != nil {
			return composition.NewError(composition.KindCancelled, "finish", ctx.Err())
		}
		return composition.NewError(composition.KindSinkRejectedSample, "finish output", err)
	}
	s.logger.Info("Pipeline finished",
		zap.Int64("video_samples", s.Forwarded(composition.KindVideo)),
		zap.Int64("audio_samples", s.Forwarded(composition.KindAudio)),
	)
	return nil
}

func (s *Session) open(ctx context.Context) error {
	const op = "open session"
	demux, err := s.engine.demuxers.OpenDemuxer(ctx, s.timeline)
	if err != nil {
		return composition.NewError(composition.KindSessionOpenFailed, op, fmt.Errorf("demuxer: %w", err))
	}
	s.demux = demux

	mux, err := s.engine.muxers.OpenMuxer(ctx, s.timeline, s.target)
	if err != nil {
		return composition.NewError(composition.KindSessionOpenFailed, op, fmt.Errorf("muxer: %w", err))
	}
	s.mux = mux

	for _, kind := range []composition.TrackKind{composition.KindVideo, composition.KindAudio} {
		out, in := demux.Output(kind), mux.Input(kind)
		switch {
		case out == nil && in == nil:
			continue
		case out == nil || in == nil:
			return composition.NewError(composition.KindSessionOpenFailed, op,
				fmt.Errorf("%s track present on one side only", kind))
		}
		s.channels = append(s.channels, &channel{kind: kind, out: out, in: in})
	}
	if len(s.channels) == 0 {
		return composition.NewError(composition.KindSessionOpenFailed, op, errors.New("timeline has no tracks"))
	}

	if err := demux.Begin(ctx); err != nil {
		return composition.NewError(composition.KindSessionOpenFailed, op, fmt.Errorf("begin reading: %w", err))
	}
	if err := mux.Begin(ctx); err != nil {
		return composition.NewError(composition.KindSessionOpenFailed, op, fmt.Errorf("begin writing: %w", err))
	}
	return nil
}

// pump copies samples while the input is ready and parks on its readiness
// signal otherwise.
func (s *Session) pump(ctx context.Context, c *channel) error {
	c.setState(StateReading)
	for {
		for c.in.IsReady() {
			if ctx.Err() != nil {
				return s.fail(c, composition.NewError(composition.KindCancelled, string(c.kind), ctx.Err()))
			}

			sample, err := c.out.Next(ctx)
			if errors.Is(err, io.EOF) {
				s.finish(c)
				return nil
			}
			if err != nil {
				if ctx.Err() != nil {
					return s.fail(c, composition.NewError(composition.KindCancelled, string(c.kind), ctx.Err()))
				}
				return s.fail(c, composition.NewError(composition.KindSourceUnreadable, "read "+string(c.kind), err))
			}

			if err := s.append(c, sample); err != nil {
				return s.fail(c, composition.NewError(composition.KindSinkRejectedSample, "append "+string(c.kind), err))
			}
			c.forwarded.Add(1)
			if s.engine.observer != nil {
				s.engine.observer.RecordSample(string(c.kind))
			}
		}

		select {
		case <-ctx.Done():
			return s.fail(c, composition.NewError(composition.KindCancelled, string(c.kind), ctx.Err()))
		case <-c.in.Ready():
		}
	}
}

func (s *Session) append(c *channel, sample Sample) error {
	s.muxMu.Lock()
	defer s.muxMu.Unlock()
	return c.in.Append(sample)
}

func (s *Session) finish(c *channel) {
	c.setState(StateDraining)
	s.muxMu.Lock()
	c.in.MarkFinished()
	s.muxMu.Unlock()
	c.setState(StateFinished)

	remaining := s.pending.Add(-1)
	s.logger.Debug("Channel finished",
		zap.String("kind", string(c.kind)),
		zap.Int64("samples", c.forwarded.Load()),
		zap.Int32("pending", remaining),
	)
}

func (s *Session) fail(c *channel, err error) error {
	c.setState(StateFailed)
	s.logger.Warn("Channel failed", zap.String("kind", string(c.kind)), zap.Error(err))
	return err
}

func (s *Session) close() {
	if s.mux != nil {
		if err := s.mux.Close(); err != nil {
			s.logger.Warn("Failed to close muxer", zap.Error(err))
		}
	}
	if s.demux != nil {
		if err := s.demux.Close(); err != nil {
			s.logger.Warn("Failed to close demuxer", zap.Error(err))
		}
	}
}
