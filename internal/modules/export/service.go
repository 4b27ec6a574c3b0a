// Package export is the entry point for timeline exports: it resolves and
// probes sources, builds the timeline for the requested operation and runs
// it through the pipeline or an ffmpeg stream copy.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nextconvert/composer/internal/modules/composition"
	"github.com/nextconvert/composer/internal/modules/media"
	"github.com/nextconvert/composer/internal/modules/pipeline"
	"go.uber.org/zap"
)

// ErrClosed is returned to callbacks submitted after Close.
var ErrClosed = errors.New("export service is closed")

// Prober describes a local media file as a timeline source.
type Prober interface {
	ProbeSource(ctx context.Context, id, path string) (composition.SourceSegment, error)
}

// Runner transcodes a timeline. *pipeline.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, tl *composition.Timeline, target pipeline.Target) error
}

// Passthrough performs stream copies without re-encoding.
type Passthrough interface {
	RemoveTrack(ctx context.Context, inputPath, outputPath string, kind composition.TrackKind) error
	ConcatCopy(ctx context.Context, inputPaths []string, outputPath string, total composition.Time, onProgress media.ProgressFunc) error
}

// Stills renders images used as timeline sources.
type Stills interface {
	PrepareStill(src, dst string, canvas composition.Size, background string) error
	RenderWatermark(spec media.WatermarkSpec, dst string) error
}

// Resolver makes a locator available as a local file. cleanup releases any
// temporary copy.
type Resolver interface {
	PrepareInputForProcessing(ctx context.Context, locator string) (localPath string, cleanup func(), err error)
}

// Recorder receives export measurements. *metrics.Metrics satisfies it.
type Recorder interface {
	RecordExportStarted()
	RecordExportFinished(operation string, success bool, duration time.Duration)
}

// Config wires the service's collaborators.
type Config struct {
	Prober      Prober
	Runner      Runner
	Passthrough Passthrough
	Stills      Stills   // defaults to the media package renderers
	Resolver    Resolver // defaults to local paths only
	Recorder    Recorder
	WorkDir     string
	Concurrency int
	Logger      *zap.Logger
}

type task struct {
	ctx context.Context
	req Request
	cb  pipeline.Callback
}

// Service runs exports on a fixed pool of workers.
type Service struct {
	prober      Prober
	runner      Runner
	passthrough Passthrough
	stills      Stills
	resolver    Resolver
	recorder    Recorder
	workDir     string
	logger      *zap.Logger

	tasks  chan task
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewService starts cfg.Concurrency workers (at least one).
func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Stills == nil {
		cfg.Stills = imageRenderer{}
	}
	if cfg.Resolver == nil {
		cfg.Resolver = localResolver{}
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	s := &Service{
		prober:      cfg.Prober,
		runner:      cfg.Runner,
		passthrough: cfg.Passthrough,
		stills:      cfg.Stills,
		resolver:    cfg.Resolver,
		recorder:    cfg.Recorder,
		workDir:     cfg.WorkDir,
		logger:      cfg.Logger,
		tasks:       make(chan task),
	}
	for range cfg.Concurrency {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

func (s *Service) worker() {
	defer s.wg.Done()
	for t := range s.tasks {
		if err := t.ctx.Err(); err != nil {
			t.cb(false, composition.NewError(composition.KindCancelled, string(t.req.Operation), err))
			continue
		}
		err := s.Execute(t.ctx, t.req)
		t.cb(err == nil, err)
	}
}

// Close stops accepting work and waits for running exports to finish.
func (s *Service) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.tasks)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Submit queues req and returns immediately. cb is invoked exactly once,
// from a worker, or with a Cancelled error if ctx ends before a worker is
// free.
func (s *Service) Submit(ctx context.Context, req Request, cb pipeline.Callback) {
	var once sync.Once
	deliver := func(success bool, err error) {
		once.Do(func() {
			if cb != nil {
				cb(success, err)
			}
		})
	}

	go func() {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.closed {
			deliver(false, ErrClosed)
			return
		}
		select {
		case s.tasks <- task{ctx: ctx, req: req, cb: deliver}:
		case <-ctx.Done():
			deliver(false, composition.NewError(composition.KindCancelled, string(req.Operation), ctx.Err()))
		}
	}()
}

// Merge concatenates the inputs. With Passthrough the streams are copied
// and must share codecs; otherwise every input is fitted to the canvas.
func (s *Service) Merge(ctx context.Context, req MergeRequest, cb pipeline.Callback) {
	s.Submit(ctx, Request{
		Operation:   OpMerge,
		Inputs:      req.Inputs,
		Output:      req.Output,
		Passthrough: req.Passthrough,
		Options:     req.Options,
	}, cb)
}

// Trim keeps a sub-range of one input.
func (s *Service) Trim(ctx context.Context, req TrimRequest, cb pipeline.Callback) {
	r := req.Range
	s.Submit(ctx, Request{
		Operation: OpTrim,
		Inputs:    []string{req.Input},
		Output:    req.Output,
		Range:     &r,
		Options:   req.Options,
	}, cb)
}

// RemoveTrack drops the audio or video streams of one input.
func (s *Service) RemoveTrack(ctx context.Context, req RemoveTrackRequest, cb pipeline.Callback) {
	s.Submit(ctx, Request{
		Operation: OpRemoveTrack,
		Inputs:    []string{req.Input},
		Output:    req.Output,
		Track:     req.Kind,
	}, cb)
}

// OverlayAudio mixes an audio source over one input.
func (s *Service) OverlayAudio(ctx context.Context, req OverlayAudioRequest, cb pipeline.Callback) {
	s.Submit(ctx, Request{
		Operation:           OpOverlayAudio,
		Inputs:              []string{req.Input},
		Audio:               req.Audio,
		Output:              req.Output,
		RemoveOriginalAudio: req.RemoveOriginalAudio,
		Options:             req.Options,
	}, cb)
}

// AddWatermark draws an image and/or text over one input.
func (s *Service) AddWatermark(ctx context.Context, req WatermarkRequest, cb pipeline.Callback) {
	wm := req.Watermark
	s.Submit(ctx, Request{
		Operation: OpAddWatermark,
		Inputs:    []string{req.Input},
		Output:    req.Output,
		Watermark: &wm,
		Options:   req.Options,
	}, cb)
}

// ImagesToVideo shows each image for its duration.
func (s *Service) ImagesToVideo(ctx context.Context, req ImagesRequest, cb pipeline.Callback) {
	s.Submit(ctx, Request{
		Operation: OpImagesToVideo,
		Images:    req.Images,
		Output:    req.Output,
		Options:   req.Options,
	}, cb)
}

// Execute runs req on the calling goroutine.
func (s *Service) Execute(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid %s request: %w", req.Operation, err)
	}

	start := time.Now()
	if s.recorder != nil {
		s.recorder.RecordExportStarted()
	}
	logger := s.logger.With(zap.String("operation", string(req.Operation)), zap.String("output", req.Output))
	logger.Info("Export started", zap.Int("inputs", len(req.Inputs)+len(req.Images)))

	err := s.execute(ctx, req, logger)

	if s.recorder != nil {
		s.recorder.RecordExportFinished(string(req.Operation), err == nil, time.Since(start))
	}
	if err != nil {
		logger.Error("Export failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return err
	}
	logger.Info("Export completed", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (s *Service) execute(ctx context.Context, req Request, logger *zap.Logger) error {
	ws, err := s.newWorkspace(logger)
	if err != nil {
		return err
	}
	defer ws.close()

	switch req.Operation {
	case OpMerge:
		return s.merge(ctx, ws, req)
	case OpTrim:
		return s.trim(ctx, ws, req)
	case OpRemoveTrack:
		return s.removeTrack(ctx, ws, req)
	case OpOverlayAudio:
		return s.overlayAudio(ctx, ws, req)
	case OpAddWatermark:
		return s.addWatermark(ctx, ws, req)
	case OpImagesToVideo:
		return s.imagesToVideo(ctx, ws, req)
	default:
		return fmt.Errorf("unknown operation %q", req.Operation)
	}
}

func (s *Service) run(ctx context.Context, tl *composition.Timeline, req Request) error {
	if s.runner == nil {
		return fmt.Errorf("no pipeline runner configured")
	}
	return s.runner.Run(ctx, tl, pipeline.Target{Path: req.Output, Settings: req.Options.settings()})
}

func (s *Service) merge(ctx context.Context, ws *workspace, req Request) error {
	sources, err := ws.probeAll(ctx, req.Inputs)
	if err != nil {
		return err
	}

	if req.Passthrough {
		if s.passthrough == nil {
			return fmt.Errorf("no passthrough configured")
		}
		total := composition.Zero
		paths := make([]string, len(sources))
		for i, src := range sources {
			total = total.Add(src.Duration)
			paths[i] = src.Locator
		}
		return s.passthrough.ConcatCopy(ctx, paths, req.Output, total, nil)
	}

	clips := make([]composition.Clip, len(sources))
	for i, src := range sources {
		clips[i] = composition.Clip{Source: src}
	}
	tl, err := composition.Build(clips, req.Options.buildOptions())
	if err != nil {
		return err
	}
	return s.run(ctx, tl, req)
}

func (s *Service) trim(ctx context.Context, ws *workspace, req Request) error {
	r, err := req.Range.TimeRange()
	if err != nil {
		return err
	}
	src, err := ws.probe(ctx, "source", req.Inputs[0])
	if err != nil {
		return err
	}
	tl, err := composition.Build([]composition.Clip{{Source: src, Range: &r}}, req.Options.buildOptions())
	if err != nil {
		return err
	}
	return s.run(ctx, tl, req)
}

func (s *Service) removeTrack(ctx context.Context, ws *workspace, req Request) error {
	if s.passthrough == nil {
		return fmt.Errorf("no passthrough configured")
	}
	path, err := ws.resolve(ctx, req.Inputs[0])
	if err != nil {
		return err
	}
	return s.passthrough.RemoveTrack(ctx, path, req.Output, req.Track)
}

// overlayAudio keeps the original audio at half gain unless it is removed;
// the added audio plays at full gain for the length of the video.
func (s *Service) overlayAudio(ctx context.Context, ws *workspace, req Request) error {
	video, err := ws.probe(ctx, "video", req.Inputs[0])
	if err != nil {
		return err
	}
	audio, err := ws.probe(ctx, "audio", req.Audio)
	if err != nil {
		return err
	}

	opts := req.Options.buildOptions()
	opts.DropAudio = req.RemoveOriginalAudio
	tl, err := composition.Build([]composition.Clip{{Source: video}}, opts)
	if err != nil {
		return err
	}
	tl, err = composition.WithAudioOverlay(tl, composition.AudioOverlay{
		Source:       audio,
		Gain:         1,
		OriginalGain: 0.5,
	})
	if err != nil {
		return err
	}
	return s.run(ctx, tl, req)
}

func (s *Service) addWatermark(ctx context.Context, ws *workspace, req Request) error {
	src, err := ws.probe(ctx, "source", req.Inputs[0])
	if err != nil {
		return err
	}
	tl, err := composition.Build([]composition.Clip{{Source: src}}, req.Options.buildOptions())
	if err != nil {
		return err
	}

	wm := req.Watermark
	spec := media.WatermarkSpec{
		Text:      wm.Text,
		TextColor: wm.TextColor,
		Size:      composition.Size{Width: wm.Frame.Width, Height: wm.Frame.Height},
	}
	if wm.Image != "" {
		if spec.ImagePath, err = ws.resolve(ctx, wm.Image); err != nil {
			return err
		}
	}
	layer := ws.path("watermark.png")
	if err := s.stills.RenderWatermark(spec, layer); err != nil {
		return fmt.Errorf("render watermark: %w", err)
	}

	tl, err = composition.WithWatermark(tl, composition.Overlay{
		ID:        "watermark",
		ImagePath: layer,
		Frame:     wm.Frame,
	})
	if err != nil {
		return err
	}
	return s.run(ctx, tl, req)
}

func (s *Service) imagesToVideo(ctx context.Context, ws *workspace, req Request) error {
	opts := req.Options.buildOptions()
	clips := make([]composition.Clip, 0, len(req.Images))
	for i, img := range req.Images {
		d, err := composition.ParseDecimal(defaultString(img.Duration, DefaultImageDuration))
		if err != nil || !d.After(composition.Zero) {
			return composition.NewError(composition.KindTrackInsertionFailed, "images",
				fmt.Errorf("image %d has invalid duration %q", i, img.Duration))
		}
		path, err := ws.resolve(ctx, img.Path)
		if err != nil {
			return err
		}
		still := ws.path(fmt.Sprintf("still-%03d.png", i))
		if err := s.stills.PrepareStill(path, still, opts.RenderSize, opts.BackgroundColor); err != nil {
			return composition.NewError(composition.KindSourceUnreadable, img.Path, err)
		}
		clips = append(clips, composition.Clip{Source: composition.SourceSegment{
			ID:                   fmt.Sprintf("image-%d", i),
			Locator:              still,
			Video:                &composition.SourceTrack{TimeRange: composition.NewTimeRange(composition.Zero, d)},
			NaturalSize:          opts.RenderSize,
			OrientationTransform: composition.Identity,
			Duration:             d,
			Still:                true,
		}})
	}

	tl, err := composition.Build(clips, opts)
	if err != nil {
		return err
	}
	return s.run(ctx, tl, req)
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// workspace is the per-export scratch directory and the cleanups of every
// resolved input.
type workspace struct {
	svc      *Service
	dir      string
	cleanups []func()
	logger   *zap.Logger
}

func (s *Service) newWorkspace(logger *zap.Logger) (*workspace, error) {
	dir := filepath.Join(s.workDir, "export-"+uuid.New().String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &workspace{svc: s, dir: dir, logger: logger}, nil
}

func (w *workspace) path(name string) string {
	return filepath.Join(w.dir, name)
}

func (w *workspace) resolve(ctx context.Context, locator string) (string, error) {
	path, cleanup, err := w.svc.resolver.PrepareInputForProcessing(ctx, locator)
	if err != nil {
		return "", composition.NewError(composition.KindSourceUnreadable, locator, err)
	}
	if cleanup != nil {
		w.cleanups = append(w.cleanups, cleanup)
	}
	return path, nil
}

func (w *workspace) probe(ctx context.Context, id, locator string) (composition.SourceSegment, error) {
	if w.svc.prober == nil {
		return composition.SourceSegment{}, fmt.Errorf("no prober configured")
	}
	path, err := w.resolve(ctx, locator)
	if err != nil {
		return composition.SourceSegment{}, err
	}
	src, err := w.svc.prober.ProbeSource(ctx, id, path)
	if err != nil {
		return composition.SourceSegment{}, err
	}
	w.logger.Debug("Probed source",
		zap.String("id", id),
		zap.String("locator", locator),
		zap.Stringer("duration", src.Duration),
		zap.Bool("video", src.Video != nil),
		zap.Bool("audio", src.Audio != nil),
	)
	return src, nil
}

func (w *workspace) probeAll(ctx context.Context, locators []string) ([]composition.SourceSegment, error) {
	sources := make([]composition.SourceSegment, len(locators))
	for i, loc := range locators {
		src, err := w.probe(ctx, fmt.Sprintf("source-%d", i), loc)
		if err != nil {
			return nil, err
		}
		sources[i] = src
	}
	return sources, nil
}

func (w *workspace) close() {
	for i := len(w.cleanups) - 1; i >= 0; i-- {
		w.cleanups[i]()
	}
	if err := os.RemoveAll(w.dir); err != nil {
		w.logger.Warn("Failed to remove workspace", zap.String("dir", w.dir), zap.Error(err))
	}
}

type imageRenderer struct{}

func (imageRenderer) PrepareStill(src, dst string, canvas composition.Size, background string) error {
	return media.PrepareStill(src, dst, canvas, background)
}

func (imageRenderer) RenderWatermark(spec media.WatermarkSpec, dst string) error {
	return media.RenderWatermark(spec, dst)
}

type localResolver struct{}

func (localResolver) PrepareInputForProcessing(_ context.Context, locator string) (string, func(), error) {
	if _, err := os.Stat(locator); err != nil {
		return "", nil, err
	}
	return locator, func() {}, nil
}
