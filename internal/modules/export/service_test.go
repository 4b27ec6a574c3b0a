package export

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextconvert/composer/internal/modules/composition"
	"github.com/nextconvert/composer/internal/modules/media"
	"github.com/nextconvert/composer/internal/modules/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProber struct {
	durations map[string]string // base name -> seconds
}

func (p *fakeProber) ProbeSource(_ context.Context, id, path string) (composition.SourceSegment, error) {
	s, ok := p.durations[filepath.Base(path)]
	if !ok {
		return composition.SourceSegment{}, composition.NewError(composition.KindSourceUnreadable, path, errors.New("no fixture"))
	}
	d, err := composition.ParseDecimal(s)
	if err != nil {
		return composition.SourceSegment{}, err
	}
	src := composition.SourceSegment{
		ID:                   id,
		Locator:              path,
		Video:                &composition.SourceTrack{Index: 0, TimeRange: composition.NewTimeRange(composition.Zero, d)},
		NaturalSize:          composition.Size{Width: 1920, Height: 1080},
		OrientationTransform: composition.Identity,
		Duration:             d,
	}
	src.Audio = &composition.SourceTrack{Index: 1, TimeRange: composition.NewTimeRange(composition.Zero, d)}
	return src, nil
}

type fakeRunner struct {
	mu       sync.Mutex
	runs     []*composition.Timeline
	targets  []pipeline.Target
	err      error
	block    chan struct{}
	inflight atomic.Int32
	peak     atomic.Int32
}

func (r *fakeRunner) Run(ctx context.Context, tl *composition.Timeline, target pipeline.Target) error {
	n := r.inflight.Add(1)
	defer r.inflight.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return composition.NewError(composition.KindCancelled, "run", ctx.Err())
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, tl)
	r.targets = append(r.targets, target)
	return r.err
}

func (r *fakeRunner) last(t *testing.T) (*composition.Timeline, pipeline.Target) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.runs)
	return r.runs[len(r.runs)-1], r.targets[len(r.targets)-1]
}

type fakePassthrough struct {
	removed []composition.TrackKind
	concat  [][]string
	total   composition.Time
}

func (p *fakePassthrough) RemoveTrack(_ context.Context, _, _ string, kind composition.TrackKind) error {
	p.removed = append(p.removed, kind)
	return nil
}

func (p *fakePassthrough) ConcatCopy(_ context.Context, inputs []string, _ string, total composition.Time, _ media.ProgressFunc) error {
	p.concat = append(p.concat, inputs)
	p.total = total
	return nil
}

type fakeStills struct {
	stills     []string
	watermarks []media.WatermarkSpec
}

func (s *fakeStills) PrepareStill(src, dst string, _ composition.Size, _ string) error {
	s.stills = append(s.stills, src)
	return os.WriteFile(dst, []byte("png"), 0644)
}

func (s *fakeStills) RenderWatermark(spec media.WatermarkSpec, dst string) error {
	s.watermarks = append(s.watermarks, spec)
	return os.WriteFile(dst, []byte("png"), 0644)
}

type fakeRecorder struct {
	mu       sync.Mutex
	started  int
	finished map[string]bool
}

func (r *fakeRecorder) RecordExportStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *fakeRecorder) RecordExportFinished(op string, success bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished == nil {
		r.finished = map[string]bool{}
	}
	r.finished[op] = success
}

type harness struct {
	svc         *Service
	dir         string
	runner      *fakeRunner
	passthrough *fakePassthrough
	stills      *fakeStills
	recorder    *fakeRecorder
}

func newHarness(t *testing.T, durations map[string]string, concurrency int) *harness {
	t.Helper()
	dir := t.TempDir()
	for name := range durations {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("media"), 0644))
	}
	h := &harness{
		dir:         dir,
		runner:      &fakeRunner{},
		passthrough: &fakePassthrough{},
		stills:      &fakeStills{},
		recorder:    &fakeRecorder{},
	}
	h.svc = NewService(Config{
		Prober:      &fakeProber{durations: durations},
		Runner:      h.runner,
		Passthrough: h.passthrough,
		Stills:      h.stills,
		Recorder:    h.recorder,
		WorkDir:     t.TempDir(),
		Concurrency: concurrency,
		Logger:      zap.NewNop(),
	})
	t.Cleanup(h.svc.Close)
	return h
}

func (h *harness) path(name string) string {
	return filepath.Join(h.dir, name)
}

type result struct {
	success bool
	err     error
}

func await(t *testing.T, submit func(cb pipeline.Callback)) result {
	t.Helper()
	done := make(chan result, 1)
	submit(func(success bool, err error) { done <- result{success, err} })
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("callback not invoked")
		return result{}
	}
}

func seconds(t *testing.T, s string) composition.Time {
	t.Helper()
	v, err := composition.ParseDecimal(s)
	require.NoError(t, err)
	return v
}

func TestMerge(t *testing.T) {
	t.Run("re-encoded merge spans the sum of inputs", func(t *testing.T) {
		h := newHarness(t, map[string]string{"a.mp4": "5.0", "b.mp4": "3.2", "c.mp4": "7.8"}, 1)
		out := filepath.Join(t.TempDir(), "merged.mp4")

		r := await(t, func(cb pipeline.Callback) {
			h.svc.Merge(t.Context(), MergeRequest{
				Inputs: []string{h.path("a.mp4"), h.path("b.mp4"), h.path("c.mp4")},
				Output: out,
			}, cb)
		})
		require.True(t, r.success, "%v", r.err)
		require.NoError(t, r.err)

		tl, target := h.runner.last(t)
		assert.True(t, tl.Duration.Equal(seconds(t, "16.0")), "duration %s", tl.Duration)
		assert.Equal(t, composition.DefaultRenderSize, tl.RenderSize)
		assert.Len(t, tl.Video.Segments, 3)
		assert.Equal(t, out, target.Path)
		assert.Equal(t, 1_000_000, target.Settings.VideoBitrate)
		assert.Empty(t, h.passthrough.concat)
	})

	t.Run("passthrough merge copies streams", func(t *testing.T) {
		h := newHarness(t, map[string]string{"a.mp4": "5.0", "b.mp4": "3.2"}, 1)

		err := h.svc.Execute(t.Context(), Request{
			Operation:   OpMerge,
			Inputs:      []string{h.path("a.mp4"), h.path("b.mp4")},
			Output:      filepath.Join(t.TempDir(), "out.mp4"),
			Passthrough: true,
		})
		require.NoError(t, err)
		require.Len(t, h.passthrough.concat, 1)
		assert.Equal(t, []string{h.path("a.mp4"), h.path("b.mp4")}, h.passthrough.concat[0])
		assert.True(t, h.passthrough.total.Equal(seconds(t, "8.2")))
		assert.Empty(t, h.runner.runs)
	})

	t.Run("canvas options are applied", func(t *testing.T) {
		h := newHarness(t, map[string]string{"a.mp4": "2"}, 1)

		err := h.svc.Execute(t.Context(), Request{
			Operation: OpMerge,
			Inputs:    []string{h.path("a.mp4")},
			Output:    filepath.Join(t.TempDir(), "out.mp4"),
			Options: Options{
				Canvas:       composition.Size{Width: 1080, Height: 1080},
				FrameRate:    60,
				VideoBitrate: 2_000_000,
			},
		})
		require.NoError(t, err)
		tl, target := h.runner.last(t)
		assert.Equal(t, composition.Size{Width: 1080, Height: 1080}, tl.RenderSize)
		assert.True(t, tl.FrameDuration.Equal(composition.NewTime(1, 60)))
		assert.Equal(t, 2_000_000, target.Settings.VideoBitrate)
	})

	t.Run("unreadable input", func(t *testing.T) {
		h := newHarness(t, map[string]string{"a.mp4": "2"}, 1)

		err := h.svc.Execute(t.Context(), Request{
			Operation: OpMerge,
			Inputs:    []string{h.path("a.mp4"), h.path("missing.mp4")},
			Output:    filepath.Join(t.TempDir(), "out.mp4"),
		})
		require.Error(t, err)
		assert.Equal(t, composition.KindSourceUnreadable, composition.KindOf(err))
		assert.False(t, h.recorder.finished[string(OpMerge)])
	})
}

func TestTrim(t *testing.T) {
	h := newHarness(t, map[string]string{"long.mp4": "12"}, 1)

	r := await(t, func(cb pipeline.Callback) {
		h.svc.Trim(t.Context(), TrimRequest{
			Input:  h.path("long.mp4"),
			Output: filepath.Join(t.TempDir(), "trimmed.mp4"),
			Range:  Range{Start: "2.0", End: "9.5"},
		}, cb)
	})
	require.NoError(t, r.err)

	tl, _ := h.runner.last(t)
	assert.True(t, tl.Duration.Equal(seconds(t, "7.5")), "duration %s", tl.Duration)
	require.Len(t, tl.Video.Segments, 1)
	assert.True(t, tl.Video.Segments[0].SourceRange.Start.Equal(seconds(t, "2.0")))
}

func TestRemoveTrack(t *testing.T) {
	h := newHarness(t, map[string]string{"clip.mp4": "4"}, 1)

	r := await(t, func(cb pipeline.Callback) {
		h.svc.RemoveTrack(t.Context(), RemoveTrackRequest{
			Input:  h.path("clip.mp4"),
			Output: filepath.Join(t.TempDir(), "silent.mp4"),
			Kind:   composition.KindAudio,
		}, cb)
	})
	require.NoError(t, r.err)
	assert.True(t, r.success)
	assert.Equal(t, []composition.TrackKind{composition.KindAudio}, h.passthrough.removed)
	assert.Empty(t, h.runner.runs)
}

func TestOverlayAudio(t *testing.T) {
	tests := []struct {
		name           string
		removeOriginal bool
		audioTracks    int
	}{
		{name: "keeps original audio at half gain", audioTracks: 2},
		{name: "replaces original audio", removeOriginal: true, audioTracks: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, map[string]string{"clip.mp4": "6", "music.m4a": "30"}, 1)

			err := h.svc.Execute(t.Context(), Request{
				Operation:           OpOverlayAudio,
				Inputs:              []string{h.path("clip.mp4")},
				Audio:               h.path("music.m4a"),
				Output:              filepath.Join(t.TempDir(), "out.mp4"),
				RemoveOriginalAudio: tt.removeOriginal,
			})
			require.NoError(t, err)

			tl, _ := h.runner.last(t)
			assert.True(t, tl.Duration.Equal(seconds(t, "6")))
			nonEmpty := 0
			for _, a := range tl.Audio {
				if !a.IsEmpty() {
					nonEmpty++
				}
			}
			assert.Equal(t, tt.audioTracks, nonEmpty)

			overlay := tl.Audio[len(tl.Audio)-1]
			assert.InDelta(t, 1.0, tl.MixFor(overlay.ID, "audio").GainAt(composition.Zero), 1e-9)
			if !tt.removeOriginal {
				original := tl.Audio[0]
				assert.InDelta(t, 0.5, tl.MixFor(original.ID, "video").GainAt(composition.Zero), 1e-9)
			}
		})
	}
}

func TestAddWatermark(t *testing.T) {
	h := newHarness(t, map[string]string{"clip.mp4": "3", "logo.png": "0"}, 1)

	err := h.svc.Execute(t.Context(), Request{
		Operation: OpAddWatermark,
		Inputs:    []string{h.path("clip.mp4")},
		Output:    filepath.Join(t.TempDir(), "out.mp4"),
		Watermark: &Watermark{
			Image: h.path("logo.png"),
			Text:  "@studio",
			Frame: composition.Rect{X: 20, Y: 40, Width: 200, Height: 80},
		},
	})
	require.NoError(t, err)

	require.Len(t, h.stills.watermarks, 1)
	spec := h.stills.watermarks[0]
	assert.Equal(t, h.path("logo.png"), spec.ImagePath)
	assert.Equal(t, "@studio", spec.Text)
	assert.Equal(t, composition.Size{Width: 200, Height: 80}, spec.Size)

	tl, _ := h.runner.last(t)
	require.Len(t, tl.Overlays, 1)
	assert.Equal(t, "watermark", tl.Overlays[0].ID)
	assert.Equal(t, "watermark.png", filepath.Base(tl.Overlays[0].ImagePath))
}

func TestImagesToVideo(t *testing.T) {
	h := newHarness(t, map[string]string{"one.jpg": "0", "two.png": "0"}, 1)

	err := h.svc.Execute(t.Context(), Request{
		Operation: OpImagesToVideo,
		Images: []Image{
			{Path: h.path("one.jpg"), Duration: "1.5"},
			{Path: h.path("two.png")},
		},
		Output: filepath.Join(t.TempDir(), "slides.mp4"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{h.path("one.jpg"), h.path("two.png")}, h.stills.stills)
	tl, _ := h.runner.last(t)
	assert.True(t, tl.Duration.Equal(seconds(t, "4.5")), "duration %s", tl.Duration)
	assert.False(t, tl.HasAudio())
	for _, src := range tl.Sources {
		assert.True(t, src.Still)
	}

	t.Run("rejects non-positive durations", func(t *testing.T) {
		err := h.svc.Execute(t.Context(), Request{
			Operation: OpImagesToVideo,
			Images:    []Image{{Path: h.path("one.jpg"), Duration: "0"}},
			Output:    filepath.Join(t.TempDir(), "slides.mp4"),
		})
		assert.Error(t, err)
	})
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{name: "missing output", req: Request{Operation: OpMerge, Inputs: []string{"a"}}},
		{name: "unknown operation", req: Request{Operation: "blur", Output: "o"}},
		{name: "merge without inputs", req: Request{Operation: OpMerge, Output: "o"}},
		{name: "passthrough needs two inputs", req: Request{Operation: OpMerge, Inputs: []string{"a"}, Output: "o", Passthrough: true}},
		{name: "trim without range", req: Request{Operation: OpTrim, Inputs: []string{"a"}, Output: "o"}},
		{name: "trim with reversed range", req: Request{Operation: OpTrim, Inputs: []string{"a"}, Output: "o", Range: &Range{Start: "5", End: "2"}}},
		{name: "trim with bad decimal", req: Request{Operation: OpTrim, Inputs: []string{"a"}, Output: "o", Range: &Range{Start: "x", End: "2"}}},
		{name: "remove unknown track", req: Request{Operation: OpRemoveTrack, Inputs: []string{"a"}, Output: "o", Track: "subtitle"}},
		{name: "overlay without audio", req: Request{Operation: OpOverlayAudio, Inputs: []string{"a"}, Output: "o"}},
		{name: "empty watermark", req: Request{Operation: OpAddWatermark, Inputs: []string{"a"}, Output: "o", Watermark: &Watermark{Frame: composition.Rect{Width: 1, Height: 1}}}},
		{name: "watermark without frame", req: Request{Operation: OpAddWatermark, Inputs: []string{"a"}, Output: "o", Watermark: &Watermark{Text: "x"}}},
		{name: "no images", req: Request{Operation: OpImagesToVideo, Output: "o"}},
	}

	h := newHarness(t, nil, 1)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.req.Validate())
			assert.Error(t, h.svc.Execute(t.Context(), tt.req))
		})
	}
	assert.Zero(t, h.recorder.started)
	assert.Empty(t, h.runner.runs)
}

func TestRequestLocators(t *testing.T) {
	req := Request{
		Inputs:    []string{"a.mp4"},
		Audio:     "song.m4a",
		Watermark: &Watermark{Image: "logo.png"},
		Images:    []Image{{Path: "p1.jpg"}, {Path: "p2.jpg"}},
	}
	assert.Equal(t, []string{"a.mp4", "song.m4a", "logo.png", "p1.jpg", "p2.jpg"}, req.Locators())
	assert.Empty(t, Request{Watermark: &Watermark{Text: "x"}}.Locators())
}

func TestCallbackInvokedOnce(t *testing.T) {
	t.Run("on failure", func(t *testing.T) {
		h := newHarness(t, map[string]string{"a.mp4": "1"}, 1)
		h.runner.err = composition.NewError(composition.KindSinkRejectedSample, "append", errors.New("boom"))

		var calls atomic.Int32
		done := make(chan error, 2)
		h.svc.Merge(t.Context(), MergeRequest{Inputs: []string{h.path("a.mp4")}, Output: filepath.Join(t.TempDir(), "o.mp4")},
			func(success bool, err error) {
				calls.Add(1)
				assert.False(t, success)
				done <- err
			})

		select {
		case err := <-done:
			assert.Equal(t, composition.KindSinkRejectedSample, composition.KindOf(err))
		case <-time.After(5 * time.Second):
			t.Fatal("callback not invoked")
		}
		h.svc.Close()
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("cancelled while queued", func(t *testing.T) {
		h := newHarness(t, map[string]string{"a.mp4": "1"}, 1)
		h.runner.block = make(chan struct{})
		defer close(h.runner.block)

		first := make(chan result, 1)
		h.svc.Merge(t.Context(), MergeRequest{Inputs: []string{h.path("a.mp4")}, Output: filepath.Join(t.TempDir(), "1.mp4")},
			func(success bool, err error) { first <- result{success, err} })
		require.Eventually(t, func() bool { return h.runner.inflight.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

		ctx, cancel := context.WithCancel(t.Context())
		second := make(chan result, 1)
		h.svc.Merge(ctx, MergeRequest{Inputs: []string{h.path("a.mp4")}, Output: filepath.Join(t.TempDir(), "2.mp4")},
			func(success bool, err error) { second <- result{success, err} })
		cancel()

		select {
		case r := <-second:
			assert.False(t, r.success)
			assert.Equal(t, composition.KindCancelled, composition.KindOf(r.err))
		case <-time.After(5 * time.Second):
			t.Fatal("cancelled callback not invoked")
		}
	})

	t.Run("after close", func(t *testing.T) {
		h := newHarness(t, map[string]string{"a.mp4": "1"}, 1)
		h.svc.Close()

		r := await(t, func(cb pipeline.Callback) {
			h.svc.Merge(t.Context(), MergeRequest{Inputs: []string{h.path("a.mp4")}, Output: "o.mp4"}, cb)
		})
		assert.ErrorIs(t, r.err, ErrClosed)
	})
}

func TestConcurrencyLimit(t *testing.T) {
	h := newHarness(t, map[string]string{"a.mp4": "1"}, 2)
	h.runner.block = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		h.svc.Merge(t.Context(), MergeRequest{Inputs: []string{h.path("a.mp4")}, Output: filepath.Join(t.TempDir(), "o.mp4")},
			func(bool, error) { wg.Done() })
	}
	require.Eventually(t, func() bool { return h.runner.inflight.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
	close(h.runner.block)
	wg.Wait()
	assert.Equal(t, int32(2), h.runner.peak.Load())
}
