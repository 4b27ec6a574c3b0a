package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/nextconvert/composer/internal/modules/composition"
	"github.com/nextconvert/composer/internal/modules/pipeline"
	"go.uber.org/zap"
)

// Queue depths per input. Audio gets far more room than video so that the
// encoder, which interleaves both streams, never stalls the renderer on the
// kind it is not currently consuming.
const (
	videoQueueFrames = 8
	audioQueueBlocks = 256
)

var errInputClosed = errors.New("input is closed")

// OpenMuxer prepares an ffmpeg encoder writing target. Raw RGBA frames and
// s16le PCM in the processor's format are fed through pipes; the encoder
// settings come from the target.
func (p *Processor) OpenMuxer(ctx context.Context, tl *composition.Timeline, target pipeline.Target) (pipeline.Muxer, error) {
	if target.Path == "" {
		return nil, fmt.Errorf("output path is required")
	}
	if err := os.MkdirAll(filepath.Dir(target.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	settings := target.Settings
	if settings.Preset == "" {
		settings.Preset = p.preset()
	}
	settings = settings.WithDefaults()

	m := &ffmpegMuxer{
		proc:     p,
		path:     target.Path,
		settings: settings,
		logger:   p.logger.With(zap.String("component", "muxer"), zap.String("output", target.Path)),
		stderr:   newTailBuffer(8192),
		exited:   make(chan struct{}),
	}

	if tl.HasVideo() {
		w, h := int(tl.RenderSize.Width), int(tl.RenderSize.Height)
		in, err := newPipeInput(composition.KindVideo, w*h*4, true, videoQueueFrames)
		if err != nil {
			return nil, err
		}
		m.video = in
		m.videoArgs = []string{
			"-f", "rawvideo", "-pix_fmt", "rgba",
			"-s", fmt.Sprintf("%dx%d", w, h),
			"-framerate", frameRate(tl.FrameDuration),
		}
	}
	if tl.HasAudio() {
		in, err := newPipeInput(composition.KindAudio, p.channels*2, false, audioQueueBlocks)
		if err != nil {
			m.closeInputs()
			return nil, err
		}
		m.audio = in
		m.audioArgs = []string{
			"-f", "s16le",
			"-ar", strconv.Itoa(p.sampleRate),
			"-ac", strconv.Itoa(p.channels),
		}
	}
	if m.video == nil && m.audio == nil {
		return nil, fmt.Errorf("timeline has no tracks")
	}
	return m, nil
}

type ffmpegMuxer struct {
	proc     *Processor
	path     string
	settings pipeline.OutputSettings
	logger   *zap.Logger

	video     *pipeInput
	audio     *pipeInput
	videoArgs []string
	audioArgs []string

	cmd     *exec.Cmd
	cancel  context.CancelFunc
	stderr  *tailBuffer
	started time.Time

	exited   chan struct{}
	waitErr  error
	finished bool
	once     sync.Once
}

func (m *ffmpegMuxer) inputs() []*pipeInput {
	var ins []*pipeInput
	if m.video != nil {
		ins = append(ins, m.video)
	}
	if m.audio != nil {
		ins = append(ins, m.audio)
	}
	return ins
}

func (m *ffmpegMuxer) args() []string {
	args := []string{"-y", "-hide_banner", "-nostdin", "-loglevel", "error"}

	fd, idx := 3, 0
	var maps []string
	if m.video != nil {
		args = append(args, m.videoArgs...)
		args = append(args, "-i", fmt.Sprintf("pipe:%d", fd))
		maps = append(maps, "-map", fmt.Sprintf("%d:v", idx))
		fd++
		idx++
	}
	if m.audio != nil {
		args = append(args, m.audioArgs...)
		args = append(args, "-i", fmt.Sprintf("pipe:%d", fd))
		maps = append(maps, "-map", fmt.Sprintf("%d:a", idx))
	}
	args = append(args, maps...)

	s := m.settings
	if m.video != nil {
		args = append(args,
			"-c:v", s.VideoCodec,
			"-preset", s.Preset,
			"-profile:v", s.VideoProfile,
			"-level:v", s.VideoLevel,
			"-b:v", strconv.Itoa(s.VideoBitrate),
			"-pix_fmt", "yuv420p",
		)
	}
	if m.audio != nil {
		args = append(args,
			"-c:a", s.AudioCodec,
			"-b:a", strconv.Itoa(s.AudioBitrate),
			"-ar", strconv.Itoa(s.AudioSampleRate),
			"-ac", strconv.Itoa(s.AudioChannels),
		)
	}
	if s.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(s.Threads))
	} else {
		args = append(args, m.proc.threadArgs()...)
	}
	return append(args, "-movflags", "+faststart", "-f", "mp4", m.path)
}

func (m *ffmpegMuxer) Begin(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	args := m.args()
	m.logger.Info("Executing FFmpeg",
		zap.String("operation", "encode_timeline"),
		zap.Strings("args", args),
	)

	m.cmd = exec.CommandContext(runCtx, m.proc.ffmpegPath, args...)
	for _, in := range m.inputs() {
		m.cmd.ExtraFiles = append(m.cmd.ExtraFiles, in.r)
	}
	m.cmd.Stderr = m.stderr
	m.started = time.Now()
	if err := m.cmd.Start(); err != nil {
		cancel()
		m.proc.recordError("encode_timeline", "start")
		return fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	for _, in := range m.inputs() {
		in.r.Close()
		go in.run()
	}
	go m.wait()
	return nil
}

// wait reaps the encoder. An early exit fails every input so that blocked
// pull loops wake up and observe the error.
func (m *ffmpegMuxer) wait() {
	err := m.cmd.Wait()
	if err != nil {
		m.waitErr = fmt.Errorf("FFmpeg execution failed: %w: %s", err, m.stderr.String())
		for _, in := range m.inputs() {
			in.fail(m.waitErr)
		}
	}
	close(m.exited)
}

func (m *ffmpegMuxer) Input(kind composition.TrackKind) pipeline.Input {
	switch {
	case kind == composition.KindVideo && m.video != nil:
		return m.video
	case kind == composition.KindAudio && m.audio != nil:
		return m.audio
	default:
		return nil
	}
}

// Finish waits for every queued sample to reach the encoder and for the
// encoder to write the container trailer.
func (m *ffmpegMuxer) Finish(ctx context.Context) error {
	if m.cmd == nil {
		return fmt.Errorf("muxer was not started")
	}
	for _, in := range m.inputs() {
		if !in.isFinished() {
			return fmt.Errorf("%s input was not finished", in.kind)
		}
		select {
		case <-in.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := in.failed(); err != nil {
			return err
		}
	}

	select {
	case <-m.exited:
	case <-ctx.Done():
		return ctx.Err()
	}

	success := m.waitErr == nil
	if m.proc.recorder != nil {
		m.proc.recorder.RecordFFmpegOperation("encode_timeline", success, time.Since(m.started))
	}
	if !success {
		m.proc.recordError("encode_timeline", "exit")
		return m.waitErr
	}

	m.finished = true
	m.logger.Info("Output written", zap.Duration("elapsed", time.Since(m.started)))
	return nil
}

// Close aborts an unfinished encode and removes the partial output.
func (m *ffmpegMuxer) Close() error {
	if m.finished {
		return nil
	}
	m.once.Do(func() {
		for _, in := range m.inputs() {
			in.abort()
		}
		if m.cancel != nil {
			m.cancel()
		}
		m.closeInputs()
		if m.cmd != nil && m.cmd.Process != nil {
			<-m.exited
		}
		if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("Failed to remove partial output", zap.Error(err))
		}
	})
	return nil
}

func (m *ffmpegMuxer) closeInputs() {
	for _, in := range m.inputs() {
		in.w.Close()
		in.r.Close()
	}
}

// pipeInput feeds one encoder input. Appends go to a bounded queue that a
// writer goroutine drains into the pipe; the input is ready while the queue
// has room.
type pipeInput struct {
	kind  composition.TrackKind
	unit  int
	exact bool

	r *os.File // child end
	w *os.File

	queue   chan []byte
	ready   chan struct{}
	done    chan struct{}
	aborted chan struct{}

	mu        sync.Mutex
	err       error
	marked    bool
	abortOnce sync.Once
}

// newPipeInput accepts samples of exactly unit bytes when exact is set, and
// of a positive multiple of unit bytes otherwise.
func newPipeInput(kind composition.TrackKind, unit int, exact bool, depth int) (*pipeInput, error) {
	if unit <= 0 {
		return nil, fmt.Errorf("invalid %s sample size %d", kind, unit)
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create %s pipe: %w", kind, err)
	}
	in := &pipeInput{
		kind:    kind,
		unit:    unit,
		exact:   exact,
		r:       r,
		w:       w,
		queue:   make(chan []byte, depth),
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		aborted: make(chan struct{}),
	}
	in.signal()
	return in, nil
}

func (in *pipeInput) Ready() <-chan struct{} {
	return in.ready
}

// IsReady is also true once the input has failed, so that the next Append
// reports the failure instead of the caller waiting forever.
func (in *pipeInput) IsReady() bool {
	return len(in.queue) < cap(in.queue) || in.failed() != nil
}

func (in *pipeInput) Append(s pipeline.Sample) error {
	if err := in.failed(); err != nil {
		return err
	}
	if in.isFinished() {
		return errInputClosed
	}
	n := len(s.Data)
	if (in.exact && n != in.unit) || n == 0 || n%in.unit != 0 {
		return fmt.Errorf("%s sample of %d bytes does not match unit %d", in.kind, n, in.unit)
	}
	select {
	case in.queue <- s.Data:
		return nil
	default:
		return fmt.Errorf("%s input is not ready", in.kind)
	}
}

func (in *pipeInput) MarkFinished() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.marked {
		in.marked = true
		close(in.queue)
	}
}

func (in *pipeInput) isFinished() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.marked
}

func (in *pipeInput) failed() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.err
}

func (in *pipeInput) fail(err error) {
	in.mu.Lock()
	if in.err == nil {
		in.err = err
	}
	in.mu.Unlock()
	in.signal()
}

func (in *pipeInput) abort() {
	in.abortOnce.Do(func() { close(in.aborted) })
}

func (in *pipeInput) signal() {
	select {
	case in.ready <- struct{}{}:
	default:
	}
}

// run drains the queue into the pipe until the queue is closed or the input
// is aborted. Closing the write end signals end of stream to the encoder.
func (in *pipeInput) run() {
	defer close(in.done)
	defer in.w.Close()
	for {
		select {
		case buf, ok := <-in.queue:
			if !ok {
				return
			}
			in.signal()
			if in.failed() != nil {
				continue
			}
			if _, err := in.w.Write(buf); err != nil {
				in.fail(fmt.Errorf("write %s: %w", in.kind, err))
			}
		case <-in.aborted:
			return
		}
	}
}
