package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/nextconvert/composer/internal/modules/composition"
	"github.com/nextconvert/composer/internal/modules/pipeline"
	"go.uber.org/zap"
)

// audioChunkFrames is the number of PCM frames per audio sample.
const audioChunkFrames = 1024

// OpenDemuxer renders tl with one ffmpeg process. Raw RGBA frames are read
// from one pipe and interleaved s16le PCM, at the processor's sample rate
// and channel count, from another.
func (p *Processor) OpenDemuxer(ctx context.Context, tl *composition.Timeline) (pipeline.Demuxer, error) {
	return p.openDemuxer(tl)
}

func (p *Processor) openDemuxer(tl *composition.Timeline) (*ffmpegDemuxer, error) {
	graph, err := BuildGraph(tl, p.sampleRate, p.channels)
	if err != nil {
		return nil, err
	}

	d := &ffmpegDemuxer{
		proc:   p,
		graph:  graph,
		logger: p.logger.With(zap.String("component", "demuxer")),
		stderr: newTailBuffer(8192),
	}

	if graph.VideoLabel != "" {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create video pipe: %w", err)
		}
		d.video = &frameReader{
			demux:     d,
			r:         r,
			frameSize: graph.Width * graph.Height * 4,
			frameDur:  tl.FrameDuration,
		}
		d.childEnds = append(d.childEnds, w)
		d.parentEnds = append(d.parentEnds, r)
	}
	if graph.AudioLabel != "" {
		r, w, err := os.Pipe()
		if err != nil {
			d.closePipes()
			return nil, fmt.Errorf("failed to create audio pipe: %w", err)
		}
		d.audio = &pcmReader{
			demux:      d,
			r:          r,
			frameBytes: graph.Channels * 2,
			sampleRate: int64(graph.SampleRate),
		}
		d.childEnds = append(d.childEnds, w)
		d.parentEnds = append(d.parentEnds, r)
	}
	return d, nil
}

type ffmpegDemuxer struct {
	proc   *Processor
	graph  *Graph
	logger *zap.Logger

	cmd        *exec.Cmd
	cancel     context.CancelFunc
	childEnds  []*os.File
	parentEnds []*os.File
	video      *frameReader
	audio      *pcmReader
	stderr     *tailBuffer

	waitOnce sync.Once
	waitErr  error
	started  bool
}

// args maps each graph output to an inherited descriptor. ExtraFiles[i]
// becomes fd 3+i in the child.
func (d *ffmpegDemuxer) args() []string {
	args := d.graph.Args()
	args = append(args, d.proc.threadArgs()...)
	fd := 3
	if d.video != nil {
		args = append(args,
			"-map", "["+d.graph.VideoLabel+"]",
			"-f", "rawvideo", "-pix_fmt", "rgba",
			fmt.Sprintf("pipe:%d", fd),
		)
		fd++
	}
	if d.audio != nil {
		args = append(args,
			"-map", "["+d.graph.AudioLabel+"]",
			"-f", "s16le",
			"-ar", fmt.Sprint(d.graph.SampleRate),
			"-ac", fmt.Sprint(d.graph.Channels),
			fmt.Sprintf("pipe:%d", fd),
		)
	}
	return args
}

func (d *ffmpegDemuxer) Begin(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	args := d.args()
	d.logger.Info("Executing FFmpeg",
		zap.String("operation", "render_timeline"),
		zap.Strings("args", args),
	)

	d.cmd = exec.CommandContext(runCtx, d.proc.ffmpegPath, args...)
	d.cmd.ExtraFiles = d.childEnds
	d.cmd.Stderr = d.stderr
	if err := d.cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start FFmpeg: %w", err)
	}
	d.started = true

	// The child holds its own copies; ours must close so readers see EOF.
	for _, f := range d.childEnds {
		f.Close()
	}
	d.childEnds = nil
	return nil
}

func (d *ffmpegDemuxer) Output(kind composition.TrackKind) pipeline.Output {
	switch {
	case kind == composition.KindVideo && d.video != nil:
		return d.video
	case kind == composition.KindAudio && d.audio != nil:
		return d.audio
	default:
		return nil
	}
}

// exhausted is called when an output pipe reaches EOF. It reports io.EOF if
// ffmpeg exited cleanly and the process error otherwise.
func (d *ffmpegDemuxer) exhausted() error {
	if err := d.wait(); err != nil {
		return err
	}
	return io.EOF
}

func (d *ffmpegDemuxer) wait() error {
	d.waitOnce.Do(func() {
		if !d.started {
			return
		}
		if err := d.cmd.Wait(); err != nil {
			d.waitErr = fmt.Errorf("FFmpeg execution failed: %w: %s", err, d.stderr.String())
		}
	})
	return d.waitErr
}

func (d *ffmpegDemuxer) Close() error {
	if d.cancel != nil {
		d.cancel()
	}
	d.closePipes()
	// Exit failures are reported by Next; after cancel the status only
	// reflects the kill.
	_ = d.wait()
	return nil
}

func (d *ffmpegDemuxer) closePipes() {
	for _, f := range d.parentEnds {
		f.Close()
	}
	for _, f := range d.childEnds {
		f.Close()
	}
	d.parentEnds, d.childEnds = nil, nil
}

// frameReader yields one RGBA frame per sample.
type frameReader struct {
	demux     *ffmpegDemuxer
	r         io.Reader
	frameSize int
	frameDur  composition.Time
	n         int64
}

func (f *frameReader) Next(ctx context.Context) (pipeline.Sample, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Sample{}, err
	}
	buf := make([]byte, f.frameSize)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// a trailing partial frame is dropped
			return pipeline.Sample{}, f.demux.exhausted()
		}
		return pipeline.Sample{}, fmt.Errorf("read video frame: %w", err)
	}
	s := pipeline.Sample{
		Kind:     composition.KindVideo,
		PTS:      f.frameDur.Mul(f.n),
		Duration: f.frameDur,
		Data:     buf,
	}
	f.n++
	return s, nil
}

// pcmReader yields blocks of audioChunkFrames interleaved s16le frames.
type pcmReader struct {
	demux      *ffmpegDemuxer
	r          io.Reader
	frameBytes int
	sampleRate int64
	frames     int64
	done       bool
}

func (a *pcmReader) Next(ctx context.Context) (pipeline.Sample, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Sample{}, err
	}
	if a.done {
		return pipeline.Sample{}, a.demux.exhausted()
	}
	buf := make([]byte, audioChunkFrames*a.frameBytes)
	n, err := io.ReadFull(a.r, buf)
	switch {
	case errors.Is(err, io.EOF):
		return pipeline.Sample{}, a.demux.exhausted()
	case errors.Is(err, io.ErrUnexpectedEOF):
		a.done = true
	case err != nil:
		return pipeline.Sample{}, fmt.Errorf("read audio block: %w", err)
	}

	frames := int64(n / a.frameBytes)
	if frames == 0 {
		return pipeline.Sample{}, a.demux.exhausted()
	}
	s := pipeline.Sample{
		Kind:     composition.KindAudio,
		PTS:      composition.NewTime(a.frames, a.sampleRate),
		Duration: composition.NewTime(frames, a.sampleRate),
		Data:     buf[:frames*int64(a.frameBytes)],
	}
	a.frames += frames
	return s, nil
}
