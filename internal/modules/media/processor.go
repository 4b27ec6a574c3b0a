package media

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nextconvert/composer/internal/modules/composition"
	"go.uber.org/zap"
)

// Recorder receives ffmpeg measurements. *metrics.Metrics satisfies it.
type Recorder interface {
	RecordFFmpegOperation(operation string, success bool, duration time.Duration)
	RecordFFmpegError(operation string, errorType string)
}

// Processor runs ffmpeg and ffprobe. It probes sources, performs stream-copy
// operations and opens the demuxer/muxer pair used by the pipeline.
type Processor struct {
	ffmpegPath        string
	ffprobePath       string
	logger            *zap.Logger
	recorder          Recorder
	maxThreads        int  // Limit CPU threads (0 = auto/unlimited)
	preferFastPresets bool // Use faster presets to reduce CPU load
	workDir           string

	// PCM format exchanged between the demuxer and muxer processes
	sampleRate int
	channels   int
}

// ProcessorConfig configures processor behavior
type ProcessorConfig struct {
	FFmpegPath        string
	FFprobePath       string
	MaxThreads        int  // 0 = unlimited, recommended: 2-4 for background processing
	PreferFastPresets bool // Use "veryfast" instead of "medium" preset
	WorkDir           string
	Recorder          Recorder
	SampleRate        int // intermediate PCM rate, default 44100
	Channels          int // intermediate PCM channels, default 2
}

// NewProcessor creates a new media processor with cloud-friendly defaults
func NewProcessor(ffmpegPath string, logger *zap.Logger) *Processor {
	return NewProcessorWithConfig(ProcessorConfig{
		FFmpegPath:        ffmpegPath,
		PreferFastPresets: true,
	}, logger)
}

// NewProcessorWithConfig creates a processor with custom configuration
func NewProcessorWithConfig(config ProcessorConfig, logger *zap.Logger) *Processor {
	if config.FFmpegPath == "" {
		config.FFmpegPath = "ffmpeg"
	}
	if config.FFprobePath == "" {
		config.FFprobePath = siblingBinary(config.FFmpegPath, "ffprobe")
	}
	if config.WorkDir == "" {
		config.WorkDir = os.TempDir()
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 44100
	}
	if config.Channels <= 0 {
		config.Channels = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		ffmpegPath:        config.FFmpegPath,
		ffprobePath:       config.FFprobePath,
		logger:            logger,
		recorder:          config.Recorder,
		maxThreads:        config.MaxThreads,
		preferFastPresets: config.PreferFastPresets,
		workDir:           config.WorkDir,
		sampleRate:        config.SampleRate,
		channels:          config.Channels,
	}
}

// siblingBinary derives ffprobe's path from ffmpeg's when ffmpeg is given
// as a path rather than a bare name.
func siblingBinary(ffmpegPath, name string) string {
	dir := filepath.Dir(ffmpegPath)
	if dir == "." && !strings.ContainsRune(ffmpegPath, filepath.Separator) {
		return name
	}
	return filepath.Join(dir, name)
}

func (p *Processor) preset() string {
	if p.preferFastPresets {
		return "veryfast"
	}
	return "medium"
}

func (p *Processor) threadArgs() []string {
	if p.maxThreads > 0 {
		return []string{"-threads", strconv.Itoa(p.maxThreads)}
	}
	return nil
}

// ProgressFunc receives completion percentages in [0, 100].
type ProgressFunc func(percent int, operation string)

// run executes a short-lived ffmpeg command, reporting progress against total.
func (p *Processor) run(ctx context.Context, operation string, args []string, total composition.Time, onProgress ProgressFunc) error {
	p.logger.Info("Executing FFmpeg",
		zap.String("operation", operation),
		zap.Strings("args", args),
	)

	start := time.Now()
	cmd := exec.CommandContext(ctx, p.ffmpegPath, args...)

	// Capture stderr for progress
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		p.recordError(operation, "start")
		return fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	// stderr must be drained before Wait closes it
	tail := newTailBuffer(4096)
	p.parseProgress(io.TeeReader(stderr, tail), total, operation, onProgress)

	err = cmd.Wait()
	if p.recorder != nil {
		p.recorder.RecordFFmpegOperation(operation, err == nil, time.Since(start))
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.recordError(operation, "exit")
		return fmt.Errorf("FFmpeg execution failed: %w: %s", err, tail.String())
	}
	return nil
}

func (p *Processor) recordError(operation, kind string) {
	if p.recorder != nil {
		p.recorder.RecordFFmpegError(operation, kind)
	}
}

var progressRegex = regexp.MustCompile(`time=(\d+):(\d+):(\d+)\.(\d+)`)

// parseProgress scans ffmpeg's stderr for time= stamps. Lines end in either
// \r or \n depending on the ffmpeg build.
func (p *Processor) parseProgress(stderr io.Reader, total composition.Time, operation string, onProgress ProgressFunc) {
	scanner := bufio.NewScanner(stderr)
	scanner.Split(scanLinesOrReturns)

	last := -1
	for scanner.Scan() {
		if onProgress == nil || !total.After(composition.Zero) {
			continue
		}
		elapsed, ok := parseProgressTime(scanner.Text())
		if !ok {
			continue
		}
		percent := int(elapsed / total.Seconds() * 100)
		if percent > 100 {
			percent = 100
		}
		if percent != last {
			last = percent
			onProgress(percent, operation)
		}
	}
}

func parseProgressTime(line string) (float64, bool) {
	matches := progressRegex.FindStringSubmatch(line)
	if len(matches) == 0 {
		return 0, false
	}
	hours, _ := strconv.Atoi(matches[1])
	minutes, _ := strconv.Atoi(matches[2])
	seconds, _ := strconv.Atoi(matches[3])
	frac, _ := strconv.ParseFloat("0."+matches[4], 64)
	return float64(hours*3600+minutes*60+seconds) + frac, true
}

func scanLinesOrReturns(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// RemoveTrack copies every stream of input except those of kind.
func (p *Processor) RemoveTrack(ctx context.Context, inputPath, outputPath string, kind composition.TrackKind) error {
	drop := "-0:a"
	if kind == composition.KindVideo {
		drop = "-0:v"
	}
	args := []string{
		"-y", "-hide_banner",
		"-i", inputPath,
		"-map", "0", "-map", drop,
		"-c", "copy",
		"-movflags", "+faststart",
		outputPath,
	}
	return p.run(ctx, "remove_"+string(kind), args, composition.Zero, nil)
}

// ConcatCopy joins inputs with the concat demuxer without re-encoding. All
// inputs must share codecs and parameters.
func (p *Processor) ConcatCopy(ctx context.Context, inputPaths []string, outputPath string, total composition.Time, onProgress ProgressFunc) error {
	if len(inputPaths) < 2 {
		return fmt.Errorf("merge requires at least 2 input files")
	}

	list, err := os.CreateTemp(p.workDir, "concat-*.txt")
	if err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}
	defer os.Remove(list.Name())

	for _, in := range inputPaths {
		abs, err := filepath.Abs(in)
		if err != nil {
			list.Close()
			return fmt.Errorf("failed to resolve %s: %w", in, err)
		}
		fmt.Fprintf(list, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := list.Close(); err != nil {
		return fmt.Errorf("failed to write concat list: %w", err)
	}

	p.logger.Info("Merging videos",
		zap.Int("count", len(inputPaths)),
		zap.Strings("inputs", inputPaths),
		zap.String("output", outputPath),
	)

	args := []string{
		"-y", "-hide_banner",
		"-f", "concat", "-safe", "0",
		"-i", list.Name(),
		"-c", "copy",
		"-movflags", "+faststart",
		outputPath,
	}
	return p.run(ctx, "concat_copy", args, total, onProgress)
}

// TrimCopy cuts r out of input without re-encoding. Cuts snap to keyframes.
func (p *Processor) TrimCopy(ctx context.Context, inputPath, outputPath string, r composition.TimeRange) error {
	if err := r.Validate(); err != nil {
		return err
	}
	args := []string{
		"-y", "-hide_banner",
		"-ss", r.Start.FFmpeg(),
		"-i", inputPath,
		"-t", r.Duration.FFmpeg(),
		"-map", "0",
		"-c", "copy",
		"-avoid_negative_ts", "make_zero",
		"-movflags", "+faststart",
		outputPath,
	}
	return p.run(ctx, "trim_copy", args, r.Duration, nil)
}

// ExtractFrame writes the frame at `at` as an image scaled to width (0 keeps
// the source width).
func (p *Processor) ExtractFrame(ctx context.Context, inputPath, outputPath string, at composition.Time, width int) error {
	args := []string{
		"-y", "-hide_banner",
		"-ss", at.FFmpeg(),
		"-i", inputPath,
		"-frames:v", "1",
	}
	if width > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:-2", width))
	}
	args = append(args, outputPath)
	return p.run(ctx, "extract_frame", args, composition.Zero, nil)
}

// tailBuffer keeps the last n bytes written, for error messages.
type tailBuffer struct {
	mu  sync.Mutex
	n   int
	buf []byte
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{n: n}
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.n; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
