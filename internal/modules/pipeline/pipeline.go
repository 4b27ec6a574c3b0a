// Package pipeline moves decoded samples from a demuxer to a muxer, one pull
// loop per media kind, honouring the muxer's readiness signal.
package pipeline

import (
	"context"

	"github.com/nextconvert/composer/internal/modules/composition"
)

// Sample is one unit of decoded media: a video frame or a block of PCM.
type Sample struct {
	Kind     composition.TrackKind
	PTS      composition.Time
	Duration composition.Time
	Data     []byte
}

// Output produces samples for one track of the composed timeline.
// Next returns io.EOF once the track is exhausted.
type Output interface {
	Next(ctx context.Context) (Sample, error)
}

// Input accepts samples for one output track.
//
// Ready delivers a value whenever the input may have become ready. It must
// be buffered (a pending signal is never lost) and may fire spuriously;
// callers re-check IsReady.
type Input interface {
	Ready() <-chan struct{}
	IsReady() bool
	Append(s Sample) error
	MarkFinished()
}

// Demuxer decodes the composed timeline.
type Demuxer interface {
	Begin(ctx context.Context) error
	// Output returns nil when the timeline has no track of that kind.
	Output(kind composition.TrackKind) Output
	Close() error
}

// Muxer encodes samples into the output container.
type Muxer interface {
	Begin(ctx context.Context) error
	// Input returns nil when the target has no track of that kind.
	Input(kind composition.TrackKind) Input
	// Finish flushes and closes the container once every input is finished.
	Finish(ctx context.Context) error
	// Close releases resources. After a successful Finish it is a no-op;
	// otherwise it aborts and discards the partial output.
	Close() error
}

// DemuxerFactory opens a demuxer over a timeline.
type DemuxerFactory interface {
	OpenDemuxer(ctx context.Context, tl *composition.Timeline) (Demuxer, error)
}

// MuxerFactory opens a muxer writing the target.
type MuxerFactory interface {
	OpenMuxer(ctx context.Context, tl *composition.Timeline, target Target) (Muxer, error)
}

// Target is the output file and its encoder settings.
type Target struct {
	Path     string
	Settings OutputSettings
}

// OutputSettings configures the encoders.
type OutputSettings struct {
	VideoCodec      string `json:"video_codec"`
	VideoBitrate    int    `json:"video_bitrate"`
	VideoProfile    string `json:"video_profile"`
	VideoLevel      string `json:"video_level"`
	Preset          string `json:"preset"`
	AudioCodec      string `json:"audio_codec"`
	AudioSampleRate int    `json:"audio_sample_rate"`
	AudioChannels   int    `json:"audio_channels"`
	AudioBitrate    int    `json:"audio_bitrate"`
	Threads         int    `json:"threads,omitempty"`
}

// DefaultOutputSettings is H.264 High 4.0 at 1 Mbps with 128 kbps stereo AAC.
func DefaultOutputSettings() OutputSettings {
	return OutputSettings{
		VideoCodec:      "libx264",
		VideoBitrate:    1_000_000,
		VideoProfile:    "high",
		VideoLevel:      "4.0",
		Preset:          "veryfast",
		AudioCodec:      "aac",
		AudioSampleRate: 44100,
		AudioChannels:   2,
		AudioBitrate:    128_000,
	}
}

// WithDefaults fills zero fields from DefaultOutputSettings.
func (s OutputSettings) WithDefaults() OutputSettings {
	d := DefaultOutputSettings()
	if s.VideoCodec == "" {
		s.VideoCodec = d.VideoCodec
	}
	if s.VideoBitrate <= 0 {
		s.VideoBitrate = d.VideoBitrate
	}
	if s.VideoProfile == "" {
		s.VideoProfile = d.VideoProfile
	}
	if s.VideoLevel == "" {
		s.VideoLevel = d.VideoLevel
	}
	if s.Preset == "" {
		s.Preset = d.Preset
	}
	if s.AudioCodec == "" {
		s.AudioCodec = d.AudioCodec
	}
	if s.AudioSampleRate <= 0 {
		s.AudioSampleRate = d.AudioSampleRate
	}
	if s.AudioChannels <= 0 {
		s.AudioChannels = d.AudioChannels
	}
	if s.AudioBitrate <= 0 {
		s.AudioBitrate = d.AudioBitrate
	}
	return s
}

// Callback receives the outcome of an asynchronous run exactly once.
type Callback func(success bool, err error)
