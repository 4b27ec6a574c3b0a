package export

import (
	"fmt"

	"github.com/nextconvert/composer/internal/modules/composition"
	"github.com/nextconvert/composer/internal/modules/pipeline"
)

// Operation names an export kind.
type Operation string

const (
	OpMerge         Operation = "merge"
	OpTrim          Operation = "trim"
	OpRemoveTrack   Operation = "remove_track"
	OpOverlayAudio  Operation = "overlay_audio"
	OpAddWatermark  Operation = "add_watermark"
	OpImagesToVideo Operation = "images_to_video"
)

// DefaultImageDuration is how long each image shows when none is given.
const DefaultImageDuration = "3"

// Options controls the output canvas and encoders. Zero fields take the
// defaults: 720x1280 at 30 fps, 1 Mbps video, 44.1 kHz stereo AAC at 128 kbps.
type Options struct {
	Canvas          composition.Size `json:"canvas,omitempty"`
	FrameRate       int              `json:"frameRate,omitempty"`
	VideoBitrate    int              `json:"videoBitrate,omitempty"`
	AudioSampleRate int              `json:"audioSampleRate,omitempty"`
	AudioChannels   int              `json:"audioChannels,omitempty"`
	AudioBitrate    int              `json:"audioBitrate,omitempty"`
	BackgroundColor string           `json:"backgroundColor,omitempty"`
}

func (o Options) buildOptions() composition.BuildOptions {
	opts := composition.DefaultBuildOptions()
	if !o.Canvas.IsEmpty() {
		opts.RenderSize = o.Canvas
	}
	if o.FrameRate > 0 {
		opts.FrameDuration = composition.NewTime(1, int64(o.FrameRate))
	}
	if o.BackgroundColor != "" {
		opts.BackgroundColor = o.BackgroundColor
	}
	return opts
}

func (o Options) settings() pipeline.OutputSettings {
	return pipeline.OutputSettings{
		VideoBitrate:    o.VideoBitrate,
		AudioSampleRate: o.AudioSampleRate,
		AudioChannels:   o.AudioChannels,
		AudioBitrate:    o.AudioBitrate,
	}.WithDefaults()
}

// Range is a source sub-range in decimal seconds, e.g. {"2.0", "9.5"}.
type Range struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// TimeRange parses r exactly.
func (r Range) TimeRange() (composition.TimeRange, error) {
	start, err := composition.ParseDecimal(r.Start)
	if err != nil {
		return composition.TimeRange{}, fmt.Errorf("invalid range start: %w", err)
	}
	end, err := composition.ParseDecimal(r.End)
	if err != nil {
		return composition.TimeRange{}, fmt.Errorf("invalid range end: %w", err)
	}
	if !end.After(start) {
		return composition.TimeRange{}, fmt.Errorf("range end %s must be after start %s", r.End, r.Start)
	}
	return composition.TimeRangeFromEnds(start, end), nil
}

// Watermark is an image and/or text drawn into Frame on the canvas.
type Watermark struct {
	Image     string           `json:"image,omitempty"`
	Text      string           `json:"text,omitempty"`
	TextColor string           `json:"textColor,omitempty"`
	Frame     composition.Rect `json:"frame"`
}

// Image is one still of an images-to-video export.
type Image struct {
	Path     string `json:"path"`
	Duration string `json:"duration,omitempty"`
}

// Request is the serializable form of every export. Only the fields of its
// Operation are read.
type Request struct {
	Operation Operation `json:"operation"`
	Inputs    []string  `json:"inputs,omitempty"`
	Output    string    `json:"output"`

	// merge
	Passthrough bool `json:"passthrough,omitempty"`
	// trim
	Range *Range `json:"range,omitempty"`
	// remove_track
	Track composition.TrackKind `json:"track,omitempty"`
	// overlay_audio
	Audio               string `json:"audio,omitempty"`
	RemoveOriginalAudio bool   `json:"removeOriginalAudio,omitempty"`
	// add_watermark
	Watermark *Watermark `json:"watermark,omitempty"`
	// images_to_video
	Images []Image `json:"images,omitempty"`

	Options Options `json:"options"`
}

// Locators lists every source the request reads.
func (r Request) Locators() []string {
	out := append([]string(nil), r.Inputs...)
	if r.Audio != "" {
		out = append(out, r.Audio)
	}
	if r.Watermark != nil && r.Watermark.Image != "" {
		out = append(out, r.Watermark.Image)
	}
	for _, img := range r.Images {
		out = append(out, img.Path)
	}
	return out
}

// Validate checks that the fields needed by the operation are present.
func (r Request) Validate() error {
	if r.Output == "" {
		return fmt.Errorf("output is required")
	}
	switch r.Operation {
	case OpMerge:
		if len(r.Inputs) == 0 {
			return fmt.Errorf("merge requires at least one input")
		}
		if r.Passthrough && len(r.Inputs) < 2 {
			return fmt.Errorf("passthrough merge requires at least 2 inputs")
		}
	case OpTrim:
		if len(r.Inputs) != 1 {
			return fmt.Errorf("trim requires exactly one input")
		}
		if r.Range == nil {
			return fmt.Errorf("trim requires a range")
		}
		if _, err := r.Range.TimeRange(); err != nil {
			return err
		}
	case OpRemoveTrack:
		if len(r.Inputs) != 1 {
			return fmt.Errorf("remove_track requires exactly one input")
		}
		if r.Track != composition.KindAudio && r.Track != composition.KindVideo {
			return fmt.Errorf("unknown track kind %q", r.Track)
		}
	case OpOverlayAudio:
		if len(r.Inputs) != 1 || r.Audio == "" {
			return fmt.Errorf("overlay_audio requires one input and an audio source")
		}
	case OpAddWatermark:
		if len(r.Inputs) != 1 {
			return fmt.Errorf("add_watermark requires exactly one input")
		}
		if r.Watermark == nil || (r.Watermark.Image == "" && r.Watermark.Text == "") {
			return fmt.Errorf("watermark needs an image or text")
		}
		if r.Watermark.Frame.Width <= 0 || r.Watermark.Frame.Height <= 0 {
			return fmt.Errorf("watermark frame must have a positive size")
		}
	case OpImagesToVideo:
		if len(r.Images) == 0 {
			return fmt.Errorf("images_to_video requires at least one image")
		}
		for i, img := range r.Images {
			if img.Path == "" {
				return fmt.Errorf("image %d has no path", i)
			}
		}
	default:
		return fmt.Errorf("unknown operation %q", r.Operation)
	}
	return nil
}

// MergeRequest concatenates inputs in order.
type MergeRequest struct {
	Inputs      []string
	Output      string
	Passthrough bool
	Options     Options
}

// TrimRequest keeps Range of Input.
type TrimRequest struct {
	Input   string
	Output  string
	Range   Range
	Options Options
}

// RemoveTrackRequest drops every stream of Kind from Input.
type RemoveTrackRequest struct {
	Input  string
	Output string
	Kind   composition.TrackKind
}

// OverlayAudioRequest mixes Audio over Input.
type OverlayAudioRequest struct {
	Input               string
	Audio               string
	Output              string
	RemoveOriginalAudio bool
	Options             Options
}

// WatermarkRequest draws Watermark over Input.
type WatermarkRequest struct {
	Input     string
	Output    string
	Watermark Watermark
	Options   Options
}

// ImagesRequest turns a list of stills into a video.
type ImagesRequest struct {
	Images  []Image
	Output  string
	Options Options
}
