package media

import (
	"errors"
	"fmt"
	"sort"

	"github.com/nextconvert/composer/internal/modules/composition"
	"github.com/nextconvert/composer/internal/modules/pipeline"
	"go.uber.org/zap"
)

// ErrPresetNotFound is returned for unknown preset IDs.
var ErrPresetNotFound = errors.New("preset not found")

// Module exposes the processor together with the named export presets.
type Module struct {
	processor *Processor
	logger    *zap.Logger
	presets   map[string]Preset
}

// Preset is a named canvas and encoder configuration.
type Preset struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	Description string                  `json:"description"`
	Canvas      composition.Size        `json:"canvas"`
	FrameRate   int                     `json:"frameRate"`
	Settings    pipeline.OutputSettings `json:"settings"`
}

// FrameDuration returns the duration of one frame at the preset's rate.
func (p Preset) FrameDuration() composition.Time {
	return composition.NewTime(1, int64(p.FrameRate))
}

// FormatInfo describes a supported format
type FormatInfo struct {
	Name      string   `json:"name"`
	Extension string   `json:"extension"`
	MimeTypes []string `json:"mimeTypes"`
	Type      string   `json:"type"` // video, audio, image
}

// NewModule creates a new media module
func NewModule(processor *Processor, logger *zap.Logger) *Module {
	m := &Module{
		processor: processor,
		logger:    logger,
		presets:   make(map[string]Preset),
	}

	m.initPresets()
	return m
}

// Processor returns the underlying ffmpeg processor.
func (m *Module) Processor() *Processor {
	return m.processor
}

func (m *Module) initPresets() {
	base := pipeline.DefaultOutputSettings()

	// Default vertical story format
	m.presets["portrait"] = Preset{
		ID:          "portrait",
		Name:        "Portrait 720p",
		Description: "720x1280 H.264 at 1 Mbps, the default export",
		Canvas:      composition.DefaultRenderSize,
		FrameRate:   30,
		Settings:    base,
	}

	landscape := base
	landscape.VideoBitrate = 2_500_000
	m.presets["landscape"] = Preset{
		ID:          "landscape",
		Name:        "Landscape 720p",
		Description: "1280x720 H.264 at 2.5 Mbps",
		Canvas:      composition.Size{Width: 1280, Height: 720},
		FrameRate:   30,
		Settings:    landscape,
	}

	square := base
	square.VideoBitrate = 2_000_000
	m.presets["square"] = Preset{
		ID:          "square",
		Name:        "Square",
		Description: "1080x1080 H.264 at 2 Mbps for feeds",
		Canvas:      composition.Size{Width: 1080, Height: 1080},
		FrameRate:   30,
		Settings:    square,
	}

	// Small files for messaging apps
	mobile := base
	mobile.VideoBitrate = 600_000
	mobile.AudioBitrate = 96_000
	mobile.VideoProfile = "main"
	mobile.VideoLevel = "3.1"
	m.presets["mobile"] = Preset{
		ID:          "mobile",
		Name:        "Mobile Optimized",
		Description: "540x960 H.264 Main at 600 kbps",
		Canvas:      composition.Size{Width: 540, Height: 960},
		FrameRate:   30,
		Settings:    mobile,
	}

	hd := base
	hd.VideoBitrate = 6_000_000
	hd.VideoLevel = "4.2"
	hd.AudioBitrate = 192_000
	m.presets["portrait-hd"] = Preset{
		ID:          "portrait-hd",
		Name:        "Portrait 1080p",
		Description: "1080x1920 H.264 at 6 Mbps, 60 fps",
		Canvas:      composition.Size{Width: 1080, Height: 1920},
		FrameRate:   60,
		Settings:    hd,
	}
}

// GetPresets returns all presets ordered by ID
func (m *Module) GetPresets() []Preset {
	presets := make([]Preset, 0, len(m.presets))
	for _, p := range m.presets {
		presets = append(presets, p)
	}
	sort.Slice(presets, func(i, j int) bool { return presets[i].ID < presets[j].ID })
	return presets
}

// GetPreset returns a specific preset
func (m *Module) GetPreset(id string) (*Preset, error) {
	preset, ok := m.presets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPresetNotFound, id)
	}
	return &preset, nil
}

// GetSupportedFormats returns the formats accepted as sources and produced
// as output.
func (m *Module) GetSupportedFormats() map[string][]FormatInfo {
	return map[string][]FormatInfo{
		"input": {
			{Name: "MP4", Extension: "mp4", MimeTypes: []string{"video/mp4"}, Type: "video"},
			{Name: "MOV", Extension: "mov", MimeTypes: []string{"video/quicktime"}, Type: "video"},
			{Name: "WebM", Extension: "webm", MimeTypes: []string{"video/webm"}, Type: "video"},
			{Name: "MKV", Extension: "mkv", MimeTypes: []string{"video/x-matroska"}, Type: "video"},
			{Name: "MP3", Extension: "mp3", MimeTypes: []string{"audio/mpeg"}, Type: "audio"},
			{Name: "AAC", Extension: "aac", MimeTypes: []string{"audio/aac"}, Type: "audio"},
			{Name: "WAV", Extension: "wav", MimeTypes: []string{"audio/wav"}, Type: "audio"},
			{Name: "JPEG", Extension: "jpg", MimeTypes: []string{"image/jpeg"}, Type: "image"},
			{Name: "PNG", Extension: "png", MimeTypes: []string{"image/png"}, Type: "image"},
			{Name: "WebP", Extension: "webp", MimeTypes: []string{"image/webp"}, Type: "image"},
		},
		"output": {
			{Name: "MP4", Extension: "mp4", MimeTypes: []string{"video/mp4"}, Type: "video"},
		},
	}
}
