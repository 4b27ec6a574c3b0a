package media

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/nextconvert/composer/internal/modules/composition"
	"go.uber.org/zap"
)

// MediaInfo contains metadata about a media file
type MediaInfo struct {
	Format     string       `json:"format"`
	Duration   float64      `json:"duration"`
	Size       int64        `json:"size"`
	BitRate    int          `json:"bitRate"`
	VideoCodec string       `json:"videoCodec,omitempty"`
	AudioCodec string       `json:"audioCodec,omitempty"`
	Width      int          `json:"width,omitempty"`
	Height     int          `json:"height,omitempty"`
	FrameRate  float64      `json:"frameRate,omitempty"`
	Rotation   int          `json:"rotation,omitempty"`
	Streams    []StreamInfo `json:"streams"`
}

// StreamInfo contains information about a media stream
type StreamInfo struct {
	Index      int    `json:"index"`
	Type       string `json:"type"`
	Codec      string `json:"codec"`
	BitRate    int    `json:"bitRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

// ffprobeOutput represents the JSON output from ffprobe
type ffprobeOutput struct {
	Format struct {
		Filename   string `json:"filename"`
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		Size       string `json:"size"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeStream struct {
	Index        int               `json:"index"`
	CodecType    string            `json:"codec_type"`
	CodecName    string            `json:"codec_name"`
	Width        int               `json:"width,omitempty"`
	Height       int               `json:"height,omitempty"`
	RFrameRate   string            `json:"r_frame_rate,omitempty"`
	AvgFrameRate string            `json:"avg_frame_rate,omitempty"`
	BitRate      string            `json:"bit_rate,omitempty"`
	Channels     int               `json:"channels,omitempty"`
	SampleRate   string            `json:"sample_rate,omitempty"`
	TimeBase     string            `json:"time_base,omitempty"`
	DurationTS   *int64            `json:"duration_ts,omitempty"`
	Duration     string            `json:"duration,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	SideDataList []struct {
		SideDataType string  `json:"side_data_type"`
		Rotation     float64 `json:"rotation"`
	} `json:"side_data_list,omitempty"`
	Disposition struct {
		AttachedPic int `json:"attached_pic"`
	} `json:"disposition"`
}

func (p *Processor) ffprobe(ctx context.Context, inputPath string) (*ffprobeOutput, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		inputPath,
	}

	cmd := exec.CommandContext(ctx, p.ffprobePath, args...)
	output, err := cmd.Output()
	if err != nil {
		p.logger.Error("ffprobe failed", zap.Error(err), zap.String("path", inputPath))
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	var probeData ffprobeOutput
	if err := json.Unmarshal(output, &probeData); err != nil {
		p.logger.Error("Failed to parse ffprobe output", zap.Error(err))
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	return &probeData, nil
}

// Probe extracts metadata using ffprobe
func (p *Processor) Probe(ctx context.Context, inputPath string) (*MediaInfo, error) {
	probeData, err := p.ffprobe(ctx, inputPath)
	if err != nil {
		return nil, err
	}
	return mediaInfo(probeData), nil
}

func mediaInfo(probeData *ffprobeOutput) *MediaInfo {
	info := &MediaInfo{
		Format:  probeData.Format.FormatName,
		Streams: make([]StreamInfo, 0, len(probeData.Streams)),
	}

	if d, err := strconv.ParseFloat(probeData.Format.Duration, 64); err == nil {
		info.Duration = d
	}
	if br, err := strconv.Atoi(probeData.Format.BitRate); err == nil {
		info.BitRate = br
	}
	if size, err := strconv.ParseInt(probeData.Format.Size, 10, 64); err == nil {
		info.Size = size
	}

	for _, stream := range probeData.Streams {
		streamInfo := StreamInfo{
			Index: stream.Index,
			Type:  stream.CodecType,
			Codec: stream.CodecName,
		}
		if br, err := strconv.Atoi(stream.BitRate); err == nil {
			streamInfo.BitRate = br
		}

		switch stream.CodecType {
		case "video":
			if info.VideoCodec != "" {
				break
			}
			info.VideoCodec = stream.CodecName
			info.Width = stream.Width
			info.Height = stream.Height
			rotation, _ := clockwiseRotation(stream)
			info.Rotation = int(rotation)

			// Parse frame rate (format: "30000/1001" or "30/1")
			frameRateStr := stream.AvgFrameRate
			if frameRateStr == "" || frameRateStr == "0/0" {
				frameRateStr = stream.RFrameRate
			}
			if fr, ok := parseRatio(frameRateStr); ok {
				info.FrameRate = fr
			}
		case "audio":
			if info.AudioCodec == "" {
				info.AudioCodec = stream.CodecName
			}
			streamInfo.Channels = stream.Channels
			if sr, err := strconv.Atoi(stream.SampleRate); err == nil {
				streamInfo.SampleRate = sr
			}
		}

		info.Streams = append(info.Streams, streamInfo)
	}
	return info
}

func parseRatio(s string) (float64, bool) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return 0, false
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0, false
	}
	return num / den, true
}

// ProbeSource probes a local file and describes it as a timeline source.
func (p *Processor) ProbeSource(ctx context.Context, id, inputPath string) (composition.SourceSegment, error) {
	probeData, err := p.ffprobe(ctx, inputPath)
	if err != nil {
		return composition.SourceSegment{}, composition.NewError(composition.KindSourceUnreadable, inputPath, err)
	}
	src, err := p.sourceFromProbe(id, inputPath, probeData)
	if err != nil {
		return composition.SourceSegment{}, composition.NewError(composition.KindSourceUnreadable, inputPath, err)
	}
	return src, nil
}

func (p *Processor) sourceFromProbe(id, locator string, probeData *ffprobeOutput) (composition.SourceSegment, error) {
	src := composition.SourceSegment{
		ID:                   id,
		Locator:              locator,
		OrientationTransform: composition.Identity,
	}

	formatDuration, formatErr := composition.ParseDecimal(probeData.Format.Duration)
	for _, stream := range probeData.Streams {
		switch {
		case stream.CodecType == "video" && src.Video == nil && stream.Disposition.AttachedPic == 0:
			d, ok := streamDuration(stream)
			if !ok {
				if formatErr != nil {
					return src, fmt.Errorf("video stream %d has no duration", stream.Index)
				}
				d = formatDuration
			}
			src.Video = &composition.SourceTrack{Index: stream.Index, TimeRange: composition.NewTimeRange(composition.Zero, d)}
			src.NaturalSize = composition.Size{Width: float64(stream.Width), Height: float64(stream.Height)}

			degrees, present := clockwiseRotation(stream)
			switch {
			case math.Mod(degrees, 90) == 0:
				src.OrientationTransform = composition.QuarterTurn(int(degrees) / 90)
			case present:
				p.logger.Warn("Non-canonical rotation treated as landscape",
					zap.String("source", locator),
					zap.Float64("rotation", degrees),
				)
			}
		case stream.CodecType == "audio" && src.Audio == nil:
			d, ok := streamDuration(stream)
			if !ok {
				if formatErr != nil {
					return src, fmt.Errorf("audio stream %d has no duration", stream.Index)
				}
				d = formatDuration
			}
			src.Audio = &composition.SourceTrack{Index: stream.Index, TimeRange: composition.NewTimeRange(composition.Zero, d)}
		}
	}

	if src.Video == nil && src.Audio == nil {
		return src, fmt.Errorf("no audio or video streams")
	}

	switch {
	case formatErr == nil:
		src.Duration = formatDuration
	default:
		src.Duration = composition.Zero
		if src.Video != nil {
			src.Duration = src.Video.TimeRange.Duration
		}
		if src.Audio != nil {
			src.Duration = src.Duration.Max(src.Audio.TimeRange.Duration)
		}
	}
	return src, nil
}

// streamDuration prefers the exact duration_ts/time_base pair over the
// rounded decimal.
func streamDuration(s ffprobeStream) (composition.Time, bool) {
	if s.DurationTS != nil && s.TimeBase != "" {
		parts := strings.Split(s.TimeBase, "/")
		if len(parts) == 2 {
			num, err1 := strconv.ParseInt(parts[0], 10, 64)
			den, err2 := strconv.ParseInt(parts[1], 10, 64)
			if err1 == nil && err2 == nil && num > 0 && den > 0 {
				return composition.NewTime(*s.DurationTS*num, den), true
			}
		}
	}
	if d, err := composition.ParseDecimal(s.Duration); err == nil {
		return d, true
	}
	return composition.Time{}, false
}

// clockwiseRotation returns the display rotation in degrees [0, 360) and
// whether any rotation metadata was present. The legacy rotate tag is
// clockwise; the display matrix side data is counter-clockwise.
func clockwiseRotation(s ffprobeStream) (float64, bool) {
	if v, ok := s.Tags["rotate"]; ok {
		if deg, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return normalizeDegrees(deg), true
		}
	}
	for _, sd := range s.SideDataList {
		if sd.SideDataType == "Display Matrix" {
			return normalizeDegrees(-sd.Rotation), true
		}
	}
	return 0, false
}

func normalizeDegrees(d float64) float64 {
	d = math.Mod(d, 360)
	if d < 0 {
		d += 360
	}
	return d
}
