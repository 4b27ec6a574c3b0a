package composition

import (
	"fmt"
	"sort"
)

// TrackKind is the media type of a track.
type TrackKind string

const (
	KindVideo TrackKind = "video"
	KindAudio TrackKind = "audio"
)

// SourceTrack is one track of a probed source file.
type SourceTrack struct {
	Index     int       `json:"index"`
	TimeRange TimeRange `json:"time_range"`
}

// SourceSegment describes a probed input. Immutable once probed.
type SourceSegment struct {
	ID                   string       `json:"id"`
	Locator              string       `json:"locator"`
	Video                *SourceTrack `json:"video,omitempty"`
	Audio                *SourceTrack `json:"audio,omitempty"`
	NaturalSize          Size         `json:"natural_size"`
	OrientationTransform Affine       `json:"orientation_transform"`
	Duration             Time         `json:"duration"`
	// Still marks a looped image input.
	Still bool `json:"still,omitempty"`
}

// Track returns the source track of the given kind, or nil.
func (s SourceSegment) Track(kind TrackKind) *SourceTrack {
	if kind == KindVideo {
		return s.Video
	}
	return s.Audio
}

// TrackSegment maps SourceRange of a source track onto the output timeline
// starting at InsertAt.
type TrackSegment struct {
	SourceID    string    `json:"source_id"`
	SourceTrack int       `json:"source_track"`
	InsertAt    Time      `json:"insert_at"`
	SourceRange TimeRange `json:"source_range"`
}

// OutputRange is the segment's span on the output timeline.
func (s TrackSegment) OutputRange() TimeRange {
	return TimeRange{Start: s.InsertAt, Duration: s.SourceRange.Duration}
}

// CompositionTrack is an output track assembled from source segments.
type CompositionTrack struct {
	ID       string         `json:"id"`
	Kind     TrackKind      `json:"kind"`
	Segments []TrackSegment `json:"segments"`
}

// NewTrack creates an empty track.
func NewTrack(id string, kind TrackKind) *CompositionTrack {
	return &CompositionTrack{ID: id, Kind: kind}
}

// Inserting returns a copy of the track with seg appended. available is the
// source track's full range; the segment's source range must lie inside it.
// InsertAt must be strictly after the previous segment's InsertAt and must
// not overlap it.
func (t *CompositionTrack) Inserting(seg TrackSegment, available TimeRange) (*CompositionTrack, error) {
	const op = "insert segment"
	if !seg.SourceRange.IsValid() || !seg.InsertAt.IsValid() {
		return nil, NewError(KindTrackInsertionFailed, op, fmt.Errorf("invalid range %s", seg.SourceRange))
	}
	if !available.ContainsRange(seg.SourceRange) {
		return nil, NewError(KindTrackInsertionFailed, op,
			fmt.Errorf("range %s outside source track %s", seg.SourceRange, available))
	}
	if n := len(t.Segments); n > 0 {
		prev := t.Segments[n-1]
		if !seg.InsertAt.After(prev.InsertAt) {
			return nil, NewError(KindTrackInsertionFailed, op,
				fmt.Errorf("insert time %s not after %s", seg.InsertAt.FFmpeg(), prev.InsertAt.FFmpeg()))
		}
		if seg.InsertAt.Before(prev.OutputRange().End()) {
			return nil, NewError(KindTrackInsertionFailed, op,
				fmt.Errorf("insert time %s overlaps previous segment ending %s",
					seg.InsertAt.FFmpeg(), prev.OutputRange().End().FFmpeg()))
		}
	}

	next := &CompositionTrack{ID: t.ID, Kind: t.Kind, Segments: make([]TrackSegment, len(t.Segments), len(t.Segments)+1)}
	copy(next.Segments, t.Segments)
	next.Segments = append(next.Segments, seg)
	return next, nil
}

// Duration is the end of the last segment.
func (t *CompositionTrack) Duration() Time {
	if t == nil || len(t.Segments) == 0 {
		return Zero
	}
	return t.Segments[len(t.Segments)-1].OutputRange().End()
}

// IsEmpty reports whether the track has no segments.
func (t *CompositionTrack) IsEmpty() bool {
	return t == nil || len(t.Segments) == 0
}

// TransformKeyframe sets a transform from Time onwards.
type TransformKeyframe struct {
	Time      Time   `json:"time"`
	Transform Affine `json:"transform"`
	// Source natural size, needed to turn the transform into a placement.
	Size Size `json:"size"`
}

// OpacityKeyframe sets an opacity from Time onwards.
type OpacityKeyframe struct {
	Time    Time    `json:"time"`
	Opacity float64 `json:"opacity"`
}

// LayerInstruction controls one video layer.
type LayerInstruction struct {
	TrackID            string              `json:"track_id"`
	TransformKeyframes []TransformKeyframe `json:"transform_keyframes"`
	OpacityKeyframes   []OpacityKeyframe   `json:"opacity_keyframes,omitempty"`
}

// TransformAt returns the keyframe in effect at t: the last keyframe whose
// time is not after t. Before the first keyframe the identity applies.
func (l *LayerInstruction) TransformAt(t Time) TransformKeyframe {
	i := sort.Search(len(l.TransformKeyframes), func(i int) bool {
		return l.TransformKeyframes[i].Time.After(t)
	})
	if i == 0 {
		return TransformKeyframe{Time: Zero, Transform: Identity}
	}
	return l.TransformKeyframes[i-1]
}

// OpacityAt returns the opacity in effect at t, 1 when no keyframe applies.
func (l *LayerInstruction) OpacityAt(t Time) float64 {
	i := sort.Search(len(l.OpacityKeyframes), func(i int) bool {
		return l.OpacityKeyframes[i].Time.After(t)
	})
	if i == 0 {
		return 1
	}
	return l.OpacityKeyframes[i-1].Opacity
}

// CompositionInstruction applies a stack of layers over TimeRange. Layers
// are listed bottom to top.
type CompositionInstruction struct {
	TimeRange         TimeRange           `json:"time_range"`
	LayerInstructions []*LayerInstruction `json:"layer_instructions"`
	BackgroundColor   string              `json:"background_color"`
}

// VolumeKeyframe sets a gain from Time onwards.
type VolumeKeyframe struct {
	Time Time    `json:"time"`
	Gain float64 `json:"gain"`
}

// AudioMixParameter sets gain for one audio track, optionally scoped to a
// single source.
type AudioMixParameter struct {
	TrackID         string           `json:"track_id"`
	SourceID        string           `json:"source_id,omitempty"`
	VolumeKeyframes []VolumeKeyframe `json:"volume_keyframes"`
}

// UnityMix returns a parameter with gain 1 from time zero.
func UnityMix(trackID, sourceID string) AudioMixParameter {
	return ConstantMix(trackID, sourceID, 1)
}

// ConstantMix returns a parameter with a fixed gain from time zero.
func ConstantMix(trackID, sourceID string, gain float64) AudioMixParameter {
	return AudioMixParameter{
		TrackID:         trackID,
		SourceID:        sourceID,
		VolumeKeyframes: []VolumeKeyframe{{Time: Zero, Gain: clampGain(gain)}},
	}
}

// GainAt returns the gain in effect at t, 1 when no keyframe applies.
func (p AudioMixParameter) GainAt(t Time) float64 {
	i := sort.Search(len(p.VolumeKeyframes), func(i int) bool {
		return p.VolumeKeyframes[i].Time.After(t)
	})
	if i == 0 {
		return 1
	}
	return clampGain(p.VolumeKeyframes[i-1].Gain)
}

func clampGain(g float64) float64 {
	switch {
	case g < 0:
		return 0
	case g > 1:
		return 1
	default:
		return g
	}
}

// Overlay is a still image drawn over the video at Frame.
type Overlay struct {
	ID        string `json:"id"`
	ImagePath string `json:"image_path"`
	Frame     Rect   `json:"frame"`
}

// Timeline is the fully composed description of an export.
type Timeline struct {
	Video           *CompositionTrack        `json:"video,omitempty"`
	Audio           []*CompositionTrack      `json:"audio,omitempty"`
	Instructions    []CompositionInstruction `json:"instructions"`
	AudioParameters []AudioMixParameter      `json:"audio_parameters"`
	Duration        Time                     `json:"duration"`
	RenderSize      Size                     `json:"render_size"`
	FrameDuration   Time                     `json:"frame_duration"`
	BackgroundColor string                   `json:"background_color"`
	Overlays        []Overlay                `json:"overlays,omitempty"`
	// Sources referenced by track segments, keyed by ID.
	Sources map[string]SourceSegment `json:"sources"`
}

// HasVideo reports whether the video track has content.
func (tl *Timeline) HasVideo() bool {
	return !tl.Video.IsEmpty()
}

// HasAudio reports whether any audio track has content.
func (tl *Timeline) HasAudio() bool {
	for _, a := range tl.Audio {
		if !a.IsEmpty() {
			return true
		}
	}
	return false
}

// Source returns the source with the given ID.
func (tl *Timeline) Source(id string) (SourceSegment, bool) {
	s, ok := tl.Sources[id]
	return s, ok
}

// MixFor returns the mix parameter for a track and source. A parameter
// scoped to the source wins over a track-wide one; unity gain otherwise.
func (tl *Timeline) MixFor(trackID, sourceID string) AudioMixParameter {
	var trackWide *AudioMixParameter
	for i := range tl.AudioParameters {
		p := &tl.AudioParameters[i]
		if p.TrackID != trackID {
			continue
		}
		if p.SourceID == sourceID {
			return *p
		}
		if p.SourceID == "" && trackWide == nil {
			trackWide = p
		}
	}
	if trackWide != nil {
		return *trackWide
	}
	return UnityMix(trackID, sourceID)
}

// VideoLayer returns the layer instruction driving the video track.
func (tl *Timeline) VideoLayer() *LayerInstruction {
	if tl.Video == nil {
		return nil
	}
	for _, in := range tl.Instructions {
		for _, l := range in.LayerInstructions {
			if l.TrackID == tl.Video.ID {
				return l
			}
		}
	}
	return nil
}

// Validate checks that instructions cover [0, Duration) contiguously in
// time order and that keyframes are ordered.
func (tl *Timeline) Validate() error {
	if !tl.Duration.IsValid() || tl.Duration.Before(Zero) {
		return fmt.Errorf("invalid timeline duration %s", tl.Duration)
	}
	if tl.RenderSize.IsEmpty() {
		return fmt.Errorf("invalid render size %s", tl.RenderSize)
	}
	if !tl.FrameDuration.IsValid() || !tl.FrameDuration.After(Zero) {
		return fmt.Errorf("invalid frame duration %s", tl.FrameDuration)
	}

	if tl.Duration.After(Zero) {
		if len(tl.Instructions) == 0 {
			return fmt.Errorf("no instructions for duration %s", tl.Duration.FFmpeg())
		}
		cursor := Zero
		for i, in := range tl.Instructions {
			if !in.TimeRange.IsValid() {
				return fmt.Errorf("instruction %d has invalid range", i)
			}
			if !in.TimeRange.Start.Equal(cursor) {
				return fmt.Errorf("instruction %d starts at %s, expected %s",
					i, in.TimeRange.Start.FFmpeg(), cursor.FFmpeg())
			}
			cursor = in.TimeRange.End()
			for _, l := range in.LayerInstructions {
				for j := 1; j < len(l.TransformKeyframes); j++ {
					if l.TransformKeyframes[j].Time.Before(l.TransformKeyframes[j-1].Time) {
						return fmt.Errorf("layer %s keyframes out of order", l.TrackID)
					}
				}
			}
		}
		if !cursor.Equal(tl.Duration) {
			return fmt.Errorf("instructions end at %s, expected %s", cursor.FFmpeg(), tl.Duration.FFmpeg())
		}
	}

	for _, p := range tl.AudioParameters {
		for j := 1; j < len(p.VolumeKeyframes); j++ {
			if p.VolumeKeyframes[j].Time.Before(p.VolumeKeyframes[j-1].Time) {
				return fmt.Errorf("mix %s keyframes out of order", p.TrackID)
			}
		}
	}
	return nil
}
