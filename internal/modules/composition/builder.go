package composition

import (
	"fmt"
	"maps"
)

const (
	VideoTrackID = "video-main"
	AudioTrackID = "audio-main"
)

// Clip is one source placed on the timeline. A nil Range uses the source's
// full duration.
type Clip struct {
	Source SourceSegment
	Range  *TimeRange
}

// BuildOptions controls the output geometry and which tracks are kept.
type BuildOptions struct {
	RenderSize      Size
	FrameDuration   Time
	BackgroundColor string
	DropVideo       bool
	DropAudio       bool
}

// DefaultBuildOptions returns a 720x1280 canvas at 30 fps on black.
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{
		RenderSize:      DefaultRenderSize,
		FrameDuration:   NewTime(1, 30),
		BackgroundColor: "black",
	}
}

func (o BuildOptions) withDefaults() BuildOptions {
	d := DefaultBuildOptions()
	if o.RenderSize.IsEmpty() {
		o.RenderSize = d.RenderSize
	}
	if !o.FrameDuration.IsValid() || !o.FrameDuration.After(Zero) {
		o.FrameDuration = d.FrameDuration
	}
	if o.BackgroundColor == "" {
		o.BackgroundColor = d.BackgroundColor
	}
	return o
}

// accumulator is the fold state. step never mutates its input.
type accumulator struct {
	cursor    Time
	video     *CompositionTrack
	audio     *CompositionTrack
	keyframes []TransformKeyframe
	params    []AudioMixParameter
	sources   map[string]SourceSegment
}

// Build folds clips into a timeline, placing each one directly after the
// previous. Any insertion failure aborts the whole build.
func Build(clips []Clip, opts BuildOptions) (*Timeline, error) {
	opts = opts.withDefaults()

	acc := accumulator{
		cursor:  Zero,
		video:   NewTrack(VideoTrackID, KindVideo),
		audio:   NewTrack(AudioTrackID, KindAudio),
		sources: map[string]SourceSegment{},
	}
	for i, clip := range clips {
		next, err := step(acc, clip, opts)
		if err != nil {
			return nil, fmt.Errorf("clip %d (%s): %w", i, clip.Source.ID, err)
		}
		acc = next
	}

	tl := &Timeline{
		Duration:        acc.cursor,
		RenderSize:      opts.RenderSize,
		FrameDuration:   opts.FrameDuration,
		BackgroundColor: opts.BackgroundColor,
		AudioParameters: acc.params,
		Sources:         acc.sources,
	}
	if !acc.video.IsEmpty() {
		tl.Video = acc.video
	}
	if !acc.audio.IsEmpty() {
		tl.Audio = []*CompositionTrack{acc.audio}
	}

	instruction := CompositionInstruction{
		TimeRange:       NewTimeRange(Zero, acc.cursor),
		BackgroundColor: opts.BackgroundColor,
	}
	if tl.Video != nil {
		instruction.LayerInstructions = []*LayerInstruction{{
			TrackID:            VideoTrackID,
			TransformKeyframes: acc.keyframes,
		}}
	}
	if acc.cursor.After(Zero) {
		tl.Instructions = []CompositionInstruction{instruction}
	}
	return tl, nil
}

func step(acc accumulator, clip Clip, opts BuildOptions) (accumulator, error) {
	src := clip.Source
	if src.ID == "" {
		return acc, NewError(KindTrackInsertionFailed, "step", fmt.Errorf("source without id"))
	}

	span := NewTimeRange(Zero, src.Duration)
	if clip.Range != nil {
		if err := clip.Range.Validate(); err != nil {
			return acc, NewError(KindTrackInsertionFailed, "step", err)
		}
		span = *clip.Range
	}
	if !span.Duration.After(Zero) {
		return acc, NewError(KindTrackInsertionFailed, "step", fmt.Errorf("empty range %s", span))
	}

	cursor := acc.cursor.Add(span.Duration)
	// Stay on the 600 clock unless that would lose precision.
	if c := cursor.ConvertScale(DefaultTimescale); c.Equal(cursor) {
		cursor = c
	}
	next := accumulator{
		cursor:    cursor,
		video:     acc.video,
		audio:     acc.audio,
		keyframes: acc.keyframes,
		params:    acc.params,
		sources:   maps.Clone(acc.sources),
	}
	next.sources[src.ID] = src

	if src.Video != nil && !opts.DropVideo {
		seg, ok := segmentFor(src, *src.Video, span, acc.cursor, clip.Range != nil)
		if !ok {
			return acc, NewError(KindTrackInsertionFailed, "insert video",
				fmt.Errorf("range %s outside video track %s", span, src.Video.TimeRange))
		}
		track, err := acc.video.Inserting(seg, src.Video.TimeRange)
		if err != nil {
			return acc, err
		}
		next.video = track

		_, transform := Resolve(src.NaturalSize, src.OrientationTransform, opts.RenderSize)
		next.keyframes = append(append([]TransformKeyframe(nil), acc.keyframes...), TransformKeyframe{
			Time:      acc.cursor,
			Transform: transform,
			Size:      src.NaturalSize,
		})
	}

	if src.Audio != nil && !opts.DropAudio {
		// Alongside video, audio shorter than the clip leaves silence for the
		// remainder. When audio is the only track a caller range must fit it.
		audioOnly := next.video == acc.video
		seg, ok := segmentFor(src, *src.Audio, span, acc.cursor, audioOnly && clip.Range != nil)
		switch {
		case ok:
			track, err := acc.audio.Inserting(seg, src.Audio.TimeRange)
			if err != nil {
				return acc, err
			}
			next.audio = track
			next.params = append(append([]AudioMixParameter(nil), acc.params...), UnityMix(AudioTrackID, src.ID))
		case audioOnly:
			return acc, NewError(KindTrackInsertionFailed, "insert audio",
				fmt.Errorf("range %s outside audio track %s", span, src.Audio.TimeRange))
		}
	}

	if next.video == acc.video && next.audio == acc.audio {
		return acc, NewError(KindTrackInsertionFailed, "step", fmt.Errorf("no track of %s can be inserted", src.ID))
	}
	return next, nil
}

// segmentFor maps span onto a source track. With strict set the span must
// lie inside the track; otherwise it is clipped to the track and ok is false
// only when nothing remains.
func segmentFor(src SourceSegment, track SourceTrack, span TimeRange, at Time, strict bool) (TrackSegment, bool) {
	available := track.TimeRange
	r := span
	if !available.ContainsRange(r) {
		if strict {
			return TrackSegment{}, false
		}
		start := r.Start.Max(available.Start)
		end := r.End().Min(available.End())
		if !end.After(start) {
			return TrackSegment{}, false
		}
		r = TimeRangeFromEnds(start, end)
	}
	return TrackSegment{
		SourceID:    src.ID,
		SourceTrack: track.Index,
		InsertAt:    at.Add(r.Start.Sub(span.Start)),
		SourceRange: r,
	}, true
}

// AudioOverlay mixes an extra audio source over an existing timeline.
type AudioOverlay struct {
	Source SourceSegment
	// Gain of the added audio.
	Gain float64
	// OriginalGain replaces the gain of every existing audio track.
	OriginalGain float64
}

// WithAudioOverlay returns a copy of tl with an extra audio track starting
// at zero and clipped to the timeline duration.
func WithAudioOverlay(tl *Timeline, overlay AudioOverlay) (*Timeline, error) {
	src := overlay.Source
	if src.Audio == nil {
		return nil, NewError(KindTrackInsertionFailed, "overlay audio", fmt.Errorf("source %s has no audio", src.ID))
	}
	out := tl.clone()

	for i, p := range out.AudioParameters {
		out.AudioParameters[i] = ConstantMix(p.TrackID, p.SourceID, overlay.OriginalGain)
	}

	available := src.Audio.TimeRange
	end := available.Start.Add(available.Duration.Min(tl.Duration))
	if !end.After(available.Start) {
		return out, nil
	}
	id := fmt.Sprintf("audio-overlay-%d", len(out.Audio))
	track, err := NewTrack(id, KindAudio).Inserting(TrackSegment{
		SourceID:    src.ID,
		SourceTrack: src.Audio.Index,
		InsertAt:    Zero,
		SourceRange: TimeRangeFromEnds(available.Start, end),
	}, available)
	if err != nil {
		return nil, err
	}
	out.Audio = append(out.Audio, track)
	out.AudioParameters = append(out.AudioParameters, ConstantMix(id, "", overlay.Gain))
	out.Sources[src.ID] = src
	return out, nil
}

// WithWatermark returns a copy of tl with overlay drawn above the video
// layer for the whole duration.
func WithWatermark(tl *Timeline, overlay Overlay) (*Timeline, error) {
	if overlay.Frame.Width <= 0 || overlay.Frame.Height <= 0 {
		return nil, fmt.Errorf("watermark %s has empty frame", overlay.ID)
	}
	out := tl.clone()
	out.Overlays = append(out.Overlays, overlay)
	layer := &LayerInstruction{
		TrackID: overlay.ID,
		TransformKeyframes: []TransformKeyframe{{
			Time:      Zero,
			Transform: TranslationTransform(overlay.Frame.X, overlay.Frame.Y),
			Size:      Size{Width: overlay.Frame.Width, Height: overlay.Frame.Height},
		}},
	}
	for i := range out.Instructions {
		out.Instructions[i].LayerInstructions = append(out.Instructions[i].LayerInstructions, layer)
	}
	return out, nil
}

func (tl *Timeline) clone() *Timeline {
	out := *tl
	out.Audio = append([]*CompositionTrack(nil), tl.Audio...)
	out.AudioParameters = append([]AudioMixParameter(nil), tl.AudioParameters...)
	out.Overlays = append([]Overlay(nil), tl.Overlays...)
	out.Sources = maps.Clone(tl.Sources)
	if out.Sources == nil {
		out.Sources = map[string]SourceSegment{}
	}
	out.Instructions = make([]CompositionInstruction, len(tl.Instructions))
	for i, in := range tl.Instructions {
		in.LayerInstructions = append([]*LayerInstruction(nil), in.LayerInstructions...)
		out.Instructions[i] = in
	}
	return &out
}
