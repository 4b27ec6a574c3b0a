package media

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nextconvert/composer/internal/modules/composition"
)

// Graph is an ffmpeg invocation that renders a timeline: the input
// arguments, the filter_complex and the labels of its outputs.
type Graph struct {
	Inputs     [][]string
	Filter     string
	VideoLabel string
	AudioLabel string
	Width      int
	Height     int
	FrameRate  string
	SampleRate int
	Channels   int
}

// Args returns the ffmpeg arguments preceding the output options.
func (g *Graph) Args() []string {
	args := []string{"-hide_banner", "-nostdin", "-loglevel", "error"}
	for _, in := range g.Inputs {
		args = append(args, in...)
	}
	return append(args, "-filter_complex", g.Filter)
}

type graphBuilder struct {
	tl      *composition.Timeline
	g       *Graph
	inputs  map[string][]int
	used    map[string]bool
	filters []string
	bg      string
}

// BuildGraph translates a timeline into an ffmpeg filter graph. Video
// segments are trimmed, rotated, scaled and placed on a background of the
// render size, gaps are filled with the background, and overlays are drawn
// on top. Audio segments are trimmed, gain-staged and concatenated per
// track; multiple tracks are mixed.
func BuildGraph(tl *composition.Timeline, sampleRate, channels int) (*Graph, error) {
	if err := tl.Validate(); err != nil {
		return nil, fmt.Errorf("invalid timeline: %w", err)
	}
	if !tl.Duration.After(composition.Zero) {
		return nil, fmt.Errorf("timeline is empty")
	}
	bg, err := FFmpegColor(tl.BackgroundColor)
	if err != nil {
		return nil, err
	}

	b := &graphBuilder{
		tl: tl,
		g: &Graph{
			Width:      int(tl.RenderSize.Width),
			Height:     int(tl.RenderSize.Height),
			FrameRate:  frameRate(tl.FrameDuration),
			SampleRate: sampleRate,
			Channels:   channels,
		},
		inputs: map[string][]int{},
		used:   map[string]bool{},
		bg:     bg,
	}

	if tl.HasVideo() {
		if err := b.video(); err != nil {
			return nil, err
		}
	}
	if tl.HasAudio() {
		if err := b.audio(); err != nil {
			return nil, err
		}
	}
	if b.g.VideoLabel == "" && b.g.AudioLabel == "" {
		return nil, fmt.Errorf("timeline has no tracks")
	}
	b.g.Filter = strings.Join(b.filters, ";")
	return b.g, nil
}

// frameRate renders the reciprocal of a frame duration as "num/den".
func frameRate(frame composition.Time) string {
	r := frame.Reduced()
	return fmt.Sprintf("%d/%d", r.Scale, r.Value)
}

// input returns the index of an ffmpeg input for source id whose stream
// has not yet been consumed. A filter graph can read each input stream
// once, so a source used twice gets a second input.
func (b *graphBuilder) input(id string, stream int) (int, error) {
	for _, idx := range b.inputs[id] {
		key := fmt.Sprintf("%d:%d", idx, stream)
		if !b.used[key] {
			b.used[key] = true
			return idx, nil
		}
	}
	src, ok := b.tl.Source(id)
	if !ok {
		return 0, fmt.Errorf("unknown source %q", id)
	}
	var args []string
	if src.Still {
		args = []string{
			"-loop", "1",
			"-framerate", b.g.FrameRate,
			"-t", src.Duration.FFmpeg(),
			"-i", src.Locator,
		}
	} else {
		// Rotation is applied by the graph from the probed transform.
		args = []string{"-noautorotate", "-i", src.Locator}
	}
	idx := len(b.g.Inputs)
	b.g.Inputs = append(b.g.Inputs, args)
	b.inputs[id] = append(b.inputs[id], idx)
	b.used[fmt.Sprintf("%d:%d", idx, stream)] = true
	return idx, nil
}

func (b *graphBuilder) overlayInput(o composition.Overlay) int {
	idx := len(b.g.Inputs)
	b.g.Inputs = append(b.g.Inputs, []string{"-loop", "1", "-i", o.ImagePath})
	return idx
}

func (b *graphBuilder) add(format string, args ...any) {
	b.filters = append(b.filters, fmt.Sprintf(format, args...))
}

func (b *graphBuilder) gap(label string, d composition.Time) {
	b.add("color=c=%s:s=%dx%d:r=%s:d=%s,format=rgba[%s]",
		b.bg, b.g.Width, b.g.Height, b.g.FrameRate, d.FFmpeg(), label)
}

func (b *graphBuilder) video() error {
	layer := b.tl.VideoLayer()
	if layer == nil {
		return fmt.Errorf("video track %s has no layer instruction", b.tl.Video.ID)
	}

	var parts []string
	cursor := composition.Zero
	for i, seg := range b.tl.Video.Segments {
		if seg.InsertAt.After(cursor) {
			label := fmt.Sprintf("vgap%d", i)
			b.gap(label, seg.InsertAt.Sub(cursor))
			parts = append(parts, label)
		}

		idx, err := b.input(seg.SourceID, seg.SourceTrack)
		if err != nil {
			return err
		}
		kf := layer.TransformAt(seg.InsertAt)
		place := composition.PlacementFor(kf.Size, kf.Transform)
		d := seg.SourceRange.Duration

		chain := []string{
			"setpts=PTS-STARTPTS",
			fmt.Sprintf("trim=start=%s:duration=%s", b.trimStart(seg, composition.KindVideo).FFmpeg(), d.FFmpeg()),
			"setpts=PTS-STARTPTS",
			"fps=" + b.g.FrameRate,
		}
		chain = append(chain, rotationFilters(place.Rotation)...)
		chain = append(chain,
			fmt.Sprintf("scale=%d:%d", place.Width, place.Height),
			"setsar=1",
			"format=rgba",
		)
		if opacity := layer.OpacityAt(seg.InsertAt); opacity < 1 {
			chain = append(chain, fmt.Sprintf("colorchannelmixer=aa=%s", strconv.FormatFloat(opacity, 'f', 3, 64)))
		}
		b.add("[%d:%d]%s[vsrc%d]", idx, seg.SourceTrack, strings.Join(chain, ","), i)

		bgLabel := fmt.Sprintf("vbg%d", i)
		b.gap(bgLabel, d)
		b.add("[%s][vsrc%d]overlay=x=%d:y=%d:format=auto[vseg%d]", bgLabel, i, place.X, place.Y, i)
		parts = append(parts, fmt.Sprintf("vseg%d", i))
		cursor = seg.OutputRange().End()
	}
	if b.tl.Duration.After(cursor) {
		b.gap("vtail", b.tl.Duration.Sub(cursor))
		parts = append(parts, "vtail")
	}

	current := "vcat"
	b.add("%sconcat=n=%d:v=1:a=0[%s]", joinLabels(parts), len(parts), current)

	for i, o := range b.tl.Overlays {
		idx := b.overlayInput(o)
		wm := fmt.Sprintf("wm%d", i)
		next := fmt.Sprintf("vwm%d", i)
		b.add("[%d:v]scale=%d:%d,format=rgba[%s]", idx, int(o.Frame.Width), int(o.Frame.Height), wm)
		b.add("[%s][%s]overlay=x=%d:y=%d:shortest=1:format=auto[%s]",
			current, wm, int(o.Frame.X), int(o.Frame.Y), next)
		current = next
	}

	b.add("[%s]format=rgba[vout]", current)
	b.g.VideoLabel = "vout"
	return nil
}

// trimStart is the segment start relative to the first sample of its source
// track. Each chain rebases the stream with setpts before trimming, so
// source-track time must be shifted by the track's own start.
func (b *graphBuilder) trimStart(seg composition.TrackSegment, kind composition.TrackKind) composition.Time {
	src, ok := b.tl.Source(seg.SourceID)
	if !ok {
		return seg.SourceRange.Start
	}
	track := src.Track(kind)
	if track == nil || !track.TimeRange.Start.After(composition.Zero) {
		return seg.SourceRange.Start
	}
	return seg.SourceRange.Start.Sub(track.TimeRange.Start)
}

func rotationFilters(o composition.OrientationClass) []string {
	switch o {
	case composition.Portrait:
		return []string{"transpose=1"}
	case composition.LandscapeLeft:
		return []string{"hflip", "vflip"}
	case composition.PortraitUpsideDown:
		return []string{"transpose=2"}
	default:
		return nil
	}
}

func channelLayout(channels int) string {
	if channels == 1 {
		return "mono"
	}
	return "stereo"
}

func (b *graphBuilder) silence(label string, d composition.Time) {
	b.add("anullsrc=r=%d:cl=%s,atrim=duration=%s,aformat=sample_fmts=s16:channel_layouts=%s[%s]",
		b.g.SampleRate, channelLayout(b.g.Channels), d.FFmpeg(), channelLayout(b.g.Channels), label)
}

func (b *graphBuilder) audio() error {
	var tracks []string
	for t, track := range b.tl.Audio {
		if track.IsEmpty() {
			continue
		}
		var parts []string
		cursor := composition.Zero
		for i, seg := range track.Segments {
			if seg.InsertAt.After(cursor) {
				label := fmt.Sprintf("agap%d_%d", t, i)
				b.silence(label, seg.InsertAt.Sub(cursor))
				parts = append(parts, label)
			}

			idx, err := b.input(seg.SourceID, seg.SourceTrack)
			if err != nil {
				return err
			}
			gain := b.tl.MixFor(track.ID, seg.SourceID).GainAt(seg.InsertAt)
			label := fmt.Sprintf("aseg%d_%d", t, i)
			b.add("[%d:%d]asetpts=PTS-STARTPTS,atrim=start=%s:duration=%s,asetpts=PTS-STARTPTS,"+
				"aresample=%d,aformat=sample_fmts=s16:channel_layouts=%s,volume=%s[%s]",
				idx, seg.SourceTrack, b.trimStart(seg, composition.KindAudio).FFmpeg(), seg.SourceRange.Duration.FFmpeg(),
				b.g.SampleRate, channelLayout(b.g.Channels), strconv.FormatFloat(gain, 'f', 3, 64), label)
			parts = append(parts, label)
			cursor = seg.OutputRange().End()
		}

		out := fmt.Sprintf("atrack%d", t)
		b.add("%sconcat=n=%d:v=0:a=1,apad,atrim=duration=%s[%s]",
			joinLabels(parts), len(parts), b.tl.Duration.FFmpeg(), out)
		tracks = append(tracks, out)
	}
	if len(tracks) == 0 {
		return nil
	}

	if len(tracks) == 1 {
		b.add("[%s]anull[aout]", tracks[0])
	} else {
		b.add("%samix=inputs=%d:duration=first:normalize=0,aformat=sample_fmts=s16:channel_layouts=%s[aout]",
			joinLabels(tracks), len(tracks), channelLayout(b.g.Channels))
	}
	b.g.AudioLabel = "aout"
	return nil
}

func joinLabels(labels []string) string {
	var sb strings.Builder
	for _, l := range labels {
		sb.WriteString("[" + l + "]")
	}
	return sb.String()
}
