package media

import (
	"testing"

	"github.com/nextconvert/composer/internal/modules/composition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDecimal(t *testing.T, s string) composition.Time {
	t.Helper()
	v, err := composition.ParseDecimal(s)
	require.NoError(t, err)
	return v
}

func clipSource(id string, d composition.Time, size composition.Size, transform composition.Affine) composition.SourceSegment {
	return composition.SourceSegment{
		ID:                   id,
		Locator:              "/media/" + id + ".mp4",
		Video:                &composition.SourceTrack{Index: 0, TimeRange: composition.NewTimeRange(composition.Zero, d)},
		Audio:                &composition.SourceTrack{Index: 1, TimeRange: composition.NewTimeRange(composition.Zero, d)},
		NaturalSize:          size,
		OrientationTransform: transform,
		Duration:             d,
	}
}

func buildTimeline(t *testing.T, clips ...composition.Clip) *composition.Timeline {
	t.Helper()
	tl, err := composition.Build(clips, composition.DefaultBuildOptions())
	require.NoError(t, err)
	return tl
}

func TestBuildGraph(t *testing.T) {
	portrait := clipSource("portrait", mustDecimal(t, "5"),
		composition.Size{Width: 1920, Height: 1080}, composition.QuarterTurn(1))
	landscape := clipSource("landscape", mustDecimal(t, "3.2"),
		composition.Size{Width: 1440, Height: 720}, composition.Identity)

	t.Run("places each segment on the canvas", func(t *testing.T) {
		tl := buildTimeline(t, composition.Clip{Source: portrait}, composition.Clip{Source: landscape})

		g, err := BuildGraph(tl, 44100, 2)
		require.NoError(t, err)

		assert.Equal(t, 720, g.Width)
		assert.Equal(t, 1280, g.Height)
		assert.Equal(t, "30/1", g.FrameRate)
		assert.Equal(t, "vout", g.VideoLabel)
		assert.Equal(t, "aout", g.AudioLabel)
		require.Len(t, g.Inputs, 2, "audio and video of one file share an input")

		f := g.Filter
		assert.Contains(t, f, "[0:0]setpts=PTS-STARTPTS,trim=start=0.000000:duration=5.000000,setpts=PTS-STARTPTS,fps=30/1,transpose=1,scale=720:1280,setsar=1,format=rgba[vsrc0]")
		assert.Contains(t, f, "[vbg0][vsrc0]overlay=x=0:y=0:format=auto[vseg0]")
		assert.Contains(t, f, "[1:0]setpts=PTS-STARTPTS,trim=start=0.000000:duration=3.200000,setpts=PTS-STARTPTS,fps=30/1,scale=720:360,setsar=1,format=rgba[vsrc1]")
		assert.Contains(t, f, "[vbg1][vsrc1]overlay=x=0:y=460:format=auto[vseg1]")
		assert.Contains(t, f, "color=c=0x000000:s=720x1280:r=30/1:d=3.200000,format=rgba[vbg1]")
		assert.Contains(t, f, "[vseg0][vseg1]concat=n=2:v=1:a=0[vcat]")
		assert.Contains(t, f, "[vcat]format=rgba[vout]")
		assert.Contains(t, f, "[0:1]asetpts=PTS-STARTPTS,atrim=start=0.000000:duration=5.000000")
		assert.Contains(t, f, "volume=1.000[aseg0_0]")
		assert.Contains(t, f, "[aseg0_0][aseg0_1]concat=n=2:v=0:a=1,apad,atrim=duration=8.200000[atrack0]")
		assert.Contains(t, f, "[atrack0]anull[aout]")
	})

	t.Run("args disable autorotation", func(t *testing.T) {
		tl := buildTimeline(t, composition.Clip{Source: portrait})
		g, err := BuildGraph(tl, 44100, 2)
		require.NoError(t, err)

		args := g.Args()
		assert.Equal(t, []string{"-hide_banner", "-nostdin", "-loglevel", "error"}, args[:4])
		assert.Equal(t, []string{"-noautorotate", "-i", "/media/portrait.mp4"}, args[4:7])
		assert.Equal(t, "-filter_complex", args[len(args)-2])
		assert.Equal(t, g.Filter, args[len(args)-1])
	})

	t.Run("repeated source gets a second input", func(t *testing.T) {
		tl := buildTimeline(t, composition.Clip{Source: landscape}, composition.Clip{Source: landscape})
		g, err := BuildGraph(tl, 44100, 2)
		require.NoError(t, err)

		require.Len(t, g.Inputs, 2)
		assert.Equal(t, g.Inputs[0], g.Inputs[1])
		assert.Contains(t, g.Filter, "[1:0]setpts")
		assert.Contains(t, g.Filter, "[1:1]asetpts")
	})

	t.Run("short audio is padded with silence", func(t *testing.T) {
		short := clipSource("short", mustDecimal(t, "5"), composition.Size{Width: 720, Height: 1280}, composition.Identity)
		short.Audio.TimeRange = composition.NewTimeRange(composition.Zero, mustDecimal(t, "2"))
		tl := buildTimeline(t, composition.Clip{Source: short}, composition.Clip{Source: landscape})

		g, err := BuildGraph(tl, 48000, 1)
		require.NoError(t, err)
		assert.Contains(t, g.Filter, "anullsrc=r=48000:cl=mono,atrim=duration=3.000000,aformat=sample_fmts=s16:channel_layouts=mono[agap0_1]")
		assert.Contains(t, g.Filter, "[aseg0_0][agap0_1][aseg0_1]concat=n=3:v=0:a=1")
	})

	t.Run("audio overlay is mixed", func(t *testing.T) {
		tl := buildTimeline(t, composition.Clip{Source: landscape})
		music := clipSource("music", mustDecimal(t, "60"), composition.Size{}, composition.Identity)
		music.Video = nil

		mixed, err := composition.WithAudioOverlay(tl, composition.AudioOverlay{Source: music, Gain: 1, OriginalGain: 0.5})
		require.NoError(t, err)

		g, err := BuildGraph(mixed, 44100, 2)
		require.NoError(t, err)
		assert.Contains(t, g.Filter, "volume=0.500[aseg0_0]")
		assert.Contains(t, g.Filter, "atrim=start=0.000000:duration=3.200000,asetpts=PTS-STARTPTS,aresample=44100,aformat=sample_fmts=s16:channel_layouts=stereo,volume=1.000[aseg1_0]")
		assert.Contains(t, g.Filter, "[atrack0][atrack1]amix=inputs=2:duration=first:normalize=0")
	})

	t.Run("watermark is drawn last", func(t *testing.T) {
		tl := buildTimeline(t, composition.Clip{Source: landscape})
		marked, err := composition.WithWatermark(tl, composition.Overlay{
			ID:        "wm",
			ImagePath: "/tmp/wm.png",
			Frame:     composition.Rect{X: 10, Y: 20, Width: 200, Height: 100},
		})
		require.NoError(t, err)

		g, err := BuildGraph(marked, 44100, 2)
		require.NoError(t, err)
		require.Len(t, g.Inputs, 2)
		assert.Equal(t, []string{"-loop", "1", "-i", "/tmp/wm.png"}, g.Inputs[1])
		assert.Contains(t, g.Filter, "[1:v]scale=200:100,format=rgba[wm0]")
		assert.Contains(t, g.Filter, "[vcat][wm0]overlay=x=10:y=20:shortest=1:format=auto[vwm0]")
		assert.Contains(t, g.Filter, ";[vwm0]format=rgba[vout]")
		assert.NotContains(t, g.Filter, "[vcat]format=rgba[vout]")
	})

	t.Run("still image loops for its duration", func(t *testing.T) {
		still := composition.SourceSegment{
			ID:                   "photo",
			Locator:              "/media/photo.png",
			Video:                &composition.SourceTrack{TimeRange: composition.NewTimeRange(composition.Zero, mustDecimal(t, "2"))},
			NaturalSize:          composition.Size{Width: 720, Height: 1280},
			OrientationTransform: composition.Identity,
			Duration:             mustDecimal(t, "2"),
			Still:                true,
		}
		tl := buildTimeline(t, composition.Clip{Source: still})

		g, err := BuildGraph(tl, 44100, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"-loop", "1", "-framerate", "30/1", "-t", "2.000000", "-i", "/media/photo.png"}, g.Inputs[0])
		assert.Empty(t, g.AudioLabel)
	})

	t.Run("trim is relative to the track start", func(t *testing.T) {
		late := clipSource("late", mustDecimal(t, "12"),
			composition.Size{Width: 1280, Height: 720}, composition.Identity)
		offset := composition.NewTimeRange(mustDecimal(t, "2"), mustDecimal(t, "10"))
		late.Video.TimeRange = offset
		late.Audio.TimeRange = offset
		r := composition.TimeRangeFromEnds(mustDecimal(t, "4"), mustDecimal(t, "9"))
		tl := buildTimeline(t, composition.Clip{Source: late, Range: &r})

		g, err := BuildGraph(tl, 44100, 2)
		require.NoError(t, err)
		assert.Contains(t, g.Filter, "[0:0]setpts=PTS-STARTPTS,trim=start=2.000000:duration=5.000000,")
		assert.Contains(t, g.Filter, "[0:1]asetpts=PTS-STARTPTS,atrim=start=2.000000:duration=5.000000,")
	})

	t.Run("empty timeline is rejected", func(t *testing.T) {
		_, err := BuildGraph(buildTimeline(t), 44100, 2)
		assert.Error(t, err)
	})
}

func TestFrameRate(t *testing.T) {
	assert.Equal(t, "30/1", frameRate(composition.NewTime(1, 30)))
	assert.Equal(t, "30/1", frameRate(composition.NewTime(20, 600)))
	assert.Equal(t, "30000/1001", frameRate(composition.NewTime(1001, 30000)))
}
