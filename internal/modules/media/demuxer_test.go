package media

import (
	"bytes"
	"io"
	"testing"

	"github.com/nextconvert/composer/internal/modules/composition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFrameReader(t *testing.T) {
	d := &ffmpegDemuxer{}
	r := &frameReader{
		demux:     d,
		r:         bytes.NewReader(make([]byte, 3*8+5)),
		frameSize: 8,
		frameDur:  composition.NewTime(1, 30),
	}

	for i := range 3 {
		s, err := r.Next(t.Context())
		require.NoError(t, err)
		assert.Equal(t, composition.KindVideo, s.Kind)
		assert.Len(t, s.Data, 8)
		assert.True(t, s.PTS.Equal(composition.NewTime(int64(i), 30)), "pts %s", s.PTS)
	}

	_, err := r.Next(t.Context())
	assert.ErrorIs(t, err, io.EOF, "partial trailing frame is dropped")
}

func TestPCMReader(t *testing.T) {
	const frameBytes = 4
	d := &ffmpegDemuxer{}
	r := &pcmReader{
		demux:      d,
		r:          bytes.NewReader(make([]byte, (audioChunkFrames+100)*frameBytes+2)),
		frameBytes: frameBytes,
		sampleRate: 44100,
	}

	s, err := r.Next(t.Context())
	require.NoError(t, err)
	assert.Len(t, s.Data, audioChunkFrames*frameBytes)
	assert.True(t, s.PTS.Equal(composition.Zero))
	assert.True(t, s.Duration.Equal(composition.NewTime(audioChunkFrames, 44100)))

	s, err = r.Next(t.Context())
	require.NoError(t, err)
	assert.Len(t, s.Data, 100*frameBytes, "partial block keeps whole frames")
	assert.True(t, s.PTS.Equal(composition.NewTime(audioChunkFrames, 44100)))

	_, err = r.Next(t.Context())
	assert.ErrorIs(t, err, io.EOF)
}

func TestDemuxerOutputs(t *testing.T) {
	p := NewProcessorWithConfig(ProcessorConfig{MaxThreads: 3, SampleRate: 48000, Channels: 1}, zap.NewNop())
	src := clipSource("a", mustDecimal(t, "2"), composition.Size{Width: 1080, Height: 1920}, composition.Identity)

	t.Run("video and audio", func(t *testing.T) {
		d, err := p.openDemuxer(buildTimeline(t, composition.Clip{Source: src}))
		require.NoError(t, err)
		defer d.Close()

		require.NotNil(t, d.Output(composition.KindVideo))
		require.NotNil(t, d.Output(composition.KindAudio))
		assert.Equal(t, 720*1280*4, d.video.frameSize)
		assert.Equal(t, 2, d.audio.frameBytes)

		args := d.args()
		assert.True(t, hasSequence(args, "-threads", "3"))
		assert.True(t, hasSequence(args, "-map", "[vout]", "-f", "rawvideo", "-pix_fmt", "rgba", "pipe:3"))
		assert.True(t, hasSequence(args, "-map", "[aout]", "-f", "s16le", "-ar", "48000", "-ac", "1", "pipe:4"))
	})

	t.Run("audio only maps to the first pipe", func(t *testing.T) {
		audioOnly := src
		audioOnly.Video = nil
		d, err := p.openDemuxer(buildTimeline(t, composition.Clip{Source: audioOnly}))
		require.NoError(t, err)
		defer d.Close()

		assert.Nil(t, d.Output(composition.KindVideo))
		assert.True(t, hasSequence(d.args(), "-map", "[aout]", "-f", "s16le", "-ar", "48000", "-ac", "1", "pipe:3"))
	})

	t.Run("invalid timeline", func(t *testing.T) {
		_, err := p.OpenDemuxer(t.Context(), buildTimeline(t))
		assert.Error(t, err)
	})
}
