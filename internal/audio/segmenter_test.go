package audio

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func tone(amplitude float64, n int) Frame {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(amplitude * math.MaxInt16 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return Frame{Samples: samples, SampleRate: 16000}
}

func newTestSegmenter(clk *fakeClock) *Segmenter {
	return NewSegmenter(SegmenterConfig{
		Threshold:      0.015,
		SilenceTimeout: 2 * time.Second,
	}, WithClock(clk.now))
}

func TestSegmenter_SilentCallNeverStartsSpeech(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	seg := newTestSegmenter(clk)

	for _, amp := range []float64{0, 0.001, 0.005, 0.01} {
		for range 50 {
			assert.Equal(t, SegmentQuiet, seg.Observe(tone(amp, 320)))
			clk.advance(100 * time.Millisecond)
		}
	}
	assert.Equal(t, SegmentQuiet, seg.Tick())
	assert.False(t, seg.Speaking())
}

func TestSegmenter_SpeechEndsExactlyOnce(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	seg := newTestSegmenter(clk)

	require.Equal(t, SegmentSpeechStarted, seg.Observe(tone(0.3, 320)))
	clk.advance(100 * time.Millisecond)
	require.Equal(t, SegmentQuiet, seg.Observe(tone(0.3, 320)))
	assert.True(t, seg.Speaking())

	var ended int
	for range 60 {
		clk.advance(100 * time.Millisecond)
		if seg.Observe(tone(0, 320)) == SegmentSpeechEnded {
			ended++
		}
	}
	assert.Equal(t, 1, ended)
	assert.False(t, seg.Speaking())
}

func TestSegmenter_ActiveFrameResetsSilence(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	seg := newTestSegmenter(clk)

	seg.Observe(tone(0.3, 320))
	clk.advance(1500 * time.Millisecond)
	assert.Equal(t, SegmentQuiet, seg.Observe(tone(0, 320)))
	seg.Observe(tone(0.3, 320))
	clk.advance(1500 * time.Millisecond)
	assert.Equal(t, SegmentQuiet, seg.Tick())
	clk.advance(600 * time.Millisecond)
	assert.Equal(t, SegmentSpeechEnded, seg.Tick())
}

func TestSegmenter_TickEndsTurnWithoutFrames(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	seg := newTestSegmenter(clk)

	seg.Observe(tone(0.3, 320))
	start := seg.TurnStart()
	clk.advance(2001 * time.Millisecond)
	assert.Equal(t, SegmentSpeechEnded, seg.Tick())
	assert.Equal(t, SegmentQuiet, seg.Tick())
	assert.Equal(t, time.Unix(0, 0), start)
}

func TestSegmenter_Defaults(t *testing.T) {
	seg := NewSegmenter(SegmenterConfig{})
	cfg := seg.Config()
	assert.InDelta(t, 0.015, cfg.Threshold, 1e-9)
	assert.Equal(t, 2*time.Second, cfg.SilenceTimeout)
	assert.Equal(t, 16000, cfg.SampleRate)
}

func TestSegmentEvent_String(t *testing.T) {
	assert.Equal(t, "quiet", SegmentQuiet.String())
	assert.Equal(t, "speech-started", SegmentSpeechStarted.String())
	assert.Equal(t, "speech-ended", SegmentSpeechEnded.String())
}
