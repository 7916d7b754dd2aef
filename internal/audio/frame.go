package audio

import (
	"math"
	"time"
)

// fullScale is the magnitude of the most negative 16-bit sample.
const fullScale = 32768.0

// Frame is a fixed-size slice of signed 16-bit PCM samples. Frames move
// forward through the pipeline by value and are never mutated after capture.
type Frame struct {
	Samples    []int16
	SampleRate int
	Captured   time.Time
}

// PCM returns the frame as little-endian 16-bit bytes.
func (f Frame) PCM() []byte {
	return EncodePCM(f.Samples)
}

// Duration is the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// RMS returns the root-mean-square amplitude as a ratio of full scale.
func (f Frame) RMS() float64 {
	return rms(f.Samples)
}

func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / fullScale
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
