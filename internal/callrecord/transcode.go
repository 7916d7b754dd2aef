package callrecord

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/go-audio/wav"

	"github.com/hubenschmidt/callassist/internal/audio"
)

// RecordingSampleRate is the rate stored recordings are normalized to.
const RecordingSampleRate = 16000

var ErrInvalidRecording = errors.New("recording is not a valid WAV file")

// Transcode decodes a provider WAV of any channel count and bit depth into
// mono 16-bit PCM at RecordingSampleRate and re-encodes it as WAV.
func Transcode(data []byte) ([]byte, error) {
	samples, err := DecodeWAV(data, RecordingSampleRate)
	if err != nil {
		return nil, err
	}
	return audio.SamplesToWAV(samples, RecordingSampleRate), nil
}

// DecodeWAV returns the WAV's audio as mono 16-bit samples at rate.
func DecodeWAV(data []byte, rate int) ([]int16, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, ErrInvalidRecording
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode recording: %w", err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 {
		return nil, ErrInvalidRecording
	}

	channels := max(buf.Format.NumChannels, 1)
	samples := downmix(buf.Data, channels, int(dec.BitDepth))
	return audio.Resample(samples, buf.Format.SampleRate, rate), nil
}

// downmix averages interleaved channels and scales to 16-bit.
func downmix(data []int, channels, bitDepth int) []int16 {
	out := make([]int16, len(data)/channels)
	for i := range out {
		var sum int
		for ch := range channels {
			sum += data[i*channels+ch]
		}
		out[i] = toInt16(sum/channels, bitDepth)
	}
	return out
}

func toInt16(v, bitDepth int) int16 {
	switch bitDepth {
	case 8:
		// 8-bit WAV is unsigned
		v = (v - 128) << 8
	case 24:
		v >>= 8
	case 32:
		v >>= 16
	}
	return int16(max(min(v, 32767), -32768))
}
