package audio

import "fmt"

type Codec string

const (
	CodecPCM      Codec = "pcm"
	CodecG711Ulaw Codec = "g711_ulaw"
	CodecG711Alaw Codec = "g711_alaw"
)

// decoder holds a codec's decode function and its fixed output sample rate.
// A rate of 0 means the caller-supplied rate applies (PCM passthrough).
type decoder struct {
	fn   func([]byte) []int16
	rate int
}

var decoders = map[Codec]decoder{
	CodecPCM:      {fn: decodePCM, rate: 0},
	CodecG711Ulaw: {fn: decodeG711Ulaw, rate: 8000},
	CodecG711Alaw: {fn: decodeG711Alaw, rate: 8000},
}

// ParseCodec maps a provider media encoding name onto a Codec.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "pcm", "audio/x-l16", "LINEAR16", "linear16":
		return CodecPCM, nil
	case "g711_ulaw", "audio/x-mulaw", "mulaw", "PCMU":
		return CodecG711Ulaw, nil
	case "g711_alaw", "audio/x-alaw", "alaw", "PCMA":
		return CodecG711Alaw, nil
	}
	return "", fmt.Errorf("unsupported codec: %s", name)
}

// Decode converts encoded audio bytes to signed 16-bit samples and reports
// their sample rate.
func Decode(data []byte, codec Codec, sampleRate int) ([]int16, int, error) {
	dec, ok := decoders[codec]
	if !ok {
		return nil, 0, fmt.Errorf("unsupported codec: %s", codec)
	}
	rate := dec.rate
	if rate == 0 {
		rate = sampleRate
	}
	return dec.fn(data), rate, nil
}

var encoders = map[Codec]func([]int16) []byte{
	CodecPCM:      EncodePCM,
	CodecG711Ulaw: encodeG711Ulaw,
	CodecG711Alaw: encodeG711Alaw,
}

// Encode converts samples to codec bytes. G.711 expects 8 kHz input.
func Encode(samples []int16, codec Codec) ([]byte, error) {
	enc, ok := encoders[codec]
	if !ok {
		return nil, fmt.Errorf("unsupported codec: %s", codec)
	}
	return enc(samples), nil
}
