package audio

// G.711 companding. Telephony media arrives as 8 kHz bytes, one sample per
// byte; both laws split magnitude into eight segments of 16 steps.
const (
	ulawBias = 0x84
	ulawClip = 32635
)

// alawSegEnd is the largest 13-bit magnitude covered by each A-law segment.
var alawSegEnd = [8]int32{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

var ulawTable, alawTable [256]int16

func init() {
	for i := range ulawTable {
		ulawTable[i] = ulawToLinear(byte(i))
		alawTable[i] = alawToLinear(byte(i))
	}
}

func ulawToLinear(u byte) int16 {
	u = ^u
	t := (int32(u&0x0F)<<3 + ulawBias) << ((u & 0x70) >> 4)
	if u&0x80 != 0 {
		return int16(ulawBias - t)
	}
	return int16(t - ulawBias)
}

func linearToUlaw(s int16) byte {
	v := int32(s)
	var sign byte
	if v < 0 {
		v, sign = -v, 0x80
	}
	v = min(v, ulawClip) + ulawBias

	seg := byte(7)
	for mask := int32(0x4000); v&mask == 0 && seg > 0; mask >>= 1 {
		seg--
	}
	return ^(sign | seg<<4 | byte(v>>(seg+3))&0x0F)
}

func alawToLinear(a byte) int16 {
	a ^= 0x55
	t := int32(a&0x0F) << 4
	switch seg := (a & 0x70) >> 4; seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t = (t + 0x108) << (seg - 1)
	}
	if a&0x80 == 0 {
		t = -t
	}
	return int16(t)
}

func linearToAlaw(s int16) byte {
	v := int32(s) >> 3
	mask := byte(0xD5)
	if v < 0 {
		mask, v = 0x55, -v-1
	}

	seg := 0
	for seg < len(alawSegEnd) && v > alawSegEnd[seg] {
		seg++
	}
	if seg == len(alawSegEnd) {
		return 0x7F ^ mask
	}
	shift := max(seg, 1)
	return (byte(seg)<<4 | byte(v>>shift)&0x0F) ^ mask
}

func decodeG711Ulaw(data []byte) []int16 { return expand(data, &ulawTable) }

func decodeG711Alaw(data []byte) []int16 { return expand(data, &alawTable) }

func expand(data []byte, table *[256]int16) []int16 {
	samples := make([]int16, len(data))
	for i, b := range data {
		samples[i] = table[b]
	}
	return samples
}

func encodeG711Ulaw(samples []int16) []byte { return compress(samples, linearToUlaw) }

func encodeG711Alaw(samples []int16) []byte { return compress(samples, linearToAlaw) }

func compress(samples []int16, law func(int16) byte) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = law(s)
	}
	return out
}
