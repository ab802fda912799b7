package pcm

// Level computes a normalized loudness value in [0, 1] for a raw 16 bit
// little-endian mono PCM buffer: the mean absolute sample value over 32767,
// clamped to 1.0.
//
// Purely stateless. The level is instantaneous per packet, there is no
// smoothing or decay across packets.
func Level(data []byte) float64 {
	frameCount := len(data) / 2
	if frameCount == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < frameCount; i++ {
		s := int16(uint16(data[2*i]) | uint16(data[2*i+1])<<8)
		if s < 0 {
			// Abs of math.MinInt16 overflows int16; widen first.
			sum += float64(-int32(s))
		} else {
			sum += float64(s)
		}
	}

	level := sum / float64(frameCount) / 32767.0
	return min(level, 1.0)
}
