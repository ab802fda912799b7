// Package pcm converts the raw microphone wire format (signed 16 bit
// little-endian mono samples, one buffer per datagram) into sink-native
// audio frames, and derives the instantaneous loudness level shown to
// the user.
package pcm

import (
	"encoding/binary"
	"math"

	"github.com/airmic/airmic/pkg/frame"
)

const maxInt16 = float32(math.MaxInt16)

// Convert a raw 16 bit little-endian mono PCM byte buffer into a frame in the
// sink's native format.
//
// An odd trailing byte is truncated, not an error: a half sample carries no
// usable signal. When the sink has more than one channel the mono signal is
// duplicated into every channel, no panning or mixing.
//
// Float samples are scaled by 1/32767 and deliberately not clamped; values
// near the int16 minimum may exceed -1.0 by a negligible amount.
func Convert(data []byte, format frame.SampleFormat, numChannels int) *frame.AudioFrame {
	frameCount := len(data) / 2

	out := &frame.AudioFrame{
		Format:      format,
		NumChannels: numChannels,
		FrameCount:  frameCount,
	}

	switch format {
	case frame.FormatFloat32:
		out.Float32 = make([][]float32, numChannels)
		mono := make([]float32, frameCount)
		for i := 0; i < frameCount; i++ {
			s := int16(binary.LittleEndian.Uint16(data[2*i:]))
			mono[i] = float32(s) / maxInt16
		}
		out.Float32[0] = mono
		for c := 1; c < numChannels; c++ {
			dup := make([]float32, frameCount)
			copy(dup, mono)
			out.Float32[c] = dup
		}

	case frame.FormatInt16:
		out.Int16 = make([][]int16, numChannels)
		mono := make([]int16, frameCount)
		for i := 0; i < frameCount; i++ {
			mono[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
		}
		out.Int16[0] = mono
		for c := 1; c < numChannels; c++ {
			dup := make([]int16, frameCount)
			copy(dup, mono)
			out.Int16[c] = dup
		}
	}

	return out
}
