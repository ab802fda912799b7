package frame

// The sample encoding of an AudioFrame.
//
// Sinks declare exactly one native format; the converter produces frames in
// that format so no per-frame negotiation is needed.
type SampleFormat int

const (
	// Signed 16 bit samples, the wire format of the microphone stream.
	FormatInt16 SampleFormat = iota

	// 32 bit floating point samples in (approximately) [-1.0, 1.0].
	FormatFloat32
)

func (f SampleFormat) String() string {
	switch f {
	case FormatInt16:
		return "int16"
	case FormatFloat32:
		return "float32"
	default:
		return "unknown"
	}
}

// A decoded chunk of audio ready for a sink, holding planar (per-channel)
// sample data in exactly one of the two sample formats.
//
// AudioFrames are ephemeral: produced per inbound datagram, handed to the
// sink, and never buffered or queued by the session itself.
type AudioFrame struct {
	Format      SampleFormat
	NumChannels int

	// Number of samples per channel.
	FrameCount int

	// Exactly one of the following is populated, matching Format.
	// Each outer slice has NumChannels entries of FrameCount samples.
	Float32 [][]float32
	Int16   [][]int16
}
