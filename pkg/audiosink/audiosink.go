package audiosink

import "github.com/airmic/airmic/pkg/frame"

// The native audio format a sink consumes.
//
// The session converts every inbound packet into this format before calling
// Play, so a sink never has to inspect or convert frames itself.
type Properties struct {
	Format      frame.SampleFormat
	SampleRate  int
	NumChannels int
}

// Interface for audio output devices, e.g. speakers or capture files.
//
// Sinks are a single shared resource: only the session's owner context pushes
// frames to them, one at a time. A sink may transiently stall (IsRunning
// reporting false); the session will attempt one inline Start before playing
// the next frame, and drops the frame if that fails. Sinks must therefore
// tolerate Start being called repeatedly.
type Sink interface {
	// The fixed native format of this sink. Must not change after creation.
	GetProperties() Properties

	// Begin (or resume) playback. Safe to call when already running.
	Start() error

	// Whether the sink is currently able to accept frames.
	IsRunning() bool

	// Render a single frame. The frame matches GetProperties exactly:
	// same format and channel count. Play may reuse internal buffers,
	// and must not retain the frame after returning.
	Play(f *frame.AudioFrame) error
}
