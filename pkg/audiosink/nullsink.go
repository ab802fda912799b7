package audiosink

import (
	"sync"

	"github.com/airmic/airmic/pkg/frame"
)

// An AudioSink that consumes all frames without any further actions.
//
// A minimal example of the architecture of a Sink, useful in testing and for
// headless runs where the stream is only observed through its statistics.
type NullSink struct {
	properties Properties

	mu           sync.Mutex
	running      bool
	framesPlayed int
}

func NewNullSink(properties Properties) *NullSink {
	return &NullSink{
		properties: properties,
	}
}

func (s *NullSink) GetProperties() Properties {
	return s.properties
}

func (s *NullSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	return nil
}

func (s *NullSink) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *NullSink) Play(f *frame.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.framesPlayed++
	return nil
}

// The number of frames consumed so far.
func (s *NullSink) FramesPlayed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.framesPlayed
}
