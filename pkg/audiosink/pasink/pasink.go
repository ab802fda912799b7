// Package pasink provides an audiosink.Sink playing through the default
// system output device via PortAudio.
package pasink

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/airmic/airmic/pkg/audiosink"
	"github.com/airmic/airmic/pkg/frame"
	"github.com/gordonklaus/portaudio"
)

// Pending interleaved buffers between the session pushing frames and the
// PortAudio callback draining them. Roughly half a second of 4096 byte
// datagrams; beyond that, old audio is dropped rather than growing latency.
const pendingBuffers = 32

// PortAudioSink renders frames to the default output device.
//
// Its native format is float32 (PortAudio's natural sample type). Play never
// blocks on the device: frames are queued for the stream callback, and when
// the queue is full the oldest buffer is dropped. The callback zero-fills on
// underrun.
type PortAudioSink struct {
	logger     *slog.Logger
	properties audiosink.Properties

	pending chan []float32

	mu       sync.Mutex
	stream   *portaudio.Stream
	running  bool
	leftover []float32
}

// Make a new PortAudioSink with the given output format. The device is not
// opened until Start.
func NewPortAudioSink(sampleRate int, numChannels int, logger *slog.Logger) *PortAudioSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &PortAudioSink{
		logger: logger,
		properties: audiosink.Properties{
			Format:      frame.FormatFloat32,
			SampleRate:  sampleRate,
			NumChannels: numChannels,
		},
		pending: make(chan []float32, pendingBuffers),
	}
}

func (s *PortAudioSink) GetProperties() audiosink.Properties {
	return s.properties
}

// Start initializes PortAudio and opens the default output stream.
// Safe to call when already running.
func (s *PortAudioSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return err
	}

	stream, err := portaudio.OpenDefaultStream(
		0,
		s.properties.NumChannels,
		float64(s.properties.SampleRate),
		portaudio.FramesPerBufferUnspecified,
		s.fillOutput,
	)
	if err != nil {
		portaudio.Terminate()
		return err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return err
	}

	s.stream = stream
	s.running = true
	s.logger.Info(
		"portaudio output started",
		"sampleRate", s.properties.SampleRate,
		"channels", s.properties.NumChannels,
	)
	return nil
}

func (s *PortAudioSink) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Play interleaves the planar frame and queues it for the stream callback.
func (s *PortAudioSink) Play(f *frame.AudioFrame) error {
	if f.Format != frame.FormatFloat32 {
		return errors.New("portaudio sink only accepts float32 frames")
	}

	interleaved := make([]float32, f.FrameCount*f.NumChannels)
	for i := 0; i < f.FrameCount; i++ {
		for c := 0; c < f.NumChannels; c++ {
			interleaved[i*f.NumChannels+c] = f.Float32[c][i]
		}
	}

	for {
		select {
		case s.pending <- interleaved:
			return nil
		default:
			// Queue full: drop the oldest buffer to bound latency.
			select {
			case <-s.pending:
				s.logger.Debug("output queue full, dropping oldest buffer")
			default:
			}
		}
	}
}

// The PortAudio output callback. Drains queued buffers into out,
// zero-filling whatever remains on underrun.
func (s *PortAudioSink) fillOutput(out []float32) {
	filled := 0

	if len(s.leftover) > 0 {
		filled = copy(out, s.leftover)
		s.leftover = s.leftover[filled:]
	}

	for filled < len(out) {
		select {
		case buffer := <-s.pending:
			n := copy(out[filled:], buffer)
			filled += n
			if n < len(buffer) {
				s.leftover = buffer[n:]
			}
		default:
			for i := filled; i < len(out); i++ {
				out[i] = 0
			}
			return
		}
	}
}

// Stop halts playback and releases the device.
func (s *PortAudioSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	err := s.stream.Stop()
	s.stream.Close()
	s.stream = nil
	portaudio.Terminate()
	return err
}
