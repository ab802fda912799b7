// Package wavsink provides an audiosink.Sink that captures the microphone
// stream into a RIFF/WAV file instead of playing it, for headless capture
// and diagnostics.
package wavsink

import (
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/airmic/airmic/pkg/audiosink"
	"github.com/airmic/airmic/pkg/frame"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
)

const wavAudioFormat = 1 // linear PCM

// WavCaptureSink encodes every played frame into a 16 bit WAV file.
//
// Its native format is int16, so the converter hands it samples bit-exact
// with the wire. Close finalizes the WAV header; a file left unclosed is not
// a valid WAV.
type WavCaptureSink struct {
	logger *slog.Logger
	uuid   uuid.UUID

	properties audiosink.Properties

	mu         sync.Mutex
	fileHandle *os.File
	encoder    *wav.Encoder
	running    bool
	closed     bool

	// Reused between Play calls to avoid reallocating per datagram.
	interleaved []int
}

// Make a new WavCaptureSink writing to audioFilePath.
//
// The file is created (or truncated) immediately so that a bad path fails at
// construction rather than mid-stream.
func NewWavCaptureSink(audioFilePath string, sampleRate int, numChannels int) (*WavCaptureSink, error) {
	uuid := uuid.New()
	logger := slog.Default().With(
		"wav capture sink uuid", uuid,
	)

	f, err := os.Create(audioFilePath)
	if err != nil {
		logger.Error(
			"could not create capture file",
			"audioFile", audioFilePath,
			"err", err,
		)
		return nil, err
	}

	encoder := wav.NewEncoder(f, sampleRate, 16, numChannels, wavAudioFormat)

	logger.Debug(
		"opened capture file",
		"audioFile", audioFilePath,
		"sampleRate", sampleRate,
		"channels", numChannels,
	)

	return &WavCaptureSink{
		logger: logger,
		uuid:   uuid,
		properties: audiosink.Properties{
			Format:      frame.FormatInt16,
			SampleRate:  sampleRate,
			NumChannels: numChannels,
		},
		fileHandle: f,
		encoder:    encoder,
	}, nil
}

func (s *WavCaptureSink) GetProperties() audiosink.Properties {
	return s.properties
}

func (s *WavCaptureSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("capture sink is closed")
	}
	s.running = true
	return nil
}

func (s *WavCaptureSink) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && !s.closed
}

// Play re-interleaves the planar frame and appends it to the WAV file.
func (s *WavCaptureSink) Play(f *frame.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("capture sink is closed")
	}

	needed := f.FrameCount * f.NumChannels
	if cap(s.interleaved) < needed {
		s.interleaved = make([]int, needed)
	}
	data := s.interleaved[:needed]
	for i := 0; i < f.FrameCount; i++ {
		for c := 0; c < f.NumChannels; c++ {
			data[i*f.NumChannels+c] = int(f.Int16[c][i])
		}
	}

	buffer := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: f.NumChannels,
			SampleRate:  s.properties.SampleRate,
		},
		Data:           data,
		SourceBitDepth: 16,
	}
	return s.encoder.Write(buffer)
}

// Close finalizes the WAV header and closes the file.
func (s *WavCaptureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.running = false

	if err := s.encoder.Close(); err != nil {
		s.fileHandle.Close()
		return err
	}
	return s.fileHandle.Close()
}
