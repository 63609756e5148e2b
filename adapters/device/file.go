package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// FileSource streams a raw little-endian 16-bit PCM file as if it were a
// microphone: one 100ms batch per read, paced in real time.
type FileSource struct {
	path string
	rate int

	mu     sync.Mutex
	file   *os.File
	closed chan struct{}
	once   sync.Once
}

// NewFileSource creates a source over a raw PCM file recorded at rate
func NewFileSource(path string, rate int) *FileSource {
	return &FileSource{
		path:   path,
		rate:   rate,
		closed: make(chan struct{}),
	}
}

// Start opens the file
func (s *FileSource) Start(ctx context.Context) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open audio file: %w", err)
	}
	s.mu.Lock()
	s.file = f
	s.mu.Unlock()
	return nil
}

// Read returns the next 100ms batch, pacing delivery to real time. Returns
// io.EOF at end of file or once closed.
func (s *FileSource) Read() ([]float32, error) {
	s.mu.Lock()
	f := s.file
	s.mu.Unlock()
	if f == nil {
		return nil, io.EOF
	}

	batchSamples := s.rate / 10
	raw := make([]byte, 2*batchSamples)
	n, err := io.ReadFull(f, raw)
	if n == 0 {
		return nil, io.EOF
	}
	if err != nil && err != io.ErrUnexpectedEOF {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read audio file: %w", err)
	}

	samples := make([]float32, n/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(raw[2*i:]))) / 32768
	}

	select {
	case <-s.closed:
		return nil, io.EOF
	case <-time.After(100 * time.Millisecond):
	}
	return samples, nil
}

// SampleRate returns the declared file rate
func (s *FileSource) SampleRate() int { return s.rate }

// Close releases the file. Idempotent.
func (s *FileSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

// FileSink writes playback frames to a raw little-endian 16-bit PCM file,
// pacing writes to the frame duration so it behaves like a speaker clock.
type FileSink struct {
	path string
	rate int

	mu   sync.Mutex
	file *os.File
}

// NewFileSink creates a sink writing a raw PCM file at rate
func NewFileSink(path string, rate int) *FileSink {
	return &FileSink{path: path, rate: rate}
}

// Start creates (or truncates) the output file
func (s *FileSink) Start() error {
	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("create audio file: %w", err)
	}
	s.mu.Lock()
	s.file = f
	s.mu.Unlock()
	return nil
}

// WriteFrame appends one frame, blocking for the frame's real-time duration
func (s *FileSink) WriteFrame(frame []int16) error {
	s.mu.Lock()
	f := s.file
	s.mu.Unlock()
	if f == nil {
		return fmt.Errorf("sink is not started")
	}

	raw := make([]byte, 2*len(frame))
	for i, sample := range frame {
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(sample))
	}
	if _, err := f.Write(raw); err != nil {
		return fmt.Errorf("write audio file: %w", err)
	}

	time.Sleep(time.Duration(len(frame)) * time.Second / time.Duration(s.rate))
	return nil
}

// Close flushes and closes the output file. Idempotent.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}
