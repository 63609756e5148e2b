// Package device provides the audio Source and Sink implementations the
// session controller plugs its capture and playback streams into. Real
// hardware never appears here; anything microphone- or speaker-shaped enters
// through these interfaces.
package device

import (
	"context"
	"io"
	"sync"
)

// MemorySource replays a fixed sample buffer in fixed-size batches, then
// blocks until closed. It stands in for a microphone in tests and silence
// runs.
type MemorySource struct {
	rate     int
	batch    int
	startErr error

	mu      sync.Mutex
	samples []float32
	pos     int
	closed  chan struct{}
	once    sync.Once
}

// NewMemorySource creates a source at the given rate replaying samples in
// batches of batch samples.
func NewMemorySource(rate, batch int, samples []float32) *MemorySource {
	return &MemorySource{
		rate:    rate,
		batch:   batch,
		samples: samples,
		closed:  make(chan struct{}),
	}
}

// FailWith makes the next Start return err, for exercising resource-error
// paths.
func (s *MemorySource) FailWith(err error) {
	s.startErr = err
}

// Start acquires the fake device
func (s *MemorySource) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Read returns the next batch, blocking once the buffer is exhausted until
// the source is closed.
func (s *MemorySource) Read() ([]float32, error) {
	s.mu.Lock()
	if s.pos < len(s.samples) {
		end := s.pos + s.batch
		if end > len(s.samples) {
			end = len(s.samples)
		}
		batch := s.samples[s.pos:end]
		s.pos = end
		s.mu.Unlock()
		return batch, nil
	}
	s.mu.Unlock()

	<-s.closed
	return nil, io.EOF
}

// SampleRate returns the source's native rate
func (s *MemorySource) SampleRate() int { return s.rate }

// Close releases the fake device and unblocks any pending Read. Idempotent.
func (s *MemorySource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether the device has been released
func (s *MemorySource) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// MemorySink accumulates every frame written to it
type MemorySink struct {
	mu      sync.Mutex
	samples []int16
	starts  int
	closes  int
}

// NewMemorySink creates an empty sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Start initializes the fake output device
func (s *MemorySink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	return nil
}

// WriteFrame appends one playback frame
func (s *MemorySink) WriteFrame(frame []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, frame...)
	return nil
}

// Close releases the fake output device
func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

// Samples returns a copy of everything played so far
func (s *MemorySink) Samples() []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int16(nil), s.samples...)
}

// Lifecycle returns how many times the sink was started and closed
func (s *MemorySink) Lifecycle() (starts, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.closes
}
