package audio

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// recordingSink accumulates every frame it is handed. An optional delay per
// frame simulates a real output device's pacing.
type recordingSink struct {
	delay time.Duration

	mu      sync.Mutex
	samples []int16
	starts  int
	closes  int
}

func (s *recordingSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	return nil
}

func (s *recordingSink) WriteFrame(frame []int16) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, frame...)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *recordingSink) written() []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int16(nil), s.samples...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %v", timeout)
}

func TestPlayback_DrainsQueueInOrder(t *testing.T) {
	sink := &recordingSink{}
	playback := NewPlayback(sink, zap.NewNop())
	if err := playback.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer playback.Stop()

	playback.Enqueue(encodePCM([]int16{1, 2, 3}))
	playback.Enqueue(encodePCM([]int16{4, 5, 6}))

	waitFor(t, time.Second, func() bool { return len(sink.written()) == 6 })

	want := []int16{1, 2, 3, 4, 5, 6}
	got := sink.written()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestPlayback_SkipsMalformedChunk(t *testing.T) {
	sink := &recordingSink{}
	playback := NewPlayback(sink, zap.NewNop())
	if err := playback.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer playback.Stop()

	playback.Enqueue("!!!not-base64!!!")
	playback.Enqueue(encodePCM([]int16{7, 8}))

	waitFor(t, time.Second, func() bool { return len(sink.written()) == 2 })

	got := sink.written()
	if got[0] != 7 || got[1] != 8 {
		t.Errorf("Valid chunk after malformed one was not played: %v", got)
	}
}

func TestPlayback_BargeInDiscardsQueue(t *testing.T) {
	// A slow sink keeps plenty of audio queued when barge-in lands.
	sink := &recordingSink{delay: 20 * time.Millisecond}
	playback := NewPlayback(sink, zap.NewNop())
	if err := playback.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer playback.Stop()

	long := make([]int16, 10*FrameSamples)
	playback.Enqueue(encodePCM(long))
	waitFor(t, time.Second, func() bool { return len(sink.written()) > 0 })

	playback.BargeIn()
	if playback.Pending() != 0 {
		t.Fatalf("Expected empty queue after barge-in, got %d samples", playback.Pending())
	}

	// Give the drain loop time to finish the in-flight frame; nothing beyond
	// it may play.
	time.Sleep(100 * time.Millisecond)
	if n := len(sink.written()); n > 2*FrameSamples {
		t.Errorf("Playback continued after barge-in: %d samples", n)
	}

	// New audio after barge-in plays normally.
	playback.Enqueue(encodePCM([]int16{9}))
	before := len(sink.written())
	waitFor(t, time.Second, func() bool { return len(sink.written()) > before })
}

func TestPlayback_StartStopLifecycle(t *testing.T) {
	sink := &recordingSink{}
	playback := NewPlayback(sink, zap.NewNop())

	if err := playback.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := playback.Start(); err != nil {
		t.Errorf("Second Start() error = %v, want idempotent nil", err)
	}
	if sink.starts != 1 {
		t.Errorf("Expected one sink start, got %d", sink.starts)
	}

	playback.Stop()
	playback.Stop()
	if sink.closes != 1 {
		t.Errorf("Expected one sink close, got %d", sink.closes)
	}

	// Restart after stop reinitializes the sink.
	if err := playback.Start(); err != nil {
		t.Fatalf("Restart error = %v", err)
	}
	if sink.starts != 2 {
		t.Errorf("Expected sink restart, got %d starts", sink.starts)
	}
	playback.Stop()
}
