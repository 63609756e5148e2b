package audio

import (
	"sync"

	"go.uber.org/zap"
)

// FrameSamples is the fixed playback frame size handed to the sink: 20ms at
// the wire rate. Barge-in takes effect within one frame.
const FrameSamples = TargetSampleRate / 50

// Sink is a speaker-like consumer of fixed 16-bit PCM frames at the wire
// rate. WriteFrame blocks for the frame's duration; that blocking write is
// the playback clock, so back-to-back frames play gaplessly regardless of
// how network jitter spaced the chunks that filled them.
type Sink interface {
	Start() error
	WriteFrame(frame []int16) error
	Close() error
}

// Playback decodes inbound base64 PCM chunks into a single contiguous queue
// and drains it through a Sink one frame at a time.
type Playback struct {
	sink   Sink
	logger *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []int16
	running bool
	done    chan struct{}
}

// NewPlayback creates a playback buffer over a sink
func NewPlayback(sink Sink, logger *zap.Logger) *Playback {
	p := &Playback{
		sink:   sink,
		logger: logger,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start initializes the output device and begins draining the queue. It is
// idempotent, and safe to call again after Stop to reinitialize.
func (p *Playback) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	if err := p.sink.Start(); err != nil {
		return err
	}
	p.running = true
	p.done = make(chan struct{})
	go p.drain(p.done)
	return nil
}

// Stop discards the queue, stops the drain loop and closes the output
// device. Idempotent.
func (p *Playback) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.queue = nil
	done := p.done
	p.cond.Broadcast()
	p.mu.Unlock()

	<-done
	if err := p.sink.Close(); err != nil {
		p.logger.Warn("Failed to close audio sink", zap.Error(err))
	}
}

// Enqueue decodes one base64 PCM chunk and appends it to the play queue.
// Malformed chunks are logged and skipped; later valid chunks are unaffected.
func (p *Playback) Enqueue(data string) {
	samples, err := decodePCM(data)
	if err != nil {
		p.logger.Warn("Skipping undecodable audio chunk", zap.Error(err))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.queue = append(p.queue, samples...)
	p.cond.Signal()
}

// BargeIn immediately and unconditionally discards all queued playback.
// Nothing further plays until a new chunk is enqueued.
func (p *Playback) BargeIn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
}

// Pending returns the number of queued samples
func (p *Playback) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Playback) drain(done chan struct{}) {
	defer close(done)

	frame := make([]int16, FrameSamples)
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && p.running {
			p.cond.Wait()
		}
		if !p.running {
			p.mu.Unlock()
			return
		}
		n := len(p.queue)
		if n > FrameSamples {
			n = FrameSamples
		}
		copy(frame[:n], p.queue[:n])
		p.queue = p.queue[n:]
		p.mu.Unlock()

		if err := p.sink.WriteFrame(frame[:n]); err != nil {
			p.logger.Warn("Audio sink write failed", zap.Error(err))
		}
	}
}
