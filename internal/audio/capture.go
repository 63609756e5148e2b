package audio

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/lirica/voicelink/domain/entities"
)

// Resource errors a Source reports from Start. They abort session start;
// no partial session is left active.
var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrDeviceUnavailable = errors.New("audio device unavailable")
)

// Source is a microphone-like producer of float samples at its native rate.
// Start blocks until the device is acquired (permission prompt included);
// Read blocks until the device has a batch of samples, whose size the device
// chooses. Close releases the device and unblocks any pending Read.
type Source interface {
	Start(ctx context.Context) error
	Read() ([]float32, error)
	SampleRate() int
	Close() error
}

// SendFunc receives one accepted, base64-encoded outbound chunk. Delivery is
// fire-and-forget; capture continues regardless of what the sender does.
type SendFunc func(data string)

// Capture pulls raw samples from a Source, resamples them to the wire rate,
// quantizes to 16-bit PCM and hands base64-encoded chunks to a SendFunc.
// Chunks whose encoded size exceeds the per-chunk limit are dropped whole,
// never split.
type Capture struct {
	source Source
	send   SendFunc
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

// NewCapture creates a capture stream over a source
func NewCapture(source Source, send SendFunc, logger *zap.Logger) *Capture {
	return &Capture{
		source: source,
		send:   send,
		logger: logger,
	}
}

// Start acquires the source and begins producing chunks. It blocks until the
// device resolves, returning the source's resource error verbatim on
// failure. Calling Start while already capturing is a no-op.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	if err := c.source.Start(ctx); err != nil {
		return err
	}

	c.running = true
	c.stop = make(chan struct{})
	go c.loop(c.stop)
	return nil
}

// Stop releases the audio device synchronously and is idempotent. The capture
// sequence is not restartable; Start after Stop re-acquires the device.
func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	close(c.stop)
	if err := c.source.Close(); err != nil {
		c.logger.Warn("Failed to close audio source", zap.Error(err))
	}
}

// Running reports whether the capture loop is active
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Capture) loop(stop chan struct{}) {
	srcRate := c.source.SampleRate()

	for {
		select {
		case <-stop:
			return
		default:
		}

		batch, err := c.source.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Warn("Audio source read failed", zap.Error(err))
			}
			return
		}
		if len(batch) == 0 {
			continue
		}

		resampled := resampleNearest(batch, srcRate, TargetSampleRate)
		samples := quantize(resampled)
		if encodedLen := base64.StdEncoding.EncodedLen(2 * len(samples)); encodedLen > entities.MaxAudioChunkBytes {
			c.logger.Warn("Dropping oversized outbound audio chunk",
				zap.Int("encodedBytes", encodedLen),
				zap.Int("limit", entities.MaxAudioChunkBytes))
			continue
		}

		c.send(encodePCM(samples))
	}
}
