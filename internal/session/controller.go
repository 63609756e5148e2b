package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lirica/voicelink/domain/entities"
	"github.com/lirica/voicelink/internal/audio"
	"github.com/lirica/voicelink/internal/protocol"
	"github.com/lirica/voicelink/internal/websocket"
)

// Snapshot is an immutable view of controller state, rendered as-is by any
// observer. It never shares memory with the controller.
type Snapshot struct {
	SessionID string
	Status    entities.SessionStatus
	Started   bool
	Messages  []entities.ChatMessage
	Alerts    []entities.Alert
}

// Observer receives a snapshot after every observable state change
type Observer func(Snapshot)

// Config wires a controller to its backend and devices
type Config struct {
	URL     string
	Token   string
	VoiceID string
	Source  audio.Source
	Sink    audio.Sink
}

// Controller owns one voice session end to end: the socket, the microphone
// source and the speaker sink each have exactly one owner, and it is this
// struct. Everything the renderer needs comes out as Snapshots.
type Controller struct {
	logger  *zap.Logger
	voiceID string

	conn     *websocket.Conn
	capture  *audio.Capture
	playback *audio.Playback

	mu       sync.Mutex
	session  *entities.Session
	alerts   []entities.Alert
	observer Observer
}

// NewController creates a controller in the loaded state. No devices are
// acquired and no socket is dialed until Toggle.
func NewController(cfg Config, observer Observer, logger *zap.Logger) *Controller {
	c := &Controller{
		logger:   logger,
		voiceID:  cfg.VoiceID,
		observer: observer,
		session:  entities.NewSession(),
	}
	c.session.Status = entities.SessionStatusLoaded

	c.capture = audio.NewCapture(cfg.Source, c.sendAudio, logger)
	c.playback = audio.NewPlayback(cfg.Sink, logger)
	c.conn = websocket.NewConn(cfg.URL, cfg.Token, websocket.Callbacks{
		OnOpen:   c.onOpen,
		OnFrame:  c.onFrame,
		OnClosed: c.onClosed,
	}, logger)
	return c
}

// Toggle starts the session if stopped, stops it if started.
func (c *Controller) Toggle(ctx context.Context) error {
	c.mu.Lock()
	started := c.session.Started
	c.mu.Unlock()

	if started {
		c.stop()
		return nil
	}
	return c.start(ctx)
}

// NewSession ends any live exchange, regenerates the session id and clears
// the transcript, event log, sequence numbering and alerts. The session is
// left not-started.
func (c *Controller) NewSession() {
	c.mu.Lock()
	started := c.session.Started
	c.mu.Unlock()
	if started {
		c.stop()
	}

	c.mu.Lock()
	c.session.Reset()
	c.session.Status = entities.SessionStatusLoaded
	c.session.Started = false
	c.alerts = nil
	c.mu.Unlock()
	c.publish()
}

// Restart clears all alerts and re-runs the start path. Starting is
// idempotent: a no-op while the connection is already connecting or open.
func (c *Controller) Restart(ctx context.Context) error {
	c.mu.Lock()
	c.alerts = nil
	started := c.session.Started
	c.mu.Unlock()
	c.publish()

	if started {
		return nil
	}
	return c.start(ctx)
}

// Dismiss removes a single alert by id
func (c *Controller) Dismiss(alertID string) {
	c.mu.Lock()
	kept := c.alerts[:0]
	for _, a := range c.alerts {
		if a.ID != alertID {
			kept = append(kept, a)
		}
	}
	c.alerts = kept
	c.mu.Unlock()
	c.publish()
}

// SendText sends a typed user message over the live session
func (c *Controller) SendText(text string) error {
	payload, err := protocol.Encode(protocol.NewTextInput(text))
	if err != nil {
		return err
	}
	if !c.conn.Send(payload) {
		return fmt.Errorf("session is not connected")
	}
	c.recordEvent(entities.DirectionOut, payload)
	return nil
}

// Snapshot returns the current observable state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Events returns the session's diagnostic event log
func (c *Controller) Events() []entities.EventRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Events()
}

// InboundAudioBytes returns the running inbound audio counter
func (c *Controller) InboundAudioBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.InboundAudioBytes()
}

func (c *Controller) start(ctx context.Context) error {
	c.mu.Lock()
	if c.session.Started {
		c.mu.Unlock()
		return nil
	}
	c.session.Clear()
	c.session.Status = entities.SessionStatusConnecting
	c.mu.Unlock()
	c.publish()

	if err := c.conn.Connect(ctx); err != nil {
		c.mu.Lock()
		c.session.Status = entities.SessionStatusDisconnected
		c.alerts = append(c.alerts,
			entities.NewAlert(entities.AlertLevelError, fmt.Sprintf("Connection failed: %v", err), true))
		c.mu.Unlock()
		c.publish()
		return err
	}

	if err := c.playback.Start(); err != nil {
		c.abortStart(fmt.Errorf("audio output unavailable: %w", err))
		return err
	}
	if err := c.capture.Start(ctx); err != nil {
		c.playback.Stop()
		c.abortStart(err)
		return err
	}

	// The backend may slam the door between dial and device start.
	if c.conn.State() != websocket.StateOpen {
		c.capture.Stop()
		c.playback.Stop()
		return fmt.Errorf("connection closed during session start")
	}

	c.mu.Lock()
	c.session.Started = true
	c.session.Status = entities.SessionStatusConnected
	sessionID := c.session.ID
	c.mu.Unlock()
	c.publish()

	c.logger.Info("Session started",
		zap.String("sessionID", sessionID),
		zap.String("voiceID", c.voiceID))
	return nil
}

// abortStart unwinds a partially started session after a resource failure,
// so no device or socket is left half-held.
func (c *Controller) abortStart(cause error) {
	c.conn.Disconnect()
	c.mu.Lock()
	c.session.Started = false
	c.session.Status = entities.SessionStatusDisconnected
	c.alerts = append(c.alerts,
		entities.NewAlert(entities.AlertLevelError, cause.Error(), false))
	c.mu.Unlock()
	c.publish()
}

func (c *Controller) stop() {
	c.capture.Stop()

	if payload, err := protocol.Encode(protocol.NewClose()); err == nil {
		if c.conn.Send(payload) {
			c.recordEvent(entities.DirectionOut, payload)
		}
	}
	c.conn.Disconnect()
	c.playback.Stop()

	c.mu.Lock()
	c.session.Started = false
	c.session.Status = entities.SessionStatusDisconnected
	c.mu.Unlock()
	c.publish()
}

// onOpen sends the configuration event as the first outbound frame.
func (c *Controller) onOpen() {
	c.mu.Lock()
	sessionID := c.session.ID
	c.mu.Unlock()

	payload, err := protocol.Encode(protocol.NewConfig(c.voiceID, sessionID))
	if err != nil {
		c.logger.Error("Failed to encode config event", zap.Error(err))
		return
	}
	if c.conn.Send(payload) {
		c.recordEvent(entities.DirectionOut, payload)
	}
}

// sendAudio is the capture stream's SendFunc. Capture keeps running whether
// or not the frame made it onto the socket.
func (c *Controller) sendAudio(data string) {
	payload, err := protocol.Encode(protocol.NewAudioInput(data))
	if err != nil {
		c.logger.Error("Failed to encode audio event", zap.Error(err))
		return
	}
	if c.conn.Send(payload) {
		c.recordEvent(entities.DirectionOut, payload)
	}
}

// onFrame handles inbound frames strictly in arrival order.
func (c *Controller) onFrame(frame []byte) {
	evt, err := protocol.DecodeInbound(frame)
	if err != nil {
		c.logger.Warn("Skipping malformed inbound frame", zap.Error(err))
		return
	}

	// Everything parseable lands in the event log, unknown types included.
	c.recordEvent(entities.DirectionIn, frame)

	switch evt.Type {
	case protocol.EventTypeAudioStream:
		c.handleAudioStream(evt)

	case protocol.EventTypeTranscriptStream:
		c.handleTranscript(evt)

	case protocol.EventTypeInterruption:
		c.playback.BargeIn()

	case protocol.EventTypeConnectionClose:
		c.logger.Warn("Backend closed the conversation", zap.String("reason", evt.Reason))
		c.addAlert(entities.AlertLevelWarning,
			fmt.Sprintf("Conversation closed by backend: %s", evt.Reason), true)
		c.mu.Lock()
		started := c.session.Started
		c.mu.Unlock()
		if started {
			c.stop()
		}

	case protocol.EventTypeError:
		// The backend reported an application error. The session stays up;
		// the user decides whether to restart.
		c.addAlert(entities.AlertLevelError, evt.Message, true)

	case protocol.EventTypeConnectionStart, protocol.EventTypeConnectionRestart,
		protocol.EventTypeResponseStart, protocol.EventTypeResponseComplete:
		c.logger.Debug("Lifecycle event", zap.String("type", string(evt.Type)),
			zap.String("connectionID", evt.ConnectionID))

	default:
		c.logger.Debug("Ignoring unknown event type", zap.String("type", string(evt.Type)))
	}
}

func (c *Controller) handleAudioStream(evt *protocol.InboundEvent) {
	if len(evt.Data) > entities.MaxAudioChunkBytes {
		c.logger.Warn("Dropping oversized inbound audio chunk",
			zap.Int("encodedBytes", len(evt.Data)),
			zap.Int("limit", entities.MaxAudioChunkBytes))
		return
	}

	decoded := decodedBase64Len(evt.Data)
	c.mu.Lock()
	reset := c.session.TrackInboundAudio(decoded)
	c.mu.Unlock()
	if reset {
		c.logger.Warn("Inbound audio counter overflow, resetting",
			zap.Int64("chunkBytes", decoded))
	}

	c.playback.Enqueue(evt.Data)
}

// decodedBase64Len returns the exact decoded size of a standard base64
// payload, padding included.
func decodedBase64Len(s string) int64 {
	n := int64(len(s)) / 4 * 3
	if strings.HasSuffix(s, "==") {
		n -= 2
	} else if strings.HasSuffix(s, "=") {
		n--
	}
	return n
}

func (c *Controller) handleTranscript(evt *protocol.InboundEvent) {
	if evt.Role == "" || evt.Text == nil {
		c.logger.Warn("Ignoring malformed transcript fragment",
			zap.String("role", evt.Role))
		return
	}

	c.mu.Lock()
	applied := c.session.Transcript.ApplyFragment(entities.MessageRole(evt.Role), *evt.Text, evt.IsFinal)
	c.mu.Unlock()
	if applied {
		c.publish()
	}
}

// onClosed finishes the lifecycle's terminal transition: ends the active
// session and maps the close cause onto user-facing alerts. Code 1000 shows
// nothing, 1005 a warning, any other code an error naming the code.
func (c *Controller) onClosed(info websocket.CloseInfo) {
	c.mu.Lock()
	wasStarted := c.session.Started
	c.session.Started = false
	c.session.Status = entities.SessionStatusDisconnected
	c.mu.Unlock()

	if wasStarted {
		c.capture.Stop()
		c.playback.Stop()
	}

	if !info.UserInitiated {
		switch {
		case info.Err != nil:
			c.addAlert(entities.AlertLevelError,
				fmt.Sprintf("Connection error: %v", info.Err), true)
		case info.Code == 1005:
			c.addAlert(entities.AlertLevelWarning, "Connection lost unexpectedly", true)
		case info.Code != 1000:
			c.addAlert(entities.AlertLevelError,
				fmt.Sprintf("Connection closed with code %d", info.Code), true)
		}
	}
	c.publish()
}

func (c *Controller) addAlert(level entities.AlertLevel, message string, restartable bool) {
	c.mu.Lock()
	c.alerts = append(c.alerts, entities.NewAlert(level, message, restartable))
	c.mu.Unlock()
	c.publish()
}

func (c *Controller) recordEvent(dir entities.Direction, payload []byte) {
	c.mu.Lock()
	c.session.RecordEvent(dir, payload)
	c.mu.Unlock()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID: c.session.ID,
		Status:    c.session.Status,
		Started:   c.session.Started,
		Messages:  c.session.Transcript.Messages(),
		Alerts:    append([]entities.Alert(nil), c.alerts...),
	}
}

func (c *Controller) publish() {
	if c.observer == nil {
		return
	}
	c.mu.Lock()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.observer(snap)
}
