package sim

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lirica/voicelink/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// client is one connected peer with its scripted conversation state.
type client struct {
	conn     *websocket.Conn
	send     chan []byte
	clientID string
	opts     Options
	logger   *zap.Logger

	mu           sync.Mutex
	sessionID    string
	connectionID string
	responding   bool
	responses    int
	lastActive   time.Time
}

// inboundFrame covers every event a client sends: config, audio, text, close.
type inboundFrame struct {
	Type      string `json:"type"`
	VoiceID   string `json:"voice_id"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Data      string `json:"data"`
}

// readPump pumps messages from the websocket connection to the script.
func (c *client) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}

		c.touch()

		if messageType != websocket.TextMessage {
			c.logger.Warn("Ignoring non-text message", zap.Int("type", messageType))
			continue
		}
		c.handleFrame(message)
	}
}

// writePump pumps scripted messages out and enforces keepalive plus the idle
// deadline.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	idleEvery := c.opts.IdleTimeout / 4
	if idleEvery < 50*time.Millisecond {
		idleEvery = 50 * time.Millisecond
	}
	idle := time.NewTicker(idleEvery)
	defer func() {
		ticker.Stop()
		idle.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-idle.C:
			c.mu.Lock()
			silent := time.Since(c.lastActive)
			c.mu.Unlock()
			if silent > c.opts.IdleTimeout {
				c.logger.Info("Closing idle connection",
					zap.String("clientID", c.clientID),
					zap.Duration("silent", silent))
				c.closeWith(websocket.CloseNormalClosure)
				return
			}
		}
	}
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *client) handleFrame(message []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		c.logger.Error("Failed to parse frame", zap.Error(err))
		return
	}

	switch protocol.EventType(frame.Type) {
	case protocol.EventTypeConfig:
		c.handleConfig(frame)

	case protocol.EventTypeTextInput:
		c.startResponse(frame.Text)

	case protocol.EventTypeAudioInput:
		// Continuous microphone audio triggers at most one scripted
		// response at a time.
		c.startResponse("")

	case protocol.EventTypeClose:
		c.logger.Info("Client requested close", zap.String("clientID", c.clientID))
		c.closeWith(websocket.CloseNormalClosure)

	default:
		c.logger.Warn("Unknown frame type", zap.String("type", frame.Type))
	}
}

func (c *client) handleConfig(frame inboundFrame) {
	c.mu.Lock()
	c.sessionID = frame.SessionID
	c.connectionID = uuid.NewString()
	connectionID := c.connectionID
	c.mu.Unlock()

	c.logger.Info("Session configured",
		zap.String("clientID", c.clientID),
		zap.String("sessionID", frame.SessionID),
		zap.String("voiceID", frame.VoiceID))

	c.enqueue(map[string]interface{}{
		"type":          protocol.EventTypeConnectionStart,
		"connection_id": connectionID,
	})
}

func (c *client) startResponse(userText string) {
	c.mu.Lock()
	if c.responding {
		c.mu.Unlock()
		return
	}
	c.responding = true
	c.mu.Unlock()

	go c.runScript(userText)
}

// runScript plays one canned exchange: response start, user transcript in
// two fragments, an assistant transcript, a few audio chunks, response
// complete, then any injected faults.
func (c *client) runScript(userText string) {
	if userText == "" {
		userText = "turn the light on"
	}

	c.mu.Lock()
	connectionID := c.connectionID
	c.mu.Unlock()

	c.enqueue(map[string]interface{}{
		"type":          protocol.EventTypeResponseStart,
		"connection_id": connectionID,
	})

	words := strings.Fields(userText)
	interim := strings.Join(words[:(len(words)+1)/2], " ")
	c.enqueue(map[string]interface{}{
		"type": protocol.EventTypeTranscriptStream,
		"role": "user", "text": interim, "is_final": false,
	})
	c.enqueue(map[string]interface{}{
		"type": protocol.EventTypeTranscriptStream,
		"role": "user", "text": userText, "is_final": true,
	})
	c.enqueue(map[string]interface{}{
		"type": protocol.EventTypeTranscriptStream,
		"role": "assistant", "text": "Okay, done.", "is_final": true,
	})

	for i := 0; i < 3; i++ {
		c.enqueue(map[string]interface{}{
			"type": protocol.EventTypeAudioStream,
			"data": scriptedAudioChunk(i),
		})
	}

	c.enqueue(map[string]interface{}{
		"type":          protocol.EventTypeResponseComplete,
		"connection_id": connectionID,
	})

	if c.opts.FaultError != "" {
		c.enqueue(map[string]interface{}{
			"type":    protocol.EventTypeError,
			"message": c.opts.FaultError,
		})
	}

	c.mu.Lock()
	c.responses++
	first := c.responses == 1
	c.responding = false
	c.mu.Unlock()

	if c.opts.FaultCloseCode != 0 && first {
		// Leave a moment for queued frames to flush.
		time.Sleep(50 * time.Millisecond)
		c.closeWith(c.opts.FaultCloseCode)
	}
}

func (c *client) enqueue(obj map[string]interface{}) {
	payload, err := json.Marshal(obj)
	if err != nil {
		c.logger.Error("Failed to marshal frame", zap.Error(err))
		return
	}
	select {
	case c.send <- payload:
	default:
		c.logger.Warn("Send buffer full, dropping frame",
			zap.String("clientID", c.clientID))
	}
}

// closeWith sends a close frame with the given code and tears the socket
// down. WriteControl is safe concurrently with the write pump.
func (c *client) closeWith(code int) {
	deadline := time.Now().Add(writeWait)
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), deadline)
	time.Sleep(20 * time.Millisecond)
	c.conn.Close()
}

// scriptedAudioChunk returns 20ms of synthetic little-endian PCM, varied per
// chunk so ordering is observable on the client side.
func scriptedAudioChunk(n int) string {
	pcm := make([]byte, 640)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i] = byte(n + 1)
	}
	return base64.StdEncoding.EncodeToString(pcm)
}
