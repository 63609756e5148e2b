package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks
)

// State is the connection lifecycle state
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateErroring   State = "erroring"
	StateClosed     State = "closed"
)

// CloseInfo describes how a connection ended. Err is set for transport
// errors that never produced a close frame; Code carries the close code
// otherwise. UserInitiated closes surface nothing to the user.
type CloseInfo struct {
	Code          int
	Reason        string
	Err           error
	UserInitiated bool
}

// Callbacks are invoked by the connection. OnOpen fires after the dial
// succeeds and before any inbound frame; OnFrame delivers inbound text
// frames strictly in arrival order from a single goroutine; OnClosed fires
// exactly once per connect, on any terminal transition.
type Callbacks struct {
	OnOpen   func()
	OnFrame  func(frame []byte)
	OnClosed func(info CloseInfo)
}

// Conn owns one client WebSocket connection and its lifecycle state machine:
// idle -> connecting -> open -> {closing|erroring} -> closed. Closed is
// terminal until the next Connect. Reconnection is never automatic.
type Conn struct {
	url       string
	token     string
	callbacks Callbacks
	logger    *zap.Logger

	mu         sync.Mutex
	state      State
	ws         *websocket.Conn
	userClosed bool
	stopPing   chan struct{}

	writeMu sync.Mutex
}

// NewConn creates an unconnected lifecycle for a backend URL. The token, if
// non-empty, is attached as a bearer credential during the handshake.
func NewConn(url, token string, callbacks Callbacks, logger *zap.Logger) *Conn {
	return &Conn{
		url:       url,
		token:     token,
		callbacks: callbacks,
		logger:    logger,
		state:     StateIdle,
	}
}

// State returns the current lifecycle state
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the backend. It is idempotent: a no-op while connecting or
// open. On success the state is open, OnOpen has run, and the read loop is
// delivering frames.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.userClosed = false
	c.mu.Unlock()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: writeWait}
	ws, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		if resp != nil {
			return fmt.Errorf("dial %s: status %d: %w", c.url, resp.StatusCode, err)
		}
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stopPing := make(chan struct{})
	c.mu.Lock()
	c.ws = ws
	c.state = StateOpen
	c.stopPing = stopPing
	c.mu.Unlock()

	c.logger.Info("Connection open", zap.String("url", c.url))

	if c.callbacks.OnOpen != nil {
		c.callbacks.OnOpen()
	}

	go c.pingLoop(ws, stopPing)
	go c.readLoop(ws)
	return nil
}

// Send transmits one text frame if the connection is open. Otherwise the
// frame is silently dropped, never queued. Returns whether the frame was
// handed to the socket.
func (c *Conn) Send(payload []byte) bool {
	c.mu.Lock()
	if c.state != StateOpen || c.ws == nil {
		c.mu.Unlock()
		return false
	}
	ws := c.ws
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.logger.Warn("Failed to write frame", zap.Error(err))
		return false
	}
	return true
}

// Disconnect closes the connection on the user's behalf: a best-effort close
// frame, then a local close. The state always ends closed, whether or not
// the peer saw the frame. Idempotent.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.state != StateOpen && c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.userClosed = true
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		c.writeMu.Lock()
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		ws.Close()
	}
	// The read loop observes the closed socket and finishes the transition.
}

func (c *Conn) pingLoop(ws *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// readLoop pumps inbound frames to OnFrame and owns the terminal transition.
func (c *Conn) readLoop(ws *websocket.Conn) {
	var readErr error
	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		if messageType != websocket.TextMessage {
			c.logger.Warn("Ignoring non-text frame", zap.Int("type", messageType))
			continue
		}
		if c.callbacks.OnFrame != nil {
			c.callbacks.OnFrame(message)
		}
	}

	c.mu.Lock()
	userClosed := c.userClosed
	info := CloseInfo{UserInitiated: userClosed}
	var closeErr *websocket.CloseError
	switch {
	case userClosed:
		// Disconnect already moved the state to closing.
	case errors.As(readErr, &closeErr):
		info.Code = closeErr.Code
		info.Reason = closeErr.Text
		if closeErr.Code != websocket.CloseNormalClosure {
			c.state = StateErroring
		}
	default:
		// Transport failure without a close frame.
		info.Err = readErr
		c.state = StateErroring
	}
	// The erroring/closing distinction is transitional; closed is terminal.
	c.state = StateClosed
	stopPing := c.stopPing
	c.ws = nil
	c.mu.Unlock()

	if stopPing != nil {
		close(stopPing)
	}
	ws.Close()

	if !userClosed {
		if info.Err != nil {
			c.logger.Error("Connection failed", zap.Error(info.Err))
		} else if info.Code != websocket.CloseNormalClosure {
			c.logger.Warn("Connection closed abnormally",
				zap.Int("code", info.Code), zap.String("reason", info.Reason))
		}
	}

	if c.callbacks.OnClosed != nil {
		c.callbacks.OnClosed(info)
	}
}
