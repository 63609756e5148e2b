package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// startBackend runs an httptest WebSocket endpoint driven by handler.
func startBackend(t *testing.T, handler func(ws *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		handler(ws)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type closedRecorder struct {
	mu   sync.Mutex
	info *CloseInfo
	ch   chan struct{}
}

func newClosedRecorder() *closedRecorder {
	return &closedRecorder{ch: make(chan struct{})}
}

func (r *closedRecorder) onClosed(info CloseInfo) {
	r.mu.Lock()
	r.info = &info
	r.mu.Unlock()
	close(r.ch)
}

func (r *closedRecorder) wait(t *testing.T) CloseInfo {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnClosed was not invoked")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.info
}

func TestConn_OpenSendsFirstFrameBeforeInbound(t *testing.T) {
	received := make(chan string, 1)
	url := startBackend(t, func(ws *websocket.Conn) {
		_, msg, err := ws.ReadMessage()
		if err == nil {
			received <- string(msg)
		}
		ws.Close()
	})

	var conn *Conn
	rec := newClosedRecorder()
	conn = NewConn(url, "", Callbacks{
		OnOpen:   func() { conn.Send([]byte(`{"type":"config"}`)) },
		OnClosed: rec.onClosed,
	}, zap.NewNop())

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	select {
	case msg := <-received:
		if !strings.Contains(msg, "config") {
			t.Errorf("Expected config as first frame, got %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Backend never received the post-open frame")
	}
	rec.wait(t)
}

func TestConn_DeliversFramesInOrder(t *testing.T) {
	frames := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}
	url := startBackend(t, func(ws *websocket.Conn) {
		for _, f := range frames {
			ws.WriteMessage(websocket.TextMessage, []byte(f))
		}
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		ws.Close()
	})

	var mu sync.Mutex
	var got []string
	rec := newClosedRecorder()
	conn := NewConn(url, "", Callbacks{
		OnFrame: func(frame []byte) {
			mu.Lock()
			got = append(got, string(frame))
			mu.Unlock()
		},
		OnClosed: rec.onClosed,
	}, zap.NewNop())

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	rec.wait(t)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(frames) {
		t.Fatalf("Expected %d frames, got %d", len(frames), len(got))
	}
	for i := range frames {
		if got[i] != frames[i] {
			t.Errorf("Frame %d out of order: got %s, want %s", i, got[i], frames[i])
		}
	}
}

func TestConn_NormalCloseCode(t *testing.T) {
	url := startBackend(t, func(ws *websocket.Conn) {
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		ws.Close()
	})

	rec := newClosedRecorder()
	conn := NewConn(url, "", Callbacks{OnClosed: rec.onClosed}, zap.NewNop())
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	info := rec.wait(t)
	if info.UserInitiated {
		t.Errorf("Close was backend-initiated")
	}
	if info.Code != websocket.CloseNormalClosure {
		t.Errorf("Expected code 1000, got %d", info.Code)
	}
	if conn.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", conn.State())
	}
}

func TestConn_ApplicationCloseCode(t *testing.T) {
	url := startBackend(t, func(ws *websocket.Conn) {
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(4001, "policy violation"))
		ws.Close()
	})

	rec := newClosedRecorder()
	conn := NewConn(url, "", Callbacks{OnClosed: rec.onClosed}, zap.NewNop())
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	info := rec.wait(t)
	if info.Code != 4001 {
		t.Errorf("Expected code 4001, got %d", info.Code)
	}
	if info.Reason != "policy violation" {
		t.Errorf("Expected close reason, got %q", info.Reason)
	}
}

func TestConn_AbruptCloseIsNotNormal(t *testing.T) {
	url := startBackend(t, func(ws *websocket.Conn) {
		// Drop the TCP connection without a close frame.
		ws.UnderlyingConn().Close()
	})

	rec := newClosedRecorder()
	conn := NewConn(url, "", Callbacks{OnClosed: rec.onClosed}, zap.NewNop())
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	info := rec.wait(t)
	if info.Err == nil && info.Code == websocket.CloseNormalClosure {
		t.Errorf("Abrupt close must not look like a normal closure: %+v", info)
	}
}

func TestConn_DisconnectIsUserInitiated(t *testing.T) {
	serverSawClose := make(chan int, 1)
	url := startBackend(t, func(ws *websocket.Conn) {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				if closeErr, ok := err.(*websocket.CloseError); ok {
					serverSawClose <- closeErr.Code
				}
				return
			}
		}
	})

	rec := newClosedRecorder()
	conn := NewConn(url, "", Callbacks{OnClosed: rec.onClosed}, zap.NewNop())
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	conn.Disconnect()
	info := rec.wait(t)
	if !info.UserInitiated {
		t.Errorf("Expected a user-initiated close")
	}
	if conn.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", conn.State())
	}

	select {
	case code := <-serverSawClose:
		if code != websocket.CloseNormalClosure {
			t.Errorf("Expected backend to see 1000, got %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Errorf("Backend never saw the close frame")
	}

	if conn.Send([]byte(`{"type":"bidi_text_input"}`)) {
		t.Errorf("Send after close must be dropped")
	}
}

func TestConn_ConnectIsIdempotentWhileOpen(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	url := startBackend(t, func(ws *websocket.Conn) {
		mu.Lock()
		dials++
		mu.Unlock()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	rec := newClosedRecorder()
	conn := NewConn(url, "", Callbacks{OnClosed: rec.onClosed}, zap.NewNop())
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := conn.Connect(context.Background()); err != nil {
		t.Errorf("Second Connect() error = %v, want no-op nil", err)
	}

	mu.Lock()
	if dials != 1 {
		t.Errorf("Expected a single dial, got %d", dials)
	}
	mu.Unlock()

	conn.Disconnect()
	rec.wait(t)
}

func TestConn_SendWhileIdleDrops(t *testing.T) {
	conn := NewConn("ws://127.0.0.1:0/ws", "", Callbacks{}, zap.NewNop())
	if conn.Send([]byte(`{}`)) {
		t.Errorf("Send before connect must be dropped")
	}
	if conn.State() != StateIdle {
		t.Errorf("Expected idle state, got %s", conn.State())
	}
}

func TestConn_DialFailureEndsClosed(t *testing.T) {
	conn := NewConn("ws://127.0.0.1:1/ws", "", Callbacks{}, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err == nil {
		t.Fatalf("Expected dial failure")
	}
	if conn.State() != StateClosed {
		t.Errorf("Expected state closed after failed dial, got %s", conn.State())
	}
}
