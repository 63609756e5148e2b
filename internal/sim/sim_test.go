package sim

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lirica/voicelink/adapters/device"
	"github.com/lirica/voicelink/domain/entities"
	"github.com/lirica/voicelink/internal/auth"
	"github.com/lirica/voicelink/internal/session"
)

func startSim(t *testing.T, opts Options) (*auth.Manager, string) {
	t.Helper()
	manager := auth.NewManager("sim-test-secret", time.Hour)
	srv := httptest.NewServer(NewServer(manager, opts, zap.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return manager, srv.URL
}

func mintToken(t *testing.T, baseURL string) string {
	t.Helper()
	body, _ := json.Marshal(TokenRequest{ClientID: "test-client"})
	resp, err := http.Post(baseURL+"/token", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /token error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /token status = %d", resp.StatusCode)
	}
	var tr TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		t.Fatalf("Decoding token response: %v", err)
	}
	return tr.Token
}

func wsURL(baseURL string) string {
	return "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
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

func TestServer_Health(t *testing.T) {
	_, baseURL := startSim(t, Options{})

	resp, err := http.Get(baseURL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

func TestServer_TokenMinting(t *testing.T) {
	manager, baseURL := startSim(t, Options{})

	token := mintToken(t, baseURL)
	claims, err := manager.ValidateToken(token)
	if err != nil {
		t.Fatalf("Minted token failed validation: %v", err)
	}
	if claims.ClientID != "test-client" {
		t.Errorf("Expected test-client, got %s", claims.ClientID)
	}

	resp, err := http.Post(baseURL+"/token", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST /token error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing client_id, got %d", resp.StatusCode)
	}
}

func TestServer_RejectsBadHandshake(t *testing.T) {
	_, baseURL := startSim(t, Options{})

	tests := []struct {
		name  string
		token string
	}{
		{name: "missing token", token: ""},
		{name: "garbage token", token: "not-a-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.token != "" {
				header.Set("Authorization", "Bearer "+tt.token)
			}
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(baseURL), header)
			if err == nil {
				t.Fatalf("Expected the handshake to be rejected")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("Expected 401 before upgrade, got %+v", resp)
			}
		})
	}
}

func newClient(t *testing.T, baseURL string, sink *device.MemorySink) *session.Controller {
	t.Helper()
	token := mintToken(t, baseURL)
	source := device.NewMemorySource(16000, 160, make([]float32, 480))
	return session.NewController(session.Config{
		URL:     wsURL(baseURL),
		Token:   token,
		VoiceID: "matthew",
		Source:  source,
		Sink:    sink,
	}, nil, zap.NewNop())
}

func TestSim_EndToEndRoundTrip(t *testing.T) {
	_, baseURL := startSim(t, Options{})
	sink := device.NewMemorySink()
	c := newClient(t, baseURL, sink)

	if err := c.Toggle(context.Background()); err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}

	// The scripted exchange yields one final user line and one assistant
	// line, plus three 20ms audio chunks.
	waitUntil(t, 5*time.Second, func() bool {
		msgs := c.Snapshot().Messages
		return len(msgs) == 2 && msgs[0].Final && msgs[1].Final
	})
	msgs := c.Snapshot().Messages
	if msgs[0].Role != entities.MessageRoleUser || msgs[0].Content != "turn the light on" {
		t.Errorf("Unexpected user line: %+v", msgs[0])
	}
	if msgs[1].Role != entities.MessageRoleAssistant || msgs[1].Content != "Okay, done." {
		t.Errorf("Unexpected assistant line: %+v", msgs[1])
	}

	waitUntil(t, 5*time.Second, func() bool { return len(sink.Samples()) == 960 })
	if c.InboundAudioBytes() != 1920 {
		t.Errorf("Expected 1920 inbound audio bytes, got %d", c.InboundAudioBytes())
	}

	if err := c.Toggle(context.Background()); err != nil {
		t.Fatalf("Toggle() stop error = %v", err)
	}
	snap := c.Snapshot()
	if snap.Started || len(snap.Alerts) != 0 {
		t.Errorf("Expected a clean stop, got %+v", snap)
	}
}

func TestSim_FaultErrorSurfacesAlert(t *testing.T) {
	_, baseURL := startSim(t, Options{FaultError: "tool failed"})
	c := newClient(t, baseURL, device.NewMemorySink())

	if err := c.Toggle(context.Background()); err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}

	waitUntil(t, 5*time.Second, func() bool { return len(c.Snapshot().Alerts) > 0 })
	snap := c.Snapshot()
	if snap.Alerts[0].Level != entities.AlertLevelError ||
		!strings.Contains(snap.Alerts[0].Message, "tool failed") {
		t.Errorf("Unexpected alert: %+v", snap.Alerts[0])
	}
	if !snap.Started {
		t.Errorf("A backend error must not end the session")
	}

	c.Toggle(context.Background())
}

func TestSim_FaultCloseEndsSession(t *testing.T) {
	_, baseURL := startSim(t, Options{FaultCloseCode: 4001})
	c := newClient(t, baseURL, device.NewMemorySink())

	if err := c.Toggle(context.Background()); err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}

	waitUntil(t, 5*time.Second, func() bool {
		snap := c.Snapshot()
		return !snap.Started && len(snap.Alerts) > 0
	})
	alert := c.Snapshot().Alerts[0]
	if alert.Level != entities.AlertLevelError || !strings.Contains(alert.Message, "4001") {
		t.Errorf("Expected an error alert naming the code, got %+v", alert)
	}
}

func TestSim_IdleReaper(t *testing.T) {
	_, baseURL := startSim(t, Options{IdleTimeout: 200 * time.Millisecond})
	token := mintToken(t, baseURL)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(baseURL), header)
	if err != nil {
		t.Fatalf("Dial error = %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			closeErr, ok := err.(*websocket.CloseError)
			if !ok || closeErr.Code != websocket.CloseNormalClosure {
				t.Fatalf("Expected a normal closure from the reaper, got %v", err)
			}
			return
		}
	}
}
