package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType defines the type of a wire event. The type field is the sole
// discriminator; there is no versioning field.
type EventType string

// Outbound event types (client -> backend)
const (
	EventTypeAudioInput EventType = "bidi_audio_input"
	EventTypeTextInput  EventType = "bidi_text_input"
	EventTypeConfig     EventType = "config"
	EventTypeClose      EventType = "close"
)

// Inbound event types (backend -> client)
const (
	EventTypeAudioStream       EventType = "bidi_audio_stream"
	EventTypeTranscriptStream  EventType = "bidi_transcript_stream"
	EventTypeInterruption      EventType = "bidi_interruption"
	EventTypeConnectionStart   EventType = "bidi_connection_start"
	EventTypeConnectionClose   EventType = "bidi_connection_close"
	EventTypeConnectionRestart EventType = "bidi_connection_restart"
	EventTypeResponseStart     EventType = "bidi_response_start"
	EventTypeResponseComplete  EventType = "bidi_response_complete"
	EventTypeError             EventType = "bidi_error"
)

var knownInbound = map[EventType]bool{
	EventTypeAudioStream:       true,
	EventTypeTranscriptStream:  true,
	EventTypeInterruption:      true,
	EventTypeConnectionStart:   true,
	EventTypeConnectionClose:   true,
	EventTypeConnectionRestart: true,
	EventTypeResponseStart:     true,
	EventTypeResponseComplete:  true,
	EventTypeError:             true,
}

// Base carries the fields common to all outbound events. The timestamp is
// stamped client-side immediately before transmission, for diagnostics.
type Base struct {
	Type      EventType `json:"type"`
	Timestamp string    `json:"timestamp,omitempty"`
}

func (b *Base) stamp(t time.Time) {
	b.Timestamp = t.Format(time.RFC3339Nano)
}

// Outbound is implemented by all client -> backend events
type Outbound interface {
	stamp(time.Time)
}

// AudioInputEvent carries one base64-encoded 16-bit PCM microphone chunk
type AudioInputEvent struct {
	Base
	Data string `json:"data"`
}

// TextInputEvent carries a typed user message
type TextInputEvent struct {
	Base
	Text string `json:"text"`
}

// ConfigEvent is sent once, immediately after the socket opens. Voice
// selection is not renegotiable mid-session.
type ConfigEvent struct {
	Base
	VoiceID   string `json:"voice_id"`
	SessionID string `json:"session_id"`
}

// CloseEvent announces an explicit client-side session end
type CloseEvent struct {
	Base
}

// NewAudioInput creates an audio input event from already-encoded data
func NewAudioInput(data string) *AudioInputEvent {
	return &AudioInputEvent{Base: Base{Type: EventTypeAudioInput}, Data: data}
}

// NewTextInput creates a text input event
func NewTextInput(text string) *TextInputEvent {
	return &TextInputEvent{Base: Base{Type: EventTypeTextInput}, Text: text}
}

// NewConfig creates the post-open configuration event
func NewConfig(voiceID, sessionID string) *ConfigEvent {
	return &ConfigEvent{Base: Base{Type: EventTypeConfig}, VoiceID: voiceID, SessionID: sessionID}
}

// NewClose creates a close event
func NewClose() *CloseEvent {
	return &CloseEvent{Base: Base{Type: EventTypeClose}}
}

// Encode stamps the event's client-side timestamp and marshals it to a JSON
// text frame.
func Encode(evt Outbound) ([]byte, error) {
	evt.stamp(time.Now())
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode outbound event: %w", err)
	}
	return payload, nil
}

// InboundEvent is a decoded backend event. One struct covers the whole
// vocabulary; only the fields belonging to Type are populated. Text is a
// pointer so a transcript fragment with no text field at all can be told
// apart from one with empty text.
type InboundEvent struct {
	Type         EventType `json:"type"`
	Data         string    `json:"data,omitempty"`
	Role         string    `json:"role,omitempty"`
	Text         *string   `json:"text,omitempty"`
	IsFinal      bool      `json:"is_final,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Message      string    `json:"message,omitempty"`

	// Raw is the original frame, kept for the event log.
	Raw json.RawMessage `json:"-"`
}

// Known reports whether the event type is part of the understood vocabulary.
// Unknown types are accepted and logged but dispatch to nothing.
func (e *InboundEvent) Known() bool {
	return knownInbound[e.Type]
}

// DecodeInbound parses a JSON text frame into an InboundEvent. A frame that
// is not valid JSON or has no type field is a protocol error; the caller
// skips the single offending frame.
func DecodeInbound(frame []byte) (*InboundEvent, error) {
	var evt InboundEvent
	if err := json.Unmarshal(frame, &evt); err != nil {
		return nil, fmt.Errorf("invalid JSON frame: %w", err)
	}
	if evt.Type == "" {
		return nil, fmt.Errorf("frame missing type field")
	}
	evt.Raw = append([]byte(nil), frame...)
	return &evt, nil
}
