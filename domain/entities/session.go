package entities

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the user-facing status of a session
type SessionStatus string

const (
	SessionStatusLoading      SessionStatus = "loading"
	SessionStatusLoaded       SessionStatus = "loaded"
	SessionStatusConnecting   SessionStatus = "connecting"
	SessionStatusConnected    SessionStatus = "connected"
	SessionStatusDisconnected SessionStatus = "disconnected"
)

// Size guards for audio chunks crossing the wire. An encoded chunk larger
// than MaxAudioChunkBytes is dropped in either direction; once the running
// inbound counter passes MaxInboundAudioBytes it is reset to the size of the
// triggering chunk rather than growing without bound.
const (
	MaxAudioChunkBytes   = 64 << 10
	MaxInboundAudioBytes = 1 << 20
)

// Direction marks whether an event was received or sent by this client
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// EventRecord is one entry in the session's diagnostic event log
type EventRecord struct {
	Direction Direction       `json:"direction"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// AlertLevel classifies a user-facing alert
type AlertLevel string

const (
	AlertLevelWarning AlertLevel = "warning"
	AlertLevelError   AlertLevel = "error"
)

// Alert is a dismissible user-facing banner. Restartable alerts carry a
// restart affordance next to the dismiss action.
type Alert struct {
	ID          string     `json:"id"`
	Level       AlertLevel `json:"level"`
	Message     string     `json:"message"`
	Restartable bool       `json:"restartable"`
}

// NewAlert creates an alert with a fresh id
func NewAlert(level AlertLevel, message string, restartable bool) Alert {
	return Alert{
		ID:          uuid.NewString(),
		Level:       level,
		Message:     message,
		Restartable: restartable,
	}
}

// Session represents one conversation between this client and the backend.
// It exclusively owns the chat transcript and the event log; both die with
// the session.
type Session struct {
	ID         string
	Status     SessionStatus
	Started    bool
	Transcript *Transcript

	events       []EventRecord
	inboundAudio int64
}

// NewSession creates a fresh session with a client-generated id
func NewSession() *Session {
	return &Session{
		ID:         uuid.NewString(),
		Status:     SessionStatusLoading,
		Transcript: NewTranscript(),
	}
}

// RecordEvent appends a raw wire payload to the event log, stamped now.
// The payload is copied, so the caller may reuse its buffer.
func (s *Session) RecordEvent(dir Direction, payload []byte) {
	s.events = append(s.events, EventRecord{
		Direction: dir,
		Payload:   json.RawMessage(append([]byte(nil), payload...)),
		Timestamp: time.Now(),
	})
}

// Events returns a copy of the event log
func (s *Session) Events() []EventRecord {
	out := make([]EventRecord, len(s.events))
	copy(out, s.events)
	return out
}

// TrackInboundAudio adds a received chunk's decoded size to the running
// inbound audio counter. When the cumulative total exceeds the overflow
// threshold the counter resets to the size of the triggering chunk; the
// return value reports whether that reset happened.
func (s *Session) TrackInboundAudio(n int64) bool {
	s.inboundAudio += n
	if s.inboundAudio > MaxInboundAudioBytes {
		s.inboundAudio = n
		return true
	}
	return false
}

// InboundAudioBytes returns the current value of the inbound audio counter
func (s *Session) InboundAudioBytes() int64 {
	return s.inboundAudio
}

// Clear empties the transcript, the event log and the inbound audio counter,
// keeping the session id. Status and Started are left to the caller.
func (s *Session) Clear() {
	s.Transcript.Reset()
	s.events = nil
	s.inboundAudio = 0
}

// Reset additionally regenerates the session id
func (s *Session) Reset() {
	s.ID = uuid.NewString()
	s.Clear()
}
