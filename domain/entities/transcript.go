package entities

import "fmt"

// MessageRole represents the speaker of a chat message
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// ChatMessage represents one finalized or in-progress utterance in the
// conversation transcript. Finalized messages are immutable and carry a
// globally monotonic sequence number; an in-progress message is keyed
// "<role>-interim" and is rewritten in place by subsequent fragments.
type ChatMessage struct {
	Key     string      `json:"key"`
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
	Final   bool        `json:"final"`
	Seq     int         `json:"seq"`
}

// Transcript reconciles the interleaved interim/final transcript fragments
// emitted by the backend into a stable ordered chat log. Each role runs its
// own open-utterance state independently of the other role.
type Transcript struct {
	finals  []ChatMessage
	interim map[MessageRole]*ChatMessage
	nextSeq int
}

// NewTranscript creates an empty transcript
func NewTranscript() *Transcript {
	return &Transcript{
		interim: make(map[MessageRole]*ChatMessage),
	}
}

// ApplyFragment applies one transcript fragment for a role. A non-final
// fragment opens or rewrites that role's interim entry; a final fragment
// closes the utterance, assigns the next sequence number and makes the entry
// immutable. Fragments for an unknown role are ignored. Returns false when
// the fragment was ignored.
func (t *Transcript) ApplyFragment(role MessageRole, text string, final bool) bool {
	if role != MessageRoleUser && role != MessageRoleAssistant {
		return false
	}

	if !final {
		if open, ok := t.interim[role]; ok {
			open.Content = text
			return true
		}
		t.interim[role] = &ChatMessage{
			Key:     string(role) + "-interim",
			Role:    role,
			Content: text,
		}
		return true
	}

	seq := t.nextSeq
	t.nextSeq++
	delete(t.interim, role)
	t.finals = append(t.finals, ChatMessage{
		Key:     fmt.Sprintf("%s-%d", role, seq),
		Role:    role,
		Content: text,
		Final:   true,
		Seq:     seq,
	})
	return true
}

// Open returns the open interim entry for a role, if any
func (t *Transcript) Open(role MessageRole) (ChatMessage, bool) {
	if open, ok := t.interim[role]; ok {
		return *open, true
	}
	return ChatMessage{}, false
}

// Messages returns the render order of the chat log: all finalized entries in
// increasing sequence order, followed by the open interim entries (user
// before assistant, so the order is deterministic).
func (t *Transcript) Messages() []ChatMessage {
	out := make([]ChatMessage, 0, len(t.finals)+len(t.interim))
	out = append(out, t.finals...)
	for _, role := range []MessageRole{MessageRoleUser, MessageRoleAssistant} {
		if open, ok := t.interim[role]; ok {
			out = append(out, *open)
		}
	}
	return out
}

// Len returns the number of entries Messages would return
func (t *Transcript) Len() int {
	return len(t.finals) + len(t.interim)
}

// Reset clears all entries and restarts sequence numbering
func (t *Transcript) Reset() {
	t.finals = nil
	t.interim = make(map[MessageRole]*ChatMessage)
	t.nextSeq = 0
}
