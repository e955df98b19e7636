package domain

// Role identifies the author of a conversation turn.
type Role string

const (
	// RoleUser marks a message authored by the end user.
	RoleUser Role = "user"
	// RoleAssistant marks a message authored by the generation source.
	RoleAssistant Role = "assistant"
	// RoleSystem marks an out-of-band instruction message.
	RoleSystem Role = "system"
)

// Message is a single immutable turn of conversation. Ordinal is assigned
// by the owning Session at append time and never changes afterwards.
type Message struct {
	Role    Role
	Text    string
	Ordinal int
}

// DefaultSessionCap bounds how many messages a session retains.
const DefaultSessionCap = 8

// Session is a bounded, append-only conversation context. When the cap is
// reached the oldest message is evicted. The pipeline borrows a session
// read-only during execution and appends the final assistant message only
// after the run reaches a terminal state.
type Session struct {
	id       string
	cap      int
	messages []Message
	next     int
}

// NewSession creates a session with the given identifier. A cap <= 0
// selects DefaultSessionCap.
func NewSession(id string, cap int) *Session {
	if cap <= 0 {
		cap = DefaultSessionCap
	}
	return &Session{id: id, cap: cap}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Len returns the number of retained messages.
func (s *Session) Len() int { return len(s.messages) }

// Append adds a message, evicting the oldest retained message when the cap
// is exceeded. Ordinals are monotonic across evictions.
func (s *Session) Append(role Role, text string) Message {
	msg := Message{Role: role, Text: text, Ordinal: s.next}
	s.next++
	s.messages = append(s.messages, msg)
	if len(s.messages) > s.cap {
		s.messages = s.messages[len(s.messages)-s.cap:]
	}
	return msg
}

// Snapshot returns a copy of the retained messages, oldest first. Rules
// evaluate against snapshots so concurrent stage execution never observes
// a mutating session.
func (s *Session) Snapshot() []Message {
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}
