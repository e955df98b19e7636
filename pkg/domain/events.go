package domain

// Chunk is a caller-visible unit of streamed text. ContextPrefix carries
// the tail of the previous chunk so boundary-spanning patterns stay
// detectable; it is provided to rules but never re-delivered to the caller.
type Chunk struct {
	Seq           int
	Text          string
	ContextPrefix string
	Final         bool
}

// RuleText returns the text a rule should evaluate: the context prefix
// followed by the chunk body.
func (c Chunk) RuleText() string {
	if c.ContextPrefix == "" {
		return c.Text
	}
	return c.ContextPrefix + c.Text
}

// EventType discriminates pipeline events delivered to the caller.
type EventType string

const (
	// EventChunk carries a unit of generated text cleared for delivery.
	EventChunk EventType = "chunk"
	// EventViolation reports a policy finding. Callers must treat it as
	// authoritative and stop trusting partially received text.
	EventViolation EventType = "violation"
	// EventNotice carries an out-of-band pipeline message, such as a
	// truncation notice or a post-stream correction.
	EventNotice EventType = "notice"
	// EventFinal carries the authoritative full text of a completed run.
	EventFinal EventType = "final"
	// EventRejected terminates a run that was blocked by policy.
	EventRejected EventType = "rejected"
	// EventError terminates a run that failed for infrastructure reasons.
	EventError EventType = "error"
)

// Event is the tagged union streamed by the rail engine. Exactly one of
// the payload fields is set depending on Type. Events arrive in strict
// temporal order and a run always ends with final, rejected, or error.
type Event struct {
	Type      EventType
	Chunk     *Chunk
	Violation *Violation
	// Text holds the full text for final events and the human-readable
	// message for notice, rejected, and error events.
	Text string
	// Category labels rejected events with the triggering rule category.
	Category string
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventFinal, EventRejected, EventError:
		return true
	default:
		return false
	}
}

// ChunkEvent wraps a cleared chunk.
func ChunkEvent(c Chunk) Event { return Event{Type: EventChunk, Chunk: &c} }

// ViolationEvent wraps a policy finding.
func ViolationEvent(v Violation) Event { return Event{Type: EventViolation, Violation: &v} }

// NoticeEvent wraps an out-of-band pipeline message.
func NoticeEvent(text string) Event { return Event{Type: EventNotice, Text: text} }

// FinalEvent wraps the authoritative full text of a completed run.
func FinalEvent(fullText string) Event { return Event{Type: EventFinal, Text: fullText} }

// RejectedEvent terminates a blocked run with its category label.
func RejectedEvent(category, message string) Event {
	return Event{Type: EventRejected, Category: category, Text: message}
}

// ErrorEvent terminates a failed run with a generic message.
func ErrorEvent(message string) Event { return Event{Type: EventError, Text: message} }
