package source

import (
	"context"
	"io"
	"strings"

	"github.com/railguard/railguard/pkg/domain"
)

// Responder maps a prompt and history to a complete response text.
// Responders must be deterministic so pipeline runs are reproducible.
type Responder func(prompt string, history []domain.Message) string

// ScriptSource is a deterministic generation source. It computes the full
// response up front and replays it as fixed-size fragments, simulating
// token-granularity streaming. Used by the CLI demo and by tests.
type ScriptSource struct {
	responder    Responder
	fragmentSize int
}

// DefaultFragmentSize approximates per-token granularity.
const DefaultFragmentSize = 4

// NewScriptSource creates a scripted source. A fragmentSize <= 0 selects
// DefaultFragmentSize.
func NewScriptSource(responder Responder, fragmentSize int) *ScriptSource {
	if fragmentSize <= 0 {
		fragmentSize = DefaultFragmentSize
	}
	return &ScriptSource{responder: responder, fragmentSize: fragmentSize}
}

// Generate implements Source.
func (s *ScriptSource) Generate(_ context.Context, prompt string, history []domain.Message) (Stream, error) {
	text := s.responder(prompt, history)
	return &scriptStream{runes: []rune(text), size: s.fragmentSize}, nil
}

type scriptStream struct {
	runes []rune
	size  int
	pos   int
}

// Next implements Stream.
func (st *scriptStream) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if st.pos >= len(st.runes) {
		return "", io.EOF
	}
	end := st.pos + st.size
	if end > len(st.runes) {
		end = len(st.runes)
	}
	fragment := string(st.runes[st.pos:end])
	st.pos = end
	return fragment, nil
}

// SupportResponder answers common customer-support prompts from canned
// templates. It is the default responder for the CLI demo.
func SupportResponder(prompt string, _ []domain.Message) string {
	lowered := strings.ToLower(prompt)

	switch {
	case containsAny(lowered, "hours", "when", "open"):
		return "Our customer service is available Monday through Friday, 9 AM to 6 PM EST. For urgent matters outside these hours, please visit our website or use our mobile app."
	case containsAny(lowered, "fee", "charge", "cost", "price"):
		return "For detailed information about fees and charges, please refer to your account agreement or contact us directly. Fee structures vary by account type and services used."
	case containsAny(lowered, "contact", "phone", "call", "reach"):
		return "You can reach us by phone at 1-800-FINANCE, through our website chat, or by visiting any of our branch locations. Our customer service team is ready to assist you."
	case containsAny(lowered, "invest", "stock", "bond", "portfolio"):
		return "Diversified portfolios typically balance stocks and bonds according to your risk tolerance and investment horizon. Review your goals before adjusting allocations."
	default:
		return "Thank you for your inquiry. I'm here to help with your banking needs. Could you please provide more specific details about what you'd like to know?"
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}
