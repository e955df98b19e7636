// Package source defines the generation source consumed by the rail
// engine: a cancellable lazy sequence of text fragments.
package source

import (
	"context"

	"github.com/railguard/railguard/pkg/domain"
)

// Stream is a lazy, forward-only fragment sequence. Next returns io.EOF
// when the sequence ends naturally. Implementations must stop producing
// promptly once the supplied context is cancelled.
type Stream interface {
	Next(ctx context.Context) (string, error)
}

// Source produces a fragment stream for a prompt and its conversation
// history. The history snapshot is read-only.
type Source interface {
	Generate(ctx context.Context, prompt string, history []domain.Message) (Stream, error)
}
