// Package chunker regroups raw generation fragments into caller-facing
// chunks with overlapping context so boundary-spanning patterns remain
// detectable by per-chunk rules.
package chunker

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/railguard/railguard/pkg/domain"
)

const (
	// DefaultChunkSize is the preferred chunk length in characters.
	DefaultChunkSize = 200
	// DefaultContextSize is the carried-forward context length in characters.
	DefaultContextSize = 50
)

// Config holds chunker sizing. Sizes are measured in characters (runes),
// not bytes, so multi-byte text is never split mid-character.
type Config struct {
	ChunkSize   int
	ContextSize int
}

// Chunker accumulates fragments and emits fixed-size chunks. It is a
// one-shot forward-only consumer: it cannot be restarted and is not safe
// for concurrent use.
type Chunker struct {
	chunkSize   int
	contextSize int
	buffer      []rune
	seq         int
	// prevTail is the suffix of the last emitted chunk carried into the
	// next chunk's context prefix.
	prevTail string
	flushed  bool
}

// New constructs a Chunker, applying defaults for zero sizes.
func New(cfg Config) (*Chunker, error) {
	chunkSize := cfg.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	contextSize := cfg.ContextSize
	if contextSize == 0 {
		contextSize = DefaultContextSize
	}
	if chunkSize < 1 {
		return nil, fmt.Errorf("chunker: chunk size must be positive: %w", domain.ErrConfigInvalid)
	}
	if contextSize < 0 || contextSize >= chunkSize {
		return nil, fmt.Errorf("chunker: context size must be smaller than chunk size: %w", domain.ErrConfigInvalid)
	}
	return &Chunker{chunkSize: chunkSize, contextSize: contextSize}, nil
}

// Push appends a fragment to the buffer and returns any chunks that became
// ready. A buffer that holds only whitespace is retained rather than
// flushed, regardless of its length, and no emitted chunk is ever
// whitespace-only.
func (c *Chunker) Push(fragment string) []domain.Chunk {
	if c.flushed {
		return nil
	}
	c.buffer = append(c.buffer, []rune(fragment)...)

	var out []domain.Chunk
	for len(c.buffer) >= c.chunkSize {
		visible := firstVisible(c.buffer)
		if visible < 0 {
			// Hold whitespace until visible text arrives.
			break
		}
		// A chunk must carry visible text: leading whitespace rides along
		// with the first visible rune instead of flushing on its own.
		end := c.chunkSize
		if visible >= end {
			end = visible + 1
		}
		out = append(out, c.emit(string(c.buffer[:end]), false))
		c.buffer = c.buffer[end:]
	}
	return out
}

// Flush emits the remaining buffer as the final chunk. A whitespace-only
// remainder is dropped. Flush is terminal: subsequent Push calls are
// ignored.
func (c *Chunker) Flush() []domain.Chunk {
	if c.flushed {
		return nil
	}
	c.flushed = true

	text := string(c.buffer)
	c.buffer = nil
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return []domain.Chunk{c.emit(text, true)}
}

// firstVisible returns the index of the first non-whitespace rune, or -1.
func firstVisible(runes []rune) int {
	for i, r := range runes {
		if !unicode.IsSpace(r) {
			return i
		}
	}
	return -1
}

func (c *Chunker) emit(text string, final bool) domain.Chunk {
	chunk := domain.Chunk{
		Seq:           c.seq,
		Text:          text,
		ContextPrefix: c.prevTail,
		Final:         final,
	}
	c.seq++

	runes := []rune(text)
	tail := runes
	if len(tail) > c.contextSize {
		tail = tail[len(tail)-c.contextSize:]
	}
	c.prevTail = string(tail)

	return chunk
}
