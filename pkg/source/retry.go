package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/railguard/railguard/internal/governance"
	"github.com/railguard/railguard/pkg/domain"
	"github.com/railguard/railguard/pkg/telemetry"
)

// RetrySource decorates a Source with the pipeline's failure policy for
// mid-stream source errors: fall back to a single non-streaming retry
// with backoff, and surface ErrSourceExhausted when the retry also fails.
type RetrySource struct {
	inner   Source
	policy  *governance.RetryPolicy
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewRetrySource wraps a source. A nil logger falls back to slog.Default;
// a nil metrics disables retry accounting.
func NewRetrySource(inner Source, config governance.RetryConfig, logger *slog.Logger, metrics *telemetry.Metrics) *RetrySource {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetrySource{
		inner:   inner,
		policy:  governance.NewRetryPolicy(config),
		logger:  logger,
		metrics: metrics,
	}
}

// Generate implements Source.
func (r *RetrySource) Generate(ctx context.Context, prompt string, history []domain.Message) (Stream, error) {
	stream, err := r.inner.Generate(ctx, prompt, history)
	if err != nil {
		return nil, fmt.Errorf("source: %w: %v", domain.ErrSourceFailure, err)
	}
	return &retryStream{
		src:     r,
		inner:   stream,
		prompt:  prompt,
		history: history,
	}, nil
}

type retryStream struct {
	src     *RetrySource
	inner   Stream
	prompt  string
	history []domain.Message
	// delivered counts runes already handed downstream, so a retry can
	// resume without duplicating output.
	delivered int
	retried   bool
	remainder []rune
}

// Next implements Stream. After a mid-stream failure the remainder of the
// response is fetched in one non-streaming call and replayed from the
// point already delivered.
func (s *retryStream) Next(ctx context.Context) (string, error) {
	if s.remainder != nil {
		if len(s.remainder) == 0 {
			return "", io.EOF
		}
		fragment := string(s.remainder)
		s.delivered += len(s.remainder)
		s.remainder = s.remainder[:0]
		return fragment, nil
	}

	fragment, err := s.inner.Next(ctx)
	if err == nil {
		s.delivered += len([]rune(fragment))
		return fragment, nil
	}
	if err == io.EOF || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "", err
	}

	if s.retried {
		return "", fmt.Errorf("source: %w", domain.ErrSourceExhausted)
	}
	s.retried = true
	s.src.metrics.RecordSourceRetry()
	s.src.logger.Warn("generation source failed mid-stream, retrying non-streaming", "error", err)

	var full string
	retryErr := s.src.policy.ExecuteWithRetry(ctx, func() error {
		text, err := s.drain(ctx)
		if err != nil {
			return err
		}
		full = text
		return nil
	})
	if retryErr != nil {
		if errors.Is(retryErr, context.Canceled) || errors.Is(retryErr, context.DeadlineExceeded) {
			return "", retryErr
		}
		return "", fmt.Errorf("source: %w", domain.ErrSourceExhausted)
	}

	runes := []rune(full)
	if s.delivered >= len(runes) {
		return "", io.EOF
	}
	s.remainder = runes[s.delivered:]
	return s.Next(ctx)
}

// drain performs a complete non-streaming generation.
func (s *retryStream) drain(ctx context.Context) (string, error) {
	stream, err := s.src.inner.Generate(ctx, s.prompt, s.history)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for {
		fragment, err := stream.Next(ctx)
		if err == io.EOF {
			return sb.String(), nil
		}
		if err != nil {
			return "", err
		}
		sb.WriteString(fragment)
	}
}
