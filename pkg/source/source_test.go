package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railguard/railguard/internal/governance"
	"github.com/railguard/railguard/pkg/domain"
	"github.com/railguard/railguard/pkg/telemetry"
)

func TestScriptSource_FragmentGranularity(t *testing.T) {
	src := NewScriptSource(func(string, []domain.Message) string {
		return "hello world"
	}, 4)

	stream, err := src.Generate(context.Background(), "hi", nil)
	require.NoError(t, err)

	var fragments []string
	for {
		fragment, err := stream.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		fragments = append(fragments, fragment)
	}

	assert.Equal(t, []string{"hell", "o wo", "rld"}, fragments)

	// The stream is exhausted; further reads keep returning EOF.
	_, err = stream.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestScriptSource_HonoursCancellation(t *testing.T) {
	src := NewScriptSource(func(string, []domain.Message) string { return "text" }, 2)
	stream, err := src.Generate(context.Background(), "hi", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSupportResponder_Templates(t *testing.T) {
	tests := []struct {
		prompt string
		want   string
	}{
		{"What are your hours?", "Monday through Friday"},
		{"Do you charge a fee for transfers?", "fees and charges"},
		{"How do I contact support?", "1-800-FINANCE"},
		{"Should I rebalance my portfolio?", "risk tolerance"},
		{"Tell me something", "more specific details"},
	}
	for _, tt := range tests {
		t.Run(tt.prompt, func(t *testing.T) {
			got := SupportResponder(tt.prompt, nil)
			assert.Contains(t, got, tt.want)
		})
	}
}

// flakySource fails mid-stream on its first generation and streams cleanly
// on every subsequent one.
type flakySource struct {
	text      string
	failAfter int
	calls     int
	failWith  error
}

func (f *flakySource) Generate(_ context.Context, _ string, _ []domain.Message) (Stream, error) {
	f.calls++
	if f.calls == 1 {
		return &failingStream{runes: []rune(f.text), failAt: f.failAfter, failWith: f.failWith}, nil
	}
	return &scriptStream{runes: []rune(f.text), size: 4}, nil
}

type failingStream struct {
	runes    []rune
	pos      int
	failAt   int
	failWith error
}

func (s *failingStream) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.pos >= s.failAt {
		return "", s.failWith
	}
	end := s.pos + 4
	if end > s.failAt {
		end = s.failAt
	}
	fragment := string(s.runes[s.pos:end])
	s.pos = end
	return fragment, nil
}

// brokenSource fails mid-stream on every generation.
type brokenSource struct {
	inner flakySource
}

func (b *brokenSource) Generate(ctx context.Context, prompt string, history []domain.Message) (Stream, error) {
	return &failingStream{runes: []rune(b.inner.text), failAt: b.inner.failAfter, failWith: b.inner.failWith}, nil
}

func retryConfig() governance.RetryConfig {
	return governance.RetryConfig{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRetrySource_ResumesWithoutDuplication(t *testing.T) {
	const text = "a complete response that fails part way through streaming"
	inner := &flakySource{text: text, failAfter: 12, failWith: errors.New("connection reset")}
	src := NewRetrySource(inner, retryConfig(), discardLogger(), nil)

	stream, err := src.Generate(context.Background(), "hi", nil)
	require.NoError(t, err)

	var sb strings.Builder
	for {
		fragment, err := stream.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sb.WriteString(fragment)
	}

	assert.Equal(t, text, sb.String(), "retry must resume where streaming stopped")
	assert.Equal(t, 2, inner.calls, "exactly one retry generation")
}

func TestRetrySource_ExhaustedAfterRetryFailure(t *testing.T) {
	src := NewRetrySource(
		&brokenSource{inner: flakySource{text: "never finishes", failAfter: 5, failWith: errors.New("connection reset")}},
		retryConfig(),
		discardLogger(),
		nil,
	)

	stream, err := src.Generate(context.Background(), "hi", nil)
	require.NoError(t, err)

	var lastErr error
	for {
		_, err := stream.Next(context.Background())
		if err != nil {
			lastErr = err
			break
		}
	}
	assert.ErrorIs(t, lastErr, domain.ErrSourceExhausted)
}

func TestRetrySource_RecordsRetryMetric(t *testing.T) {
	metrics := telemetry.NewMetrics()
	inner := &flakySource{text: "a response that fails once mid-stream", failAfter: 8, failWith: errors.New("connection reset")}
	src := NewRetrySource(inner, retryConfig(), discardLogger(), metrics)

	stream, err := src.Generate(context.Background(), "hi", nil)
	require.NoError(t, err)
	for {
		if _, err := stream.Next(context.Background()); err != nil {
			require.Equal(t, io.EOF, err)
			break
		}
	}

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "railguard_source_retries_total 1")
}

func TestRetrySource_CancellationIsNotRetried(t *testing.T) {
	inner := &flakySource{text: "text", failAfter: 0, failWith: errors.New("boom")}
	src := NewRetrySource(inner, retryConfig(), discardLogger(), nil)

	stream, err := src.Generate(context.Background(), "hi", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, inner.calls, "cancellation must not trigger a retry")
}
