package rules

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railguard/railguard/pkg/domain"
)

func TestPatternPredicate(t *testing.T) {
	predicate, err := Compile(domain.Rule{
		ID:       "test.card",
		Stage:    domain.StageInput,
		Kind:     domain.KindPattern,
		Severity: domain.SeverityBlock,
		Params:   map[string]any{"pattern": `\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`},
	})
	require.NoError(t, err)

	tests := []struct {
		name    string
		text    string
		matched bool
	}{
		{"plain digits", "my card is 4111111111111111 thanks", true},
		{"dashed groups", "4111-1111-1111-1111", true},
		{"spaced groups", "4111 1111 1111 1111", true},
		{"too few digits", "call 411 1111", false},
		{"no digits", "what are your hours", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, err := predicate.Evaluate(context.Background(), tt.text, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.matched, outcome.Matched)
			if tt.matched {
				require.NotNil(t, outcome.Span)
				assert.Less(t, outcome.Span.Start, outcome.Span.End)
			}
		})
	}
}

func TestPatternPredicate_RejectsBadRegex(t *testing.T) {
	_, err := Compile(domain.Rule{
		ID:     "test.bad",
		Kind:   domain.KindPattern,
		Params: map[string]any{"pattern": `(`},
	})
	require.Error(t, err)
}

func TestKeywordPredicate_CaseInsensitive(t *testing.T) {
	predicate, err := Compile(domain.Rule{
		ID:     "test.illegal",
		Kind:   domain.KindKeyword,
		Params: map[string]any{"keywords": []string{"launder money", "counterfeit"}},
	})
	require.NoError(t, err)

	outcome, err := predicate.Evaluate(context.Background(), "How do I LAUNDER MONEY offshore?", nil)
	require.NoError(t, err)
	assert.True(t, outcome.Matched)
	require.NotNil(t, outcome.Span)
	assert.Equal(t, "LAUNDER MONEY", "How do I LAUNDER MONEY offshore?"[outcome.Span.Start:outcome.Span.End])

	outcome, err = predicate.Evaluate(context.Background(), "how do I open an account", nil)
	require.NoError(t, err)
	assert.False(t, outcome.Matched)
}

func TestLengthPredicate(t *testing.T) {
	predicate, err := Compile(domain.Rule{
		ID:     "test.quality",
		Kind:   domain.KindLength,
		Params: map[string]any{"min": 10},
	})
	require.NoError(t, err)

	outcome, err := predicate.Evaluate(context.Background(), "ok   ", nil)
	require.NoError(t, err)
	assert.True(t, outcome.Matched, "short trimmed text should match")

	outcome, err = predicate.Evaluate(context.Background(), "a perfectly reasonable answer", nil)
	require.NoError(t, err)
	assert.False(t, outcome.Matched)
}

func TestLengthPredicate_RequiresBound(t *testing.T) {
	_, err := Compile(domain.Rule{
		ID:     "test.unbounded",
		Kind:   domain.KindLength,
		Params: map[string]any{},
	})
	require.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestDisclaimerPredicate(t *testing.T) {
	const disclaimer = "Not financial advice."
	predicate, err := Compile(domain.Rule{
		ID:   "test.disclaimer",
		Kind: domain.KindDisclaimer,
		Params: map[string]any{
			"terms":      []string{"invest", "portfolio"},
			"disclaimer": disclaimer,
		},
	})
	require.NoError(t, err)

	outcome, err := predicate.Evaluate(context.Background(), "You could invest in index funds.", nil)
	require.NoError(t, err)
	assert.True(t, outcome.Matched)
	assert.True(t, strings.HasSuffix(outcome.Transformed, disclaimer))

	// Already carries the disclaimer: no second append.
	outcome, err = predicate.Evaluate(context.Background(), "You could invest.\n\n"+disclaimer, nil)
	require.NoError(t, err)
	assert.False(t, outcome.Matched)

	// No trigger terms: untouched.
	outcome, err = predicate.Evaluate(context.Background(), "Our branch opens at nine.", nil)
	require.NoError(t, err)
	assert.False(t, outcome.Matched)
}

func TestMaskPredicate(t *testing.T) {
	predicate, err := Compile(domain.Rule{
		ID:   "test.email",
		Kind: domain.KindMask,
		Params: map[string]any{
			"pattern":     `(?i)[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`,
			"replacement": "[REDACTED:email]",
		},
	})
	require.NoError(t, err)

	outcome, err := predicate.Evaluate(context.Background(), "Reach me at alice@example.com or bob@example.org.", nil)
	require.NoError(t, err)
	assert.True(t, outcome.Matched)
	assert.Equal(t, "Reach me at [REDACTED:email] or [REDACTED:email].", outcome.Transformed)
}

func TestPredicates_HonourCancellation(t *testing.T) {
	predicate, err := Compile(domain.Rule{
		ID:     "test.card",
		Kind:   domain.KindPattern,
		Params: map[string]any{"pattern": `\d+`},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = predicate.Evaluate(ctx, "123", nil)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestCompile_UnknownKind(t *testing.T) {
	_, err := Compile(domain.Rule{ID: "test.x", Kind: domain.RuleKind("magic")})
	require.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestParamStringSlice_FromAnySlice(t *testing.T) {
	predicate, err := Compile(domain.Rule{
		ID:     "test.kw",
		Kind:   domain.KindKeyword,
		Params: map[string]any{"keywords": []any{"alpha", "beta"}},
	})
	require.NoError(t, err)

	outcome, err := predicate.Evaluate(context.Background(), "beta test", nil)
	require.NoError(t, err)
	assert.True(t, outcome.Matched)
}
