// Package rules builds executable predicates from declarative rule records
// and catalogs them in a thread-safe registry.
package rules

import (
	"context"
	"fmt"

	"github.com/railguard/railguard/pkg/domain"
)

// Outcome is a single rule's contribution to a stage verdict.
type Outcome struct {
	// Matched reports whether the rule fired.
	Matched bool
	// Span locates the first offending region, when the rule can localise it.
	Span *domain.Span
	// Transformed holds the rewritten text for transform-severity rules.
	// Empty means no rewrite.
	Transformed string
}

// Predicate evaluates one rule against a text and a read-only snapshot of
// the conversation. Implementations must be pure: no side effects, safe to
// cancel, stateless across invocations.
type Predicate interface {
	Evaluate(ctx context.Context, text string, history []domain.Message) (Outcome, error)
}

// PredicateFunc adapts a function to the Predicate interface.
type PredicateFunc func(ctx context.Context, text string, history []domain.Message) (Outcome, error)

// Evaluate implements Predicate.
func (f PredicateFunc) Evaluate(ctx context.Context, text string, history []domain.Message) (Outcome, error) {
	return f(ctx, text, history)
}

// Compile builds the predicate for a rule declaration. Unknown kinds and
// malformed parameters are rejected here, at load time.
func Compile(rule domain.Rule) (Predicate, error) {
	switch rule.Kind {
	case domain.KindPattern:
		return compilePattern(rule)
	case domain.KindKeyword:
		return compileKeyword(rule)
	case domain.KindLength:
		return compileLength(rule)
	case domain.KindDisclaimer:
		return compileDisclaimer(rule)
	case domain.KindMask:
		return compileMask(rule)
	case domain.KindRego:
		return compileRego(rule)
	default:
		return nil, fmt.Errorf("rules: rule %s: unknown kind %q: %w", rule.ID, rule.Kind, domain.ErrConfigInvalid)
	}
}
