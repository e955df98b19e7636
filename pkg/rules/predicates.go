package rules

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/railguard/railguard/pkg/domain"
)

func compilePattern(rule domain.Rule) (Predicate, error) {
	pattern, err := paramString(rule, "pattern", true)
	if err != nil {
		return nil, err
	}
	expr, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("rules: rule %s: compile pattern: %w", rule.ID, err)
	}

	return PredicateFunc(func(ctx context.Context, text string, _ []domain.Message) (Outcome, error) {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		loc := expr.FindStringIndex(text)
		if loc == nil {
			return Outcome{}, nil
		}
		return Outcome{Matched: true, Span: &domain.Span{Start: loc[0], End: loc[1]}}, nil
	}), nil
}

func compileKeyword(rule domain.Rule) (Predicate, error) {
	keywords, err := paramStringSlice(rule, "keywords", true)
	if err != nil {
		return nil, err
	}
	lowered := make([]string, len(keywords))
	for i, kw := range keywords {
		lowered[i] = strings.ToLower(kw)
	}

	return PredicateFunc(func(ctx context.Context, text string, _ []domain.Message) (Outcome, error) {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		haystack := strings.ToLower(text)
		for _, kw := range lowered {
			if idx := strings.Index(haystack, kw); idx >= 0 {
				return Outcome{Matched: true, Span: &domain.Span{Start: idx, End: idx + len(kw)}}, nil
			}
		}
		return Outcome{}, nil
	}), nil
}

func compileLength(rule domain.Rule) (Predicate, error) {
	min, err := paramInt(rule, "min", 0)
	if err != nil {
		return nil, err
	}
	max, err := paramInt(rule, "max", 0)
	if err != nil {
		return nil, err
	}
	if min <= 0 && max <= 0 {
		return nil, fmt.Errorf("rules: rule %s: length rule needs min or max: %w", rule.ID, domain.ErrConfigInvalid)
	}

	return PredicateFunc(func(ctx context.Context, text string, _ []domain.Message) (Outcome, error) {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		n := len(strings.TrimSpace(text))
		if min > 0 && n < min {
			return Outcome{Matched: true}, nil
		}
		if max > 0 && n > max {
			return Outcome{Matched: true}, nil
		}
		return Outcome{}, nil
	}), nil
}

func compileDisclaimer(rule domain.Rule) (Predicate, error) {
	terms, err := paramStringSlice(rule, "terms", true)
	if err != nil {
		return nil, err
	}
	disclaimer, err := paramString(rule, "disclaimer", true)
	if err != nil {
		return nil, err
	}
	lowered := make([]string, len(terms))
	for i, term := range terms {
		lowered[i] = strings.ToLower(term)
	}

	return PredicateFunc(func(ctx context.Context, text string, _ []domain.Message) (Outcome, error) {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		haystack := strings.ToLower(text)
		triggered := false
		for _, term := range lowered {
			if strings.Contains(haystack, term) {
				triggered = true
				break
			}
		}
		if !triggered || strings.Contains(text, disclaimer) {
			return Outcome{}, nil
		}
		return Outcome{Matched: true, Transformed: text + "\n\n" + disclaimer}, nil
	}), nil
}

func compileMask(rule domain.Rule) (Predicate, error) {
	pattern, err := paramString(rule, "pattern", true)
	if err != nil {
		return nil, err
	}
	replacement, err := paramString(rule, "replacement", true)
	if err != nil {
		return nil, err
	}
	expr, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("rules: rule %s: compile pattern: %w", rule.ID, err)
	}

	return PredicateFunc(func(ctx context.Context, text string, _ []domain.Message) (Outcome, error) {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		loc := expr.FindStringIndex(text)
		if loc == nil {
			return Outcome{}, nil
		}
		masked := expr.ReplaceAllStringFunc(text, func(string) string { return replacement })
		return Outcome{
			Matched:     true,
			Span:        &domain.Span{Start: loc[0], End: loc[1]},
			Transformed: masked,
		}, nil
	}), nil
}

func paramString(rule domain.Rule, key string, required bool) (string, error) {
	raw, ok := rule.Params[key]
	if !ok {
		if required {
			return "", fmt.Errorf("rules: rule %s: missing param %q: %w", rule.ID, key, domain.ErrConfigInvalid)
		}
		return "", nil
	}
	value, ok := raw.(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("rules: rule %s: param %q must be a non-empty string: %w", rule.ID, key, domain.ErrConfigInvalid)
	}
	return value, nil
}

func paramStringSlice(rule domain.Rule, key string, required bool) ([]string, error) {
	raw, ok := rule.Params[key]
	if !ok {
		if required {
			return nil, fmt.Errorf("rules: rule %s: missing param %q: %w", rule.ID, key, domain.ErrConfigInvalid)
		}
		return nil, nil
	}

	switch values := raw.(type) {
	case []string:
		if len(values) == 0 {
			return nil, fmt.Errorf("rules: rule %s: param %q must not be empty: %w", rule.ID, key, domain.ErrConfigInvalid)
		}
		return values, nil
	case []any:
		out := make([]string, 0, len(values))
		for _, item := range values {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("rules: rule %s: param %q contains a non-string entry: %w", rule.ID, key, domain.ErrConfigInvalid)
			}
			out = append(out, str)
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("rules: rule %s: param %q must not be empty: %w", rule.ID, key, domain.ErrConfigInvalid)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("rules: rule %s: param %q must be a string list: %w", rule.ID, key, domain.ErrConfigInvalid)
	}
}

func paramInt(rule domain.Rule, key string, fallback int) (int, error) {
	raw, ok := rule.Params[key]
	if !ok {
		return fallback, nil
	}
	switch value := raw.(type) {
	case int:
		return value, nil
	case int64:
		return int(value), nil
	case float64:
		return int(value), nil
	default:
		return 0, fmt.Errorf("rules: rule %s: param %q must be an integer: %w", rule.ID, key, domain.ErrConfigInvalid)
	}
}
