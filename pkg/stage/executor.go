// Package stage runs a stage's rules sequentially or in parallel and
// reduces their outcomes to a single verdict.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/railguard/railguard/pkg/domain"
	"github.com/railguard/railguard/pkg/rules"
)

// Executor evaluates stages against a rule registry.
type Executor struct {
	registry *rules.Registry
	logger   *slog.Logger
}

// NewExecutor creates an executor. A nil logger falls back to slog.Default.
func NewExecutor(registry *rules.Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, logger: logger}
}

// ruleResult pairs a rule's declaration index with its evaluation outcome.
type ruleResult struct {
	index   int
	rule    domain.Rule
	outcome rules.Outcome
	err     error
	skipped bool
}

// Run evaluates the stage's rules against text and reduces to one verdict.
//
// In parallel mode all rules are dispatched concurrently against the same
// input; the first block-severity match triggers cooperative cancellation
// of the remaining in-flight rules. In sequential mode rules run in
// declaration order and evaluation stops at the first block. In both modes
// the reported triggering rule is the block with the lowest declaration
// index; later blocks are retained as secondary violations.
//
// Transform substitutions never block. They are chained in declaration
// order after the join, so parallel and sequential execution produce the
// same verdict for any independent rule set.
func (e *Executor) Run(ctx context.Context, st domain.Stage, text string, history []domain.Message) domain.Verdict {
	tracer := otel.Tracer("railguard.stage")
	ctx, span := tracer.Start(ctx, "stage.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("stage.kind", string(st.Kind)),
		attribute.Bool("stage.parallel", st.Parallel),
		attribute.Int("stage.rules", len(st.Rules)),
	)

	if st.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, st.Timeout)
		defer cancel()
	}

	var results []ruleResult
	if st.Parallel {
		results = e.runParallel(ctx, st, text, history)
	} else {
		results = e.runSequential(ctx, st, text, history)
	}

	return e.reduce(ctx, st, text, history, results)
}

func (e *Executor) runSequential(ctx context.Context, st domain.Stage, text string, history []domain.Message) []ruleResult {
	results := make([]ruleResult, len(st.Rules))
	for i, rule := range st.Rules {
		predicate, ok := e.predicate(rule)
		if !ok {
			results[i] = ruleResult{index: i, rule: rule, err: fmt.Errorf("stage: rule %s: %w", rule.ID, domain.ErrUnknownRule)}
			continue
		}
		outcome, err := predicate.Evaluate(ctx, text, history)
		results[i] = ruleResult{index: i, rule: rule, outcome: outcome, err: err}
		if err == nil && outcome.Matched && rule.Severity == domain.SeverityBlock {
			for j := i + 1; j < len(st.Rules); j++ {
				results[j] = ruleResult{index: j, rule: st.Rules[j], skipped: true}
			}
			break
		}
	}
	return results
}

func (e *Executor) runParallel(ctx context.Context, st domain.Stage, text string, history []domain.Message) []ruleResult {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]ruleResult, len(st.Rules))
	var wg sync.WaitGroup

	for i, rule := range st.Rules {
		predicate, ok := e.predicate(rule)
		if !ok {
			results[i] = ruleResult{index: i, rule: rule, err: fmt.Errorf("stage: rule %s: %w", rule.ID, domain.ErrUnknownRule)}
			continue
		}

		wg.Add(1)
		go func(i int, rule domain.Rule, predicate rules.Predicate) {
			defer wg.Done()
			outcome, err := predicate.Evaluate(ctx, text, history)
			results[i] = ruleResult{index: i, rule: rule, outcome: outcome, err: err}
			if err == nil && outcome.Matched && rule.Severity == domain.SeverityBlock {
				// First block wins the race; siblings observe cancellation.
				cancel()
			}
		}(i, rule, predicate)
	}

	wg.Wait()
	return results
}

// reduce folds per-rule results into a verdict. Rule failures are
// converted to verdict entries rather than propagated: timeouts and
// evaluation errors become warnings (fail-open) unless the rule is
// declared mandatory, in which case they block (fail-closed). Completed
// block matches always stand.
func (e *Executor) reduce(ctx context.Context, st domain.Stage, text string, history []domain.Message, results []ruleResult) domain.Verdict {
	verdict := domain.Verdict{Pass: true}
	var transforms []ruleResult

	for _, res := range results {
		if res.skipped {
			continue
		}

		if res.err != nil {
			if errors.Is(res.err, context.Canceled) {
				// Cancelled by a sibling block; nothing to report.
				continue
			}
			severity := domain.SeverityWarn
			message := "rule evaluation failed"
			if errors.Is(res.err, context.DeadlineExceeded) {
				message = domain.ErrRuleTimeout.Error()
			}
			if res.rule.Mandatory {
				severity = domain.SeverityBlock
			}
			e.logger.Warn("rule evaluation degraded",
				"stage", string(st.Kind),
				"rule", res.rule.ID,
				"mandatory", res.rule.Mandatory,
				"error", res.err,
			)
			verdict.Violations = append(verdict.Violations, domain.Violation{
				RuleID:   res.rule.ID,
				Category: res.rule.Category,
				Severity: severity,
				Message:  message,
			})
			continue
		}

		if !res.outcome.Matched {
			continue
		}

		switch res.rule.Severity {
		case domain.SeverityBlock, domain.SeverityWarn:
			verdict.Violations = append(verdict.Violations, domain.Violation{
				RuleID:   res.rule.ID,
				Category: res.rule.Category,
				Severity: res.rule.Severity,
				Message:  "policy rule matched",
				Span:     res.outcome.Span,
			})
		case domain.SeverityTransform:
			transforms = append(transforms, res)
		}
	}

	if _, blocked := verdict.Blocking(); blocked {
		verdict.Pass = false
		return verdict
	}

	// Chain transforms in declaration order. Each transform re-evaluates
	// against the current text so earlier substitutions are preserved.
	// Matched transforms are applied even when the stage deadline has
	// since expired; re-application is local compute on text already in
	// hand.
	chainCtx := context.WithoutCancel(ctx)
	current := text
	changed := false
	for _, res := range transforms {
		predicate, ok := e.predicate(res.rule)
		if !ok {
			continue
		}
		outcome, err := predicate.Evaluate(chainCtx, current, history)
		if err != nil || !outcome.Matched || outcome.Transformed == "" {
			continue
		}
		current = outcome.Transformed
		changed = true
	}
	if changed {
		verdict.Transformed = current
	}

	return verdict
}

func (e *Executor) predicate(rule domain.Rule) (rules.Predicate, bool) {
	_, predicate, ok := e.registry.Resolve(rule.ID)
	return predicate, ok
}
