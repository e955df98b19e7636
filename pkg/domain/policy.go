package domain

import "time"

// StageKind identifies where in the pipeline a stage runs.
type StageKind string

const (
	// StageInput runs against the user message before any generation.
	StageInput StageKind = "input"
	// StageOutput runs against each streamed chunk during generation.
	StageOutput StageKind = "output"
	// StageFull runs once against the reassembled output after generation.
	StageFull StageKind = "full"
)

// Severity describes how a rule's finding affects the pipeline.
type Severity string

const (
	// SeverityBlock rejects the request and short-circuits the stage.
	SeverityBlock Severity = "block"
	// SeverityWarn records a violation without altering enforcement.
	SeverityWarn Severity = "warn"
	// SeverityTransform rewrites the text under evaluation.
	SeverityTransform Severity = "transform"
)

// RuleKind selects the predicate implementation for a rule. Rules are
// declarative records interpreted by the rules package dispatcher.
type RuleKind string

const (
	// KindPattern matches a regular expression against the text.
	KindPattern RuleKind = "pattern"
	// KindKeyword matches any of a set of case-insensitive keywords.
	KindKeyword RuleKind = "keyword"
	// KindLength enforces minimum/maximum text length.
	KindLength RuleKind = "length"
	// KindDisclaimer appends a disclaimer when trigger terms appear.
	KindDisclaimer RuleKind = "disclaimer"
	// KindMask replaces matched spans with a fixed replacement.
	KindMask RuleKind = "mask"
	// KindRego evaluates an embedded Rego policy module.
	KindRego RuleKind = "rego"
)

// Rule declares a single policy check. Params carry kind-specific
// configuration (pattern, keywords, replacement, rego module, ...).
// Predicates built from a Rule must be pure functions of (text, context)
// and stateless across invocations.
type Rule struct {
	ID       string
	Stage    StageKind
	Kind     RuleKind
	Severity Severity
	// Category is the user-visible label reported on rejection. Internal
	// rule detail (patterns, keyword lists) is never surfaced.
	Category string
	// Mandatory rules are not downgraded to warnings on timeout.
	Mandatory bool
	Params    map[string]any
}

// Stage is an ordered group of rules evaluated at one pipeline position.
// Rules in a parallel stage must be independent of each other's output.
type Stage struct {
	Kind     StageKind
	Rules    []Rule
	Parallel bool
	// Timeout bounds the evaluation of the whole stage. Zero disables the
	// deadline.
	Timeout time.Duration
}

// Span locates an offending region within the evaluated text.
type Span struct {
	Start int
	End   int
}

// Violation is the immutable record of a failed rule.
type Violation struct {
	RuleID   string
	Category string
	Severity Severity
	Message  string
	// Span is optional; a zero span means the rule did not localise the
	// finding.
	Span *Span
}

// Verdict is the reduced outcome of running a stage's rules.
type Verdict struct {
	Pass       bool
	Violations []Violation
	// Transformed holds the rewritten text when one or more transform
	// rules fired; empty means the input text is unchanged.
	Transformed string
}

// Blocking returns the triggering block violation, if any. When several
// block violations were recorded the first one (lowest declaration index)
// is authoritative; the rest are retained for audit.
func (v Verdict) Blocking() (Violation, bool) {
	for _, violation := range v.Violations {
		if violation.Severity == SeverityBlock {
			return violation, true
		}
	}
	return Violation{}, false
}
