package rules

import (
	"fmt"
	"strings"
	"sync"

	"github.com/railguard/railguard/pkg/domain"
)

// Registry provides a threadsafe catalog of rule declarations and their
// compiled predicates. Rules are registered under their lowercased id;
// stages referencing an unregistered id fail at configuration time.
type Registry struct {
	mu         sync.RWMutex
	rules      map[string]domain.Rule
	predicates map[string]Predicate
}

// NewRegistry constructs an empty Registry instance.
func NewRegistry() *Registry {
	return &Registry{
		rules:      make(map[string]domain.Rule),
		predicates: make(map[string]Predicate),
	}
}

// Register compiles and inserts a rule, replacing any previous rule with
// the same id.
func (r *Registry) Register(rule domain.Rule) error {
	if strings.TrimSpace(rule.ID) == "" {
		return fmt.Errorf("rules: registry rule id is required: %w", domain.ErrConfigInvalid)
	}
	predicate, err := Compile(rule)
	if err != nil {
		return err
	}

	key := strings.ToLower(rule.ID)

	r.mu.Lock()
	r.rules[key] = rule
	r.predicates[key] = predicate
	r.mu.Unlock()
	return nil
}

// RegisterAll inserts multiple rules in a single call.
func (r *Registry) RegisterAll(rules []domain.Rule) error {
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			return err
		}
	}
	return nil
}

// Resolve retrieves a rule and its predicate by identifier.
func (r *Registry) Resolve(id string) (domain.Rule, Predicate, bool) {
	if id == "" {
		return domain.Rule{}, nil, false
	}
	key := strings.ToLower(id)

	r.mu.RLock()
	rule, ok := r.rules[key]
	predicate := r.predicates[key]
	r.mu.RUnlock()
	if !ok {
		return domain.Rule{}, nil, false
	}
	return rule, predicate, true
}

// Clone returns a snapshot of all registered rule declarations.
func (r *Registry) Clone() []domain.Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		result = append(result, rule)
	}
	return result
}

// Builtins returns the default rule catalog: the policy checks a finance
// assistant ships with out of the box. Deployments typically extend or
// override these from the policy document.
func Builtins() []domain.Rule {
	return []domain.Rule{
		{
			ID:       "input.credit-card",
			Stage:    domain.StageInput,
			Kind:     domain.KindPattern,
			Severity: domain.SeverityBlock,
			Category: "sensitive-data",
			Params: map[string]any{
				"pattern": `\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`,
			},
		},
		{
			ID:       "input.ssn",
			Stage:    domain.StageInput,
			Kind:     domain.KindPattern,
			Severity: domain.SeverityBlock,
			Category: "sensitive-data",
			Params: map[string]any{
				"pattern": `\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`,
			},
		},
		{
			ID:       "input.illegal-activity",
			Stage:    domain.StageInput,
			Kind:     domain.KindKeyword,
			Severity: domain.SeverityBlock,
			Category: "illegal-activity",
			Params: map[string]any{
				"keywords": []string{"launder money", "money laundering", "counterfeit", "evade tax"},
			},
		},
		{
			ID:       "input.inappropriate-language",
			Stage:    domain.StageInput,
			Kind:     domain.KindKeyword,
			Severity: domain.SeverityWarn,
			Category: "inappropriate-language",
			Params: map[string]any{
				"keywords": []string{"damn", "stupid", "idiot"},
			},
		},
		{
			ID:       "input.off-topic",
			Stage:    domain.StageInput,
			Kind:     domain.KindMask,
			Severity: domain.SeverityTransform,
			Category: "off-topic",
			Params: map[string]any{
				"pattern":     `(?is)^.*\b(weather|sports?|politics|movies?|recipes?|celebrity|celebrities)\b.*$`,
				"replacement": "The customer asked about something unrelated to banking. Politely explain that you can only help with banking and financial services questions.",
			},
		},
		{
			ID:       "output.secret-leak",
			Stage:    domain.StageOutput,
			Kind:     domain.KindPattern,
			Severity: domain.SeverityBlock,
			Category: "secret-leak",
			Params: map[string]any{
				"pattern": `(?i)\b(?:api[_-]?key|apikey|api[_-]?secret|bearer[_-]?token)[:=\s]+[a-z0-9_\-]{16,}\b`,
			},
		},
		{
			ID:       "output.card-number",
			Stage:    domain.StageOutput,
			Kind:     domain.KindPattern,
			Severity: domain.SeverityBlock,
			Category: "sensitive-data",
			Params: map[string]any{
				"pattern": `\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`,
			},
		},
		{
			ID:       "full.email-mask",
			Stage:    domain.StageFull,
			Kind:     domain.KindMask,
			Severity: domain.SeverityTransform,
			Category: "pii",
			Params: map[string]any{
				"pattern":     `(?i)[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`,
				"replacement": "[REDACTED:email]",
			},
		},
		{
			ID:       "full.investment-disclaimer",
			Stage:    domain.StageFull,
			Kind:     domain.KindDisclaimer,
			Severity: domain.SeverityTransform,
			Category: "investment-advice",
			Params: map[string]any{
				"terms":      []string{"invest", "stock", "bond", "portfolio", "return"},
				"disclaimer": "Disclaimer: This information is for educational purposes only and should not be considered as financial advice. Please consult with a qualified financial advisor before making investment decisions.",
			},
		},
		{
			ID:       "full.response-quality",
			Stage:    domain.StageFull,
			Kind:     domain.KindLength,
			Severity: domain.SeverityWarn,
			Category: "response-quality",
			Params: map[string]any{
				"min": 10,
			},
		},
	}
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// GlobalRegistry returns the process-wide registry populated with builtin
// rules.
func GlobalRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
		if err := defaultRegistry.RegisterAll(Builtins()); err != nil {
			panic(fmt.Sprintf("rules: builtin catalog failed to compile: %v", err))
		}
	})
	return defaultRegistry
}
