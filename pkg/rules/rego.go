package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"

	"github.com/railguard/railguard/pkg/domain"
)

const (
	defaultRegoEntrypoint = "railguard/decision"
	defaultCacheCapacity  = 1024
)

// regoEngine evaluates a rule's Rego module against pipeline text. The
// prepared query is built once at compile time so syntax errors surface at
// startup, and decisions are cached by input hash since predicates are
// pure functions of their input.
type regoEngine struct {
	ruleID     string
	entrypoint string
	prepared   rego.PreparedEvalQuery
	cache      *decisionCache
}

func compileRego(rule domain.Rule) (Predicate, error) {
	source, err := paramString(rule, "module", true)
	if err != nil {
		return nil, err
	}
	entrypoint, err := paramString(rule, "entrypoint", false)
	if err != nil {
		return nil, err
	}
	entrypoint = strings.TrimSpace(entrypoint)
	if entrypoint == "" {
		entrypoint = defaultRegoEntrypoint
	}

	module, err := ast.ParseModuleWithOpts(rule.ID, source, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return nil, fmt.Errorf("rules: rule %s: parse rego module: %w", rule.ID, err)
	}

	query := "data." + strings.ReplaceAll(entrypoint, "/", ".")
	prepared, err := rego.New(
		rego.Query(query),
		rego.ParsedModule(module),
	).PrepareForEval(context.Background())
	if err != nil {
		return nil, fmt.Errorf("rules: rule %s: compile rego module: %w", rule.ID, err)
	}

	return &regoEngine{
		ruleID:     rule.ID,
		entrypoint: entrypoint,
		prepared:   prepared,
		cache:      newDecisionCache(defaultCacheCapacity),
	}, nil
}

// Evaluate implements Predicate.
func (e *regoEngine) Evaluate(ctx context.Context, text string, history []domain.Message) (Outcome, error) {
	key := e.cacheKey(text, history)
	if cached, ok := e.cache.Get(key); ok {
		return cached, nil
	}

	payload := map[string]any{
		"text":    text,
		"history": historyToMaps(history),
	}

	results, err := e.prepared.Eval(ctx, rego.EvalInput(payload))
	if err != nil {
		return Outcome{}, fmt.Errorf("rules: rule %s: rego decision: %w", e.ruleID, err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		e.cache.Add(key, Outcome{})
		return Outcome{}, nil
	}

	decision, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Outcome{}, fmt.Errorf("rules: rule %s: rego decision: unexpected result type %T", e.ruleID, results[0].Expressions[0].Value)
	}

	outcome := Outcome{}
	if matched, ok := decision["matched"].(bool); ok {
		outcome.Matched = matched
	}
	if transformed, ok := decision["transformed"].(string); ok {
		outcome.Transformed = transformed
	}

	e.cache.Add(key, outcome)
	return outcome, nil
}

func (e *regoEngine) cacheKey(text string, history []domain.Message) string {
	h := sha256.New()
	writeCacheKeyField(h, e.entrypoint)
	writeCacheKeyField(h, text)
	for _, msg := range history {
		writeCacheKeyField(h, string(msg.Role))
		writeCacheKeyField(h, msg.Text)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeCacheKeyField writes a field to the hash followed by a null
// delimiter so adjacent fields cannot collide.
func writeCacheKeyField(h interface{ Write([]byte) (int, error) }, value string) {
	_, _ = h.Write([]byte(value))
	_, _ = h.Write([]byte{0})
}

func historyToMaps(history []domain.Message) []map[string]any {
	out := make([]map[string]any, 0, len(history))
	for _, msg := range history {
		out = append(out, map[string]any{
			"role": string(msg.Role),
			"text": msg.Text,
		})
	}
	return out
}

// decisionCache is a small FIFO-evicting cache keyed by input hash. Safe
// for concurrent use.
type decisionCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]Outcome
	order    []string
}

func newDecisionCache(capacity int) *decisionCache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	return &decisionCache{
		capacity: capacity,
		entries:  make(map[string]Outcome, capacity),
	}
}

func (c *decisionCache) Get(key string) (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	outcome, ok := c.entries[key]
	return outcome, ok
}

func (c *decisionCache) Add(key string, outcome Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.entries[key] = outcome
		return
	}

	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	c.order = append(c.order, key)
	c.entries[key] = outcome
}
