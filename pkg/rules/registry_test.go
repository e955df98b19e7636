package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railguard/railguard/pkg/domain"
)

func TestRegistry_RegisterAndResolve(t *testing.T) {
	registry := NewRegistry()
	err := registry.Register(domain.Rule{
		ID:       "Input.Credit-Card",
		Stage:    domain.StageInput,
		Kind:     domain.KindPattern,
		Severity: domain.SeverityBlock,
		Params:   map[string]any{"pattern": `\d{16}`},
	})
	require.NoError(t, err)

	// Lookup is case-insensitive.
	rule, predicate, ok := registry.Resolve("input.credit-card")
	require.True(t, ok)
	assert.Equal(t, "Input.Credit-Card", rule.ID)
	assert.NotNil(t, predicate)

	_, _, ok = registry.Resolve("input.missing")
	assert.False(t, ok)
	_, _, ok = registry.Resolve("")
	assert.False(t, ok)
}

func TestRegistry_RejectsEmptyID(t *testing.T) {
	registry := NewRegistry()
	err := registry.Register(domain.Rule{Kind: domain.KindKeyword, Params: map[string]any{"keywords": []string{"x"}}})
	require.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestRegistry_RejectsUncompilableRule(t *testing.T) {
	registry := NewRegistry()
	err := registry.Register(domain.Rule{
		ID:     "test.broken",
		Kind:   domain.KindPattern,
		Params: map[string]any{"pattern": `[`},
	})
	require.Error(t, err)

	_, _, ok := registry.Resolve("test.broken")
	assert.False(t, ok, "failed registration must not insert the rule")
}

func TestRegistry_ReplaceOnReRegister(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(domain.Rule{
		ID:     "test.kw",
		Kind:   domain.KindKeyword,
		Params: map[string]any{"keywords": []string{"old"}},
	}))
	require.NoError(t, registry.Register(domain.Rule{
		ID:     "test.kw",
		Kind:   domain.KindKeyword,
		Params: map[string]any{"keywords": []string{"new"}},
	}))

	rule, _, ok := registry.Resolve("test.kw")
	require.True(t, ok)
	assert.Equal(t, []string{"new"}, rule.Params["keywords"])
	assert.Len(t, registry.Clone(), 1)
}

func TestBuiltins_AllCompile(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.RegisterAll(Builtins()))
	assert.Len(t, registry.Clone(), len(Builtins()))
}

func TestGlobalRegistry_ResolvesBuiltins(t *testing.T) {
	registry := GlobalRegistry()
	for _, rule := range Builtins() {
		_, _, ok := registry.Resolve(rule.ID)
		assert.True(t, ok, "builtin %s must resolve", rule.ID)
	}
}
