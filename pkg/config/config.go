// Package config provides the declarative policy document for the rail
// pipeline: rule definitions, stage composition, chunker sizing, and
// ambient settings. Malformed documents are rejected at load time; the
// pipeline never raises configuration errors at request time.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/railguard/railguard/pkg/domain"
	"github.com/railguard/railguard/pkg/rules"
)

// Config holds the full policy document.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Chunker   ChunkerConfig   `yaml:"chunker"`
	Session   SessionConfig   `yaml:"session"`
	Source    SourceConfig    `yaml:"source"`

	// UseBuiltins seeds the registry with the builtin rule catalog before
	// applying the document's rule definitions.
	UseBuiltins bool          `yaml:"use_builtins"`
	Rules       []RuleConfig  `yaml:"rules"`
	Stages      []StageConfig `yaml:"stages"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// TelemetryConfig holds configuration for OpenTelemetry and metrics.
type TelemetryConfig struct {
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
	MetricsAddress string `yaml:"metrics_address"`
}

// ChunkerConfig holds stream chunker sizing.
type ChunkerConfig struct {
	ChunkSize   int `yaml:"chunk_size"`
	ContextSize int `yaml:"context_size"`
}

// SessionConfig holds session bounds.
type SessionConfig struct {
	MessageCap     int `yaml:"message_cap"`
	IdleTimeoutSec int `yaml:"idle_timeout_sec"`
}

// SourceConfig holds generation source settings.
type SourceConfig struct {
	FragmentSize     int `yaml:"fragment_size"`
	MaxRetries       int `yaml:"max_retries"`
	InitialBackoffMS int `yaml:"initial_backoff_ms"`
}

// RuleConfig declares one policy rule.
type RuleConfig struct {
	ID        string         `yaml:"id"`
	Stage     string         `yaml:"stage"`
	Kind      string         `yaml:"kind"`
	Severity  string         `yaml:"severity"`
	Category  string         `yaml:"category"`
	Mandatory bool           `yaml:"mandatory"`
	Params    map[string]any `yaml:"params"`
}

// StageConfig composes a stage from rule references.
type StageConfig struct {
	Kind      string   `yaml:"kind"`
	Parallel  bool     `yaml:"parallel"`
	TimeoutMS int      `yaml:"timeout_ms"`
	Rules     []string `yaml:"rules"`
}

// Default returns the configuration the pipeline runs with when no policy
// document is supplied: builtin rules wired into parallel input, output,
// and full stages.
func Default() *Config {
	return &Config{
		Logging:     LoggingConfig{Level: "info"},
		Chunker:     ChunkerConfig{ChunkSize: 200, ContextSize: 50},
		Session:     SessionConfig{MessageCap: domain.DefaultSessionCap},
		Source:      SourceConfig{FragmentSize: 4, MaxRetries: 1, InitialBackoffMS: 100},
		UseBuiltins: true,
		Stages: []StageConfig{
			{Kind: "input", Parallel: true, TimeoutMS: 500, Rules: []string{
				"input.credit-card", "input.ssn", "input.illegal-activity", "input.inappropriate-language", "input.off-topic",
			}},
			{Kind: "output", Parallel: false, TimeoutMS: 200, Rules: []string{
				"output.secret-leak", "output.card-number",
			}},
			{Kind: "full", Parallel: false, TimeoutMS: 1000, Rules: []string{
				"full.email-mask", "full.investment-disclaimer", "full.response-quality",
			}},
		},
	}
}

// Load reads a policy document from a file, applies environment variable
// overrides, and validates it. An empty path yields the default document.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("RAILGUARD_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("RAILGUARD_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("RAILGUARD_METRICS_ADDR"); val != "" {
		cfg.Telemetry.MetricsAddress = val
	}
}

// Validate checks the document for structural errors. Unknown rule
// references are caught in BuildRegistry/BuildStages, which is also part
// of startup.
func (c *Config) Validate() error {
	if c.Chunker.ChunkSize < 0 || c.Chunker.ContextSize < 0 {
		return fmt.Errorf("chunker sizes must be non-negative: %w", domain.ErrConfigInvalid)
	}
	if c.Chunker.ChunkSize > 0 && c.Chunker.ContextSize >= c.Chunker.ChunkSize {
		return fmt.Errorf("context_size must be smaller than chunk_size: %w", domain.ErrConfigInvalid)
	}
	if c.Session.MessageCap < 0 {
		return fmt.Errorf("session message_cap must be non-negative: %w", domain.ErrConfigInvalid)
	}

	for i, rc := range c.Rules {
		if strings.TrimSpace(rc.ID) == "" {
			return fmt.Errorf("rule %d: id is required: %w", i, domain.ErrConfigInvalid)
		}
		if _, err := parseStageKind(rc.Stage); err != nil {
			return fmt.Errorf("rule %s: %w", rc.ID, err)
		}
		if _, err := parseSeverity(rc.Severity); err != nil {
			return fmt.Errorf("rule %s: %w", rc.ID, err)
		}
	}

	if len(c.Stages) == 0 {
		return fmt.Errorf("at least one stage is required: %w", domain.ErrConfigInvalid)
	}
	seen := map[domain.StageKind]bool{}
	for i, sc := range c.Stages {
		kind, err := parseStageKind(sc.Kind)
		if err != nil {
			return fmt.Errorf("stage %d: %w", i, err)
		}
		if seen[kind] {
			return fmt.Errorf("stage %s declared twice: %w", kind, domain.ErrConfigInvalid)
		}
		seen[kind] = true
		if sc.TimeoutMS < 0 {
			return fmt.Errorf("stage %s: timeout_ms must be non-negative: %w", kind, domain.ErrConfigInvalid)
		}
	}

	return nil
}

// BuildRegistry compiles the document's rules into a registry, seeded
// with builtins when requested. Compilation failures (bad regex, bad
// rego, unknown kinds) surface here, at startup.
func (c *Config) BuildRegistry() (*rules.Registry, error) {
	registry := rules.NewRegistry()
	if c.UseBuiltins {
		if err := registry.RegisterAll(rules.Builtins()); err != nil {
			return nil, err
		}
	}
	for _, rc := range c.Rules {
		rule, err := rc.toDomain()
		if err != nil {
			return nil, err
		}
		if err := registry.Register(rule); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// BuildStages resolves stage rule references against the registry.
// Unknown ids are rejected here rather than at call time.
func (c *Config) BuildStages(registry *rules.Registry) ([]domain.Stage, error) {
	stages := make([]domain.Stage, 0, len(c.Stages))
	for _, sc := range c.Stages {
		kind, err := parseStageKind(sc.Kind)
		if err != nil {
			return nil, err
		}

		st := domain.Stage{
			Kind:     kind,
			Parallel: sc.Parallel,
			Timeout:  time.Duration(sc.TimeoutMS) * time.Millisecond,
		}
		for _, id := range sc.Rules {
			rule, _, ok := registry.Resolve(id)
			if !ok {
				return nil, fmt.Errorf("config: stage %s references %q: %w", kind, id, domain.ErrUnknownRule)
			}
			if rule.Stage != kind {
				return nil, fmt.Errorf("config: stage %s references %q declared for stage %s: %w", kind, id, rule.Stage, domain.ErrConfigInvalid)
			}
			st.Rules = append(st.Rules, rule)
		}
		stages = append(stages, st)
	}
	return stages, nil
}

func (rc RuleConfig) toDomain() (domain.Rule, error) {
	stage, err := parseStageKind(rc.Stage)
	if err != nil {
		return domain.Rule{}, fmt.Errorf("rule %s: %w", rc.ID, err)
	}
	severity, err := parseSeverity(rc.Severity)
	if err != nil {
		return domain.Rule{}, fmt.Errorf("rule %s: %w", rc.ID, err)
	}
	category := rc.Category
	if category == "" {
		category = "policy"
	}
	return domain.Rule{
		ID:        rc.ID,
		Stage:     stage,
		Kind:      domain.RuleKind(strings.ToLower(rc.Kind)),
		Severity:  severity,
		Category:  category,
		Mandatory: rc.Mandatory,
		Params:    rc.Params,
	}, nil
}

func parseStageKind(raw string) (domain.StageKind, error) {
	switch domain.StageKind(strings.ToLower(strings.TrimSpace(raw))) {
	case domain.StageInput:
		return domain.StageInput, nil
	case domain.StageOutput:
		return domain.StageOutput, nil
	case domain.StageFull:
		return domain.StageFull, nil
	default:
		return "", fmt.Errorf("unknown stage kind %q: %w", raw, domain.ErrConfigInvalid)
	}
}

func parseSeverity(raw string) (domain.Severity, error) {
	switch domain.Severity(strings.ToLower(strings.TrimSpace(raw))) {
	case domain.SeverityBlock:
		return domain.SeverityBlock, nil
	case domain.SeverityWarn:
		return domain.SeverityWarn, nil
	case domain.SeverityTransform:
		return domain.SeverityTransform, nil
	default:
		return "", fmt.Errorf("unknown severity %q: %w", raw, domain.ErrConfigInvalid)
	}
}
