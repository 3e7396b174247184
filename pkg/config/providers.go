package config

import (
	"fmt"
	"os"
	"time"

	"github.com/zen-systems/autoos/pkg/adapter"
	"github.com/zen-systems/autoos/pkg/recovery"
	"github.com/zen-systems/autoos/pkg/schema"
	"github.com/zen-systems/autoos/pkg/telemetry"
	"github.com/zen-systems/autoos/pkg/tool"
	"gopkg.in/yaml.v3"
)

// ProvidersConfig is the contents of providers.yaml.
type ProvidersConfig struct {
	Profiles      []ProfileConfig                 `yaml:"profiles"`
	Pricing       PricingConfig                   `yaml:"pricing,omitempty"`
	Catalog       *ModelCatalog                   `yaml:"catalog,omitempty"`
	Roles         map[schema.Role]schema.RoleSpec `yaml:"roles,omitempty"`
	Orchestration OrchestrationConfig             `yaml:"orchestration,omitempty"`
	Ledger        LedgerConfig                    `yaml:"ledger,omitempty"`
	State         StateConfig                     `yaml:"state,omitempty"`
	Metrics       MetricsConfig                   `yaml:"metrics,omitempty"`
	Telemetry     TelemetryConfig                 `yaml:"telemetry,omitempty"`
	Server        ServerConfig                    `yaml:"server,omitempty"`
	Tools         ToolConfig                      `yaml:"tools,omitempty"`
}

// ProfileConfig declares one provider/model pair and the roles it serves.
// Model may be a catalog alias.
type ProfileConfig struct {
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	Roles       []schema.Role `yaml:"roles,omitempty"`
	Reliability float64       `yaml:"reliability,omitempty"`
}

// PricingConfig maps provider -> model -> pricing.
type PricingConfig map[string]map[string]adapter.Pricing

// Lookup returns the pricing for a provider/model, or zero pricing.
func (p PricingConfig) Lookup(provider, model string) adapter.Pricing {
	if models, ok := p[provider]; ok {
		return models[model]
	}
	return adapter.Pricing{}
}

// RetryConfig defines the adapter-internal retry of transient errors.
type RetryConfig struct {
	MaxRetries    int     `yaml:"max_retries,omitempty"`
	BaseBackoffMs int     `yaml:"base_backoff_ms,omitempty"`
	MaxBackoffMs  int     `yaml:"max_backoff_ms,omitempty"`
	Factor        float64 `yaml:"factor,omitempty"`
}

// StepRetryConfig defines level 0 of the recovery ladder.
type StepRetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts,omitempty"`
	BaseBackoff time.Duration `yaml:"base_backoff,omitempty"`
	Factor      float64       `yaml:"factor,omitempty"`
	MaxBackoff  time.Duration `yaml:"max_backoff,omitempty"`
}

// OrchestrationConfig tunes workflow execution.
type OrchestrationConfig struct {
	ConfidenceThreshold float64         `yaml:"confidence_threshold,omitempty"`
	Strategy            string          `yaml:"strategy,omitempty"`
	MaxConcurrentSteps  int             `yaml:"max_concurrent_steps,omitempty"`
	CallTimeout         time.Duration   `yaml:"call_timeout,omitempty"`
	MaxTokens           int             `yaml:"max_tokens,omitempty"`
	AdapterRetry        RetryConfig     `yaml:"adapter_retry,omitempty"`
	StepRetry           StepRetryConfig `yaml:"step_retry,omitempty"`
	EscalationPolicy    string          `yaml:"escalation_policy,omitempty"`
	ContinueDegraded    bool            `yaml:"continue_degraded,omitempty"`
}

// AdapterRetryPolicy converts the adapter retry settings.
func (o OrchestrationConfig) AdapterRetryPolicy() adapter.RetryPolicy {
	return adapter.RetryPolicy{
		MaxRetries:  o.AdapterRetry.MaxRetries,
		BaseBackoff: time.Duration(o.AdapterRetry.BaseBackoffMs) * time.Millisecond,
		MaxBackoff:  time.Duration(o.AdapterRetry.MaxBackoffMs) * time.Millisecond,
		Factor:      o.AdapterRetry.Factor,
	}
}

// RecoveryPolicy converts the step retry settings.
func (o OrchestrationConfig) RecoveryPolicy() recovery.Policy {
	return recovery.Policy{
		MaxRetryAttempts: o.StepRetry.MaxAttempts,
		BaseBackoff:      o.StepRetry.BaseBackoff,
		Factor:           o.StepRetry.Factor,
		MaxBackoff:       o.StepRetry.MaxBackoff,
	}
}

// LedgerConfig selects the audit ledger backend.
type LedgerConfig struct {
	Driver       string `yaml:"driver,omitempty"` // memory, file, redis, postgres
	Path         string `yaml:"path,omitempty"`
	RedisURL     string `yaml:"redis_url,omitempty"`
	PostgresDSN  string `yaml:"postgres_dsn,omitempty"`
	StreamPrefix string `yaml:"stream_prefix,omitempty"`
}

// StateConfig selects the workflow snapshot store.
type StateConfig struct {
	Driver   string        `yaml:"driver,omitempty"` // memory, redis
	RedisURL string        `yaml:"redis_url,omitempty"`
	TTL      time.Duration `yaml:"ttl,omitempty"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled,omitempty"`
	OTLPEndpoint string  `yaml:"otlp_endpoint,omitempty"`
	ServiceName  string  `yaml:"service_name,omitempty"`
	Insecure     bool    `yaml:"insecure,omitempty"`
	SampleRatio  float64 `yaml:"sample_ratio,omitempty"`
}

// Telemetry converts to the tracing setup config.
func (t TelemetryConfig) Telemetry() telemetry.Config {
	return telemetry.Config{
		Enabled:      t.Enabled,
		OTLPEndpoint: t.OTLPEndpoint,
		ServiceName:  t.ServiceName,
		Insecure:     t.Insecure,
		SampleRatio:  t.SampleRatio,
	}
}

type ServerConfig struct {
	Addr        string   `yaml:"addr,omitempty"`
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// ToolConfig restricts the commands step tools may run.
type ToolConfig struct {
	AllowedExecs []string `yaml:"allowed_execs,omitempty"`
	Root         string   `yaml:"root,omitempty"`
}

// Policy returns the tool command policy. An empty allow-list disables tools.
func (t ToolConfig) Policy() *tool.Policy {
	return &tool.Policy{AllowedExecs: append([]string(nil), t.AllowedExecs...), Root: t.Root}
}

// LoadProvidersConfig reads providers configuration from a YAML file.
func LoadProvidersConfig(path string) (*ProvidersConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg ProvidersConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func (c *ProvidersConfig) validate() error {
	for i, p := range c.Profiles {
		if p.Provider == "" || p.Model == "" {
			return fmt.Errorf("profile %d: provider and model are required", i)
		}
		for _, r := range p.Roles {
			if !r.Valid() {
				return fmt.Errorf("profile %s/%s: unknown role %q", p.Provider, p.Model, r)
			}
		}
	}
	for r := range c.Roles {
		if !r.Valid() {
			return fmt.Errorf("roles: unknown role %q", r)
		}
	}
	switch c.Ledger.Driver {
	case "", "memory", "file", "redis", "postgres":
	default:
		return fmt.Errorf("ledger: unknown driver %q", c.Ledger.Driver)
	}
	switch c.State.Driver {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("state: unknown driver %q", c.State.Driver)
	}
	return nil
}

// DefaultProvidersConfig returns the built-in profiles. Planning and
// verification go to the strongest models, execution to fast, cheap ones.
func DefaultProvidersConfig() *ProvidersConfig {
	cfg := &ProvidersConfig{
		Profiles: []ProfileConfig{
			{Provider: "anthropic", Model: "claude-opus-4-20250514", Roles: []schema.Role{schema.RolePlanner, schema.RoleVerifier, schema.RoleAuditor}},
			{Provider: "anthropic", Model: "claude-sonnet-4-20250514", Roles: []schema.Role{schema.RoleExecutor, schema.RoleSynthesizer, schema.RoleAuditor}},
			{Provider: "openai", Model: "gpt-5.2-thinking", Roles: []schema.Role{schema.RolePlanner, schema.RoleVerifier}},
			{Provider: "openai", Model: "gpt-5.2-instant", Roles: []schema.Role{schema.RoleExecutor, schema.RoleSynthesizer}},
			{Provider: "google", Model: "gemini-2.0-pro", Roles: []schema.Role{schema.RolePlanner, schema.RoleVerifier, schema.RoleSynthesizer}},
			{Provider: "deepseek", Model: "deepseek-chat", Roles: []schema.Role{schema.RoleExecutor}},
			{Provider: "deepseek", Model: "deepseek-reasoner", Roles: []schema.Role{schema.RoleVerifier, schema.RoleAuditor}},
		},
		Pricing: PricingConfig{
			"anthropic": {
				"claude-opus-4-20250514":   {PromptPer1K: 0.015, CompletionPer1K: 0.075},
				"claude-sonnet-4-20250514": {PromptPer1K: 0.003, CompletionPer1K: 0.015},
			},
			"openai": {
				"gpt-5.2-thinking": {PromptPer1K: 0.01, CompletionPer1K: 0.03},
				"gpt-5.2-instant":  {PromptPer1K: 0.0005, CompletionPer1K: 0.0015},
			},
			"google": {
				"gemini-2.0-pro": {PromptPer1K: 0.00125, CompletionPer1K: 0.005},
			},
			"deepseek": {
				"deepseek-chat":     {PromptPer1K: 0.00027, CompletionPer1K: 0.0011},
				"deepseek-reasoner": {PromptPer1K: 0.00055, CompletionPer1K: 0.00219},
			},
		},
	}

	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *ProvidersConfig) {
	if cfg == nil {
		return
	}
	if cfg.Catalog == nil {
		cfg.Catalog = DefaultCatalog()
	}
	o := &cfg.Orchestration
	if o.Strategy == "" {
		o.Strategy = "standard"
	}
	if o.MaxConcurrentSteps == 0 {
		o.MaxConcurrentSteps = 4
	}
	if o.CallTimeout == 0 {
		o.CallTimeout = 300 * time.Second
	}
	if o.AdapterRetry.MaxRetries == 0 {
		o.AdapterRetry.MaxRetries = 2
	}
	if o.AdapterRetry.BaseBackoffMs == 0 {
		o.AdapterRetry.BaseBackoffMs = 500
	}
	if o.AdapterRetry.Factor == 0 {
		o.AdapterRetry.Factor = 2
	}
	if o.AdapterRetry.MaxBackoffMs != 0 && o.AdapterRetry.MaxBackoffMs < o.AdapterRetry.BaseBackoffMs {
		o.AdapterRetry.MaxBackoffMs = o.AdapterRetry.BaseBackoffMs
	}
	if o.StepRetry.MaxAttempts == 0 {
		o.StepRetry.MaxAttempts = 3
	}
	if o.StepRetry.BaseBackoff == 0 {
		o.StepRetry.BaseBackoff = time.Second
	}
	if o.StepRetry.Factor == 0 {
		o.StepRetry.Factor = 2
	}
	if o.EscalationPolicy == "" {
		o.EscalationPolicy = "pause"
	}
	if cfg.Ledger.Driver == "" {
		cfg.Ledger.Driver = "memory"
	}
	if cfg.State.Driver == "" {
		cfg.State.Driver = "memory"
	}
	if cfg.State.TTL == 0 {
		cfg.State.TTL = 7 * 24 * time.Hour
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "autoos"
	}
	if cfg.Telemetry.SampleRatio == 0 {
		cfg.Telemetry.SampleRatio = 1
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
}
