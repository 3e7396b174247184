package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/zen-systems/autoos/pkg/adapter"
	"github.com/zen-systems/autoos/pkg/schema"
)

func TestConfigUsesFileAPIKeysWhenEnvUnset(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)
	writeFile(t, filepath.Join(home, DirName, "config.yaml"),
		"api_keys:\n  anthropic: file-ant\n  openai: file-openai\n  google: file-google\n  deepseek: file-deepseek\n")

	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "env-openai")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("DEEPSEEK_API_KEY", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AnthropicAPIKey != "file-ant" || cfg.GoogleAPIKey != "file-google" || cfg.DeepSeekAPIKey != "file-deepseek" {
		t.Fatalf("expected file API keys, got %+v", cfg)
	}
	if cfg.OpenAIAPIKey != "env-openai" {
		t.Fatalf("expected env to win, got %q", cfg.OpenAIAPIKey)
	}
	if cfg.Providers == nil || len(cfg.Providers.Profiles) == 0 {
		t.Fatalf("expected default providers")
	}
}

func TestConfigRejectsBrokenFile(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)
	writeFile(t, filepath.Join(home, DirName, "config.yaml"), "api_keys: [unterminated")

	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadProvidersConfig(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)
	writeFile(t, filepath.Join(home, DirName, "providers.yaml"), `profiles:
  - provider: openai
    model: fast
    roles: [executor]
  - provider: mock
    model: mock-1
pricing:
  openai:
    gpt-5.2-instant: {prompt_per_1k: 0.5, completion_per_1k: 1.5}
roles:
  executor:
    min_confidence: 0.8
orchestration:
  call_timeout: 45s
  step_retry:
    max_attempts: 2
    base_backoff: 250ms
  escalation_policy: fail
ledger:
  driver: file
  path: /tmp/ledger.jsonl
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p := cfg.Providers
	if len(p.Profiles) != 2 || p.Profiles[0].Roles[0] != schema.RoleExecutor {
		t.Fatalf("unexpected profiles %+v", p.Profiles)
	}
	o := p.Orchestration
	if o.CallTimeout != 45*time.Second || o.MaxConcurrentSteps != 4 || o.Strategy != "standard" {
		t.Fatalf("unexpected orchestration %+v", o)
	}
	rp := o.RecoveryPolicy()
	if rp.MaxRetryAttempts != 2 || rp.BaseBackoff != 250*time.Millisecond || rp.Factor != 2 {
		t.Fatalf("unexpected recovery policy %+v", rp)
	}
	if ap := o.AdapterRetryPolicy(); ap.MaxRetries != 2 || ap.BaseBackoff != 500*time.Millisecond {
		t.Fatalf("unexpected adapter retry %+v", ap)
	}
	if o.EscalationPolicy != "fail" || p.Ledger.Driver != "file" || p.State.Driver != "memory" {
		t.Fatalf("unexpected drivers %+v %+v", p.Ledger, p.State)
	}
	if got := p.RoleTable().Spec(schema.RoleExecutor); got.MinConfidence != 0.8 || got.SystemPrompt == "" {
		t.Fatalf("role override not merged: %+v", got)
	}
}

func TestLoadProvidersConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing model", "profiles: [{provider: openai}]", "provider and model"},
		{"bad role", "profiles: [{provider: openai, model: x, roles: [wizard]}]", "unknown role"},
		{"bad ledger", "ledger: {driver: tape}", "unknown driver"},
		{"bad state", "state: {driver: etcd}", "unknown driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "providers.yaml")
			writeFile(t, path, tt.yaml)
			_, err := LoadProvidersConfig(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q, got %v", tt.want, err)
			}
		})
	}
}

func TestToolPolicyDeniesWhenUnconfigured(t *testing.T) {
	p := ToolConfig{}.Policy()
	if p == nil {
		t.Fatalf("expected a policy")
	}
	if err := p.Check([]string{"sh", "-c", "true"}, ""); err == nil {
		t.Fatalf("unconfigured tools should be denied")
	}
	p = ToolConfig{AllowedExecs: []string{"go"}}.Policy()
	if err := p.Check([]string{"go", "test"}, ""); err != nil {
		t.Fatalf("expected allowed exec: %v", err)
	}
}

func TestBuildRegistry(t *testing.T) {
	cfg := &Config{OpenAIAPIKey: "key", Providers: DefaultProvidersConfig()}
	for i, p := range cfg.Providers.Profiles {
		if p.Model == "gpt-5.2-instant" {
			cfg.Providers.Profiles[i].Model = "fast"
		}
	}

	var created []string
	factory := func(provider, key string) (adapter.Adapter, error) {
		if key != "key" {
			t.Fatalf("unexpected key %q for %s", key, provider)
		}
		created = append(created, provider)
		return adapter.NewNamedMock(provider), nil
	}

	reg, skipped, err := BuildRegistry(cfg, factory)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(created) != 1 || created[0] != "openai" {
		t.Fatalf("expected one openai adapter, got %v", created)
	}
	profiles := reg.Snapshot()
	if len(profiles) != 2 {
		t.Fatalf("expected two openai profiles, got %+v", profiles)
	}
	p, ok := reg.Profile("openai/gpt-5.2-instant")
	if !ok || p.Pricing.PromptPer1K != 0.0005 || !p.Supports(schema.RoleExecutor) || p.Supports(schema.RolePlanner) {
		t.Fatalf("unexpected profile %+v", p)
	}
	if len(skipped) != len(cfg.Providers.Profiles)-2 {
		t.Fatalf("unexpected skipped %v", skipped)
	}
}

func TestBuildRegistryMockProvider(t *testing.T) {
	cfg := &Config{Providers: &ProvidersConfig{Profiles: []ProfileConfig{{Provider: "mock", Model: "mock-1"}}}}
	applyDefaults(cfg.Providers)

	reg, skipped, err := BuildRegistry(cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(skipped) != 0 {
		t.Fatalf("unexpected skipped %v", skipped)
	}
	if _, ok := reg.Adapter("mock"); !ok {
		t.Fatalf("mock adapter not registered")
	}
}

func TestCatalog(t *testing.T) {
	c := DefaultCatalog()
	if c.Resolve("fast") != "gpt-5.2-instant" || c.Resolve("gpt-5.2-instant") != "gpt-5.2-instant" {
		t.Fatalf("unexpected resolve")
	}
	if !c.IsAlias("deep") || c.IsAlias("claude-opus-4-20250514") {
		t.Fatalf("unexpected IsAlias")
	}
	if err := c.Validate("openai", "gpt-5.2-pro"); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := c.Validate("openai", "gpt-2"); err == nil {
		t.Fatalf("expected unknown model error")
	}
	if err := c.Validate("acme", "x"); err == nil {
		t.Fatalf("expected unknown provider error")
	}
	if c.ProviderFor("deepseek-reasoner") != "deepseek" || c.ProviderFor("nope") != "" {
		t.Fatalf("unexpected ProviderFor")
	}

	var nilCatalog *ModelCatalog
	if nilCatalog.Resolve("fast") != "fast" || nilCatalog.Validate("x", "y") != nil {
		t.Fatalf("nil catalog should be permissive")
	}

	errs := c.ValidateProfiles([]ProfileConfig{{Provider: "openai", Model: "fast"}, {Provider: "openai", Model: "gpt-1"}})
	if len(errs) != 1 {
		t.Fatalf("expected one error, got %v", errs)
	}
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	writeFile(t, path, "aliases:\n  tiny: mini-1\nmodels:\n  acme: [mini-1]\n")
	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Resolve("tiny") != "mini-1" || c.Validate("acme", "mini-1") != nil {
		t.Fatalf("unexpected catalog %+v", c)
	}
	if _, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func setHomeEnv(t *testing.T, home string) {
	t.Helper()
	t.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", home)
	}
}
