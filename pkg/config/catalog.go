package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ModelCatalog resolves model aliases and lists the models each provider
// serves.
type ModelCatalog struct {
	Aliases map[string]string   `yaml:"aliases"`
	Models  map[string][]string `yaml:"models"`
}

// LoadCatalog reads a model catalog from a YAML file.
func LoadCatalog(path string) (*ModelCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c ModelCatalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if c.Aliases == nil {
		c.Aliases = make(map[string]string)
	}
	if c.Models == nil {
		c.Models = make(map[string][]string)
	}
	return &c, nil
}

// Resolve returns the canonical model name for an alias. Non-aliases are
// returned unchanged.
func (c *ModelCatalog) Resolve(modelOrAlias string) string {
	if c == nil {
		return modelOrAlias
	}
	if canonical, ok := c.Aliases[modelOrAlias]; ok {
		return canonical
	}
	return modelOrAlias
}

func (c *ModelCatalog) IsAlias(name string) bool {
	if c == nil {
		return false
	}
	_, ok := c.Aliases[name]
	return ok
}

// Validate checks that model is listed for provider. Providers without a
// model list are not checked.
func (c *ModelCatalog) Validate(provider, model string) error {
	if c == nil || provider == "mock" {
		return nil
	}
	models, ok := c.Models[provider]
	if !ok {
		return fmt.Errorf("unknown provider %q", provider)
	}
	for _, m := range models {
		if m == model {
			return nil
		}
	}
	return fmt.Errorf("model %q not in %s model list", model, provider)
}

// ProviderFor returns the provider serving a canonical model, or "".
func (c *ModelCatalog) ProviderFor(model string) string {
	if c == nil {
		return ""
	}
	for _, p := range c.Providers() {
		for _, m := range c.Models[p] {
			if m == model {
				return p
			}
		}
	}
	return ""
}

// Providers returns the catalog's provider names in sorted order.
func (c *ModelCatalog) Providers() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.Models))
	for p := range c.Models {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ValidateProfiles reports every profile whose model is unknown.
func (c *ModelCatalog) ValidateProfiles(profiles []ProfileConfig) []error {
	var errs []error
	for _, p := range profiles {
		if err := c.Validate(p.Provider, c.Resolve(p.Model)); err != nil {
			errs = append(errs, fmt.Errorf("profile %s/%s: %w", p.Provider, p.Model, err))
		}
	}
	return errs
}

// DefaultCatalog returns the built-in aliases and model lists.
func DefaultCatalog() *ModelCatalog {
	return &ModelCatalog{
		Aliases: map[string]string{
			"fast":     "gpt-5.2-instant",
			"thinking": "gpt-5.2-thinking",
			"quality":  "claude-sonnet-4-20250514",
			"deep":     "claude-opus-4-20250514",
			"research": "gemini-2.0-pro",
			"cheap":    "deepseek-chat",
			"reason":   "deepseek-reasoner",
		},
		Models: map[string][]string{
			"anthropic": {"claude-sonnet-4-20250514", "claude-opus-4-20250514"},
			"openai":    {"gpt-5.2-instant", "gpt-5.2-thinking", "gpt-5.2-codex", "gpt-5.2-pro"},
			"google":    {"gemini-2.0-pro"},
			"deepseek":  {"deepseek-chat", "deepseek-coder", "deepseek-reasoner"},
		},
	}
}
