package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DirName is the per-user configuration directory under $HOME.
const DirName = ".autoos"

// Config holds the application configuration.
type Config struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GoogleAPIKey    string
	DeepSeekAPIKey  string
	Providers       *ProvidersConfig
	ConfigDir       string
}

// FileConfig represents the structure of ~/.autoos/config.yaml
type FileConfig struct {
	APIKeys APIKeysConfig `yaml:"api_keys"`
}

// APIKeysConfig holds API key configuration from file.
type APIKeysConfig struct {
	Anthropic string `yaml:"anthropic"`
	OpenAI    string `yaml:"openai"`
	Google    string `yaml:"google"`
	DeepSeek  string `yaml:"deepseek"`
}

// Load reads ~/.autoos/config.yaml and ~/.autoos/providers.yaml (when
// present). Environment variables take precedence over file API keys.
func Load() (*Config, error) {
	return LoadWithProvidersFile("")
}

// LoadWithProvidersFile loads config with a specific providers file. An
// empty path uses ~/.autoos/providers.yaml or the built-in defaults.
func LoadWithProvidersFile(providersPath string) (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	fileConfig, err := loadFileConfig(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		AnthropicAPIKey: getEnvOrDefault("ANTHROPIC_API_KEY", fileConfig.APIKeys.Anthropic),
		OpenAIAPIKey:    getEnvOrDefault("OPENAI_API_KEY", fileConfig.APIKeys.OpenAI),
		GoogleAPIKey:    getEnvOrDefault("GOOGLE_API_KEY", fileConfig.APIKeys.Google),
		DeepSeekAPIKey:  getEnvOrDefault("DEEPSEEK_API_KEY", fileConfig.APIKeys.DeepSeek),
		ConfigDir:       configDir,
	}

	if providersPath == "" {
		defaultPath := filepath.Join(configDir, "providers.yaml")
		if _, err := os.Stat(defaultPath); err == nil {
			providersPath = defaultPath
		}
	}
	if providersPath == "" {
		cfg.Providers = DefaultProvidersConfig()
		return cfg, nil
	}

	providers, err := LoadProvidersConfig(providersPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load providers config from %s: %w", providersPath, err)
	}
	cfg.Providers = providers
	return cfg, nil
}

// APIKey returns the configured key for a provider, or "".
func (c *Config) APIKey(provider string) string {
	switch provider {
	case "anthropic":
		return c.AnthropicAPIKey
	case "openai":
		return c.OpenAIAPIKey
	case "google":
		return c.GoogleAPIKey
	case "deepseek":
		return c.DeepSeekAPIKey
	default:
		return ""
	}
}

// HasAdapter returns true if the given provider can be used. The mock
// provider needs no key.
func (c *Config) HasAdapter(name string) bool {
	return name == "mock" || c.APIKey(name) != ""
}

// loadFileConfig reads the config file, returning empty config if not found.
func loadFileConfig(path string) (*FileConfig, error) {
	cfg := &FileConfig{}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

func getConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(home, DirName)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return "", err
	}
	return configDir, nil
}
