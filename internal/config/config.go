// Package config handles llmrelay configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./llmrelay.yaml, ~/.config/llmrelay/config.yaml, /etc/llmrelay/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"llmrelay.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "llmrelay", "config.yaml"))
	}

	paths = append(paths, "/etc/llmrelay/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all llmrelay configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Providers ProvidersConfig `yaml:"providers"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the gateway server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 8080
}

// ProvidersConfig defines upstream provider endpoints and credentials.
type ProvidersConfig struct {
	Ollama    OllamaConfig `yaml:"ollama"`
	OpenAI    HostedConfig `yaml:"openai"`
	Anthropic HostedConfig `yaml:"anthropic"`
	Google    HostedConfig `yaml:"google"`
}

// OllamaConfig defines the local inference daemon endpoint.
type OllamaConfig struct {
	URL string `yaml:"url"` // Default: http://localhost:11434
}

// HostedConfig defines credentials for a hosted provider API.
type HostedConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // Optional endpoint override
}

// AuthConfig defines client and admin authentication for the gateway.
type AuthConfig struct {
	// RequireAPIKey rejects streaming requests that do not carry a
	// recognized, enabled key from the key store.
	RequireAPIKey bool `yaml:"require_api_key"`
	// AdminKey protects the /admin endpoints. Empty disables them.
	AdminKey string `yaml:"admin_key"`
	// KeysDB is the sqlite file backing the API key store.
	KeysDB string `yaml:"keys_db"`
}

// RateLimitConfig defines the per-key token bucket.
type RateLimitConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Capacity     float64 `yaml:"capacity"`       // Bucket size (default 10)
	RefillPerSec float64 `yaml:"refill_per_sec"` // Tokens per second (default 1)
}

// Load reads configuration from a YAML file and applies defaults and
// environment fallbacks for provider credentials (OPENAI_API_KEY,
// ANTHROPIC_API_KEY, GEMINI_API_KEY).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a config with all defaults applied and no file read.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Providers.Ollama.URL == "" {
		c.Providers.Ollama.URL = "http://localhost:11434"
	}
	if c.Auth.KeysDB == "" {
		c.Auth.KeysDB = "llmrelay-keys.db"
	}
	if c.RateLimit.Capacity <= 0 {
		c.RateLimit.Capacity = 10
	}
	if c.RateLimit.RefillPerSec <= 0 {
		c.RateLimit.RefillPerSec = 1
	}

	if c.Providers.OpenAI.APIKey == "" {
		c.Providers.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Providers.Anthropic.APIKey == "" {
		c.Providers.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.Providers.Google.APIKey == "" {
		c.Providers.Google.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if c.Auth.AdminKey == "" {
		c.Auth.AdminKey = os.Getenv("LLMRELAY_ADMIN_KEY")
	}
}
