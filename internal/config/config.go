package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	BackendOllama = "ollama"
	BackendOpenAI = "openai" // any OpenAI-compatible local server (llama.cpp, LM Studio, vLLM)
)

const (
	DefaultOllamaURL = "http://127.0.0.1:11434"
	DefaultOpenAIURL = "http://127.0.0.1:8080"
	DefaultModel     = "llama3.2:latest"
)

// Config holds application configuration
type Config struct {
	Backend        string        `toml:"backend"`
	Model          string        `toml:"model"`    // Model identifier passed to the engine on load
	BaseURL        string        `toml:"base_url"` // Empty means the backend's default
	APIKey         string        `toml:"api_key"`
	KeepAlive      string        `toml:"keep_alive"` // Ollama keep_alive for loaded models, e.g. "30m"
	RequestTimeout time.Duration `toml:"request_timeout"`

	LogDir      string `toml:"log_dir"`
	JournalPath string `toml:"journal_path"` // Empty disables the operation journal
	Listen      string `toml:"listen"`       // Serve the websocket UI on this address instead of the terminal
	Debug       bool   `toml:"debug"`
}

// Default returns the configuration used when nothing else is specified
func Default() Config {
	return Config{
		Backend:        BackendOllama,
		Model:          DefaultModel,
		KeepAlive:      "30m",
		RequestTimeout: 60 * time.Second,
		LogDir:         "logs",
		JournalPath:    "localchat.db",
	}
}

// DefaultPath returns ~/.localchat.toml, or "" when the home dir is unknown
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".localchat.toml")
}

// LoadFile overlays the TOML file at path onto cfg. A missing file is not an
// error when optional is set.
func LoadFile(cfg *Config, path string, optional bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// ApplyEnv overlays LOCALCHAT_* environment variables onto cfg
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("LOCALCHAT_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := getenv("LOCALCHAT_MODEL"); v != "" {
		c.Model = v
	}
	if v := getenv("LOCALCHAT_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := getenv("LOCALCHAT_API_KEY"); v != "" {
		c.APIKey = v
	}
}

// ResolvedBaseURL returns BaseURL or the default for the configured backend
func (c *Config) ResolvedBaseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	if c.Backend == BackendOpenAI {
		return DefaultOpenAIURL
	}
	return DefaultOllamaURL
}

// Validate checks the configuration is usable
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendOllama, BackendOpenAI:
	default:
		return fmt.Errorf("unknown backend: %s", c.Backend)
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("model must not be empty")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must not be negative: %s", c.RequestTimeout)
	}
	return nil
}
