package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "localchat.toml")
	data := `
backend = "openai"
model = "qwen2.5-7b-instruct"
request_timeout = "90s"
journal_path = ""
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg := Default()
	require.NoError(t, LoadFile(&cfg, path, false))

	assert.Equal(t, BackendOpenAI, cfg.Backend)
	assert.Equal(t, "qwen2.5-7b-instruct", cfg.Model)
	assert.Equal(t, 90*time.Second, cfg.RequestTimeout)
	assert.Empty(t, cfg.JournalPath)
	assert.Equal(t, "logs", cfg.LogDir, "unset keys keep their defaults")
	assert.Equal(t, DefaultOpenAIURL, cfg.ResolvedBaseURL())
}

func TestLoadFileMissing(t *testing.T) {
	cfg := Default()
	missing := filepath.Join(t.TempDir(), "nope.toml")

	require.NoError(t, LoadFile(&cfg, missing, true))
	require.Error(t, LoadFile(&cfg, missing, false))
}

func TestLoadFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("backend = "), 0o600))

	cfg := Default()
	require.Error(t, LoadFile(&cfg, path, false))
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"LOCALCHAT_MODEL":    "phi3:mini",
		"LOCALCHAT_BASE_URL": "http://gpu-box:11434/",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) string { return env[k] })

	assert.Equal(t, BackendOllama, cfg.Backend)
	assert.Equal(t, "phi3:mini", cfg.Model)
	assert.Equal(t, "http://gpu-box:11434", cfg.ResolvedBaseURL())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"openai backend", func(c *Config) { c.Backend = BackendOpenAI }, false},
		{"unknown backend", func(c *Config) { c.Backend = "grok" }, true},
		{"blank model", func(c *Config) { c.Model = "  " }, true},
		{"negative timeout", func(c *Config) { c.RequestTimeout = -time.Second }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
