package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "parallel", cfg.Backend)
	assert.Equal(t, "hard_stop", cfg.CachePolicy)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ember.toml")
	body := `
model_path = "/models/toy.embr"
backend = "ref"
context_length = 512
cache_policy = "slide_window"
temperature = 0.0
max_tokens = 32
log_level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/models/toy.embr", cfg.ModelPath)
	assert.Equal(t, "ref", cfg.Backend)
	assert.Equal(t, 512, cfg.ContextLength)
	assert.Equal(t, "slide_window", cfg.CachePolicy)
	assert.Zero(t, cfg.Temperature)
	assert.Equal(t, 32, cfg.MaxTokens)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched keys keep their defaults.
	assert.Equal(t, 40, cfg.TopK)
	assert.Equal(t, ":8080", cfg.ListenAddr)
}

func TestLoadBadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("backend = ["), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"bad backend":     func(c *Config) { c.Backend = "gpu" },
		"bad policy":      func(c *Config) { c.CachePolicy = "lru" },
		"negative temp":   func(c *Config) { c.Temperature = -1 },
		"top_p above one": func(c *Config) { c.TopP = 1.5 },
		"zero max tokens": func(c *Config) { c.MaxTokens = 0 },
		"negative ctx":    func(c *Config) { c.ContextLength = -4 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
