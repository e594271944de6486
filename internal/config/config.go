// Package config loads runtime settings from a TOML file and flags.
package config

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/emberml/ember/internal/kvcache"
)

// Config holds every tunable the CLI and server expose. Zero values
// mean "unset" and are filled by Default before validation.
type Config struct {
	ModelPath string `toml:"model_path" json:"model_path"`

	// Backend selects the compute path: "ref" or "parallel".
	Backend string `toml:"backend" json:"backend"`
	// Workers bounds backend parallelism; 0 means one per CPU.
	Workers int `toml:"workers" json:"workers"`

	// ContextLength caps the KV cache; 0 uses the model's maximum.
	ContextLength int    `toml:"context_length" json:"context_length"`
	CachePolicy   string `toml:"cache_policy" json:"cache_policy"`

	Temperature float64 `toml:"temperature" json:"temperature"`
	TopK        int     `toml:"top_k" json:"top_k"`
	TopP        float64 `toml:"top_p" json:"top_p"`
	RepPenalty  float64 `toml:"rep_penalty" json:"rep_penalty"`
	Seed        int64   `toml:"seed" json:"seed"`
	MaxTokens   int     `toml:"max_tokens" json:"max_tokens"`

	ListenAddr string `toml:"listen_addr" json:"listen_addr"`

	// TraceAddr, when set, enables Arrow Flight trace export.
	TraceAddr string `toml:"trace_addr" json:"trace_addr"`

	LogLevel  string `toml:"log_level" json:"log_level"`
	LogFormat string `toml:"log_format" json:"log_format"`
}

// Default returns the configuration used when no file or flag says
// otherwise.
func Default() Config {
	return Config{
		Backend:     "parallel",
		CachePolicy: string(kvcache.PolicyHardStop),
		Temperature: 0.8,
		TopK:        40,
		TopP:        0.95,
		RepPenalty:  1.0,
		MaxTokens:   128,
		ListenAddr:  ":8080",
		LogLevel:    "info",
		LogFormat:   "console",
	}
}

// Load reads a TOML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Backend {
	case "ref", "parallel":
	default:
		return fmt.Errorf("backend must be ref or parallel, got %q", c.Backend)
	}
	if _, err := kvcache.ParsePolicy(c.CachePolicy); err != nil {
		return err
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	}
	if c.ContextLength < 0 {
		return fmt.Errorf("context_length must be >= 0, got %d", c.ContextLength)
	}
	if c.Temperature < 0 {
		return fmt.Errorf("temperature must be >= 0, got %g", c.Temperature)
	}
	if c.TopP < 0 || c.TopP > 1 {
		return fmt.Errorf("top_p must be in [0, 1], got %g", c.TopP)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens)
	}
	return nil
}
