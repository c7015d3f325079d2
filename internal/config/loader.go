package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates, strips
// comments and trailing commas, unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand env templates before stripping, since templates live inside strings.
	expanded := expandEnvTemplates(string(data))

	std, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("standardize config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a Config with all defaults applied and no providers.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
// The numeric defaults are representative, not contracts; all are configurable.
func applyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18520
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
	if cfg.Budget.Ceilings == nil {
		cfg.Budget.Ceilings = map[string]int{
			"working":    8000,
			"session":    32000,
			"persistent": 64000,
			"artifact":   4000,
		}
	}
	if cfg.Budget.CompressThreshold == 0 {
		cfg.Budget.CompressThreshold = 0.70
	}
	if cfg.Budget.RefuseThreshold == 0 {
		cfg.Budget.RefuseThreshold = 0.85
	}
	if cfg.Compose.MaxConcurrency == 0 {
		cfg.Compose.MaxConcurrency = 4
	}
	if cfg.Compose.RetryLimit == 0 {
		cfg.Compose.RetryLimit = 3
	}
	if cfg.Compose.BackoffBase == 0 {
		cfg.Compose.BackoffBase = Duration(500 * time.Millisecond)
	}
	if cfg.Compose.ConfidenceThreshold == 0 {
		cfg.Compose.ConfidenceThreshold = 0.8
	}
	if cfg.Phases.RemediationLimit == 0 {
		cfg.Phases.RemediationLimit = 3
	}
	if cfg.Degrade.GoalDriftThreshold == 0 {
		cfg.Degrade.GoalDriftThreshold = 0.6
	}
	if cfg.Degrade.BoundaryRatio == 0 {
		cfg.Degrade.BoundaryRatio = 0.2
	}
	if cfg.Workers.MaxWorkers == 0 {
		cfg.Workers.MaxWorkers = 4
	}
	if cfg.Workers.TTLHops == 0 {
		cfg.Workers.TTLHops = 5
	}
	if cfg.Workers.Timeout == 0 {
		cfg.Workers.Timeout = Duration(120 * time.Second)
	}
}
