// Package config loads and validates the ordo configuration.
package config

import "time"

// Config is the root configuration for ordo.
type Config struct {
	Gateway GatewayConfig `json:"gateway"`
	Models  ModelsConfig  `json:"models"`
	Events  EventsConfig  `json:"events"`
	Budget  BudgetConfig  `json:"budget"`
	Compose ComposeConfig `json:"compose"`
	Phases  PhasesConfig  `json:"phases"`
	Degrade DegradeConfig `json:"degrade"`
	Workers WorkersConfig `json:"workers"`
}

// GatewayConfig holds the gateway server settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ModelsConfig holds model provider configuration.
type ModelsConfig struct {
	Default   string                    `json:"default"`
	Providers map[string]ProviderConfig `json:"providers"`
}

// ProviderConfig configures a single LLM provider.
type ProviderConfig struct {
	Driver    string         `json:"driver"` // "anthropic", "openai", "ollama"
	Model     string         `json:"model"`
	BaseURL   string         `json:"base_url,omitempty"`
	Auth      AuthConfig     `json:"auth"`
	MaxTokens int            `json:"max_tokens,omitempty"`
	Timeout   Duration       `json:"timeout,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// AuthConfig configures API key resolution.
// Values may be literal, ${{ .Env.VAR }} templates, or ENC[age:...] ciphertext.
type AuthConfig struct {
	APIKey string `json:"api_key,omitempty"`
	Token  string `json:"token,omitempty"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int `json:"buffer_size"`
}

// BudgetConfig holds the per-layer token ceilings and saturation thresholds.
type BudgetConfig struct {
	Ceilings          map[string]int `json:"ceilings"` // layer → token ceiling
	CompressThreshold float64        `json:"compress_threshold"`
	RefuseThreshold   float64        `json:"refuse_threshold"`
}

// ComposeConfig holds composition engine defaults.
type ComposeConfig struct {
	MaxConcurrency      int      `json:"max_concurrency"`
	RetryLimit          int      `json:"retry_limit"`
	BackoffBase         Duration `json:"backoff_base"`
	ConfidenceThreshold float64  `json:"confidence_threshold"` // supervisor verbatim-forward cutoff
}

// PhasesConfig holds phase state machine settings.
type PhasesConfig struct {
	GatesFile        string   `json:"gates_file,omitempty"` // YAML gate declarations
	RemediationLimit int      `json:"remediation_limit"`
	Deadline         Duration `json:"deadline,omitempty"` // per-phase deadline (0 = none)
}

// DegradeConfig holds degradation monitor thresholds.
type DegradeConfig struct {
	GoalDriftThreshold float64 `json:"goal_drift_threshold"`
	BoundaryRatio      float64 `json:"boundary_ratio"` // critical-content edge window
}

// WorkersConfig holds worker dispatcher settings.
type WorkersConfig struct {
	MaxWorkers int      `json:"max_workers"`
	TTLHops    int      `json:"ttl_hops"`
	Timeout    Duration `json:"timeout"`
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
