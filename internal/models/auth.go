package models

import (
	"fmt"
	"os"
	"strings"

	"github.com/mpernot/ordo/internal/config"
	"github.com/mpernot/ordo/internal/secrets"
)

// AuthKind distinguishes between API key and Bearer token auth.
type AuthKind int

const (
	AuthAPIKey AuthKind = iota
	AuthBearerToken
)

// ResolvedAuth holds the resolved credentials and their kind.
type ResolvedAuth struct {
	Kind  AuthKind
	Value string
}

// ResolveAuth resolves the credentials for a provider.
// Resolution order: direct token → direct api_key → env_var → driver default
// env. Values may be ${VAR} references or ENC[age:...] ciphertext.
func ResolveAuth(cfg config.ProviderConfig) (ResolvedAuth, error) {
	resolve := func(value string) (string, error) {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return "", nil
		}
		if strings.HasPrefix(trimmed, "${") && strings.HasSuffix(trimmed, "}") {
			return os.Getenv(trimmed[2 : len(trimmed)-1]), nil
		}
		if secrets.IsEncrypted(trimmed) {
			identity, err := secrets.LoadIdentity(secrets.KeyPath())
			if err != nil {
				return "", fmt.Errorf("load age identity: %w", err)
			}
			return secrets.Decrypt(trimmed, identity)
		}
		return trimmed, nil
	}

	// Direct Bearer token takes priority
	token, err := resolve(cfg.Auth.Token)
	if err != nil {
		return ResolvedAuth{}, err
	}
	if token != "" {
		return ResolvedAuth{Kind: AuthBearerToken, Value: token}, nil
	}

	apiKey, err := resolve(cfg.Auth.APIKey)
	if err != nil {
		return ResolvedAuth{}, err
	}
	if apiKey != "" {
		return ResolvedAuth{Kind: AuthAPIKey, Value: apiKey}, nil
	}

	// Default env vars per driver
	switch strings.ToLower(cfg.Driver) {
	case "claude", "anthropic":
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			return ResolvedAuth{Kind: AuthAPIKey, Value: key}, nil
		}
		return ResolvedAuth{}, fmt.Errorf("ANTHROPIC_API_KEY not set")
	case "openai":
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			return ResolvedAuth{Kind: AuthAPIKey, Value: key}, nil
		}
		return ResolvedAuth{}, fmt.Errorf("OPENAI_API_KEY not set")
	default:
		return ResolvedAuth{}, fmt.Errorf("unknown driver %q: cannot resolve auth", cfg.Driver)
	}
}
