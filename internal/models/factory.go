// Package models builds and caches the LLM providers behind the generation
// capability.
package models

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"

	"github.com/mpernot/ordo/internal/config"
)

// CreateModel creates a chat model from a provider config.
func CreateModel(ctx context.Context, cfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	switch strings.ToLower(cfg.Driver) {
	case "claude", "anthropic":
		auth, err := ResolveAuth(cfg)
		if err != nil {
			return nil, fmt.Errorf("resolve auth: %w", err)
		}
		return NewClaude(ctx, cfg, auth)
	case "openai":
		auth, err := ResolveAuth(cfg)
		if err != nil {
			return nil, fmt.Errorf("resolve auth: %w", err)
		}
		return NewOpenAI(ctx, cfg, auth)
	case "ollama":
		return NewOllama(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown driver: %s", cfg.Driver)
	}
}
