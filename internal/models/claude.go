package models

import (
	"context"

	einoclaude "github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino/components/model"

	"github.com/mpernot/ordo/internal/config"
)

const (
	defaultClaudeModel     = "claude-sonnet-4-5"
	defaultClaudeMaxTokens = 4096
)

// NewClaude creates an Anthropic Claude ChatModel.
func NewClaude(ctx context.Context, cfg config.ProviderConfig, auth ResolvedAuth) (model.ToolCallingChatModel, error) {
	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultClaudeModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultClaudeMaxTokens
	}

	modelConfig := &einoclaude.Config{
		APIKey:    auth.Value,
		Model:     modelName,
		MaxTokens: maxTokens,
	}

	if cfg.BaseURL != "" {
		baseURL := cfg.BaseURL
		modelConfig.BaseURL = &baseURL
	}

	if cfg.Options != nil {
		if temp, ok := cfg.Options["temperature"].(float64); ok {
			t := float32(temp)
			modelConfig.Temperature = &t
		}
		if topP, ok := cfg.Options["top_p"].(float64); ok {
			p := float32(topP)
			modelConfig.TopP = &p
		}
	}

	return einoclaude.NewChatModel(ctx, modelConfig)
}
