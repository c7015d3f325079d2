package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	einoollama "github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino/components/model"

	"github.com/mpernot/ordo/internal/capability"
	"github.com/mpernot/ordo/internal/config"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// NewOllama creates an Ollama ChatModel.
func NewOllama(ctx context.Context, cfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}

	modelConfig := &einoollama.ChatModelConfig{
		BaseURL: baseURL,
		Model:   cfg.Model,
	}

	if cfg.Timeout.Duration() > 0 {
		modelConfig.Timeout = cfg.Timeout.Duration()
	} else {
		modelConfig.Timeout = 300 * time.Second
	}

	opts := &einoollama.Options{}

	if cfg.MaxTokens > 0 {
		opts.NumPredict = cfg.MaxTokens
	}

	if len(cfg.Options) > 0 {
		if temp, ok := cfg.Options["temperature"].(float64); ok {
			opts.Temperature = float32(temp)
		}
		if numCtx, ok := cfg.Options["num_ctx"].(float64); ok {
			opts.NumCtx = int(numCtx)
		}
		if numPredict, ok := cfg.Options["num_predict"].(float64); ok {
			opts.NumPredict = int(numPredict)
		}
		if topP, ok := cfg.Options["top_p"].(float64); ok {
			opts.TopP = float32(topP)
		}
		if topK, ok := cfg.Options["top_k"].(float64); ok {
			opts.TopK = int(topK)
		}
	}

	modelConfig.Options = opts

	// Inject a validating transport to detect non-JSON responses (e.g. a
	// reverse proxy answering "no available server" in plain text).
	modelConfig.HTTPClient = &http.Client{
		Timeout:   modelConfig.Timeout,
		Transport: &ollamaTransport{inner: http.DefaultTransport, provider: "ollama"},
	}

	return einoollama.NewChatModel(ctx, modelConfig)
}

// ollamaTransport wraps an http.RoundTripper to surface backend failures as
// typed provider errors.
type ollamaTransport struct {
	inner    http.RoundTripper
	provider string
}

func (t *ollamaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.inner.RoundTrip(req)
	if err != nil {
		return nil, &capability.ProviderError{Provider: t.provider, Kind: capability.KindUnavailable, Err: err}
	}

	// Non-2xx: read body and return structured error
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &capability.ProviderError{
			Provider: t.provider,
			Kind:     capability.KindUnavailable,
			Err:      fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	// Ollama sends application/x-ndjson for streaming, application/json
	// otherwise. Plain text means something between us and the backend broke.
	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.Contains(ct, "json") && !strings.Contains(ct, "ndjson") {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &capability.ProviderError{
			Provider: t.provider,
			Kind:     capability.KindUnavailable,
			Err:      errors.New(strings.TrimSpace(string(body))),
		}
	}

	return resp, nil
}
