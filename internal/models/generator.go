package models

import (
	"context"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/mpernot/ordo/internal/capability"
	"github.com/mpernot/ordo/internal/events"
)

// Generator adapts the model registry to the inference capability. Every call
// is announced on the bus so the budget tracker can commit actual token usage.
type Generator struct {
	registry *Registry
	bus      *events.Bus
	provider string // empty = registry default
}

// NewGenerator creates a Generator using the registry's default provider.
func NewGenerator(registry *Registry, bus *events.Bus) *Generator {
	return &Generator{registry: registry, bus: bus}
}

// WithProvider returns a Generator pinned to a named provider.
func (g *Generator) WithProvider(name string) *Generator {
	return &Generator{registry: g.registry, bus: g.bus, provider: name}
}

func (g *Generator) providerName() string {
	if g.provider != "" {
		return g.provider
	}
	return g.registry.DefaultName()
}

// Generate performs a non-streaming chat completion.
func (g *Generator) Generate(ctx context.Context, req capability.GenerateRequest) (*capability.GenerateResponse, error) {
	name := g.providerName()

	cm, err := g.registry.Get(ctx, name)
	if err != nil {
		return nil, Classify(name, err)
	}

	g.publish(events.LLMCallPayload{Phase: "request", TaskID: req.TaskID, Provider: name})

	var msgs []*schema.Message
	if req.System != "" {
		msgs = append(msgs, schema.SystemMessage(req.System))
	}
	msgs = append(msgs, schema.UserMessage(req.Prompt))

	var opts []model.Option
	if req.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(req.MaxTokens))
	}

	out, err := cm.Generate(ctx, msgs, opts...)
	if err != nil {
		err = Classify(name, err)
		g.publish(events.LLMCallPayload{Phase: "response", TaskID: req.TaskID, Provider: name, Error: err.Error()})
		return nil, err
	}

	resp := &capability.GenerateResponse{Text: out.Content}
	if out.ResponseMeta != nil && out.ResponseMeta.Usage != nil {
		resp.TokensInput = out.ResponseMeta.Usage.PromptTokens
		resp.TokensOutput = out.ResponseMeta.Usage.CompletionTokens
	}

	g.publish(events.LLMCallPayload{
		Phase: "response", TaskID: req.TaskID, Provider: name,
		TokensInput: resp.TokensInput, TokensOutput: resp.TokensOutput,
	})
	return resp, nil
}

func (g *Generator) publish(payload events.LLMCallPayload) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(events.NewTypedEvent(events.SourceWorker, payload))
}
