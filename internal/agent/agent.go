// Package agent implements the worker runner backed by the inference
// capability. It turns a task plus its scoped memory view into a prompt,
// calls the generator, and shapes the reply into a task result.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mpernot/ordo/internal/capability"
	"github.com/mpernot/ordo/internal/memstore"
	"github.com/mpernot/ordo/internal/task"
)

// DefaultBudget is the token budget used when a task declares none.
const DefaultBudget = 2048

// Options configures a Runner.
type Options struct {
	Generator capability.Generator
	Discovery capability.Discovery // nil-safe: tasks simply get no facts
	MaxFacts  int                  // supporting facts per task (default 20)
	System    string               // system prompt prefix, default DefaultSystem
}

// Runner executes tasks through the generator. It implements worker.Runner.
type Runner struct {
	opts Options
}

// NewRunner creates a Runner. Generator is required.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Generator == nil {
		return nil, fmt.Errorf("runner needs a generator")
	}
	if opts.MaxFacts == 0 {
		opts.MaxFacts = 20
	}
	if opts.System == "" {
		opts.System = DefaultSystem
	}
	return &Runner{opts: opts}, nil
}

// Run executes one task: discover supporting facts, compose the prompt, call
// the generator, and shape the reply against the task's output contract.
func (r *Runner) Run(ctx context.Context, t *task.Task, view *memstore.View) (*task.Result, error) {
	facts, err := r.discover(ctx, t)
	if err != nil {
		slog.Warn("agent: discovery failed, continuing without facts",
			"task_id", t.ID, "error", err)
		facts = nil
	}

	budget := t.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}

	resp, err := r.opts.Generator.Generate(ctx, capability.GenerateRequest{
		TaskID:    t.ID,
		System:    r.opts.System,
		Prompt:    ComposePrompt(t, view, facts),
		MaxTokens: budget,
	})
	if err != nil {
		return nil, fmt.Errorf("generate for task %s: %w", t.ID, err)
	}

	return shapeResult(t, resp), nil
}

// discover runs the task's search directive, if any, against the corpus.
// The directive lives in Request.Inputs under "search": a map with "globs"
// and optionally "content".
func (r *Runner) discover(ctx context.Context, t *task.Task) ([]capability.Fact, error) {
	if r.opts.Discovery == nil {
		return nil, nil
	}
	raw, ok := t.Request.Inputs["search"]
	if !ok {
		return nil, nil
	}
	directive, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("search directive is not a map")
	}

	q := capability.Query{MaxResults: r.opts.MaxFacts}
	if globs, ok := directive["globs"].([]any); ok {
		for _, g := range globs {
			if s, ok := g.(string); ok {
				q.Globs = append(q.Globs, s)
			}
		}
	}
	if content, ok := directive["content"].(string); ok {
		q.Content = content
	}
	if len(q.Globs) == 0 {
		return nil, fmt.Errorf("search directive has no globs")
	}

	return r.opts.Discovery.Discover(ctx, q)
}

// shapeResult parses the generator reply against the task's declared format.
// A JSON contract gets its object decoded into the structured output; every
// reply keeps the raw text.
func shapeResult(t *task.Task, resp *capability.GenerateResponse) *task.Result {
	res := &task.Result{
		Text:       resp.Text,
		Confidence: 1.0,
		TokensUsed: resp.TokensInput + resp.TokensOutput,
	}

	if t.Schema != nil && t.Schema.Format == "json" {
		if output, ok := decodeObject(resp.Text); ok {
			res.Output = output
		}
	}

	if res.Output != nil {
		if c, ok := res.Output["confidence"]; ok {
			if f, ok := asConfidence(c); ok {
				res.Confidence = f
			}
		}
	}
	return res
}

// decodeObject extracts a JSON object from reply text, tolerating markdown
// code fences around it.
func decodeObject(text string) (map[string]any, bool) {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, false
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(s[start:end+1]), &out); err != nil {
		return nil, false
	}
	return out, true
}

func asConfidence(v any) (float64, bool) {
	f, ok := v.(float64)
	if !ok || f < 0 || f > 1 {
		return 0, false
	}
	return f, true
}
