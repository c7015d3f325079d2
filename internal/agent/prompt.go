package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mpernot/ordo/internal/capability"
	"github.com/mpernot/ordo/internal/memstore"
	"github.com/mpernot/ordo/internal/task"
)

// DefaultSystem is the baseline system prompt for every worker.
const DefaultSystem = `You are a focused worker inside an orchestration engine. You receive one task, its relevant context, and an output contract. Do exactly the task. Use only the context provided. If the context is insufficient, say what is missing instead of inventing facts.`

// ComposePrompt renders a task, its scoped memory, and discovered facts into
// the worker prompt. Sections are omitted when empty.
func ComposePrompt(t *task.Task, view *memstore.View, facts []capability.Fact) string {
	var sections []string

	var sb strings.Builder
	sb.WriteString("## Task\n\n")
	sb.WriteString(t.Title)
	if t.Request.Instructions != "" {
		sb.WriteString("\n\n")
		sb.WriteString(t.Request.Instructions)
	}
	sections = append(sections, sb.String())

	if s := renderInputs(t.Request.Inputs); s != "" {
		sections = append(sections, "## Inputs\n\n"+s)
	}

	if view != nil {
		if s := renderMemory(view.Snapshot()); s != "" {
			sections = append(sections, "## Context\n\n"+s)
		}
	}

	if len(facts) > 0 {
		var fb strings.Builder
		fb.WriteString("## Supporting Facts\n\n")
		for _, f := range facts {
			if f.Line > 0 {
				fmt.Fprintf(&fb, "- %s:%d: %s\n", f.Path, f.Line, f.Snippet)
			} else {
				fmt.Fprintf(&fb, "- %s: %s\n", f.Path, f.Snippet)
			}
		}
		sections = append(sections, strings.TrimRight(fb.String(), "\n"))
	}

	if s := renderContract(t.Schema); s != "" {
		sections = append(sections, "## Output Contract\n\n"+s)
	}

	return strings.Join(sections, "\n\n")
}

func renderInputs(inputs map[string]any) string {
	if len(inputs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		if k == "search" {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "- %s: %v\n", k, inputs[k])
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderMemory(snapshot map[memstore.Layer][]*memstore.Record) string {
	var sb strings.Builder
	for _, layer := range memstore.Layers() {
		recs := snapshot[layer]
		if len(recs) == 0 {
			continue
		}
		sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })
		fmt.Fprintf(&sb, "### %s\n\n", layer)
		for _, rec := range recs {
			if layer == memstore.LayerArtifact {
				fmt.Fprintf(&sb, "[%s] -> %s (%s)\n", rec.Key, rec.Location, rec.Description)
				continue
			}
			fmt.Fprintf(&sb, "[%s]: %s\n", rec.Key, rec.ValueString())
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderContract(s *task.OutputSchema) string {
	if s == nil {
		return ""
	}
	var sb strings.Builder
	if s.Format != "" {
		fmt.Fprintf(&sb, "Respond in %s format.\n", s.Format)
	}
	if len(s.Required) > 0 {
		fmt.Fprintf(&sb, "The output must contain the fields: %s.\n", strings.Join(s.Required, ", "))
	}
	for _, fb := range describeBounds(s.Bounds) {
		sb.WriteString(fb)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func describeBounds(bounds map[string]task.Bound) []string {
	if len(bounds) == 0 {
		return nil
	}
	keys := make([]string, 0, len(bounds))
	for k := range bounds {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []string
	for _, k := range keys {
		b := bounds[k]
		switch {
		case b.Min != nil && b.Max != nil:
			out = append(out, fmt.Sprintf("Field %q must be between %v and %v.", k, *b.Min, *b.Max))
		case b.Min != nil:
			out = append(out, fmt.Sprintf("Field %q must be at least %v.", k, *b.Min))
		case b.Max != nil:
			out = append(out, fmt.Sprintf("Field %q must be at most %v.", k, *b.Max))
		}
	}
	return out
}
