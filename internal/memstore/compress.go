package memstore

import (
	"context"
	"fmt"
	"strings"
)

// Strategy decides how a layer's records are folded during compression.
// It returns the summary text and the keys of records to keep verbatim.
type Strategy interface {
	Name() string
	Compress(ctx context.Context, records []*Record) (summary string, keep []string, err error)
}

// SummarizeFunc performs a non-streaming LLM call for summarization.
type SummarizeFunc func(ctx context.Context, prompt string) (string, error)

// SummarizeStrategy folds all non-critical records into a single summary
// produced by an LLM call. On summarization failure it falls back to
// truncation: the most recently updated records are kept, the rest dropped.
type SummarizeStrategy struct {
	Summarize SummarizeFunc
	KeepLast  int // records kept verbatim on fallback (default 3)
}

func (s *SummarizeStrategy) Name() string { return "summarize" }

func (s *SummarizeStrategy) Compress(ctx context.Context, records []*Record) (string, []string, error) {
	var foldable []*Record
	for _, rec := range records {
		if rec.Critical || rec.Key == "_summary" {
			continue
		}
		foldable = append(foldable, rec)
	}
	if len(foldable) == 0 {
		return "", nil, nil
	}

	prompt := buildSummarizePrompt(records, foldable)

	summary, err := s.Summarize(ctx, prompt)
	if err != nil {
		// Truncation fallback: keep the most recent few records verbatim.
		keepLast := s.KeepLast
		if keepLast == 0 {
			keepLast = 3
		}
		keep := mostRecentKeys(foldable, keepLast)
		return "", keep, nil
	}

	return summary, nil, nil
}

func buildSummarizePrompt(all, foldable []*Record) string {
	var sb strings.Builder
	sb.WriteString("You are compacting the memory of an orchestration session.\n\n")

	for _, rec := range all {
		if rec.Key == "_summary" {
			sb.WriteString("## Previous Summary\n\n")
			sb.WriteString(rec.ValueString())
			sb.WriteString("\n\n")
		}
	}

	sb.WriteString("## Records to Fold\n\n")
	for _, rec := range foldable {
		fmt.Fprintf(&sb, "[%s]: %s\n\n", rec.Key, rec.ValueString())
	}

	sb.WriteString("## Instructions\n\n")
	sb.WriteString("Produce one structured summary incorporating any previous summary and the records above.\n")
	sb.WriteString("Preserve: key decisions, discovered patterns, requirements, user preferences.\n")
	sb.WriteString("Keep under 500 words.\n")
	return sb.String()
}

func mostRecentKeys(records []*Record, n int) []string {
	if n >= len(records) {
		keys := make([]string, len(records))
		for i, rec := range records {
			keys[i] = rec.Key
		}
		return keys
	}

	// Selection by recency without sorting the caller's slice.
	cp := make([]*Record, len(records))
	copy(cp, records)
	for i := 0; i < n; i++ {
		best := i
		for j := i + 1; j < len(cp); j++ {
			if cp[j].UpdatedAt.After(cp[best].UpdatedAt) {
				best = j
			}
		}
		cp[i], cp[best] = cp[best], cp[i]
	}

	keys := make([]string, n)
	for i := 0; i < n; i++ {
		keys[i] = cp[i].Key
	}
	return keys
}
