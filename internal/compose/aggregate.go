package compose

import (
	"fmt"
	"strings"
	"time"

	"github.com/mpernot/ordo/internal/task"
)

// Outcome is one node's contribution to a fan-in.
type Outcome struct {
	NodeID      string
	Result      *task.Result
	Weight      float64 // task confidence x worker reliability
	CompletedAt time.Time
}

// ConflictError reports results that consensus could not resolve. It is
// surfaced to the phase controller, never silently settled.
type ConflictError struct {
	Mode    string // "majority" | "unanimous"
	Answers []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s consensus unresolved across %d distinct answers", e.Mode, len(e.Answers))
}

// Aggregate folds parallel outcomes into one result using the named strategy.
func Aggregate(strategy, consensus string, outcomes []Outcome) (*task.Result, error) {
	if len(outcomes) == 0 {
		return nil, fmt.Errorf("nothing to aggregate")
	}
	switch strategy {
	case "", "concat":
		return concat(outcomes), nil
	case "dedupe":
		return dedupe(outcomes), nil
	case "vote":
		return vote(outcomes), nil
	case "consensus":
		return consent(consensus, outcomes)
	default:
		return nil, fmt.Errorf("unknown aggregation strategy %q", strategy)
	}
}

func concat(outcomes []Outcome) *task.Result {
	var parts []string
	tokens := 0
	minConf := 1.0
	for _, o := range outcomes {
		parts = append(parts, o.Result.Text)
		tokens += o.Result.TokensUsed
		if o.Result.Confidence < minConf {
			minConf = o.Result.Confidence
		}
	}
	return &task.Result{Text: strings.Join(parts, "\n\n"), Confidence: minConf, TokensUsed: tokens}
}

func dedupe(outcomes []Outcome) *task.Result {
	seen := make(map[string]bool)
	var parts []string
	tokens := 0
	minConf := 1.0
	for _, o := range outcomes {
		tokens += o.Result.TokensUsed
		if o.Result.Confidence < minConf {
			minConf = o.Result.Confidence
		}
		key := normalize(o.Result.Text)
		if seen[key] {
			continue
		}
		seen[key] = true
		parts = append(parts, o.Result.Text)
	}
	return &task.Result{Text: strings.Join(parts, "\n\n"), Confidence: minConf, TokensUsed: tokens}
}

// vote groups equivalent answers and picks the highest total weighted score.
// Exact ties resolve to the most recently produced result.
func vote(outcomes []Outcome) *task.Result {
	type bucket struct {
		score  float64
		latest Outcome
	}
	buckets := make(map[string]*bucket)
	tokens := 0
	for _, o := range outcomes {
		tokens += o.Result.TokensUsed
		key := normalize(o.Result.Text)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		b.score += o.Weight
		if o.CompletedAt.After(b.latest.CompletedAt) {
			b.latest = o
		}
	}

	var winner *bucket
	for _, b := range buckets {
		switch {
		case winner == nil, b.score > winner.score:
			winner = b
		case b.score == winner.score && b.latest.CompletedAt.After(winner.latest.CompletedAt):
			winner = b
		}
	}

	res := *winner.latest.Result
	res.TokensUsed = tokens
	return &res
}

// consent requires majority (strictly more than half the outcomes) or
// unanimity on one normalized answer.
func consent(mode string, outcomes []Outcome) (*task.Result, error) {
	if mode == "" {
		mode = "majority"
	}

	counts := make(map[string]int)
	latest := make(map[string]Outcome)
	tokens := 0
	for _, o := range outcomes {
		tokens += o.Result.TokensUsed
		key := normalize(o.Result.Text)
		counts[key]++
		if prev, ok := latest[key]; !ok || o.CompletedAt.After(prev.CompletedAt) {
			latest[key] = o
		}
	}

	need := len(outcomes)/2 + 1
	if mode == "unanimous" {
		need = len(outcomes)
	}

	for key, n := range counts {
		if n >= need {
			res := *latest[key].Result
			res.TokensUsed = tokens
			return &res, nil
		}
	}

	var answers []string
	for key := range counts {
		answers = append(answers, key)
	}
	return nil, &ConflictError{Mode: mode, Answers: answers}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
