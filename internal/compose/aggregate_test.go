package compose

import (
	"errors"
	"testing"
	"time"

	"github.com/mpernot/ordo/internal/task"
)

func outcome(node, text string, weight float64, at time.Time) Outcome {
	return Outcome{
		NodeID:      node,
		Result:      &task.Result{Text: text, Confidence: weight, TokensUsed: 10},
		Weight:      weight,
		CompletedAt: at,
	}
}

func TestAggregateConcat(t *testing.T) {
	now := time.Now()
	res, err := Aggregate("concat", "", []Outcome{
		outcome("a", "first", 0.9, now),
		outcome("b", "second", 0.7, now),
	})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if res.Text != "first\n\nsecond" {
		t.Errorf("text: %q", res.Text)
	}
	if res.TokensUsed != 20 {
		t.Errorf("tokens: %d", res.TokensUsed)
	}
	if res.Confidence != 0.7 {
		t.Errorf("confidence should be the weakest contributor: %v", res.Confidence)
	}
}

func TestAggregateDedupe(t *testing.T) {
	now := time.Now()
	res, err := Aggregate("dedupe", "", []Outcome{
		outcome("a", "Payment Service", 0.9, now),
		outcome("b", "payment  service", 0.8, now), // same after normalization
		outcome("c", "billing service", 0.8, now),
	})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if res.Text != "Payment Service\n\nbilling service" {
		t.Errorf("text: %q", res.Text)
	}
}

func TestAggregateWeightedVote(t *testing.T) {
	now := time.Now()
	res, err := Aggregate("vote", "", []Outcome{
		outcome("a", "answer one", 0.4, now),
		outcome("b", "answer two", 0.3, now),
		outcome("c", "answer two", 0.3, now), // 0.6 total beats 0.4
	})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if res.Text != "answer two" {
		t.Errorf("winner: %q", res.Text)
	}
}

func TestAggregateVoteTieGoesToMostRecent(t *testing.T) {
	base := time.Now()
	res, err := Aggregate("vote", "", []Outcome{
		outcome("a", "older answer", 0.5, base),
		outcome("b", "newer answer", 0.5, base.Add(time.Second)),
	})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if res.Text != "newer answer" {
		t.Errorf("tie-break: %q", res.Text)
	}
}

func TestAggregateMajorityConsensus(t *testing.T) {
	now := time.Now()
	res, err := Aggregate("consensus", "majority", []Outcome{
		outcome("a", "yes", 1, now),
		outcome("b", "yes", 1, now),
		outcome("c", "no", 1, now),
	})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if res.Text != "yes" {
		t.Errorf("majority: %q", res.Text)
	}
}

func TestAggregateConsensusConflictSurfaces(t *testing.T) {
	now := time.Now()
	_, err := Aggregate("consensus", "unanimous", []Outcome{
		outcome("a", "yes", 1, now),
		outcome("b", "no", 1, now),
	})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Mode != "unanimous" || len(conflict.Answers) != 2 {
		t.Errorf("conflict: %+v", conflict)
	}
}

func TestAggregateUnknownStrategy(t *testing.T) {
	if _, err := Aggregate("blend", "", []Outcome{outcome("a", "x", 1, time.Now())}); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}
