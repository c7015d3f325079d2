package budget

import (
	"log/slog"

	"github.com/mpernot/ordo/internal/events"
)

// UsageTracker subscribes to LLM call events and commits actual token usage
// against the session layer, publishing a usage snapshot after each commit so
// the degradation monitor can react to saturation.
type UsageTracker struct {
	ledger      *Ledger
	bus         *events.Bus
	layer       string
	unsubscribe func()
}

// NewUsageTracker creates a tracker that listens for LLM response events.
func NewUsageTracker(ledger *Ledger, bus *events.Bus, layer string) *UsageTracker {
	t := &UsageTracker{
		ledger: ledger,
		bus:    bus,
		layer:  layer,
	}
	t.unsubscribe = bus.Subscribe(t.handleEvent, events.EventLLMCall)
	return t
}

// Close unsubscribes the tracker from the event bus.
func (t *UsageTracker) Close() {
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
}

func (t *UsageTracker) handleEvent(e events.Event) {
	payload, ok := events.PayloadAs[events.LLMCallPayload](e)
	if !ok {
		return
	}
	if payload.Phase != "response" {
		return
	}
	total := payload.TokensInput + payload.TokensOutput
	if total == 0 {
		return
	}

	r, err := t.ledger.Reserve(t.layer, payload.TaskID, total)
	if err != nil {
		slog.Warn("usage tracker: reservation refused", "layer", t.layer, "tokens", total, "error", err)
		return
	}
	if err := t.ledger.Commit(r, total); err != nil {
		slog.Error("usage tracker: commit", "layer", t.layer, "error", err)
	}

	u := t.ledger.Usage(t.layer)
	t.bus.Publish(events.NewTypedEvent(events.SourceBudget, events.BudgetUsagePayload{
		Layer:     t.layer,
		Consumed:  u.Consumed,
		Reserved:  u.Reserved,
		Ceiling:   u.Ceiling,
		Ratio:     u.Ratio(),
		HighWater: u.HighWater,
	}))
}
