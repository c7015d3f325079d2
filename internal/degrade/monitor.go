// Package degrade implements the context degradation monitor.
//
// The monitor is a passive observer: it attaches to the memory store's
// mutation stream and to budget usage events, detects the known context
// failure modes, and either self-heals (discard, compress, precedence
// resolution) or escalates a structured signal on the bus. It never
// silently continues.
package degrade

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mpernot/ordo/internal/budget"
	"github.com/mpernot/ordo/internal/events"
	"github.com/mpernot/ordo/internal/memstore"
	"github.com/mpernot/ordo/internal/task"
)

const compressTimeout = 30 * time.Second

// Config holds the detector thresholds.
type Config struct {
	CompressThreshold float64 // layer usage ratio that triggers compression (default 0.70)
	RefuseThreshold   float64 // layer usage ratio that refuses new reservations (default 0.85)
	DriftThreshold    float64 // goal divergence that raises GoalDrift (default 0.6)
	BoundaryRatio     float64 // head/tail fraction for critical placement checks (default 0.20)
}

func (c *Config) applyDefaults() {
	if c.CompressThreshold <= 0 {
		c.CompressThreshold = 0.70
	}
	if c.RefuseThreshold <= 0 {
		c.RefuseThreshold = 0.85
	}
	if c.DriftThreshold <= 0 {
		c.DriftThreshold = 0.6
	}
	if c.BoundaryRatio <= 0 {
		c.BoundaryRatio = 0.20
	}
}

// Options wires the monitor to the rest of the system.
type Options struct {
	Bus    *events.Bus
	Store  *memstore.Store
	Ledger *budget.Ledger

	// Strategy compresses a saturated layer. When nil, a summarizer-less
	// strategy is used, which keeps only the most recent records.
	Strategy memstore.Strategy

	Config Config
}

// Monitor observes memory mutations and ledger commits for degradation.
type Monitor struct {
	bus      *events.Bus
	store    *memstore.Store
	ledger   *budget.Ledger
	strategy memstore.Strategy
	cfg      Config

	unsubscribe func()

	mu          sync.Mutex
	refusing    map[string]bool
	compressing map[string]bool
	goalAnchor  string
}

// NewMonitor creates the monitor and attaches it to the store and the bus.
func NewMonitor(opts Options) *Monitor {
	opts.Config.applyDefaults()
	if opts.Strategy == nil {
		opts.Strategy = &memstore.SummarizeStrategy{
			Summarize: func(context.Context, string) (string, error) {
				return "", fmt.Errorf("no summarizer configured")
			},
		}
	}

	m := &Monitor{
		bus:         opts.Bus,
		store:       opts.Store,
		ledger:      opts.Ledger,
		strategy:    opts.Strategy,
		cfg:         opts.Config,
		refusing:    make(map[string]bool),
		compressing: make(map[string]bool),
	}

	if m.store != nil {
		m.store.SetObserver(m.onMutation)
	}
	if m.bus != nil {
		m.unsubscribe = m.bus.Subscribe(m.onBudgetUsage, events.EventBudgetUsage)
	}
	return m
}

// Close detaches the monitor from the store and the bus.
func (m *Monitor) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	if m.store != nil {
		m.store.SetObserver(nil)
	}
}

// signal logs and publishes a degradation detection. Detections are never
// dropped: without a bus they still reach the log.
func (m *Monitor) signal(p events.DegradationPayload) {
	slog.Warn("degradation signal",
		"kind", p.Kind, "layer", p.Layer, "key", p.Key, "task", p.TaskID,
		"healed", p.Healed, "detail", p.Detail)
	if m.bus != nil {
		m.bus.Publish(events.NewTypedEvent(events.SourceMonitor, p))
	}
}

// CheckTaskOutput gates a task output through its declared schema before the
// output is admitted. A violation is the poisoning trigger: the output is
// discarded and never reaches the memory store.
func (m *Monitor) CheckTaskOutput(t *task.Task, res *task.Result) error {
	if t == nil || res == nil {
		return nil
	}
	if err := t.Schema.Validate(res.Output); err != nil {
		m.signal(events.DegradationPayload{
			Kind:   events.DegradePoisoned,
			TaskID: t.ID,
			Detail: err.Error(),
			Healed: true,
		})
		return err
	}
	return nil
}

func (m *Monitor) onMutation(mut memstore.Mutation) {
	switch mut.Op {
	case memstore.OpReadRefused:
		m.signal(events.DegradationPayload{
			Kind:   events.DegradeOutOfScope,
			Layer:  string(mut.Layer),
			Key:    mut.Key,
			Detail: "read refused by declared scope set",
			Healed: true,
		})
	case memstore.OpWrite, memstore.OpPromote:
		m.checkClash(mut.Layer, mut.Key, mut.Record)
		m.checkSaturation(string(mut.Layer))
	}
}

func (m *Monitor) onBudgetUsage(e events.Event) {
	p, ok := events.PayloadAs[events.BudgetUsagePayload](e)
	if !ok {
		return
	}
	m.checkSaturation(p.Layer)
}

// clashRank orders layers by authority for clash resolution; lower wins.
// The working layer carries direct user and task input and outranks the rest.
var clashRank = map[memstore.Layer]int{
	memstore.LayerWorking:    0,
	memstore.LayerSession:    1,
	memstore.LayerPersistent: 2,
	memstore.LayerArtifact:   3,
}

// checkClash looks for the same key bound to a different value in another
// layer. Clashes resolve by fixed layer precedence; the overridden value is
// logged, never silently discarded.
func (m *Monitor) checkClash(layer memstore.Layer, key string, rec *memstore.Record) {
	if m.store == nil || rec == nil {
		return
	}
	val := recordValue(rec)
	if val == "" {
		return
	}

	for _, other := range memstore.Layers() {
		if other == layer {
			continue
		}
		o, err := m.store.Read(other, key)
		if err != nil {
			continue
		}
		oval := recordValue(o)
		if oval == "" || oval == val {
			continue
		}

		winner, loser, loserVal := layer, other, oval
		if clashRank[other] < clashRank[layer] {
			winner, loser, loserVal = other, layer, val
		}

		slog.Warn("memory clash resolved by layer precedence",
			"key", key, "winner", winner, "overridden_layer", loser, "overridden_value", loserVal)
		m.signal(events.DegradationPayload{
			Kind:   events.DegradeClash,
			Layer:  string(loser),
			Key:    key,
			Detail: fmt.Sprintf("value in %s overridden by %s", loser, winner),
			Healed: true,
		})
	}
}

// checkSaturation reacts to layer usage crossing the compression and refusal
// thresholds. Compression is the self-heal; refusal holds until usage drops
// back under the refusal threshold.
func (m *Monitor) checkSaturation(layer string) {
	if m.ledger == nil {
		return
	}
	ml := memstore.Layer(layer)
	if !memstore.ValidLayer(ml) {
		return
	}

	ratio := m.ledger.Usage(layer).Ratio()
	if ratio < m.cfg.CompressThreshold {
		m.setRefusing(layer, false)
		return
	}

	if ratio >= m.cfg.RefuseThreshold && m.setRefusing(layer, true) {
		m.signal(events.DegradationPayload{
			Kind:   events.DegradeSaturation,
			Layer:  layer,
			Detail: fmt.Sprintf("usage at %.0f%% of ceiling, refusing new reservations", ratio*100),
		})
	}

	if m.store == nil || !m.beginCompress(layer) {
		return
	}
	defer m.endCompress(layer)

	ctx, cancel := context.WithTimeout(context.Background(), compressTimeout)
	defer cancel()

	delta, err := m.store.Compress(ctx, ml, m.strategy)
	if err != nil {
		slog.Error("saturation compression failed", "layer", layer, "error", err)
		return
	}

	if m.ledger.Usage(layer).Ratio() < m.cfg.RefuseThreshold {
		m.setRefusing(layer, false)
	}
	m.signal(events.DegradationPayload{
		Kind:   events.DegradeSaturation,
		Layer:  layer,
		Detail: fmt.Sprintf("compressed at %.0f%% usage, reclaimed %d tokens", ratio*100, delta),
		Healed: true,
	})
}

// setRefusing flips the ledger refusal flag, reporting whether the state
// actually changed.
func (m *Monitor) setRefusing(layer string, refusing bool) bool {
	m.mu.Lock()
	changed := m.refusing[layer] != refusing
	m.refusing[layer] = refusing
	m.mu.Unlock()

	if changed {
		m.ledger.SetRefusing(layer, refusing)
	}
	return changed
}

func (m *Monitor) beginCompress(layer string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.compressing[layer] {
		return false
	}
	m.compressing[layer] = true
	return true
}

func (m *Monitor) endCompress(layer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.compressing, layer)
}

// recordValue returns the comparable content of a record: its decoded value,
// or the location for artifact references.
func recordValue(rec *memstore.Record) string {
	if len(rec.Value) > 0 {
		return rec.ValueString()
	}
	return rec.Location
}
