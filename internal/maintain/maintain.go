// Package maintain runs background hygiene over the memory store: a periodic
// compaction sweep of the session layer and an advisory goal-drift check,
// driven by a cron schedule.
package maintain

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/netresearch/go-cron"

	"github.com/mpernot/ordo/internal/budget"
	"github.com/mpernot/ordo/internal/degrade"
	"github.com/mpernot/ordo/internal/events"
	"github.com/mpernot/ordo/internal/memstore"
)

// DefaultSpec runs the sweep every ten minutes.
const DefaultSpec = "*/10 * * * *"

// DefaultThreshold is the session usage ratio above which a sweep compacts.
// It sits below the monitor's compression threshold so scheduled compaction
// usually runs before saturation forces one.
const DefaultThreshold = 0.5

// Options holds the maintainer dependencies.
type Options struct {
	Store    *memstore.Store
	Ledger   *budget.Ledger
	Strategy memstore.Strategy
	Monitor  *degrade.Monitor // nil-safe: drift check is skipped without it
	Bus      *events.Bus      // nil-safe: sweeps are not announced without it

	Spec         string        // cron expression, default DefaultSpec
	Threshold    float64       // default DefaultThreshold
	SweepTimeout time.Duration // default 30s
}

// Maintainer schedules and runs memory hygiene sweeps.
type Maintainer struct {
	opts Options
	cron *cron.Cron
}

// New creates a Maintainer. Store, Ledger, and Strategy are required.
func New(opts Options) (*Maintainer, error) {
	if opts.Store == nil || opts.Ledger == nil || opts.Strategy == nil {
		return nil, fmt.Errorf("maintainer needs a store, a ledger, and a strategy")
	}
	if opts.Spec == "" {
		opts.Spec = DefaultSpec
	}
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.SweepTimeout == 0 {
		opts.SweepTimeout = 30 * time.Second
	}
	return &Maintainer{opts: opts}, nil
}

// Start registers the sweep on the cron schedule and begins running it.
func (m *Maintainer) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(m.opts.Spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.SweepTimeout)
		defer cancel()
		m.Sweep(ctx)
	}); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", m.opts.Spec, err)
	}
	c.Start()
	m.cron = c
	slog.Info("maintainer started", "spec", m.opts.Spec, "threshold", m.opts.Threshold)
	return nil
}

// Stop halts the schedule. A sweep already in flight finishes on its own.
func (m *Maintainer) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}
	slog.Info("maintainer stopped")
}

// Sweep runs one maintenance pass: compact the session layer if usage is over
// the threshold, then check goal drift. It is safe to call directly.
func (m *Maintainer) Sweep(ctx context.Context) {
	m.compact(ctx)
	m.checkDrift()
}

func (m *Maintainer) compact(ctx context.Context) {
	usage := m.opts.Ledger.Usage(string(memstore.LayerSession))
	if usage.Ceiling <= 0 || usage.Ratio() < m.opts.Threshold {
		return
	}

	delta, err := m.opts.Store.Compress(ctx, memstore.LayerSession, m.opts.Strategy)
	if err != nil {
		slog.Warn("maintainer: session compaction failed", "error", err)
		return
	}
	if delta <= 0 {
		return
	}

	slog.Info("maintainer: compacted session layer",
		"reclaimed", delta, "ratio_before", usage.Ratio())

	if m.opts.Bus != nil {
		m.opts.Bus.Publish(events.NewTypedEvent(events.SourceMaintain, events.CompressionPayload{
			Layer:      string(memstore.LayerSession),
			TokenDelta: delta,
			Strategy:   m.opts.Strategy.Name(),
		}))
	}
}

func (m *Maintainer) checkDrift() {
	if m.opts.Monitor == nil {
		return
	}
	// The monitor publishes the degradation signal itself when flagged.
	if drift, flagged := m.opts.Monitor.CheckGoalDrift(); flagged {
		slog.Warn("maintainer: goal drift detected", "drift", drift)
	}
}
