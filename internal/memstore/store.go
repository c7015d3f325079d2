package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mpernot/ordo/internal/budget"
)

// promotionThreshold is the pattern-confirmation rule: a value needs this many
// confirmed uses before it may be promoted to the persistent layer.
const promotionThreshold = 3

// Options configures a Store.
type Options struct {
	// PersistentPath is the sqlite file for the persistent layer.
	// Empty means the persistent layer is held in memory (tests, ephemeral runs).
	PersistentPath string

	// Ledger, when set, is charged for every write and credited on compression.
	Ledger *budget.Ledger
}

// Store is the four-layer memory container.
type Store struct {
	mu       sync.RWMutex
	backends map[Layer]backend
	ledger   *budget.Ledger
	observer func(Mutation)
	sqlite   *sqliteLayer // kept for Close
}

// NewStore creates a Store with in-memory working/session/artifact layers and
// a sqlite-backed persistent layer when a path is given.
func NewStore(opts Options) (*Store, error) {
	s := &Store{
		backends: map[Layer]backend{
			LayerWorking:  newMemLayer(),
			LayerSession:  newMemLayer(),
			LayerArtifact: newMemLayer(),
		},
		ledger: opts.Ledger,
	}

	if opts.PersistentPath != "" {
		sl, err := newSQLiteLayer(opts.PersistentPath, LayerPersistent)
		if err != nil {
			return nil, err
		}
		s.sqlite = sl
		s.backends[LayerPersistent] = sl
	} else {
		s.backends[LayerPersistent] = newMemLayer()
	}

	return s, nil
}

// Close releases the persistent layer database.
func (s *Store) Close() error {
	if s.sqlite != nil {
		return s.sqlite.close()
	}
	return nil
}

// SetObserver registers the mutation observer. The degradation monitor
// attaches here; there is at most one observer.
func (s *Store) SetObserver(fn func(Mutation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

func (s *Store) notify(m Mutation) {
	s.mu.RLock()
	fn := s.observer
	s.mu.RUnlock()
	if fn != nil {
		fn(m)
	}
}

func (s *Store) backend(layer Layer) (backend, error) {
	if !ValidLayer(layer) {
		return nil, fmt.Errorf("unknown memory layer %q", layer)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backends[layer], nil
}

// Write binds a value to (layer, key). The value is JSON-encoded. Writing to
// the artifact layer must go through WriteArtifact instead.
func (s *Store) Write(layer Layer, key string, value any) error {
	return s.write(layer, key, value, false)
}

// WriteCritical writes a value flagged critical: it survives compression and
// participates in boundary-placement checks.
func (s *Store) WriteCritical(layer Layer, key string, value any) error {
	return s.write(layer, key, value, true)
}

func (s *Store) write(layer Layer, key string, value any, critical bool) error {
	if layer == LayerArtifact {
		return fmt.Errorf("artifact layer takes references only; use WriteArtifact")
	}
	b, err := s.backend(layer)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for %s:%s: %w", layer, key, err)
	}

	rec := &Record{
		Layer:     layer,
		Key:       key,
		Value:     raw,
		Critical:  critical,
		UpdatedAt: time.Now(),
	}
	if prev, err := b.get(key); err == nil {
		rec.Uses = prev.Uses
	}

	if err := s.charge(layer, rec); err != nil {
		return err
	}
	if err := b.put(rec); err != nil {
		return err
	}

	s.notify(Mutation{Op: OpWrite, Layer: layer, Key: key, Record: rec})
	return nil
}

// WriteArtifact stores a reference to externally held content: a stable
// location plus a short description, never the full content.
func (s *Store) WriteArtifact(key, location, description string) error {
	b, err := s.backend(LayerArtifact)
	if err != nil {
		return err
	}

	rec := &Record{
		Layer:       LayerArtifact,
		Key:         key,
		Location:    location,
		Description: description,
		UpdatedAt:   time.Now(),
	}
	if err := s.charge(LayerArtifact, rec); err != nil {
		return err
	}
	if err := b.put(rec); err != nil {
		return err
	}

	s.notify(Mutation{Op: OpWrite, Layer: LayerArtifact, Key: key, Record: rec})
	return nil
}

// charge reserves and commits the record's token footprint against the ledger.
func (s *Store) charge(layer Layer, rec *Record) error {
	if s.ledger == nil {
		return nil
	}
	tokens := rec.Tokens()
	r, err := s.ledger.Reserve(string(layer), "", tokens)
	if err != nil {
		return fmt.Errorf("memory write refused: %w", err)
	}
	return s.ledger.Commit(r, tokens)
}

// Read returns the record bound to (layer, key). There is no cross-layer
// fallback: the caller must name the layer.
func (s *Store) Read(layer Layer, key string) (*Record, error) {
	b, err := s.backend(layer)
	if err != nil {
		return nil, err
	}
	return b.get(key)
}

// Delete removes a binding and reclaims its token footprint.
func (s *Store) Delete(layer Layer, key string) error {
	b, err := s.backend(layer)
	if err != nil {
		return err
	}
	rec, err := b.get(key)
	if err != nil {
		return err
	}
	if err := b.remove(key); err != nil {
		return err
	}
	if s.ledger != nil {
		s.ledger.Reclaim(string(layer), rec.Tokens())
	}
	s.notify(Mutation{Op: OpDelete, Layer: layer, Key: key})
	return nil
}

// ConfirmUse records one successful use of a binding, feeding the
// pattern-confirmation rule.
func (s *Store) ConfirmUse(layer Layer, key string) error {
	b, err := s.backend(layer)
	if err != nil {
		return err
	}
	rec, err := b.get(key)
	if err != nil {
		return err
	}
	rec.Uses++
	rec.UpdatedAt = time.Now()
	return b.put(rec)
}

// Promote moves a binding from one layer to another. Promotion to the
// persistent layer requires the pattern-confirmation rule (>= 3 confirmed
// uses) unless override is set by explicit user instruction.
func (s *Store) Promote(key string, from, to Layer, override bool) error {
	fb, err := s.backend(from)
	if err != nil {
		return err
	}
	tb, err := s.backend(to)
	if err != nil {
		return err
	}

	rec, err := fb.get(key)
	if err != nil {
		return err
	}

	if to == LayerPersistent && !override && rec.Uses < promotionThreshold {
		return &PromotionError{Key: key, From: from, To: to, Uses: rec.Uses, Need: promotionThreshold}
	}

	rec.Layer = to
	rec.UpdatedAt = time.Now()
	if err := s.charge(to, rec); err != nil {
		return err
	}
	if err := tb.put(rec); err != nil {
		return err
	}
	if err := fb.remove(key); err != nil {
		return err
	}
	if s.ledger != nil {
		s.ledger.Reclaim(string(from), rec.Tokens())
	}

	s.notify(Mutation{Op: OpPromote, Layer: to, Key: key, Record: rec})
	return nil
}

// List returns all records in a layer.
func (s *Store) List(layer Layer) ([]*Record, error) {
	b, err := s.backend(layer)
	if err != nil {
		return nil, err
	}
	return b.list()
}

// Has reports whether (layer, key) exists.
func (s *Store) Has(layer Layer, key string) bool {
	_, err := s.Read(layer, key)
	return err == nil
}

// EndTaskScope destroys all working-layer bindings. Called at every task
// boundary; only promoted values survive.
func (s *Store) EndTaskScope() error {
	b, err := s.backend(LayerWorking)
	if err != nil {
		return err
	}

	if s.ledger != nil {
		recs, _ := b.list()
		total := 0
		for _, rec := range recs {
			total += rec.Tokens()
		}
		s.ledger.Reclaim(string(LayerWorking), total)
	}

	if err := b.clear(); err != nil {
		return err
	}
	s.notify(Mutation{Op: OpEndScope, Layer: LayerWorking})
	return nil
}

// Compress applies a summarization strategy to a layer and returns the token
// delta (positive = tokens reclaimed). Critical records are never folded.
func (s *Store) Compress(ctx context.Context, layer Layer, strat Strategy) (int, error) {
	b, err := s.backend(layer)
	if err != nil {
		return 0, err
	}

	recs, err := b.list()
	if err != nil {
		return 0, err
	}

	before := 0
	for _, rec := range recs {
		before += rec.Tokens()
	}

	summary, keep, err := strat.Compress(ctx, recs)
	if err != nil {
		return 0, fmt.Errorf("compress %s: %w", layer, err)
	}

	keepSet := make(map[string]bool, len(keep))
	for _, k := range keep {
		keepSet[k] = true
	}
	for _, rec := range recs {
		if rec.Critical || keepSet[rec.Key] {
			continue
		}
		if err := b.remove(rec.Key); err != nil {
			return 0, err
		}
	}

	if summary != "" {
		raw, _ := json.Marshal(summary)
		sumRec := &Record{
			Layer:     layer,
			Key:       "_summary",
			Value:     raw,
			UpdatedAt: time.Now(),
		}
		if err := b.put(sumRec); err != nil {
			return 0, err
		}
	}

	after := 0
	remaining, _ := b.list()
	for _, rec := range remaining {
		after += rec.Tokens()
	}

	delta := before - after
	if s.ledger != nil && delta > 0 {
		s.ledger.Reclaim(string(layer), delta)
	}

	s.notify(Mutation{Op: OpCompress, Layer: layer})
	return delta, nil
}
