// Package memstore implements the four-layer memory store.
//
// Layers are explicit: reads never fall back across layers, so stale
// working-layer data can never masquerade as persistent fact. Values written
// to the working layer die at the task boundary unless promoted; promotion to
// the persistent layer requires the pattern-confirmation rule (three confirmed
// uses) or an explicit override. The artifact layer stores only a location
// reference plus a short description; full content lives in the artifact store.
package memstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Layer is one of the four memory scopes.
type Layer string

const (
	LayerWorking    Layer = "working"
	LayerSession    Layer = "session"
	LayerPersistent Layer = "persistent"
	LayerArtifact   Layer = "artifact"
)

// Layers lists all layers in precedence-relevant order.
func Layers() []Layer {
	return []Layer{LayerWorking, LayerSession, LayerPersistent, LayerArtifact}
}

// ValidLayer reports whether l names a known layer.
func ValidLayer(l Layer) bool {
	switch l {
	case LayerWorking, LayerSession, LayerPersistent, LayerArtifact:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when a (layer, key) binding does not exist.
	ErrNotFound = errors.New("memory record not found")

	// ErrOutOfScope is returned when a scoped view refuses a read outside
	// the active task's declared scope set.
	ErrOutOfScope = errors.New("read outside declared scope set")
)

// PromotionError is returned when a promotion violates the confirmation rule.
type PromotionError struct {
	Key  string
	From Layer
	To   Layer
	Uses int
	Need int
}

func (e *PromotionError) Error() string {
	return fmt.Sprintf("cannot promote %q from %s to %s: %d confirmed uses, need %d",
		e.Key, e.From, e.To, e.Uses, e.Need)
}

// Record is a (layer, key) → value binding.
type Record struct {
	Layer       Layer           `json:"layer"`
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value,omitempty"`
	Location    string          `json:"location,omitempty"`    // artifact layer only
	Description string          `json:"description,omitempty"` // artifact layer only
	Uses        int             `json:"uses"`                  // confirmed successful uses
	Critical    bool            `json:"critical,omitempty"`    // must survive compression
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Tokens returns the estimated token footprint of the record using the
// chars/4 heuristic.
func (r *Record) Tokens() int {
	n := len(r.Value) + len(r.Location) + len(r.Description)
	return n/4 + 4
}

// ValueString decodes the record value as a JSON string, falling back to the
// raw bytes for non-string values.
func (r *Record) ValueString() string {
	var s string
	if err := json.Unmarshal(r.Value, &s); err == nil {
		return s
	}
	return string(r.Value)
}

// MutationOp names a store mutation kind for observers.
type MutationOp string

const (
	OpWrite       MutationOp = "write"
	OpDelete      MutationOp = "delete"
	OpPromote     MutationOp = "promote"
	OpCompress    MutationOp = "compress"
	OpEndScope    MutationOp = "end_scope"
	OpReadRefused MutationOp = "read_refused"
)

// Mutation describes a store change delivered to the registered observer.
// The degradation monitor attaches here.
type Mutation struct {
	Op     MutationOp
	Layer  Layer
	Key    string
	Record *Record
}

// backend is the per-layer storage contract.
type backend interface {
	get(key string) (*Record, error)
	put(rec *Record) error
	remove(key string) error
	list() ([]*Record, error)
	clear() error
}
