package memstore

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// View is a read-only window onto the store restricted to a declared scope
// set. Workers receive a View, never the Store: a worker can only read the
// subset of memory explicitly scoped to it.
//
// Scope patterns take the form "layer:keyglob", e.g. "session:discovery/**"
// or "persistent:service_*". Glob syntax is doublestar.
type View struct {
	store  *Store
	taskID string
	scope  []string
}

// View creates a scoped read-only view for a task.
func (s *Store) View(taskID string, scope []string) *View {
	return &View{store: s, taskID: taskID, scope: scope}
}

// InScope reports whether (layer, key) is covered by the view's scope set.
func (v *View) InScope(layer Layer, key string) bool {
	target := string(layer) + ":" + key
	for _, pattern := range v.scope {
		if ok, err := doublestar.Match(pattern, target); err == nil && ok {
			return true
		}
	}
	return false
}

// Read returns the record if it lies inside the scope set, otherwise refuses
// with ErrOutOfScope and notifies the observer (the distraction detector).
func (v *View) Read(layer Layer, key string) (*Record, error) {
	if !v.InScope(layer, key) {
		v.store.notify(Mutation{Op: OpReadRefused, Layer: layer, Key: key})
		return nil, fmt.Errorf("task %s reading %s:%s: %w", v.taskID, layer, key, ErrOutOfScope)
	}
	return v.store.Read(layer, key)
}

// Snapshot returns every record the scope set covers, grouped by layer.
// Unlike Read it never refuses: out-of-scope records are simply absent.
func (v *View) Snapshot() map[Layer][]*Record {
	result := make(map[Layer][]*Record)
	for _, layer := range Layers() {
		recs, err := v.store.List(layer)
		if err != nil {
			continue
		}
		for _, rec := range recs {
			if v.InScope(layer, rec.Key) {
				result[layer] = append(result[layer], rec)
			}
		}
	}
	return result
}

// TaskID returns the task the view was scoped for.
func (v *View) TaskID() string { return v.taskID }

// Scope returns the declared scope patterns.
func (v *View) Scope() []string { return v.scope }
