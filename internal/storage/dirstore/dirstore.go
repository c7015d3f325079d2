// Package dirstore provides primitives for directory-per-entity file stores.
// Each entity owns a subdirectory holding a meta.json plus optional companion
// files (JSONL journals, rendered outputs).
package dirstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned when an entity directory or its meta.json is missing.
var ErrNotFound = errors.New("not found")

// DirStore is the shared base for task and checkpoint stores.
type DirStore struct {
	mu      sync.RWMutex
	baseDir string
	kind    string // for error messages: "task", "checkpoint"
}

// New creates a DirStore rooted at baseDir.
func New(baseDir, kind string) *DirStore {
	return &DirStore{baseDir: baseDir, kind: kind}
}

// Lock acquires an exclusive lock.
func (ds *DirStore) Lock() { ds.mu.Lock() }

// Unlock releases an exclusive lock.
func (ds *DirStore) Unlock() { ds.mu.Unlock() }

// RLock acquires a shared read lock.
func (ds *DirStore) RLock() { ds.mu.RLock() }

// RUnlock releases a shared read lock.
func (ds *DirStore) RUnlock() { ds.mu.RUnlock() }

// Dir returns the directory path for an entity ID.
func (ds *DirStore) Dir(id string) string {
	return filepath.Join(ds.baseDir, id)
}

// FilePath returns the path to a named file within an entity's directory.
func (ds *DirStore) FilePath(id, name string) string {
	return filepath.Join(ds.baseDir, id, name)
}

// EnsureDir creates the entity directory (and parents) if missing.
func (ds *DirStore) EnsureDir(id string) error {
	if err := os.MkdirAll(ds.Dir(id), 0o755); err != nil {
		return fmt.Errorf("create %s dir: %w", ds.kind, err)
	}
	return nil
}

// RemoveDir removes the entity directory and all its contents.
func (ds *DirStore) RemoveDir(id string) error {
	return os.RemoveAll(ds.Dir(id))
}

// ListDirs returns the names of all entity subdirectories.
func (ds *DirStore) ListDirs() ([]string, error) {
	entries, err := os.ReadDir(ds.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %ss: %w", ds.kind, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// WriteMeta atomically writes meta.json using a temp file + rename.
func (ds *DirStore) WriteMeta(id string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s meta: %w", ds.kind, err)
	}
	return ds.WriteFileAtomic(id, "meta.json", data)
}

// ReadMeta reads and unmarshals meta.json into out.
func (ds *DirStore) ReadMeta(id string, out any) error {
	data, err := os.ReadFile(ds.FilePath(id, "meta.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s %s: %w", ds.kind, id, ErrNotFound)
		}
		return fmt.Errorf("read %s meta: %w", ds.kind, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s meta: %w", ds.kind, err)
	}
	return nil
}

// AppendJSONL appends one JSON-encoded line to a file in the entity directory.
func (ds *DirStore) AppendJSONL(id, filename string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filename, err)
	}

	f, err := os.OpenFile(ds.FilePath(id, filename), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", filename, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}
	return nil
}

// LoadJSONL reads all JSON lines from a file, deserializing each into type T.
// Corrupted lines are skipped.
func LoadJSONL[T any](ds *DirStore, id, filename string) ([]T, error) {
	f, err := os.Open(ds.FilePath(id, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", filename, err)
	}
	defer f.Close()

	var items []T
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item T
		if err := json.Unmarshal(line, &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", filename, err)
	}
	return items, nil
}

// WriteFileAtomic atomically writes content to a named file using tmp + rename.
func (ds *DirStore) WriteFileAtomic(id, filename string, content []byte) error {
	path := ds.FilePath(id, filename)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write %s tmp: %w", filename, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filename, err)
	}
	return nil
}

// ReadFileContent reads a named file. Returns nil, nil when the file is absent.
func (ds *DirStore) ReadFileContent(id, filename string) ([]byte, error) {
	data, err := os.ReadFile(ds.FilePath(id, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", filename, err)
	}
	return data, nil
}
