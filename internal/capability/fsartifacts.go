package capability

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileArtifactStore keeps artifact content as files under a base directory.
// Locations returned to callers are paths relative to that directory, stable
// across restarts.
type FileArtifactStore struct {
	dir string
}

// NewFileArtifactStore creates the store, ensuring the directory exists.
func NewFileArtifactStore(dir string) (*FileArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	return &FileArtifactStore{dir: dir}, nil
}

// Save writes content atomically and returns the artifact's location.
func (s *FileArtifactStore) Save(name string, content []byte) (string, error) {
	rel := sanitize(name)
	path := filepath.Join(s.dir, rel)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", rel, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename artifact %s: %w", rel, err)
	}
	return rel, nil
}

// Load reads artifact content by location.
func (s *FileArtifactStore) Load(location string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, sanitize(location)))
	if err != nil {
		return nil, fmt.Errorf("load artifact %s: %w", location, err)
	}
	return data, nil
}

// sanitize keeps locations inside the artifact directory.
func sanitize(name string) string {
	name = filepath.Clean("/" + name)
	return strings.TrimPrefix(name, "/")
}
