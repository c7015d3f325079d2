package config

import (
	"os"
	"path/filepath"
)

// OrdoPath returns the root directory for ordo data.
// It uses $ORDO_PATH if set, otherwise defaults to ~/.ordo.
func OrdoPath() string {
	if v := os.Getenv("ORDO_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".ordo")
	}
	return filepath.Join(home, ".ordo")
}

// ConfigPath returns the path to the ordo config file.
func ConfigPath() string {
	return filepath.Join(OrdoPath(), "config.jsonc")
}

// DotenvPath returns the path to the ordo .env file.
func DotenvPath() string {
	return filepath.Join(OrdoPath(), ".env")
}

// TasksPath returns the directory where task state is persisted.
func TasksPath() string {
	return filepath.Join(OrdoPath(), "tasks")
}

// MemoryPath returns the sqlite database file for the persistent memory layer.
func MemoryPath() string {
	return filepath.Join(OrdoPath(), "memory.db")
}

// ArtifactsPath returns the directory for stored artifacts.
func ArtifactsPath() string {
	return filepath.Join(OrdoPath(), "artifacts")
}
