package memstore

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	key         TEXT PRIMARY KEY,
	layer       TEXT NOT NULL,
	value       BLOB,
	location    TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	uses        INTEGER NOT NULL DEFAULT 0,
	critical    INTEGER NOT NULL DEFAULT 0,
	updated_at  TEXT NOT NULL
);
`

// sqliteLayer is the backend for the persistent layer.
type sqliteLayer struct {
	db    *sql.DB
	layer Layer
}

// newSQLiteLayer opens (or creates) the persistent layer database.
func newSQLiteLayer(path string, layer Layer) (*sqliteLayer, error) {
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init memory schema: %w", err)
	}
	return &sqliteLayer{db: db, layer: layer}, nil
}

func (s *sqliteLayer) close() error {
	return s.db.Close()
}

func (s *sqliteLayer) get(key string) (*Record, error) {
	row := s.db.QueryRow(
		`SELECT key, value, location, description, uses, critical, updated_at
		 FROM records WHERE key = ?`, key)
	return s.scan(row)
}

func (s *sqliteLayer) scan(row *sql.Row) (*Record, error) {
	var rec Record
	var critical int
	var updatedAt string
	err := row.Scan(&rec.Key, &rec.Value, &rec.Location, &rec.Description,
		&rec.Uses, &critical, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan record: %w", err)
	}
	rec.Layer = s.layer
	rec.Critical = critical != 0
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = ts
	}
	return &rec, nil
}

func (s *sqliteLayer) put(rec *Record) error {
	critical := 0
	if rec.Critical {
		critical = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO records (key, layer, value, location, description, uses, critical, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			location = excluded.location,
			description = excluded.description,
			uses = excluded.uses,
			critical = excluded.critical,
			updated_at = excluded.updated_at`,
		rec.Key, string(s.layer), []byte(rec.Value), rec.Location, rec.Description,
		rec.Uses, critical, rec.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put record %q: %w", rec.Key, err)
	}
	return nil
}

func (s *sqliteLayer) remove(key string) error {
	_, err := s.db.Exec(`DELETE FROM records WHERE key = ?`, key)
	return err
}

func (s *sqliteLayer) list() ([]*Record, error) {
	rows, err := s.db.Query(
		`SELECT key, value, location, description, uses, critical, updated_at
		 FROM records ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var rec Record
		var critical int
		var updatedAt string
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.Location, &rec.Description,
			&rec.Uses, &critical, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Layer = s.layer
		rec.Critical = critical != 0
		if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			rec.UpdatedAt = ts
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *sqliteLayer) clear() error {
	_, err := s.db.Exec(`DELETE FROM records`)
	return err
}
