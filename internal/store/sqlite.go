package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is a ForeignWriter backed by a SQLite table keyed by the
// indexed property, so rows come back in property order for range
// queries — the concrete form of spec §1's "range-partitioned, indexed
// file store" on the receiving side. cmd/shuffler-node uses it when
// RANGESHUFFLE_STORE names a database path; the integration tests and
// cmd/shuffler-bench use Memory. Production deployments would plug in
// whatever indexed store a given simulation campaign already uses; spec
// §1 treats the store as an external collaborator specified only at the
// foreign_write boundary.
type SQLite struct {
	db *sql.DB

	mu     sync.Mutex
	writes int
	bytes  int
}

// OpenSQLite opens (creating if necessary) a SQLite database at path and
// ensures the particles table exists.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite3 %s: %w", path, err)
	}
	const ddl = `
CREATE TABLE IF NOT EXISTS particles (
	id BLOB NOT NULL,
	payload BLOB NOT NULL,
	prop REAL NOT NULL,
	epoch INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_particles_prop ON particles(prop);
`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) ForeignWrite(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO particles (id, payload, prop, epoch) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.Payload, rec.Prop, rec.Epoch,
	)
	if err != nil {
		return fmt.Errorf("store: insert: %w", err)
	}
	s.mu.Lock()
	s.writes++
	s.bytes += len(rec.Payload)
	s.mu.Unlock()
	return nil
}

// RangeQuery returns every record with prop in [lo, hi), ordered
// ascending by prop — the query shape the indexed store exists to serve.
func (s *SQLite) RangeQuery(ctx context.Context, lo, hi float32) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload, prop, epoch FROM particles WHERE prop >= ? AND prop < ? ORDER BY prop ASC`,
		lo, hi,
	)
	if err != nil {
		return nil, fmt.Errorf("store: range query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Payload, &rec.Prop, &rec.Epoch); err != nil {
			return nil, fmt.Errorf("store: scan row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Writes: s.writes, Bytes: s.bytes}
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
