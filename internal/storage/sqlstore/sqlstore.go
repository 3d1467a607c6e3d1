// Package sqlstore persists job records in SQLite through the pure-Go
// modernc.org/sqlite driver.
//
// Each record is stored as a JSON document next to the columns needed
// for lookups (parent, kind, state, version). Conditional saves are an
// upsert guarded by the version column.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"

	"github.com/ChuLiYu/srm-lifecycle/internal/storage"
	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

const driverName = "srm-sqlite"

func init() {
	sql.Register(driverName, &sqlite.Driver{})
}

// SchemaVersion is the version written to schema_meta.
const SchemaVersion = 1

// Config selects the database file. Path ":memory:" opens a private
// in-memory database.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Store is a storage.Store on top of database/sql.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens (and creates if needed) the database and migrates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlstore: path is required")
	}
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlstore: create directory: %w", err)
			}
		}
		if !strings.HasPrefix(path, "file:") {
			dsn = "file:" + filepath.Clean(path)
		}
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	// Single writer connection; an in-memory database also lives only as
	// long as its one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}
	if err := configure(ctx, db, dsn, cfg.BusyTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func configure(ctx context.Context, db *sql.DB, dsn string, busy time.Duration) error {
	if dsn == ":memory:" {
		return nil
	}
	if busy <= 0 {
		busy = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlstore: enable WAL mode: %w", err)
	}
	var busyTimeout int
	q := fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds())
	if err := db.QueryRowContext(ctx, q).Scan(&busyTimeout); err != nil {
		return fmt.Errorf("sqlstore: set busy timeout: %w", err)
	}
	return nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY,
			-- parent_id is 0 for container requests.
			parent_id INTEGER NOT NULL DEFAULT 0,
			kind TEXT NOT NULL,
			state TEXT NOT NULL,
			version INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			record TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_parent ON jobs(parent_id);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);`,

		`CREATE TABLE IF NOT EXISTS id_sequence (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_id INTEGER NOT NULL
		);`,
		`INSERT INTO id_sequence (id, last_id)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version = ? WHERE id = 1`, SchemaVersion); err != nil {
		return fmt.Errorf("sqlstore: set schema version: %w", err)
	}
	return tx.Commit()
}

const upsertAlways = `
INSERT INTO jobs (id, parent_id, kind, state, version, updated_at, record)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	parent_id = excluded.parent_id,
	kind = excluded.kind,
	state = excluded.state,
	version = excluded.version,
	updated_at = excluded.updated_at,
	record = excluded.record`

const upsertIfNewer = upsertAlways + `
WHERE excluded.version > jobs.version`

func (s *Store) Save(ctx context.Context, rec *types.JobRecord, unconditional bool) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sqlstore: encode record %d: %w", rec.ID, err)
	}
	q := upsertIfNewer
	if unconditional {
		q = upsertAlways
	}
	_, err = s.db.ExecContext(ctx, q,
		rec.ID, rec.ParentID, string(rec.Kind), rec.State.String(), int64(rec.Version),
		time.Now().UTC().Format(time.RFC3339Nano), string(doc))
	if err != nil {
		return fmt.Errorf("sqlstore: save record %d: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) Restore(ctx context.Context, id int64) (*types.JobRecord, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM jobs WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: restore %d: %w", id, err)
	}
	return decode(doc)
}

// NextID hands out ids above both the sequence and any saved record.
func (s *Store) NextID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
UPDATE id_sequence
SET last_id = MAX(last_id, (SELECT COALESCE(MAX(id), 0) FROM jobs)) + 1
WHERE id = 1
RETURNING last_id`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: next id: %w", err)
	}
	return id, nil
}

func (s *Store) LoadAll(ctx context.Context) ([]*types.JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: load: %w", err)
	}
	defer rows.Close()

	var out []*types.JobRecord
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("sqlstore: scan: %w", err)
		}
		rec, err := decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountByState returns how many stored records are in each state.
func (s *Store) CountByState(ctx context.Context) (map[types.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: count: %w", err)
	}
	defer rows.Close()

	out := make(map[types.State]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("sqlstore: scan: %w", err)
		}
		st, err := types.ParseState(name)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM jobs WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("sqlstore: prepare delete: %w", err)
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("sqlstore: delete %d: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Close() error { return s.db.Close() }

func decode(doc string) (*types.JobRecord, error) {
	var rec types.JobRecord
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return nil, fmt.Errorf("sqlstore: decode record: %w", err)
	}
	return &rec, nil
}
