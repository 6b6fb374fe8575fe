package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding records, owner profiles and the job outbox.
type Store struct {
	db *sql.DB
}

// pragmas run on the single connection right after it is opened.
var pragmas = []string{
	"PRAGMA busy_timeout = 5000",
	"PRAGMA journal_mode = WAL",
}

// Open opens the medidash database in dataDir, creating it if needed, and
// brings the schema up to date. ":memory:" gives a throwaway database.
func Open(dataDir string) (*Store, error) {
	dsn := dataDir
	if dataDir != ":memory:" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "medidash.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: in-memory databases are per-connection, and it avoids
	// "database is locked" on file databases.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	if err := s.migrate(); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for maintenance queries and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type migration struct {
	version int
	file    string
}

// migrations lists the embedded NNN_name.sql files by version.
func migrations() ([]migration, error) {
	files, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	out := make([]migration, 0, len(files))
	for _, f := range files {
		var v int
		if _, err := fmt.Sscanf(path.Base(f), "%d_", &v); err != nil {
			return nil, fmt.Errorf("migration %s has no version prefix: %w", f, err)
		}
		out = append(out, migration{version: v, file: f})
	}
	slices.SortFunc(out, func(a, b migration) int { return a.version - b.version })
	return out, nil
}

// migrate applies every embedded migration not yet in schema_version, each
// in its own transaction.
func (s *Store) migrate() error {
	const ddl = `CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}

	all, err := migrations()
	if err != nil {
		return err
	}
	done, err := s.AppliedMigrations()
	if err != nil {
		return err
	}
	for _, m := range all {
		if slices.Contains(done, m.version) {
			continue
		}
		if err := s.apply(m); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *Store) apply(m migration) error {
	script, err := migrationsFS.ReadFile(m.file)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(string(script)); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
		return err
	}
	return tx.Commit()
}

// AppliedMigrations returns the recorded schema versions, lowest first.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query(`SELECT version FROM schema_version ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Records ---

// PutRecord inserts r. Records are immutable; writing an existing key fails.
func (s *Store) PutRecord(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (collection, owner_id, id, created_at, enabled, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.Collection, r.OwnerID, r.ID, r.CreatedAt.UTC().Format(recordTimeLayout), r.Enabled, string(r.Payload),
	)
	if err != nil {
		return fmt.Errorf("inserting %s: %w", r.Key(), err)
	}
	return nil
}

// GetRecord returns the record at collection/owner/id or ErrNotFound.
func (s *Store) GetRecord(ctx context.Context, collection, owner, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT collection, owner_id, id, created_at, enabled, payload
		FROM records WHERE collection = ? AND owner_id = ? AND id = ?`,
		collection, owner, id,
	)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

// ScanRecords returns every record under collection/owner in storage order.
func (s *Store) ScanRecords(ctx context.Context, collection, owner string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT collection, owner_id, id, created_at, enabled, payload
		FROM records WHERE collection = ? AND owner_id = ?`,
		collection, owner,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetRecordEnabled flips the enabled flag in a single statement.
func (s *Store) SetRecordEnabled(ctx context.Context, collection, owner, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET enabled = ? WHERE collection = ? AND owner_id = ? AND id = ?`,
		enabled, collection, owner, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var r Record
	var createdAt, payload string
	if err := row.Scan(&r.Collection, &r.OwnerID, &r.ID, &createdAt, &r.Enabled, &payload); err != nil {
		return Record{}, err
	}
	t, err := time.Parse(recordTimeLayout, createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("parsing created_at: %w", err)
	}
	r.CreatedAt = t
	r.Payload = []byte(payload)
	return r, nil
}

// --- Owner Profile ---

const upsertProfileKey = `
	INSERT INTO user_profile (owner_id, key, value, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(owner_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

func (s *Store) SetProfileKey(owner, key, value string) error {
	return s.SetProfileKeys(owner, map[string]string{key: value})
}

// SetProfileKeys upserts every pair in one transaction; on error none of
// them are written.
func (s *Store) SetProfileKeys(owner string, values map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339)
	for key, value := range values {
		if _, err := tx.Exec(upsertProfileKey, owner, key, value, now); err != nil {
			return fmt.Errorf("profile key %q: %w", key, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetProfileKey(owner, key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM user_profile WHERE owner_id = ? AND key = ?", owner, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

func (s *Store) GetAllProfileKeys(owner string) (map[string]string, error) {
	rows, err := s.db.Query("SELECT key, value FROM user_profile WHERE owner_id = ?", owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		result[k] = v
	}
	return result, rows.Err()
}
