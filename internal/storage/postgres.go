package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS records (
    collection  TEXT        NOT NULL,
    owner_id    TEXT        NOT NULL,
    id          TEXT        NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    enabled     BOOLEAN     NOT NULL DEFAULT FALSE,
    payload     JSONB       NOT NULL,
    PRIMARY KEY (collection, owner_id, id)
)`

// PostgresStore keeps records in a PostgreSQL table with the same layout as
// the SQLite store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to url, verifies the connection and creates the
// records table when missing.
func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating records table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) PutRecord(ctx context.Context, r Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO records (collection, owner_id, id, created_at, enabled, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.Collection, r.OwnerID, r.ID, r.CreatedAt.UTC(), r.Enabled, string(r.Payload),
	)
	if err != nil {
		return fmt.Errorf("inserting %s: %w", r.Key(), err)
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, collection, owner, id string) (Record, error) {
	var r Record
	err := s.pool.QueryRow(ctx, `
		SELECT collection, owner_id, id, created_at, enabled, payload
		FROM records WHERE collection = $1 AND owner_id = $2 AND id = $3`,
		collection, owner, id,
	).Scan(&r.Collection, &r.OwnerID, &r.ID, &r.CreatedAt, &r.Enabled, &r.Payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func (s *PostgresStore) ScanRecords(ctx context.Context, collection, owner string) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT collection, owner_id, id, created_at, enabled, payload
		FROM records WHERE collection = $1 AND owner_id = $2`,
		collection, owner,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Collection, &r.OwnerID, &r.ID, &r.CreatedAt, &r.Enabled, &r.Payload); err != nil {
			return nil, err
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetRecordEnabled(ctx context.Context, collection, owner, id string, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET enabled = $1 WHERE collection = $2 AND owner_id = $3 AND id = $4`,
		enabled, collection, owner, id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
