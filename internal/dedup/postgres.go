package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS vidpress_artifacts (
    id BIGSERIAL PRIMARY KEY,
    hash TEXT NOT NULL,
    byte_size BIGINT NOT NULL DEFAULT 0,
    mime_type TEXT NOT NULL DEFAULT '',
    locator TEXT NOT NULL,
    url TEXT NOT NULL DEFAULT '',
    owner_id TEXT NOT NULL DEFAULT '',
    display_name TEXT NOT NULL DEFAULT '',
    compressed BOOLEAN NOT NULL DEFAULT FALSE,
    original_size BIGINT NOT NULL DEFAULT 0,
    compressed_size BIGINT NOT NULL DEFAULT 0,
    compression_ratio DOUBLE PRECISION NOT NULL DEFAULT 0,
    compressed_hash TEXT NOT NULL DEFAULT '',
    access_count BIGINT NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL,
    last_accessed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vidpress_artifacts_hash ON vidpress_artifacts(hash);
`

const pgRecordColumns = `id, hash, byte_size, mime_type, locator, url, owner_id, display_name,
	compressed, original_size, compressed_size, compression_ratio, compressed_hash,
	access_count, created_at, last_accessed_at`

// PostgresBackend stores records in a shared Postgres table.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

var _ Backend = (*PostgresBackend)(nil)

// OpenPostgres connects with pgxpool and ensures the table exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	ctx = ensureContext(ctx)
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

// Close releases the pool.
func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}

// Find returns the oldest record for hash.
func (p *PostgresBackend) Find(ctx context.Context, hash string) (*Record, error) {
	row := p.pool.QueryRow(ensureContext(ctx),
		"SELECT "+pgRecordColumns+" FROM vidpress_artifacts WHERE hash = $1 ORDER BY id LIMIT 1", hash)
	rec, err := scanPGRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// Touch increments the access count under the per-hash advisory lock.
func (p *PostgresBackend) Touch(ctx context.Context, hash string, at time.Time) (*Record, error) {
	ctx = ensureContext(ctx)
	var rec *Record
	err := p.withHashLock(ctx, hash, func(tx pgx.Tx) error {
		var err error
		rec, err = touchPG(ctx, tx, hash, at)
		return err
	})
	return rec, err
}

// InsertOrTouch serialises writers for one hash with pg_advisory_xact_lock.
func (p *PostgresBackend) InsertOrTouch(ctx context.Context, rec Record) (*Record, bool, error) {
	ctx = ensureContext(ctx)
	var (
		stored  *Record
		created bool
	)
	err := p.withHashLock(ctx, rec.Hash, func(tx pgx.Tx) error {
		existing, err := touchPG(ctx, tx, rec.Hash, rec.LastAccessedAt)
		if err != nil {
			return err
		}
		if existing != nil {
			stored = existing
			return nil
		}
		var id int64
		err = tx.QueryRow(ctx, `INSERT INTO vidpress_artifacts (
			hash, byte_size, mime_type, locator, url, owner_id, display_name,
			compressed, original_size, compressed_size, compression_ratio, compressed_hash,
			access_count, created_at, last_accessed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15) RETURNING id`,
			rec.Hash, rec.ByteSize, rec.MimeType, rec.Locator, rec.URL, rec.OwnerID, rec.DisplayName,
			rec.Compressed, rec.OriginalSize, rec.CompressedSize, rec.CompressionRatio, rec.CompressedHash,
			rec.AccessCount, rec.CreatedAt, rec.LastAccessedAt,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
		inserted := rec
		inserted.ID = id
		stored, created = &inserted, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (p *PostgresBackend) withHashLock(ctx context.Context, hash string, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", hash); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func touchPG(ctx context.Context, tx pgx.Tx, hash string, at time.Time) (*Record, error) {
	row := tx.QueryRow(ctx, `UPDATE vidpress_artifacts
		SET access_count = access_count + 1, last_accessed_at = $2
		WHERE id = (SELECT id FROM vidpress_artifacts WHERE hash = $1 ORDER BY id LIMIT 1)
		RETURNING `+pgRecordColumns, hash, at)
	rec, err := scanPGRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// List returns every record ordered by id.
func (p *PostgresBackend) List(ctx context.Context) ([]Record, error) {
	rows, err := p.pool.Query(ensureContext(ctx), "SELECT "+pgRecordColumns+" FROM vidpress_artifacts ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanPGRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Remove deletes all records for hash.
func (p *PostgresBackend) Remove(ctx context.Context, hash string) (int, error) {
	tag, err := p.pool.Exec(ensureContext(ctx), "DELETE FROM vidpress_artifacts WHERE hash = $1", hash)
	if err != nil {
		return 0, fmt.Errorf("delete artifacts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RemoveIDs deletes records by id.
func (p *PostgresBackend) RemoveIDs(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := p.pool.Exec(ensureContext(ctx), "DELETE FROM vidpress_artifacts WHERE id = ANY($1)", ids)
	if err != nil {
		return 0, fmt.Errorf("delete artifacts by id: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanPGRecord(row pgx.Row) (*Record, error) {
	var rec Record
	if err := row.Scan(
		&rec.ID, &rec.Hash, &rec.ByteSize, &rec.MimeType, &rec.Locator, &rec.URL, &rec.OwnerID, &rec.DisplayName,
		&rec.Compressed, &rec.OriginalSize, &rec.CompressedSize, &rec.CompressionRatio, &rec.CompressedHash,
		&rec.AccessCount, &rec.CreatedAt, &rec.LastAccessedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	return &rec, nil
}
