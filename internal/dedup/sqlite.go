package dedup

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current registry schema version. Bump this when the
// schema changes.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database schema version doesn't match the expected version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const recordColumns = `id, hash, byte_size, mime_type, locator, url, owner_id, display_name,
	compressed, original_size, compressed_size, compression_ratio, compressed_hash,
	access_count, created_at, last_accessed_at`

// SQLiteBackend stores registry records in a local SQLite database.
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

var _ Backend = (*SQLiteBackend)(nil)

// OpenSQLite opens or creates the registry database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}

	// Pragmas go through the DSN so every pooled connection gets them.
	pragmas := []string{
		"journal_mode(WAL)",
		"foreign_keys(1)",
		"busy_timeout(5000)",
	}
	query := url.Values{}
	for _, pragma := range pragmas {
		query.Add("_pragma", pragma)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?"+query.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	backend := &SQLiteBackend{db: db, path: path}
	if err := backend.initSchema(ensureContext(ctx)); err != nil {
		_ = db.Close()
		return nil, err
	}
	return backend, nil
}

// Path returns the database file location.
func (s *SQLiteBackend) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *SQLiteBackend) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteBackend) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s to rebuild the registry)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func (s *SQLiteBackend) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// Find returns the oldest record for hash, or nil when absent.
func (s *SQLiteBackend) Find(ctx context.Context, hash string) (*Record, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM artifacts WHERE hash = ? ORDER BY id LIMIT 1", hash)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// Touch bumps the access count of the oldest record for hash.
func (s *SQLiteBackend) Touch(ctx context.Context, hash string, at time.Time) (*Record, error) {
	ctx = ensureContext(ctx)
	var rec *Record
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		var err error
		rec, err = touchOnConn(ctx, conn, hash, at)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// InsertOrTouch inserts rec inside a BEGIN IMMEDIATE transaction so the
// existence check and the insert are serialised against other writers.
func (s *SQLiteBackend) InsertOrTouch(ctx context.Context, rec Record) (*Record, bool, error) {
	ctx = ensureContext(ctx)
	var (
		stored  *Record
		created bool
	)
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		existing, err := touchOnConn(ctx, conn, rec.Hash, rec.LastAccessedAt)
		if err != nil {
			return err
		}
		if existing != nil {
			stored, created = existing, false
			return nil
		}
		res, err := conn.ExecContext(ctx, `INSERT INTO artifacts (
			hash, byte_size, mime_type, locator, url, owner_id, display_name,
			compressed, original_size, compressed_size, compression_ratio, compressed_hash,
			access_count, created_at, last_accessed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.Hash, rec.ByteSize, rec.MimeType, rec.Locator, rec.URL, rec.OwnerID, rec.DisplayName,
			boolToInt(rec.Compressed), rec.OriginalSize, rec.CompressedSize, rec.CompressionRatio, rec.CompressedHash,
			rec.AccessCount, rec.CreatedAt.UnixNano(), rec.LastAccessedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("read artifact id: %w", err)
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

// List returns every record ordered by id.
func (s *SQLiteBackend) List(ctx context.Context) ([]Record, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, "SELECT "+recordColumns+" FROM artifacts ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Remove deletes all records for hash.
func (s *SQLiteBackend) Remove(ctx context.Context, hash string) (int, error) {
	res, err := s.execWithRetry(ctx, "DELETE FROM artifacts WHERE hash = ?", hash)
	if err != nil {
		return 0, fmt.Errorf("delete artifacts: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// RemoveIDs deletes the records with the given ids.
func (s *SQLiteBackend) RemoveIDs(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.execWithRetry(ctx, "DELETE FROM artifacts WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, fmt.Errorf("delete artifacts by id: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func touchOnConn(ctx context.Context, conn *sql.Conn, hash string, at time.Time) (*Record, error) {
	row := conn.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM artifacts WHERE hash = ? ORDER BY id LIMIT 1", hash)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx,
		"UPDATE artifacts SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?",
		at.UnixNano(), rec.ID,
	); err != nil {
		return nil, fmt.Errorf("touch artifact: %w", err)
	}
	rec.AccessCount++
	rec.LastAccessedAt = at
	return rec, nil
}

func (s *SQLiteBackend) withImmediateTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	return retryOnBusy(ctx, func() error {
		conn, err := s.db.Conn(ctx)
		if err != nil {
			return fmt.Errorf("acquire connection: %w", err)
		}
		defer conn.Close()

		if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
			return err
		}
		if err := fn(conn); err != nil {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
			return err
		}
		if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
			return err
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec          Record
		compressed   int
		createdNanos int64
		accessNanos  int64
	)
	if err := row.Scan(
		&rec.ID, &rec.Hash, &rec.ByteSize, &rec.MimeType, &rec.Locator, &rec.URL, &rec.OwnerID, &rec.DisplayName,
		&compressed, &rec.OriginalSize, &rec.CompressedSize, &rec.CompressionRatio, &rec.CompressedHash,
		&rec.AccessCount, &createdNanos, &accessNanos,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	rec.Compressed = compressed != 0
	rec.CreatedAt = time.Unix(0, createdNanos)
	rec.LastAccessedAt = time.Unix(0, accessNanos)
	return &rec, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *SQLiteBackend) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}
