package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"vidpress/internal/config"
	"vidpress/internal/logging"
	"vidpress/internal/services"
)

// Backend persists registry records. Implementations must make InsertOrTouch
// atomic per hash so concurrent writers never create two records for one digest.
type Backend interface {
	// Find returns the record for hash without modifying it, or nil when absent.
	Find(ctx context.Context, hash string) (*Record, error)
	// Touch increments the access count and refreshes the access time, returning
	// the updated record or nil when absent.
	Touch(ctx context.Context, hash string, at time.Time) (*Record, error)
	// InsertOrTouch inserts rec when no record exists for rec.Hash; otherwise it
	// touches the existing record. The bool reports whether rec was inserted.
	InsertOrTouch(ctx context.Context, rec Record) (*Record, bool, error)
	List(ctx context.Context) ([]Record, error)
	Remove(ctx context.Context, hash string) (int, error)
	RemoveIDs(ctx context.Context, ids []int64) (int, error)
	Close() error
}

// Registry is the content-addressed dedup lookup shared by the scheduler and CLI.
type Registry struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
}

// New wraps a backend.
func New(backend Backend, logger *slog.Logger) *Registry {
	return &Registry{
		backend: backend,
		logger:  logging.NewComponentLogger(logger, "dedup"),
		now:     time.Now,
	}
}

// Open constructs the backend selected by cfg.Dedup.Backend.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrConfiguration, "dedup", "open", "config is required", nil)
	}
	var (
		backend Backend
		err     error
	)
	switch cfg.Dedup.Backend {
	case "", config.BackendSQLite:
		backend, err = OpenSQLite(ctx, cfg.Dedup.SQLitePath)
	case config.BackendRedis:
		backend, err = OpenRedis(ctx, RedisOptions{
			Addr:     cfg.Dedup.RedisAddr,
			Password: cfg.Dedup.RedisPassword,
			DB:       cfg.Dedup.RedisDB,
			Prefix:   cfg.Dedup.RedisPrefix,
		})
	case config.BackendPostgres:
		backend, err = OpenPostgres(ctx, cfg.Dedup.PostgresDSN)
	default:
		return nil, services.Wrap(services.ErrConfiguration, "dedup", "open", fmt.Sprintf("unknown backend %q", cfg.Dedup.Backend), nil)
	}
	if err != nil {
		return nil, services.Wrap(services.ErrRegistry, "dedup", "open "+cfg.Dedup.Backend, "backend unavailable", err)
	}
	reg := New(backend, logger)
	reg.logger.Debug("registry opened", logging.String("backend", cfg.Dedup.Backend))
	return reg, nil
}

// Close releases backend resources.
func (r *Registry) Close() error {
	if r == nil || r.backend == nil {
		return nil
	}
	return r.backend.Close()
}

// Lookup returns the record for hash and records the access. A miss returns
// an error wrapping services.ErrNotFound.
func (r *Registry) Lookup(ctx context.Context, hash string) (*Record, error) {
	hash, err := checkHash(hash)
	if err != nil {
		return nil, err
	}
	rec, err := r.backend.Touch(ctx, hash, r.now())
	if err != nil {
		return nil, services.Wrap(services.ErrRegistry, "dedup", "lookup", "touch record", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("hash %s: %w", hash, services.ErrNotFound)
	}
	return rec, nil
}

// Get returns the record for hash without counting an access.
func (r *Registry) Get(ctx context.Context, hash string) (*Record, error) {
	hash, err := checkHash(hash)
	if err != nil {
		return nil, err
	}
	rec, err := r.backend.Find(ctx, hash)
	if err != nil {
		return nil, services.Wrap(services.ErrRegistry, "dedup", "get", "find record", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("hash %s: %w", hash, services.ErrNotFound)
	}
	return rec, nil
}

// Upsert stores meta under hash unless a record already exists, in which case
// the existing record's access count is incremented. The bool reports whether
// a new record was created.
func (r *Registry) Upsert(ctx context.Context, hash string, meta ArtifactMeta) (*Record, bool, error) {
	hash, err := checkHash(hash)
	if err != nil {
		return nil, false, err
	}
	if strings.TrimSpace(meta.Locator) == "" {
		return nil, false, services.Wrap(services.ErrValidation, "dedup", "upsert", "artifact locator is required", nil)
	}
	now := r.now()
	rec, created, err := r.backend.InsertOrTouch(ctx, Record{
		Hash:           hash,
		AccessCount:    1,
		CreatedAt:      now,
		LastAccessedAt: now,
		ArtifactMeta:   meta,
	})
	if err != nil {
		return nil, false, services.Wrap(services.ErrRegistry, "dedup", "upsert", "insert record", err)
	}
	if created {
		r.logger.Debug("registry record created",
			logging.Hash(hash),
			logging.String("locator", rec.Locator),
		)
	}
	return rec, created, nil
}

// MergeDuplicates collapses records sharing a hash into one, keeping the record
// with the highest access count (ties go to the oldest). Returns the number of
// records removed.
func (r *Registry) MergeDuplicates(ctx context.Context) (int, error) {
	records, err := r.backend.List(ctx)
	if err != nil {
		return 0, services.Wrap(services.ErrRegistry, "dedup", "merge", "list records", err)
	}
	groups := make(map[string][]Record)
	for _, rec := range records {
		groups[rec.Hash] = append(groups[rec.Hash], rec)
	}

	var losers []int64
	for hash, group := range groups {
		if len(group) < 2 {
			continue
		}
		keeper := pickKeeper(group)
		for _, rec := range group {
			if rec.ID != keeper.ID {
				losers = append(losers, rec.ID)
			}
		}
		r.logger.Info("merging duplicate registry records",
			logging.Hash(hash),
			logging.Int64("kept_id", keeper.ID),
			logging.Int("removed", len(group)-1),
		)
	}
	if len(losers) == 0 {
		return 0, nil
	}
	removed, err := r.backend.RemoveIDs(ctx, losers)
	if err != nil {
		return removed, services.Wrap(services.ErrRegistry, "dedup", "merge", "remove duplicates", err)
	}
	return removed, nil
}

func pickKeeper(group []Record) Record {
	keeper := group[0]
	for _, rec := range group[1:] {
		switch {
		case rec.AccessCount > keeper.AccessCount:
			keeper = rec
		case rec.AccessCount == keeper.AccessCount && rec.CreatedAt.Before(keeper.CreatedAt):
			keeper = rec
		case rec.AccessCount == keeper.AccessCount && rec.CreatedAt.Equal(keeper.CreatedAt) && rec.ID < keeper.ID:
			keeper = rec
		}
	}
	return keeper
}

// FindUnused lists records accessed exactly once whose last access is older
// than maxAge, oldest first, capped at limit (limit <= 0 means no cap).
func (r *Registry) FindUnused(ctx context.Context, maxAge time.Duration, limit int) ([]Record, error) {
	records, err := r.backend.List(ctx)
	if err != nil {
		return nil, services.Wrap(services.ErrRegistry, "dedup", "find unused", "list records", err)
	}
	cutoff := r.now().Add(-maxAge)
	unused := make([]Record, 0)
	for _, rec := range records {
		if rec.AccessCount == 1 && rec.LastAccessedAt.Before(cutoff) {
			unused = append(unused, rec)
		}
	}
	sort.SliceStable(unused, func(i, j int) bool {
		return unused[i].LastAccessedAt.Before(unused[j].LastAccessedAt)
	})
	if limit > 0 && len(unused) > limit {
		unused = unused[:limit]
	}
	return unused, nil
}

// Records returns every stored record ordered by id.
func (r *Registry) Records(ctx context.Context) ([]Record, error) {
	records, err := r.backend.List(ctx)
	if err != nil {
		return nil, services.Wrap(services.ErrRegistry, "dedup", "list", "list records", err)
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// Stats aggregates size and compression savings across every record.
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	records, err := r.backend.List(ctx)
	if err != nil {
		return Stats{}, services.Wrap(services.ErrRegistry, "dedup", "stats", "list records", err)
	}
	return summarize(records), nil
}

func summarize(records []Record) Stats {
	var (
		stats     Stats
		ratioSum  float64
		ratioSeen int
	)
	for _, rec := range records {
		stats.TotalFiles++
		stats.TotalSize += rec.ByteSize
		if rec.Compressed {
			stats.CompressedFiles++
			stats.TotalCompressionSavings += rec.Savings()
			ratioSum += rec.CompressionRatio
			ratioSeen++
		}
	}
	if ratioSeen > 0 {
		stats.AverageCompressionRatio = ratioSum / float64(ratioSeen)
	}
	if stats.TotalFiles > 0 {
		stats.AverageFileSize = float64(stats.TotalSize) / float64(stats.TotalFiles)
	}
	return stats
}

// Delete removes every record stored under hash.
func (r *Registry) Delete(ctx context.Context, hash string) (int, error) {
	hash, err := checkHash(hash)
	if err != nil {
		return 0, err
	}
	removed, err := r.backend.Remove(ctx, hash)
	if err != nil {
		return 0, services.Wrap(services.ErrRegistry, "dedup", "delete", "remove records", err)
	}
	return removed, nil
}

func checkHash(hash string) (string, error) {
	hash = NormalizeHash(hash)
	if hash == "" {
		return "", services.Wrap(services.ErrValidation, "dedup", "hash", "hash is required", nil)
	}
	return hash, nil
}

// IsMiss reports whether err is a plain registry miss rather than an outage.
func IsMiss(err error) bool {
	return errors.Is(err, services.ErrNotFound) && !errors.Is(err, services.ErrRegistry)
}
