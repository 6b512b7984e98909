package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisBackend keeps one JSON document per hash plus a small hash of access
// counters so touches never rewrite the document.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

var _ Backend = (*RedisBackend)(nil)

// OpenRedis connects to Redis and verifies the connection with PING.
func OpenRedis(ctx context.Context, opts RedisOptions) (*RedisBackend, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ensureContext(ctx)).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedisBackend(client, opts.Prefix), nil
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) recordKey(hash string) string { return b.prefix + "rec:" + hash }
func (b *RedisBackend) hitsKey(hash string) string   { return b.prefix + "hits:" + hash }
func (b *RedisBackend) indexKey() string             { return b.prefix + "index" }
func (b *RedisBackend) seqKey() string               { return b.prefix + "seq" }

// storedRecord is the immutable part of a record; counters live in the hits hash.
type storedRecord struct {
	ID        int64     `json:"id"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
	ArtifactMeta
}

// Close closes the client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// Find returns the record for hash without counting an access.
func (b *RedisBackend) Find(ctx context.Context, hash string) (*Record, error) {
	ctx = ensureContext(ctx)
	doc, err := b.client.Get(ctx, b.recordKey(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	hits, err := b.client.HGetAll(ctx, b.hitsKey(hash)).Result()
	if err != nil {
		return nil, fmt.Errorf("get hits: %w", err)
	}
	return decodeRedisRecord(doc, hits)
}

// Touch increments the access counter and refreshes the last access time.
func (b *RedisBackend) Touch(ctx context.Context, hash string, at time.Time) (*Record, error) {
	ctx = ensureContext(ctx)
	doc, err := b.client.Get(ctx, b.recordKey(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return b.bump(ctx, hash, doc, at)
}

// InsertOrTouch writes the record with SETNX; the loser of a race touches the
// winner's record instead.
func (b *RedisBackend) InsertOrTouch(ctx context.Context, rec Record) (*Record, bool, error) {
	ctx = ensureContext(ctx)
	id, err := b.client.Incr(ctx, b.seqKey()).Result()
	if err != nil {
		return nil, false, fmt.Errorf("allocate id: %w", err)
	}
	doc, err := json.Marshal(storedRecord{
		ID:           id,
		Hash:         rec.Hash,
		CreatedAt:    rec.CreatedAt.UTC(),
		ArtifactMeta: rec.ArtifactMeta,
	})
	if err != nil {
		return nil, false, fmt.Errorf("encode record: %w", err)
	}
	created, err := b.client.SetNX(ctx, b.recordKey(rec.Hash), doc, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("setnx record: %w", err)
	}
	if !created {
		existing, err := b.client.Get(ctx, b.recordKey(rec.Hash)).Bytes()
		if err != nil {
			return nil, false, fmt.Errorf("get record: %w", err)
		}
		stored, err := b.bump(ctx, rec.Hash, existing, rec.LastAccessedAt)
		return stored, false, err
	}
	if err := b.client.SAdd(ctx, b.indexKey(), rec.Hash).Err(); err != nil {
		return nil, false, fmt.Errorf("index record: %w", err)
	}
	stored, err := b.bump(ctx, rec.Hash, doc, rec.LastAccessedAt)
	return stored, true, err
}

func (b *RedisBackend) bump(ctx context.Context, hash string, doc []byte, at time.Time) (*Record, error) {
	pipe := b.client.TxPipeline()
	count := pipe.HIncrBy(ctx, b.hitsKey(hash), "count", 1)
	pipe.HSet(ctx, b.hitsKey(hash), "last", strconv.FormatInt(at.UnixNano(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("touch record: %w", err)
	}
	rec, err := decodeRedisRecord(doc, nil)
	if err != nil {
		return nil, err
	}
	rec.AccessCount = count.Val()
	rec.LastAccessedAt = at
	return rec, nil
}

// List returns every indexed record.
func (b *RedisBackend) List(ctx context.Context) ([]Record, error) {
	ctx = ensureContext(ctx)
	hashes, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list index: %w", err)
	}
	records := make([]Record, 0, len(hashes))
	for _, hash := range hashes {
		rec, err := b.Find(ctx, hash)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		records = append(records, *rec)
	}
	return records, nil
}

// Remove deletes the record and counters for hash.
func (b *RedisBackend) Remove(ctx context.Context, hash string) (int, error) {
	ctx = ensureContext(ctx)
	pipe := b.client.TxPipeline()
	deleted := pipe.Del(ctx, b.recordKey(hash))
	pipe.Del(ctx, b.hitsKey(hash))
	pipe.SRem(ctx, b.indexKey(), hash)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("delete record: %w", err)
	}
	return int(deleted.Val()), nil
}

// RemoveIDs deletes the records whose surrogate ids are listed.
func (b *RedisBackend) RemoveIDs(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	wanted := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	records, err := b.List(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, rec := range records {
		if _, ok := wanted[rec.ID]; !ok {
			continue
		}
		n, err := b.Remove(ctx, rec.Hash)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

func decodeRedisRecord(doc []byte, hits map[string]string) (*Record, error) {
	var stored storedRecord
	if err := json.Unmarshal(doc, &stored); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	rec := &Record{
		ID:             stored.ID,
		Hash:           stored.Hash,
		CreatedAt:      stored.CreatedAt,
		LastAccessedAt: stored.CreatedAt,
		ArtifactMeta:   stored.ArtifactMeta,
	}
	if raw, ok := hits["count"]; ok {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			rec.AccessCount = n
		}
	}
	if raw, ok := hits["last"]; ok {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			rec.LastAccessedAt = time.Unix(0, n)
		}
	}
	return rec, nil
}
