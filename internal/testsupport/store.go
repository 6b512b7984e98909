package testsupport

import (
	"context"
	"testing"

	"vidpress/internal/config"
	"vidpress/internal/dedup"
	"vidpress/internal/logging"
)

// MustOpenRegistry opens the configured dedup registry for tests and
// registers cleanup.
func MustOpenRegistry(t testing.TB, cfg *config.Config) *dedup.Registry {
	t.Helper()

	registry, err := dedup.Open(context.Background(), cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("dedup.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = registry.Close()
	})
	return registry
}

// SeedRecord registers meta under hash and returns the stored record.
func SeedRecord(t testing.TB, registry *dedup.Registry, hash string, meta dedup.ArtifactMeta) *dedup.Record {
	t.Helper()

	rec, _, err := registry.Upsert(context.Background(), hash, meta)
	if err != nil {
		t.Fatalf("registry.Upsert: %v", err)
	}
	return rec
}
