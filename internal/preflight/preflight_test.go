package preflight

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"vidpress/internal/config"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if !strings.Contains(result.Detail, "does not exist") {
		t.Fatalf("unexpected detail: %q", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	if results := RunAll(context.Background(), nil); results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func minimalConfig(t *testing.T) *config.Config {
	t.Helper()
	binDir := t.TempDir()
	for _, name := range []string{"ffmpeg", "ffprobe"} {
		if err := os.WriteFile(filepath.Join(binDir, name), []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
			t.Fatalf("write stub: %v", err)
		}
	}
	t.Setenv("PATH", binDir)

	cfg := config.Default()
	cfg.Paths.StagingDir = t.TempDir()
	cfg.Paths.DataDir = t.TempDir()
	cfg.Storage.ObjectDir = t.TempDir()
	cfg.Dedup.SQLitePath = filepath.Join(cfg.Paths.DataDir, "registry.db")
	return &cfg
}

func TestRunAll_MinimalConfig(t *testing.T) {
	cfg := minimalConfig(t)

	results := RunAll(context.Background(), cfg)
	// three directories, ffmpeg, ffprobe, registry
	if len(results) != 6 {
		t.Fatalf("expected 6 results, got %d: %#v", len(results), results)
	}
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("unexpected failures: %#v", failed)
	}
}

func TestRunAll_ReportsMissingBinaryAndInbox(t *testing.T) {
	cfg := minimalConfig(t)
	cfg.Transcode.FFmpegBinary = "definitely-missing-ffmpeg"
	cfg.Paths.InboxDir = filepath.Join(t.TempDir(), "absent-inbox")

	failed := Failed(RunAll(context.Background(), cfg))
	names := map[string]bool{}
	for _, r := range failed {
		names[r.Name] = true
	}
	if !names["FFmpeg"] || !names["Inbox directory"] || len(failed) != 2 {
		t.Fatalf("unexpected failures: %#v", failed)
	}
}

func TestCheckRegistry_UnknownBackend(t *testing.T) {
	cfg := minimalConfig(t)
	cfg.Dedup.Backend = "etcd"
	if result := CheckRegistry(context.Background(), cfg); result.Passed {
		t.Fatalf("expected failure for unknown backend, got %q", result.Detail)
	}
}
