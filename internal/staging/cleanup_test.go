package staging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"vidpress/internal/logging"
)

func makeDir(t *testing.T, root, name string, age time.Duration, payload int) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", name, err)
	}
	if payload > 0 {
		if err := os.WriteFile(filepath.Join(dir, "input.mp4"), make([]byte, payload), 0o644); err != nil {
			t.Fatalf("write payload: %v", err)
		}
	}
	stamp := time.Now().Add(-age)
	if err := os.Chtimes(dir, stamp, stamp); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	return dir
}

func TestCleanStaleInvalidPaths(t *testing.T) {
	for _, dir := range []string{"", "   ", "/nonexistent/path/12345"} {
		result := CleanStale(dir, time.Hour, time.Now(), logging.NewNop())
		if len(result.Removed) != 0 || len(result.Errors) != 0 {
			t.Errorf("expected empty result for path %q", dir)
		}
	}
}

func TestCleanStaleRemovesOldWorkdirs(t *testing.T) {
	root := t.TempDir()
	oldDir := makeDir(t, root, "1111-old-clip", 2*time.Hour, 16)
	recentDir := makeDir(t, root, "2222-new-clip", 0, 16)
	looseFile := filepath.Join(root, "notes.txt")
	if err := os.WriteFile(looseFile, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	old := time.Now().Add(-3 * time.Hour)
	if err := os.Chtimes(looseFile, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	result := CleanStale(root, time.Hour, time.Now(), nil)
	if len(result.Removed) != 1 || result.Removed[0] != oldDir {
		t.Fatalf("removed = %v, want [%s]", result.Removed, oldDir)
	}
	if _, err := os.Stat(oldDir); !os.IsNotExist(err) {
		t.Fatalf("old workdir still present: %v", err)
	}
	if _, err := os.Stat(recentDir); err != nil {
		t.Fatalf("recent workdir removed: %v", err)
	}
	if _, err := os.Stat(looseFile); err != nil {
		t.Fatalf("plain file removed: %v", err)
	}
}

func TestSummarizeCountsWorkdirs(t *testing.T) {
	root := t.TempDir()
	makeDir(t, root, "a-first", 3*time.Hour, 100)
	makeDir(t, root, "b-second", time.Hour, 50)

	usage, err := Summarize(root)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if usage.Dirs != 2 || usage.Bytes != 150 {
		t.Fatalf("usage = %+v", usage)
	}
	if time.Since(usage.Oldest) < 2*time.Hour {
		t.Fatalf("oldest = %v, want about 3h ago", usage.Oldest)
	}

	dirs, err := ListDirectories(root)
	if err != nil {
		t.Fatalf("ListDirectories: %v", err)
	}
	if len(dirs) != 2 || dirs[0].Name != "a-first" {
		t.Fatalf("dirs not ordered oldest first: %+v", dirs)
	}
}

func TestSummarizeMissingDir(t *testing.T) {
	usage, err := Summarize(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if usage.Dirs != 0 || !usage.Oldest.IsZero() {
		t.Fatalf("usage = %+v", usage)
	}
}
