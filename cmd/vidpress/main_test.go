package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vidpress/internal/dedup"
	"vidpress/internal/scheduler"
	"vidpress/internal/testsupport"
)

func TestHashCommandPrintsDigest(t *testing.T) {
	env := setupCLITestEnv(t)
	path := writeVideo(t, env.baseDir, "clip.mp4", "frame data")

	want, err := dedup.HashFile(context.Background(), path, dedup.AlgorithmSHA256)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	out, _, err := runCLI(t, []string{"hash", path}, env.configPath)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	requireContains(t, out, want+"  "+path)

	out, _, err = runCLI(t, []string{"hash", "--algorithm", "blake2b", "--json", path}, env.configPath)
	if err != nil {
		t.Fatalf("hash blake2b: %v", err)
	}
	var entries []hashEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode json: %v\n%s", err, out)
	}
	if len(entries) != 1 || entries[0].Algorithm != "blake2b" || entries[0].Hash == want {
		t.Fatalf("unexpected blake2b entry: %+v", entries)
	}
}

func runCompress(t *testing.T, env *cliTestEnv, args ...string) compressReport {
	t.Helper()
	out, _, err := runCLI(t, append([]string{"compress", "--json"}, args...), env.configPath)
	if err != nil {
		t.Fatalf("compress: %v\n%s", err, out)
	}
	var report compressReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	return report
}

func TestCompressPublishesAndDeduplicates(t *testing.T) {
	env := setupCLITestEnv(t)
	stubProbe(t)
	source := writeVideo(t, env.baseDir, "Holiday_Clip.mp4", "small h264 payload")

	first := runCompress(t, env, source)
	if len(first.Jobs) != 1 || first.Jobs[0].Job == nil {
		t.Fatalf("unexpected report: %+v", first)
	}
	job := first.Jobs[0].Job
	if job.Status != scheduler.StatusCompleted || job.Result == nil {
		t.Fatalf("job not completed: %+v", job)
	}
	if job.Result.Deduplicated || job.Result.Compressed {
		t.Fatalf("expected a fresh copied artifact, got %+v", job.Result)
	}
	if job.DisplayName != "Holiday Clip" {
		t.Fatalf("display name = %q", job.DisplayName)
	}
	artifact := filepath.Join(env.cfg.Storage.ObjectDir, filepath.FromSlash(job.Result.OutputLocator))
	data, err := os.ReadFile(artifact)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "small h264 payload" {
		t.Fatalf("artifact content = %q", data)
	}
	if !strings.HasPrefix(job.Result.URL, "https://cdn.test/") {
		t.Fatalf("url = %q", job.Result.URL)
	}

	second := runCompress(t, env, source)
	dup := second.Jobs[0].Job
	if dup == nil || dup.Result == nil || !dup.Result.Deduplicated {
		t.Fatalf("expected duplicate on second run: %+v", second.Jobs[0])
	}
	if dup.Result.OutputLocator != job.Result.OutputLocator {
		t.Fatalf("duplicate locator %q != %q", dup.Result.OutputLocator, job.Result.OutputLocator)
	}
	if second.Stats.Counters.Deduplicated != 1 || second.Stats.Counters.Succeeded != 0 {
		t.Fatalf("unexpected counters: %+v", second.Stats.Counters)
	}

	entries, err := os.ReadDir(env.cfg.Paths.StagingDir)
	if err != nil {
		t.Fatalf("read staging: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("staging not cleaned: %d entries", len(entries))
	}
}

func TestCompressReportsRejectedFiles(t *testing.T) {
	env := setupCLITestEnv(t)
	stubProbe(t)
	missing := filepath.Join(env.baseDir, "missing.mp4")

	out, _, err := runCLI(t, []string{"compress", missing}, env.configPath)
	if err == nil {
		t.Fatal("expected compress to fail for a missing file")
	}
	requireContains(t, err.Error(), "1 of 1 file(s) failed")
	requireContains(t, out, "rejected")
}

func TestCompressRejectsUnknownPriority(t *testing.T) {
	env := setupCLITestEnv(t)
	source := writeVideo(t, env.baseDir, "clip.mp4", "x")
	if _, _, err := runCLI(t, []string{"compress", "--priority", "urgent", source}, env.configPath); err == nil {
		t.Fatal("expected invalid priority error")
	}
}

func TestDedupCommands(t *testing.T) {
	env := setupCLITestEnv(t)
	reg := testsupport.MustOpenRegistry(t, env.cfg)
	hash := strings.Repeat("ab", 32)
	testsupport.SeedRecord(t, reg, hash, dedup.ArtifactMeta{
		ByteSize:         400,
		Locator:          "videos/ab/" + hash + ".mp4",
		URL:              "https://cdn.test/videos/ab/" + hash + ".mp4",
		Compressed:       true,
		OriginalSize:     1000,
		CompressedSize:   400,
		CompressionRatio: 60,
	})

	out, _, err := runCLI(t, []string{"dedup", "stats"}, env.configPath)
	if err != nil {
		t.Fatalf("dedup stats: %v", err)
	}
	requireContains(t, out, "Total files")
	requireContains(t, out, "60.0%")

	out, _, err = runCLI(t, []string{"dedup", "lookup", strings.ToUpper(hash)}, env.configPath)
	if err != nil {
		t.Fatalf("dedup lookup: %v", err)
	}
	requireContains(t, out, "videos/ab/"+hash+".mp4")
	requireContains(t, out, "Access count:  1")

	out, _, err = runCLI(t, []string{"dedup", "unused", "--max-age-days", "1"}, env.configPath)
	if err != nil {
		t.Fatalf("dedup unused: %v", err)
	}
	requireContains(t, out, "No unused records")

	out, _, err = runCLI(t, []string{"dedup", "merge"}, env.configPath)
	if err != nil {
		t.Fatalf("dedup merge: %v", err)
	}
	requireContains(t, out, "removed 0 record(s)")

	out, _, err = runCLI(t, []string{"dedup", "delete", hash}, env.configPath)
	if err != nil {
		t.Fatalf("dedup delete: %v", err)
	}
	requireContains(t, out, "Removed 1 record(s)")

	if _, _, err := runCLI(t, []string{"dedup", "lookup", hash}, env.configPath); err == nil {
		t.Fatal("expected lookup after delete to fail")
	}
}

func seedAgedRecord(t *testing.T, backend *dedup.SQLiteBackend, hash, locator string, accessed time.Time) {
	t.Helper()
	_, _, err := backend.InsertOrTouch(context.Background(), dedup.Record{
		Hash:           hash,
		AccessCount:    1,
		CreatedAt:      accessed,
		LastAccessedAt: accessed,
		ArtifactMeta:   dedup.ArtifactMeta{ByteSize: 4, Locator: locator, URL: "https://cdn.test/" + locator},
	})
	if err != nil {
		t.Fatalf("seed %s: %v", hash, err)
	}
}

func TestDedupPruneRemovesIdleArtifacts(t *testing.T) {
	env := setupCLITestEnv(t)
	old := time.Now().Add(-90 * 24 * time.Hour)
	lonely := "videos/aa/" + strings.Repeat("aa", 32) + ".mp4"
	shared := "videos/bb/" + strings.Repeat("bb", 32) + ".mp4"
	for _, locator := range []string{lonely, shared} {
		path := filepath.Join(env.cfg.Storage.ObjectDir, filepath.FromSlash(locator))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
			t.Fatalf("write artifact: %v", err)
		}
	}

	backend, err := dedup.OpenSQLite(context.Background(), env.cfg.Dedup.SQLitePath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	seedAgedRecord(t, backend, strings.Repeat("aa", 32), lonely, old)
	seedAgedRecord(t, backend, strings.Repeat("bb", 32), shared, old)
	// The compressed-hash record still references the shared artifact.
	seedAgedRecord(t, backend, strings.Repeat("cc", 32), shared, time.Now())
	if err := backend.Close(); err != nil {
		t.Fatalf("close backend: %v", err)
	}

	out, _, err := runCLI(t, []string{"dedup", "prune", "--dry-run"}, env.configPath)
	if err != nil {
		t.Fatalf("dedup prune --dry-run: %v", err)
	}
	requireContains(t, out, "Would prune 2 record(s)")

	out, _, err = runCLI(t, []string{"dedup", "prune"}, env.configPath)
	if err != nil {
		t.Fatalf("dedup prune: %v", err)
	}
	requireContains(t, out, "Pruned 2 record(s) and 1 artifact(s)")

	if _, err := os.Stat(filepath.Join(env.cfg.Storage.ObjectDir, filepath.FromSlash(lonely))); !os.IsNotExist(err) {
		t.Fatalf("expected unreferenced artifact removed, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.cfg.Storage.ObjectDir, filepath.FromSlash(shared))); err != nil {
		t.Fatalf("shared artifact should survive: %v", err)
	}
}

func TestStatusCommandRendersSections(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"status"}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "== Daemon ==")
	requireContains(t, out, "not running")
	requireContains(t, out, "Staging directory")
	requireContains(t, out, "[OK]")
	requireContains(t, out, "Dedup registry (sqlite)")
	requireContains(t, out, "Records")
}

func TestRenderStatusLineColorize(t *testing.T) {
	plain := renderStatusLine("State", statusOK, "running", false)
	if strings.Contains(plain, "\x1b[") {
		t.Fatalf("plain output contains ANSI codes: %q", plain)
	}
	requireContains(t, plain, "[OK] running")

	colored := renderStatusLine("State", statusError, "", true)
	if !strings.HasPrefix(colored, ansiRed) || !strings.HasSuffix(colored, ansiReset) {
		t.Fatalf("expected red status line, got %q", colored)
	}
}

func TestFormatHelpers(t *testing.T) {
	cases := map[int64]string{
		0:               "0 B",
		1023:            "1023 B",
		1536:            "1.5 KiB",
		5 * 1024 * 1024: "5.0 MiB",
	}
	for in, want := range cases {
		if got := formatBytes(in); got != want {
			t.Fatalf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
	if got := formatRatio(0); got != "-" {
		t.Fatalf("formatRatio(0) = %q", got)
	}
	if got := shortHash(strings.Repeat("f", 64)); len(got) != 12 {
		t.Fatalf("shortHash length = %d", len(got))
	}
}

func TestLogsCommandFiltersByJob(t *testing.T) {
	env := setupCLITestEnv(t)
	logPath := filepath.Join(env.cfg.Paths.LogDir, "vidpress.log")
	content := "INFO job_id=aaa started\nINFO job_id=bbb started\nINFO job_id=aaa completed\n"
	if err := os.WriteFile(logPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	out, _, err := runCLI(t, []string{"logs", "--job", "aaa"}, env.configPath)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if strings.Contains(out, "bbb") {
		t.Fatalf("filter leaked other job: %q", out)
	}
	requireContains(t, out, "job_id=aaa completed")

	out, _, err = runCLI(t, []string{"logs", "-n", "1"}, env.configPath)
	if err != nil {
		t.Fatalf("logs -n 1: %v", err)
	}
	if strings.TrimSpace(out) != "INFO job_id=aaa completed" {
		t.Fatalf("unexpected tail: %q", out)
	}
}

func TestTestNotifyRequiresTopic(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, []string{"test-notify"}, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "notifications are disabled") {
		t.Fatalf("expected disabled error, got %v", err)
	}
}
