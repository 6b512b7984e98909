package deps

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"vidpress/internal/config"
)

func writeStub(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
}

func TestCheckBinaries(t *testing.T) {
	binDir := t.TempDir()
	present := filepath.Join(binDir, "present")
	writeStub(t, present)
	reqs := []Requirement{
		{Name: "Present", Command: present},
		{Name: "Missing", Command: "clearly-not-present-binary"},
		{Name: "Blank", Command: "  ", Optional: true},
	}

	results := CheckBinaries(reqs)
	if len(results) != len(reqs) {
		t.Fatalf("expected %d results, got %d", len(reqs), len(results))
	}
	if !results[0].Available || results[0].Detail != "" {
		t.Fatalf("expected first requirement to be available, got %#v", results[0])
	}
	if results[1].Available || results[1].Detail == "" {
		t.Fatalf("expected missing binary to be unavailable with detail, got %#v", results[1])
	}
	if results[1].Command != "clearly-not-present-binary" {
		t.Fatalf("unexpected command recorded: %s", results[1].Command)
	}
	if results[2].Detail != "command not configured" {
		t.Fatalf("unexpected detail for blank command: %q", results[2].Detail)
	}

	missing := Missing(results)
	if len(missing) != 1 || missing[0].Name != "Missing" {
		t.Fatalf("Missing() = %#v, want only the required missing binary", missing)
	}
}

func TestResolveFFprobePrefersSibling(t *testing.T) {
	tmp := t.TempDir()
	ffmpegPath := filepath.Join(tmp, executableName("ffmpeg"))
	ffprobePath := filepath.Join(tmp, executableName("ffprobe"))
	writeStub(t, ffmpegPath)
	writeStub(t, ffprobePath)

	if got := ResolveFFprobePath("ffprobe", ffmpegPath); got != ffprobePath {
		t.Fatalf("expected sibling ffprobe %q, got %q", ffprobePath, got)
	}
	if got := ResolveFFprobePath("/opt/custom/ffprobe", ffmpegPath); got != "/opt/custom/ffprobe" {
		t.Fatalf("explicit ffprobe path overridden: %q", got)
	}
}

func TestResolveFFprobeFallsBackToName(t *testing.T) {
	t.Setenv("PATH", "")
	if got := ResolveFFprobePath("", "ffmpeg"); got != "ffprobe" {
		t.Fatalf("expected bare ffprobe, got %q", got)
	}
}

func TestTranscodeRequirementsByEngine(t *testing.T) {
	cfg := config.Default().Transcode
	cfg.FFmpegBinary = "/opt/ffmpeg/bin/ffmpeg"
	reqs := TranscodeRequirements(cfg)
	if len(reqs) != 2 || reqs[0].Command != "/opt/ffmpeg/bin/ffmpeg" {
		t.Fatalf("unexpected ffmpeg engine requirements: %#v", reqs)
	}

	cfg.Engine = config.EngineDrapto
	reqs = TranscodeRequirements(cfg)
	if reqs[0].Command != "ffmpeg" {
		t.Fatalf("drapto engine should resolve ffmpeg from PATH, got %q", reqs[0].Command)
	}
}

func executableName(base string) string {
	if runtime.GOOS == "windows" {
		return base + ".exe"
	}
	return base
}
