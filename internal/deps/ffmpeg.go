package deps

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"vidpress/internal/config"
)

// TranscodeRequirements lists the binaries the configured engine needs.
//
// The ffmpeg engine runs the configured ffmpeg binary directly. The drapto
// engine is linked in, but the library still shells out to ffmpeg and
// ffprobe resolved from PATH, so those are checked by bare name.
func TranscodeRequirements(cfg config.Transcode) []Requirement {
	ffmpeg := strings.TrimSpace(cfg.FFmpegBinary)
	ffprobe := strings.TrimSpace(cfg.FFprobeBinary)
	description := "Required for encoding"
	if cfg.Engine == config.EngineDrapto {
		ffmpeg = "ffmpeg"
		description = "Used by the drapto engine for encoding"
	}
	return []Requirement{
		{Name: "FFmpeg", Command: ResolveFFmpegPath(ffmpeg), Description: description},
		{Name: "FFprobe", Command: ResolveFFprobePath(ffprobe, ffmpeg), Description: "Required for media inspection"},
	}
}

// ResolveFFmpegPath returns the configured binary, defaulting to "ffmpeg".
func ResolveFFmpegPath(configured string) string {
	if configured = strings.TrimSpace(configured); configured != "" {
		return configured
	}
	return "ffmpeg"
}

// ResolveFFprobePath prefers the configured binary. When only the default
// name is configured, an ffprobe sitting next to a resolved ffmpeg wins over
// PATH lookup so both tools come from the same build.
func ResolveFFprobePath(configured, ffmpeg string) string {
	configured = strings.TrimSpace(configured)
	if configured != "" && configured != "ffprobe" {
		return configured
	}
	if resolved, err := exec.LookPath(ResolveFFmpegPath(ffmpeg)); err == nil {
		if candidate, ok := siblingBinary(resolved, "ffprobe"); ok {
			if info, statErr := os.Stat(candidate); statErr == nil && isExecutable(info) {
				return candidate
			}
		}
	}
	return "ffprobe"
}

func siblingBinary(path, name string) (string, bool) {
	if path == "" {
		return "", false
	}
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(filepath.Dir(path), name), true
}

func isExecutable(info os.FileInfo) bool {
	if info == nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
