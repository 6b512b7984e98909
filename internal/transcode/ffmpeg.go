package transcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

var commandContext = exec.CommandContext

// FFmpegEngine shells out to the ffmpeg CLI and follows -progress output.
type FFmpegEngine struct {
	binary string
}

var _ Engine = (*FFmpegEngine)(nil)

// NewFFmpegEngine uses binary, or "ffmpeg" when empty.
func NewFFmpegEngine(binary string) *FFmpegEngine {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpegEngine{binary: binary}
}

// Name identifies the engine in logs.
func (e *FFmpegEngine) Name() string { return "ffmpeg" }

// Encode runs ffmpeg with the resolved settings.
func (e *FFmpegEngine) Encode(ctx context.Context, req EncodeRequest, progress ProgressFunc) (string, error) {
	if strings.TrimSpace(req.InputPath) == "" {
		return "", errors.New("input path required")
	}
	if strings.TrimSpace(req.OutputDir) == "" {
		return "", errors.New("output directory required")
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	base := filepath.Base(req.InputPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		stem = base
	}
	outputPath := filepath.Join(req.OutputDir, stem+"."+req.Settings.Container)

	cmd := commandContext(ctx, e.binary, req.Settings.FFmpegArgs(req.InputPath, outputPath, req.HasAudio)...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start ffmpeg: %w", err)
	}

	parseErr := parseProgress(stdout, req.DurationSeconds, progress)
	waitErr := cmd.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if waitErr != nil {
		if detail := strings.TrimSpace(stderr.String()); detail != "" {
			return "", fmt.Errorf("ffmpeg encode failed: %w: %s", waitErr, lastLine(detail))
		}
		return "", fmt.Errorf("ffmpeg encode failed: %w", waitErr)
	}
	if parseErr != nil {
		return "", fmt.Errorf("read ffmpeg progress: %w", parseErr)
	}
	if _, err := os.Stat(outputPath); err != nil {
		return "", fmt.Errorf("ffmpeg produced no output: %w", err)
	}
	return outputPath, nil
}

// parseProgress follows ffmpeg's key=value progress stream and converts
// out_time_us against the probed duration into percent.
func parseProgress(r io.Reader, durationSeconds float64, progress ProgressFunc) error {
	last := -1
	emit := func(p int) {
		p = clampPercent(p)
		if p == last || progress == nil {
			return
		}
		last = p
		progress(p)
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			if durationSeconds <= 0 {
				continue
			}
			us, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil || us < 0 {
				continue
			}
			percent := int(float64(us) / 1e6 / durationSeconds * 100)
			emit(min(percent, 99))
		case "progress":
			if strings.TrimSpace(value) == "end" {
				emit(100)
			}
		}
	}
	return scanner.Err()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func lastLine(text string) string {
	if idx := strings.LastIndexByte(text, '\n'); idx >= 0 {
		return strings.TrimSpace(text[idx+1:])
	}
	return text
}
