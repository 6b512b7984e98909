package transcode

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"

	draptolib "github.com/five82/drapto"

	"vidpress/internal/logging"
)

// DraptoEngine encodes through the drapto library. It ignores the x264
// settings and lets drapto pick its own AV1 parameters.
type DraptoEngine struct {
	logger *slog.Logger
}

var _ Engine = (*DraptoEngine)(nil)

// NewDraptoEngine constructs the library-backed engine.
func NewDraptoEngine(logger *slog.Logger) *DraptoEngine {
	return &DraptoEngine{logger: logging.NewComponentLogger(logger, "drapto")}
}

// Name identifies the engine in logs.
func (e *DraptoEngine) Name() string { return "drapto" }

// Encode runs drapto and returns <OutputDir>/<stem>.mkv.
func (e *DraptoEngine) Encode(ctx context.Context, req EncodeRequest, progress ProgressFunc) (string, error) {
	if req.InputPath == "" {
		return "", errors.New("input path required")
	}
	if strings.TrimSpace(req.OutputDir) == "" {
		return "", errors.New("output directory required")
	}

	encoder, err := draptolib.New(draptolib.WithResponsive())
	if err != nil {
		return "", err
	}
	rep := newProgressReporter(logging.WithContext(ctx, e.logger), progress)
	if _, err := encoder.EncodeWithReporter(ctx, req.InputPath, strings.TrimSpace(req.OutputDir), rep); err != nil {
		return "", err
	}

	base := filepath.Base(req.InputPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		stem = base
	}
	return filepath.Join(strings.TrimSpace(req.OutputDir), stem+".mkv"), nil
}
