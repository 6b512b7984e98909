package transcode

import (
	"context"
	"fmt"
	"log/slog"

	"vidpress/internal/config"
	"vidpress/internal/services"
)

// ProgressFunc receives integer progress in [0,100].
type ProgressFunc func(percent int)

// EncodeRequest describes one engine invocation.
type EncodeRequest struct {
	InputPath       string
	OutputDir       string
	Settings        Settings
	DurationSeconds float64
	HasAudio        bool
}

// Engine re-encodes a file into OutputDir and returns the produced path.
type Engine interface {
	Name() string
	Encode(ctx context.Context, req EncodeRequest, progress ProgressFunc) (string, error)
}

// NewEngine constructs the engine selected by transcode.engine.
func NewEngine(cfg *config.Config, logger *slog.Logger) (Engine, error) {
	switch cfg.Transcode.Engine {
	case "", config.EngineFFmpeg:
		return NewFFmpegEngine(cfg.Transcode.FFmpegBinary), nil
	case config.EngineDrapto:
		return NewDraptoEngine(logger), nil
	default:
		return nil, services.Wrap(services.ErrConfiguration, "transcode", "engine", fmt.Sprintf("unknown engine %q", cfg.Transcode.Engine), nil)
	}
}

func clampPercent(p int) int {
	return clampInt(p, 0, 100)
}
