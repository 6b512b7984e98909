package transcode

import (
	"log/slog"

	draptolib "github.com/five82/drapto"

	"vidpress/internal/logging"
)

// progressReporter adapts drapto's Reporter callbacks to a ProgressFunc and
// job-scoped log lines.
type progressReporter struct {
	logger   *slog.Logger
	progress ProgressFunc
	last     int
}

func newProgressReporter(logger *slog.Logger, progress ProgressFunc) *progressReporter {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &progressReporter{logger: logger, progress: progress, last: -1}
}

func (r *progressReporter) emit(percent float64) {
	p := clampPercent(int(percent))
	if p == r.last || r.progress == nil {
		return
	}
	r.last = p
	r.progress(p)
}

func (r *progressReporter) Hardware(s draptolib.HardwareSummary) {
	r.logger.Debug("drapto hardware", logging.String("hostname", s.Hostname))
}

func (r *progressReporter) Initialization(s draptolib.InitializationSummary) {
	r.logger.Info("drapto initialized",
		logging.String("input", s.InputFile),
		logging.String("resolution", s.Resolution),
		logging.String("dynamic_range", s.DynamicRange),
	)
}

func (r *progressReporter) StageProgress(s draptolib.StageProgress) {
	r.logger.Debug("drapto stage",
		logging.String(logging.FieldStage, s.Stage),
		logging.String("message", s.Message),
	)
}

func (r *progressReporter) CropResult(s draptolib.CropSummary) {
	r.logger.Debug("drapto crop detection",
		logging.String("crop", s.Crop),
		logging.Bool("required", s.Required),
		logging.Bool("disabled", s.Disabled),
	)
}

func (r *progressReporter) EncodingConfig(s draptolib.EncodingConfigSummary) {
	r.logger.Info("drapto encoding config",
		logging.String("encoder", s.Encoder),
		logging.String("preset", s.Preset),
		logging.String("quality", s.Quality),
		logging.String("audio_codec", s.AudioCodec),
	)
}

func (r *progressReporter) EncodingStarted(totalFrames uint64) {
	r.logger.Debug("drapto encoding started", logging.Uint64("total_frames", totalFrames))
	r.emit(0)
}

func (r *progressReporter) EncodingProgress(s draptolib.ProgressSnapshot) {
	r.emit(float64(s.Percent))
}

func (r *progressReporter) ValidationComplete(s draptolib.ValidationSummary) {
	if s.Passed {
		r.logger.Debug("drapto validation passed")
		return
	}
	failed := make([]string, 0, len(s.Steps))
	for _, step := range s.Steps {
		if !step.Passed {
			failed = append(failed, step.Name)
		}
	}
	logging.WarnWithContext(r.logger, "drapto validation reported failures", "drapto_validation_failed",
		logging.Any("failed_steps", failed),
		logging.String(logging.FieldErrorHint, "inspect the encoded output before publishing"),
	)
}

func (r *progressReporter) EncodingComplete(s draptolib.EncodingOutcome) {
	r.logger.Info("drapto encoding complete",
		logging.Uint64("original_size", uint64(s.OriginalSize)),
		logging.Uint64("encoded_size", uint64(s.EncodedSize)),
	)
	r.emit(100)
}

func (r *progressReporter) Warning(message string) {
	logging.WarnWithContext(r.logger, "drapto warning", "drapto_warning", logging.String("message", message))
}

func (r *progressReporter) Error(e draptolib.ReporterError) {
	logging.ErrorWithContext(r.logger, "drapto error", "drapto_error",
		logging.String("title", e.Title),
		logging.String("message", e.Message),
		logging.String("context", e.Context),
		logging.String(logging.FieldErrorHint, e.Suggestion),
	)
}

func (r *progressReporter) OperationComplete(message string) {
	r.logger.Debug("drapto operation complete", logging.String("message", message))
}

func (r *progressReporter) BatchStarted(s draptolib.BatchStartInfo) {
	r.logger.Debug("drapto batch started", logging.Any("total_files", s.TotalFiles))
}

func (r *progressReporter) FileProgress(s draptolib.FileProgressContext) {
	r.logger.Debug("drapto file progress",
		logging.Any("current_file", s.CurrentFile),
		logging.Any("total_files", s.TotalFiles),
	)
}

func (r *progressReporter) BatchComplete(s draptolib.BatchSummary) {
	r.logger.Debug("drapto batch complete", logging.Any("successful", s.SuccessfulCount))
}

var _ draptolib.Reporter = (*progressReporter)(nil)
