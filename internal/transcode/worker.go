package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"vidpress/internal/dedup"
	"vidpress/internal/fileutil"
	"vidpress/internal/logging"
	"vidpress/internal/objectstore"
	"vidpress/internal/services"
)

// Task is one unit of work handed to the worker.
type Task struct {
	JobID        string
	Attempt      int
	InputPath    string
	WorkDir      string
	OriginalHash string
	DisplayName  string
	Constraints  Constraints
}

// Result describes the published artifact.
type Result struct {
	OutputLocator    string        `json:"output_locator"`
	URL              string        `json:"url"`
	Metadata         MediaInfo     `json:"metadata"`
	Compressed       bool          `json:"compressed"`
	Reason           string        `json:"reason"`
	OriginalSize     int64         `json:"original_size"`
	CompressedSize   int64         `json:"compressed_size"`
	CompressionRatio float64       `json:"compression_ratio"`
	OriginalHash     string        `json:"original_hash"`
	CompressedHash   string        `json:"compressed_hash"`
	Settings         *Settings     `json:"settings,omitempty"`
	Quality          QualityReport `json:"quality"`
	Engine           string        `json:"engine,omitempty"`
}

// WorkerOptions configures probing, hashing and decision thresholds.
type WorkerOptions struct {
	FFprobeBinary string
	HashAlgorithm string
	Thresholds    Thresholds
}

// Worker executes compression tasks. It is safe for concurrent use.
type Worker struct {
	engine Engine
	store  objectstore.Store
	opts   WorkerOptions
	logger *slog.Logger
}

// NewWorker wires an engine and object store.
func NewWorker(engine Engine, store objectstore.Store, opts WorkerOptions, logger *slog.Logger) *Worker {
	return &Worker{
		engine: engine,
		store:  store,
		opts:   opts,
		logger: logging.NewComponentLogger(logger, "worker"),
	}
}

// Run executes task. Intermediate output under the workdir is removed on
// every return path; panics are converted into transient errors.
func (w *Worker) Run(ctx context.Context, task Task, progress ProgressFunc) (result Result, err error) {
	ctx = services.WithJobID(ctx, task.JobID)
	logger := logging.WithContext(ctx, w.logger)

	scratch := scratchDir(task)
	defer func() {
		if rmErr := os.RemoveAll(scratch); rmErr != nil {
			logging.WarnWithContext(logger, "failed to remove intermediate output", "worker_cleanup_failed",
				logging.String("path", scratch),
				logging.Error(rmErr),
				logging.String(logging.FieldErrorHint, "remove the directory manually"),
			)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			logging.ErrorWithContext(logger, "worker panic recovered", "worker_panic",
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
			)
			result = Result{}
			err = services.Wrap(services.ErrTransient, "transcode", "run", fmt.Sprintf("worker panic: %v", r), nil)
		}
	}()

	emit := func(p int) {
		if progress != nil {
			progress(clampPercent(p))
		}
	}

	info, err := os.Stat(task.InputPath)
	if err != nil {
		return Result{}, services.Wrap(services.ErrTerminal, "transcode", "stat input", "input file is not readable", err)
	}
	if !info.Mode().IsRegular() {
		return Result{}, services.Wrap(services.ErrTerminal, "transcode", "stat input", "input is not a regular file", nil)
	}

	probeCtx := services.WithStage(ctx, "probe")
	probed, err := probe(probeCtx, w.opts.FFprobeBinary, task.InputPath)
	if err != nil {
		return Result{}, classify(ctx, services.ErrTerminal, "probe", "input could not be probed", err)
	}
	meta, err := MediaInfoFromProbe(probed, info.Size())
	if err != nil {
		return Result{}, services.Wrap(services.ErrTerminal, "transcode", "probe", "input has no video stream", err)
	}

	quality := AssessQuality(meta)
	logger.Info("input assessed",
		logging.Int("quality_score", quality.Score),
		logging.Any("issues", quality.Issues),
		logging.String("resolution", fmt.Sprintf("%dx%d", meta.Width, meta.Height)),
		logging.Int64("bitrate", meta.BitRate),
	)

	compress, reason := ShouldCompress(meta, task.Constraints, w.opts.Thresholds)
	decision := "copy"
	if compress {
		decision = "compress"
	}
	logger.Info("compression decision", logging.Args(logging.DecisionAttrs("compression", decision, reason)...)...)
	emit(0)

	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return Result{}, services.Wrap(services.ErrTransient, "transcode", "prepare", "create scratch directory", err)
	}

	result = Result{
		Metadata:     meta,
		Compressed:   compress,
		Reason:       reason,
		OriginalSize: info.Size(),
		OriginalHash: task.OriginalHash,
		Quality:      quality,
	}

	var outputPath string
	if compress {
		settings := BuildSettings(meta, task.Constraints)
		result.Settings = &settings
		result.Engine = w.engine.Name()
		logger.Info("encode started",
			logging.String("engine", w.engine.Name()),
			logging.String("preset", settings.PresetName),
			logging.Int("crf", settings.CRF),
			logging.String("maxrate", settings.MaxRate),
		)
		sampler := logging.NewProgressSampler(10)
		encodeCtx := services.WithStage(ctx, "encode")
		encodeLogger := logging.WithContext(encodeCtx, w.logger)
		outputPath, err = w.engine.Encode(encodeCtx, EncodeRequest{
			InputPath:       task.InputPath,
			OutputDir:       scratch,
			Settings:        settings,
			DurationSeconds: meta.DurationSeconds,
			HasAudio:        meta.HasAudio,
		}, func(p int) {
			if sampler.ShouldLog(p) {
				encodeLogger.Debug("encode progress", logging.Int("percent", p))
			}
			emit(p)
		})
		if err != nil {
			return Result{}, classify(ctx, services.ErrTransient, "encode", "engine failed", err)
		}
	} else {
		outputPath = filepath.Join(scratch, filepath.Base(task.InputPath))
		if err := fileutil.CopyFileVerified(task.InputPath, outputPath); err != nil {
			return Result{}, classify(ctx, services.ErrTransient, "copy", "copy input", err)
		}
	}

	outInfo, err := os.Stat(outputPath)
	if err != nil {
		return Result{}, services.Wrap(services.ErrTransient, "transcode", "stat output", "output missing", err)
	}
	result.CompressedSize = outInfo.Size()
	if compress {
		result.CompressionRatio = CompressionRatio(result.OriginalSize, result.CompressedSize)
	}

	result.CompressedHash, err = dedup.HashFile(ctx, outputPath, w.opts.HashAlgorithm)
	if err != nil {
		return Result{}, classify(ctx, services.ErrTransient, "hash", "hash output", err)
	}
	if !compress && result.OriginalHash == "" {
		result.OriginalHash = result.CompressedHash
	}

	locator, err := w.store.Put(ctx, outputPath, filepath.Ext(outputPath))
	if err != nil {
		return Result{}, classify(ctx, services.ErrTransient, "publish", "store artifact", err)
	}
	url, err := w.store.URL(locator)
	if err != nil {
		return Result{}, services.Wrap(services.ErrTransient, "transcode", "publish", "resolve url", err)
	}
	result.OutputLocator = string(locator)
	result.URL = url
	emit(100)

	logger.Info("artifact published",
		logging.String(logging.FieldEventType, "artifact_published"),
		logging.String("locator", result.OutputLocator),
		logging.Bool("compressed", result.Compressed),
		logging.Int64("original_size", result.OriginalSize),
		logging.Int64("compressed_size", result.CompressedSize),
		logging.Float64("compression_ratio", result.CompressionRatio),
	)
	return result, nil
}

// classify tags err with ErrTimeout when the attempt deadline fired, keeps
// existing validation/terminal markers, and otherwise applies fallback.
func classify(ctx context.Context, fallback error, op, msg string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return services.Wrap(services.ErrTimeout, "transcode", op, "attempt deadline exceeded", err)
	case errors.Is(err, services.ErrTerminal), errors.Is(err, services.ErrValidation):
		return err
	default:
		return services.Wrap(fallback, "transcode", op, strings.TrimSpace(msg), err)
	}
}

// scratchDir returns the output directory owned by one attempt.
func scratchDir(task Task) string {
	if task.Attempt <= 0 {
		return filepath.Join(task.WorkDir, "output")
	}
	return filepath.Join(task.WorkDir, fmt.Sprintf("output-%d", task.Attempt))
}
