package transcode_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vidpress/internal/logging"
	"vidpress/internal/media/ffprobe"
	"vidpress/internal/objectstore"
	"vidpress/internal/services"
	"vidpress/internal/transcode"
)

const probeJSON = `{
  "streams": [
    {"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080, "r_frame_rate": "30/1"},
    {"codec_type": "audio", "codec_name": "aac"}
  ],
  "format": {"duration": "12.0", "bit_rate": "%BITRATE%"}
}`

func stubProbe(t *testing.T, bitrate string) {
	t.Helper()
	result, err := ffprobe.Parse([]byte(strings.ReplaceAll(probeJSON, "%BITRATE%", bitrate)))
	if err != nil {
		t.Fatalf("parse probe fixture: %v", err)
	}
	restore := transcode.SetProbeForTests(func(context.Context, string, string) (ffprobe.Result, error) {
		return result, nil
	})
	t.Cleanup(restore)
}

type stubEngine struct {
	calls   int
	output  []byte
	err     error
	panicky bool
	block   bool
}

func (s *stubEngine) Name() string { return "stub" }

func (s *stubEngine) Encode(ctx context.Context, req transcode.EncodeRequest, progress transcode.ProgressFunc) (string, error) {
	s.calls++
	if s.panicky {
		panic("encoder exploded")
	}
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if s.err != nil {
		return "", s.err
	}
	progress(40)
	progress(80)
	out := filepath.Join(req.OutputDir, "encoded.mp4")
	if err := os.WriteFile(out, s.output, 0o644); err != nil {
		return "", err
	}
	return out, nil
}

type fixture struct {
	worker  *transcode.Worker
	engine  *stubEngine
	store   *objectstore.FS
	task    transcode.Task
	workDir string
}

func newFixture(t *testing.T, inputSize int) *fixture {
	t.Helper()
	base := t.TempDir()
	store, err := objectstore.NewFS(filepath.Join(base, "objects"), "https://cdn.example.test")
	if err != nil {
		t.Fatal(err)
	}
	workDir := filepath.Join(base, "staging", "job-1")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		t.Fatal(err)
	}
	input := filepath.Join(workDir, "input.mp4")
	if err := os.WriteFile(input, make([]byte, inputSize), 0o644); err != nil {
		t.Fatal(err)
	}
	engine := &stubEngine{output: []byte("small")}
	worker := transcode.NewWorker(engine, store, transcode.WorkerOptions{
		HashAlgorithm: "sha256",
		Thresholds:    defaultThresholds,
	}, logging.NewNop())
	return &fixture{
		worker:  worker,
		engine:  engine,
		store:   store,
		workDir: workDir,
		task: transcode.Task{
			JobID:       "job-1",
			InputPath:   input,
			WorkDir:     workDir,
			DisplayName: "Clip",
			Constraints: transcode.Constraints{MaxWidth: 1920, MaxHeight: 1080, Preset: "standard"}.WithQuality(0.8),
		},
	}
}

func assertScratchRemoved(t *testing.T, f *fixture) {
	t.Helper()
	if _, err := os.Stat(filepath.Join(f.workDir, "output")); !os.IsNotExist(err) {
		t.Fatalf("expected scratch output to be removed, stat err %v", err)
	}
}

func TestWorkerCompressesAndPublishes(t *testing.T) {
	stubProbe(t, "6000000")
	f := newFixture(t, 2048)

	var progress []int
	res, err := f.worker.Run(context.Background(), f.task, func(p int) { progress = append(progress, p) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Compressed || f.engine.calls != 1 {
		t.Fatalf("expected compression via engine, got %+v (calls %d)", res, f.engine.calls)
	}
	if res.Settings == nil || res.Settings.CRF != 20 {
		t.Fatalf("unexpected settings %+v", res.Settings)
	}
	if res.OriginalSize != 2048 || res.CompressedSize != int64(len("small")) {
		t.Fatalf("unexpected sizes %+v", res)
	}
	if res.CompressionRatio <= 99 {
		t.Fatalf("unexpected ratio %v", res.CompressionRatio)
	}
	if !strings.HasPrefix(res.URL, "https://cdn.example.test/videos/") || !strings.HasSuffix(res.OutputLocator, ".mp4") {
		t.Fatalf("unexpected publish result %s %s", res.URL, res.OutputLocator)
	}
	if len(res.CompressedHash) != 64 {
		t.Fatalf("expected output hash, got %q", res.CompressedHash)
	}
	if got := []int{0, 40, 80, 100}; len(progress) != len(got) || progress[1] != 40 || progress[3] != 100 {
		t.Fatalf("progress = %v", progress)
	}
	stored, err := f.store.Path(objectstore.Locator(res.OutputLocator))
	if err != nil {
		t.Fatal(err)
	}
	if data, err := os.ReadFile(stored); err != nil || string(data) != "small" {
		t.Fatalf("stored artifact = %q, %v", data, err)
	}
	assertScratchRemoved(t, f)
	if _, err := os.Stat(f.task.InputPath); err != nil {
		t.Fatalf("worker must not remove the staged input: %v", err)
	}
}

func TestWorkerCopiesSmallInputs(t *testing.T) {
	stubProbe(t, "1000000")
	f := newFixture(t, 1024)

	res, err := f.worker.Run(context.Background(), f.task, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Compressed || f.engine.calls != 0 {
		t.Fatalf("expected byte-identical copy without the engine, got %+v", res)
	}
	if res.CompressedSize != 1024 || res.CompressionRatio != 0 {
		t.Fatalf("unexpected copy result %+v", res)
	}
	if res.OriginalHash != res.CompressedHash {
		t.Fatalf("copy should reuse the content hash, got %s vs %s", res.OriginalHash, res.CompressedHash)
	}
	assertScratchRemoved(t, f)
}

func TestWorkerMissingInputIsTerminal(t *testing.T) {
	stubProbe(t, "1000000")
	f := newFixture(t, 10)
	f.task.InputPath = filepath.Join(f.workDir, "gone.mp4")

	_, err := f.worker.Run(context.Background(), f.task, nil)
	if !errors.Is(err, services.ErrTerminal) || services.Retryable(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}
}

func TestWorkerProbeFailureIsTerminal(t *testing.T) {
	f := newFixture(t, 10)
	restore := transcode.SetProbeForTests(func(context.Context, string, string) (ffprobe.Result, error) {
		return ffprobe.Result{}, errors.New("moov atom not found")
	})
	t.Cleanup(restore)

	if _, err := f.worker.Run(context.Background(), f.task, nil); !errors.Is(err, services.ErrTerminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
}

func TestWorkerEngineFailureIsTransient(t *testing.T) {
	stubProbe(t, "6000000")
	f := newFixture(t, 10)
	f.engine.err = errors.New("exit status 1")

	_, err := f.worker.Run(context.Background(), f.task, nil)
	if !errors.Is(err, services.ErrTransient) || !services.Retryable(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	assertScratchRemoved(t, f)
}

func TestWorkerRecoversPanics(t *testing.T) {
	stubProbe(t, "6000000")
	f := newFixture(t, 10)
	f.engine.panicky = true

	_, err := f.worker.Run(context.Background(), f.task, nil)
	if !errors.Is(err, services.ErrTransient) || !strings.Contains(err.Error(), "encoder exploded") {
		t.Fatalf("expected recovered panic, got %v", err)
	}
	assertScratchRemoved(t, f)
}

func TestWorkerDeadlineIsTimeout(t *testing.T) {
	stubProbe(t, "6000000")
	f := newFixture(t, 10)
	f.engine.block = true

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.worker.Run(ctx, f.task, nil)
	if !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if services.Kind(err) != "timeout" {
		t.Fatalf("Kind = %q", services.Kind(err))
	}
	assertScratchRemoved(t, f)
}

// overlapEngine holds the first attempt open until the second attempt has
// written its output, then lets the second attempt finish only after the
// first attempt has returned and cleaned up.
type overlapEngine struct {
	secondWrote chan struct{}
	firstDone   chan struct{}
}

func (e *overlapEngine) Name() string { return "overlap" }

func (e *overlapEngine) Encode(ctx context.Context, req transcode.EncodeRequest, progress transcode.ProgressFunc) (string, error) {
	if filepath.Base(req.OutputDir) == "output-1" {
		<-e.secondWrote
		return "", errors.New("attempt abandoned")
	}
	out := filepath.Join(req.OutputDir, "encoded.mp4")
	if err := os.WriteFile(out, []byte("retry output"), 0o644); err != nil {
		return "", err
	}
	close(e.secondWrote)
	<-e.firstDone
	return out, nil
}

func TestWorkerAttemptsUseSeparateScratch(t *testing.T) {
	stubProbe(t, "6000000")
	f := newFixture(t, 2048)
	engine := &overlapEngine{secondWrote: make(chan struct{}), firstDone: make(chan struct{})}
	worker := transcode.NewWorker(engine, f.store, transcode.WorkerOptions{
		HashAlgorithm: "sha256",
		Thresholds:    defaultThresholds,
	}, logging.NewNop())

	first := f.task
	first.Attempt = 1
	second := f.task
	second.Attempt = 2

	firstErr := make(chan error, 1)
	go func() {
		_, err := worker.Run(context.Background(), first, nil)
		firstErr <- err
		close(engine.firstDone)
	}()

	res, err := worker.Run(context.Background(), second, nil)
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if !res.Compressed || res.CompressedSize != int64(len("retry output")) {
		t.Fatalf("unexpected result %+v", res)
	}
	if err := <-firstErr; err == nil {
		t.Fatal("expected the first attempt to fail")
	}
	for _, name := range []string{"output-1", "output-2"} {
		if _, err := os.Stat(filepath.Join(f.workDir, name)); !os.IsNotExist(err) {
			t.Fatalf("expected %s to be removed, stat err %v", name, err)
		}
	}
}
