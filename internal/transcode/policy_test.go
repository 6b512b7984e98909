package transcode_test

import (
	"math"
	"slices"
	"strings"
	"testing"

	"vidpress/internal/config"
	"vidpress/internal/transcode"
)

var defaultThresholds = transcode.Thresholds{
	SizeBytes:       30 * 1024 * 1024,
	BitRate:         2_000_000,
	DurationSeconds: 600,
}

var defaultConstraints = transcode.Constraints{MaxWidth: 1280, MaxHeight: 720, Preset: "standard"}.WithQuality(0.8)

func TestShouldCompress(t *testing.T) {
	small := transcode.MediaInfo{SizeBytes: 10 * 1024 * 1024, Width: 1280, Height: 720, BitRate: 1_500_000, DurationSeconds: 120}
	cases := []struct {
		name   string
		mutate func(*transcode.MediaInfo)
		want   bool
		reason string
	}{
		{"within limits", func(*transcode.MediaInfo) {}, false, "within limits"},
		{"31MB", func(m *transcode.MediaInfo) { m.SizeBytes = 31 * 1024 * 1024 }, true, "size"},
		{"wide", func(m *transcode.MediaInfo) { m.Width = 1920 }, true, "width"},
		{"tall", func(m *transcode.MediaInfo) { m.Height = 1080 }, true, "height"},
		{"bitrate", func(m *transcode.MediaInfo) { m.BitRate = 2_000_001 }, true, "bitrate"},
		{"long", func(m *transcode.MediaInfo) { m.DurationSeconds = 601 }, true, "duration"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			meta := small
			tc.mutate(&meta)
			got, reason := transcode.ShouldCompress(meta, defaultConstraints, defaultThresholds)
			if got != tc.want {
				t.Fatalf("ShouldCompress = %v (%s), want %v", got, reason, tc.want)
			}
			if !strings.HasPrefix(reason, tc.reason) {
				t.Fatalf("reason %q should start with %q", reason, tc.reason)
			}
		})
	}
}

func TestCRFForQuality(t *testing.T) {
	cases := map[float64]int{
		0:    28,
		0.5:  23,
		0.8:  20,
		1:    18,
		-2:   28,
		7:    18,
		0.25: 26,
	}
	for q, want := range cases {
		if got := transcode.CRFForQuality(q); got != want {
			t.Fatalf("CRFForQuality(%v) = %d, want %d", q, got, want)
		}
	}
	if got := transcode.CRFForQuality(math.NaN()); got != 28 {
		t.Fatalf("CRFForQuality(NaN) = %d, want 28", got)
	}
}

func TestBuildSettingsStandardMatchesBaseConfig(t *testing.T) {
	s := transcode.BuildSettings(transcode.MediaInfo{Width: 1280, Height: 720, BitRate: 4_000_000}, defaultConstraints)
	want := transcode.Settings{
		PresetName:      "standard",
		VideoCodec:      "libx264",
		EncoderPreset:   "fast",
		CRF:             20,
		MaxRate:         "1500k",
		BufSize:         "3000k",
		Profile:         "high",
		Level:           "4.0",
		ScaleFilter:     "scale='min(1280,iw)':'min(720,ih)':force_original_aspect_ratio=decrease",
		AudioCodec:      "aac",
		AudioBitrate:    "128k",
		AudioSampleRate: 44100,
		AudioChannels:   2,
		Container:       "mp4",
		MovFlags:        "+faststart",
	}
	if s != want {
		t.Fatalf("BuildSettings =\n%+v\nwant\n%+v", s, want)
	}
}

func TestBuildSettingsAdaptiveTuning(t *testing.T) {
	uhd := transcode.BuildSettings(transcode.MediaInfo{Height: 2160, BitRate: 25_000_000}, defaultConstraints)
	if uhd.MaxRate != "3000k" || uhd.BufSize != "6000k" {
		t.Fatalf("expected raised rate for >1080p, got %s/%s", uhd.MaxRate, uhd.BufSize)
	}
	if uhd.CRF != 18 {
		t.Fatalf("expected crf lowered to the 18 floor, got %d", uhd.CRF)
	}

	sd := transcode.BuildSettings(transcode.MediaInfo{Height: 480, BitRate: 600_000}, defaultConstraints)
	if sd.MaxRate != "800k" || sd.BufSize != "1600k" {
		t.Fatalf("expected lowered rate for <720p, got %s/%s", sd.MaxRate, sd.BufSize)
	}
	if sd.CRF != 23 {
		t.Fatalf("expected crf raised by 3, got %d", sd.CRF)
	}

	fast := transcode.BuildSettings(transcode.MediaInfo{Height: 720, BitRate: 500_000}, transcode.Constraints{Preset: "fast"})
	if fast.CRF != 28 || fast.Profile != "main" || fast.AudioBitrate != "96k" {
		t.Fatalf("unexpected fast preset %+v", fast)
	}
	high := transcode.BuildSettings(transcode.MediaInfo{Height: 720, BitRate: 4_000_000}, transcode.Constraints{Preset: "HIGH"})
	if high.CRF != 18 || high.EncoderPreset != "slow" || high.AudioSampleRate != 48000 {
		t.Fatalf("unexpected high preset %+v", high)
	}
	if high.ScaleFilter != "" {
		t.Fatalf("expected no scale filter without limits, got %q", high.ScaleFilter)
	}
}

func TestFFmpegArgs(t *testing.T) {
	s := transcode.BuildSettings(transcode.MediaInfo{Height: 720, BitRate: 4_000_000}, defaultConstraints)
	args := s.FFmpegArgs("/in/clip.mov", "/out/clip.mp4", true)
	for _, want := range []string{"-crf", "20", "-movflags", "+faststart", "-progress", "pipe:1", "-ar", "44100"} {
		if !slices.Contains(args, want) {
			t.Fatalf("expected %q in args %v", want, args)
		}
	}
	if args[len(args)-1] != "/out/clip.mp4" {
		t.Fatalf("output must be last, got %v", args)
	}
	silent := s.FFmpegArgs("/in/clip.mov", "/out/clip.mp4", false)
	if !slices.Contains(silent, "-an") || slices.Contains(silent, "-c:a") {
		t.Fatalf("expected audio disabled, got %v", silent)
	}
}

func TestAssessQuality(t *testing.T) {
	full := transcode.AssessQuality(transcode.MediaInfo{
		Width: 1920, Height: 1080, BitRate: 6_000_000, FrameRate: 30, HasAudio: true, VideoCodec: "h264",
	})
	if full.Score != 100 || len(full.Issues) != 0 {
		t.Fatalf("expected perfect score, got %+v", full)
	}

	poor := transcode.AssessQuality(transcode.MediaInfo{Width: 640, Height: 360, BitRate: 500_000, FrameRate: 15, VideoCodec: "mpeg4"})
	if poor.Score != 0 {
		t.Fatalf("expected zero score, got %d", poor.Score)
	}
	if len(poor.Issues) != 4 || len(poor.Recommendations) == 0 {
		t.Fatalf("expected issues and recommendations, got %+v", poor)
	}

	mid := transcode.AssessQuality(transcode.MediaInfo{Width: 1280, Height: 720, BitRate: 2_500_000, FrameRate: 24, HasAudio: true, VideoCodec: "h264"})
	if mid.Score != 20+15+15+15+10 {
		t.Fatalf("unexpected mid score %d", mid.Score)
	}
}

func TestCompressionRatio(t *testing.T) {
	if got := transcode.CompressionRatio(100, 25); got != 75 {
		t.Fatalf("ratio = %v", got)
	}
	if got := transcode.CompressionRatio(0, 25); got != 0 {
		t.Fatalf("zero original should yield 0, got %v", got)
	}
}

func TestConstraintsValidateAndDefaults(t *testing.T) {
	if err := (transcode.Constraints{}.WithQuality(1.5)).Validate(); err == nil {
		t.Fatal("expected quality range error")
	}
	if err := (transcode.Constraints{}.WithQuality(math.NaN())).Validate(); err == nil {
		t.Fatal("expected NaN quality to be rejected")
	}
	if err := (transcode.Constraints{Preset: "ultra"}).Validate(); err == nil {
		t.Fatal("expected preset error")
	}
	if err := (transcode.Constraints{MaxWidth: -1}).Validate(); err == nil {
		t.Fatal("expected negative width error")
	}
	if err := defaultConstraints.Validate(); err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	cfg := config.Transcode{MaxWidth: 1280, MaxHeight: 720, Quality: 0.6, Preset: "standard"}
	unset := transcode.Constraints{}.WithDefaults(cfg)
	if unset.Quality == nil || *unset.Quality != 0.6 || unset.MaxWidth != 1280 || unset.Preset != "standard" {
		t.Fatalf("unset constraints not defaulted: %+v", unset)
	}
	zero := transcode.Constraints{}.WithQuality(0).WithDefaults(cfg)
	if zero.QualityValue() != 0 {
		t.Fatalf("explicit zero quality replaced with %v", zero.QualityValue())
	}
	if crf := transcode.BuildSettings(transcode.MediaInfo{Height: 720, BitRate: 4_000_000}, zero).CRF; crf != 28 {
		t.Fatalf("zero quality crf = %d, want 28", crf)
	}
	if got := (transcode.Constraints{}).QualityValue(); got != transcode.DefaultQuality {
		t.Fatalf("unset QualityValue = %v", got)
	}
}
