package transcode

import (
	"fmt"
	"math"
	"strings"

	"vidpress/internal/config"
	"vidpress/internal/media/ffprobe"
)

// Preset names accepted in Constraints.Preset.
const (
	PresetFast     = "fast"
	PresetStandard = "standard"
	PresetHigh     = "high"
)

// DefaultQuality applies when neither the caller nor the config sets one.
const DefaultQuality = 0.8

// Constraints are the caller-supplied output limits for one job. A nil
// Quality means unset; zero is a valid request for maximum compression.
type Constraints struct {
	MaxWidth  int      `json:"max_width"`
	MaxHeight int      `json:"max_height"`
	Quality   *float64 `json:"quality,omitempty"`
	Preset    string   `json:"preset"`
}

// WithQuality returns c with an explicit quality.
func (c Constraints) WithQuality(q float64) Constraints {
	c.Quality = &q
	return c
}

// QualityValue returns the requested quality or DefaultQuality when unset.
func (c Constraints) QualityValue() float64 {
	if c.Quality == nil {
		return DefaultQuality
	}
	return *c.Quality
}

// WithDefaults fills unset fields from the configured transcode defaults.
// Negative dimensions are left for Validate to reject.
func (c Constraints) WithDefaults(cfg config.Transcode) Constraints {
	if c.MaxWidth == 0 {
		c.MaxWidth = cfg.MaxWidth
	}
	if c.MaxHeight == 0 {
		c.MaxHeight = cfg.MaxHeight
	}
	if c.Quality == nil {
		c = c.WithQuality(cfg.Quality)
	}
	c.Preset = strings.ToLower(strings.TrimSpace(c.Preset))
	if c.Preset == "" {
		c.Preset = cfg.Preset
	}
	return c
}

// Validate reports constraint values outside the accepted ranges.
func (c Constraints) Validate() error {
	if c.MaxWidth < 0 || c.MaxHeight < 0 {
		return fmt.Errorf("max dimensions must be positive (got %dx%d)", c.MaxWidth, c.MaxHeight)
	}
	if c.Quality != nil {
		if q := *c.Quality; math.IsNaN(q) || q < 0 || q > 1 {
			return fmt.Errorf("quality must be between 0 and 1 (got %v)", q)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Preset)) {
	case "", PresetFast, PresetStandard, PresetHigh:
	default:
		return fmt.Errorf("unknown preset %q", c.Preset)
	}
	return nil
}

// Thresholds decide when an input is worth re-encoding.
type Thresholds struct {
	SizeBytes       int64
	BitRate         int64
	DurationSeconds float64
}

// ThresholdsFromConfig converts the transcode config section.
func ThresholdsFromConfig(cfg *config.Config) Thresholds {
	return Thresholds{
		SizeBytes:       cfg.SizeThresholdBytes(),
		BitRate:         cfg.Transcode.BitrateThreshold,
		DurationSeconds: float64(cfg.Transcode.DurationThresholdSeconds),
	}
}

// MediaInfo is the probed subset of the input used for decisions.
type MediaInfo struct {
	SizeBytes       int64
	Width           int
	Height          int
	BitRate         int64
	DurationSeconds float64
	FrameRate       float64
	VideoCodec      string
	HasAudio        bool
	AudioCodec      string
}

// MediaInfoFromProbe extracts MediaInfo from an ffprobe result. sizeBytes
// overrides the container size when the probe does not report one.
func MediaInfoFromProbe(result ffprobe.Result, sizeBytes int64) (MediaInfo, error) {
	video, err := result.VideoStream()
	if err != nil {
		return MediaInfo{}, err
	}
	info := MediaInfo{
		SizeBytes:       result.SizeBytes(),
		Width:           video.Width,
		Height:          video.Height,
		BitRate:         result.BitRate(),
		DurationSeconds: result.DurationSeconds(),
		FrameRate:       video.FrameRate(),
		VideoCodec:      strings.ToLower(video.CodecName),
	}
	if math.IsNaN(info.DurationSeconds) || info.DurationSeconds < 0 {
		info.DurationSeconds = 0
	}
	if sizeBytes > 0 {
		info.SizeBytes = sizeBytes
	}
	if audio, ok := result.AudioStream(); ok {
		info.HasAudio = true
		info.AudioCodec = strings.ToLower(audio.CodecName)
	}
	return info, nil
}

// ShouldCompress reports whether the input exceeds any threshold or dimension
// limit, together with the first triggering reason.
func ShouldCompress(meta MediaInfo, c Constraints, th Thresholds) (bool, string) {
	switch {
	case th.SizeBytes > 0 && meta.SizeBytes > th.SizeBytes:
		return true, fmt.Sprintf("size %s exceeds %s", formatMB(meta.SizeBytes), formatMB(th.SizeBytes))
	case c.MaxWidth > 0 && meta.Width > c.MaxWidth:
		return true, fmt.Sprintf("width %d exceeds %d", meta.Width, c.MaxWidth)
	case c.MaxHeight > 0 && meta.Height > c.MaxHeight:
		return true, fmt.Sprintf("height %d exceeds %d", meta.Height, c.MaxHeight)
	case th.BitRate > 0 && meta.BitRate > th.BitRate:
		return true, fmt.Sprintf("bitrate %d exceeds %d", meta.BitRate, th.BitRate)
	case th.DurationSeconds > 0 && meta.DurationSeconds > th.DurationSeconds:
		return true, fmt.Sprintf("duration %.0fs exceeds %.0fs", meta.DurationSeconds, th.DurationSeconds)
	default:
		return false, "within limits"
	}
}

// CRFForQuality maps quality in [0,1] to an x264 CRF: round(28 - q*10),
// clamped to [0,51].
func CRFForQuality(q float64) int {
	if math.IsNaN(q) || q < 0 {
		q = 0
	}
	if q > 1 {
		q = 1
	}
	crf := int(math.Round(28 - q*10))
	return clampInt(crf, 0, 51)
}

// CompressionRatio returns the percentage saved: (1 - compressed/original)*100.
func CompressionRatio(original, compressed int64) float64 {
	if original <= 0 {
		return 0
	}
	return (1 - float64(compressed)/float64(original)) * 100
}

func formatMB(bytes int64) string {
	return fmt.Sprintf("%.1fMB", float64(bytes)/(1024*1024))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
