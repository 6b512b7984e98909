package transcode

import (
	"fmt"
	"strconv"
	"strings"
)

// Settings is the resolved encoder configuration for one job.
type Settings struct {
	PresetName      string `json:"preset_name"`
	VideoCodec      string `json:"video_codec"`
	EncoderPreset   string `json:"encoder_preset"`
	CRF             int    `json:"crf"`
	MaxRate         string `json:"max_rate"`
	BufSize         string `json:"buf_size"`
	Profile         string `json:"profile"`
	Level           string `json:"level"`
	ScaleFilter     string `json:"scale_filter"`
	AudioCodec      string `json:"audio_codec"`
	AudioBitrate    string `json:"audio_bitrate"`
	AudioSampleRate int    `json:"audio_sample_rate"`
	AudioChannels   int    `json:"audio_channels"`
	Container       string `json:"container"`
	MovFlags        string `json:"movflags"`
}

type presetProfile struct {
	encoderPreset string
	fixedCRF      int
	maxRate       string
	bufSize       string
	profile       string
	level         string
	audioBitrate  string
	sampleRate    int
}

// A zero fixedCRF derives the CRF from the requested quality.
var presets = map[string]presetProfile{
	PresetHigh: {
		encoderPreset: "slow",
		fixedCRF:      18,
		maxRate:       "2000k",
		bufSize:       "4000k",
		profile:       "high",
		level:         "4.1",
		audioBitrate:  "192k",
		sampleRate:    48000,
	},
	PresetStandard: {
		encoderPreset: "fast",
		maxRate:       "1500k",
		bufSize:       "3000k",
		profile:       "high",
		level:         "4.0",
		audioBitrate:  "128k",
		sampleRate:    44100,
	},
	PresetFast: {
		encoderPreset: "fast",
		fixedCRF:      28,
		maxRate:       "1000k",
		bufSize:       "2000k",
		profile:       "main",
		level:         "3.1",
		audioBitrate:  "96k",
		sampleRate:    44100,
	},
}

// BuildSettings resolves the preset for c and applies adaptive tuning based on
// the probed input.
func BuildSettings(meta MediaInfo, c Constraints) Settings {
	name := strings.ToLower(strings.TrimSpace(c.Preset))
	p, ok := presets[name]
	if !ok {
		name = PresetStandard
		p = presets[PresetStandard]
	}

	crf := p.fixedCRF
	if crf == 0 {
		crf = CRFForQuality(c.QualityValue())
	}
	s := Settings{
		PresetName:      name,
		VideoCodec:      "libx264",
		EncoderPreset:   p.encoderPreset,
		CRF:             crf,
		MaxRate:         p.maxRate,
		BufSize:         p.bufSize,
		Profile:         p.profile,
		Level:           p.level,
		ScaleFilter:     scaleFilter(c.MaxWidth, c.MaxHeight),
		AudioCodec:      "aac",
		AudioBitrate:    p.audioBitrate,
		AudioSampleRate: p.sampleRate,
		AudioChannels:   2,
		Container:       "mp4",
		MovFlags:        "+faststart",
	}

	switch {
	case meta.Height > 1080:
		s.MaxRate, s.BufSize = "3000k", "6000k"
	case meta.Height > 0 && meta.Height < 720:
		s.MaxRate, s.BufSize = "800k", "1600k"
	}
	switch {
	case meta.BitRate > 10_000_000:
		s.CRF = max(s.CRF-3, 18)
	case meta.BitRate > 0 && meta.BitRate < 1_000_000:
		s.CRF = min(s.CRF+3, 28)
	}
	return s
}

func scaleFilter(maxWidth, maxHeight int) string {
	if maxWidth <= 0 || maxHeight <= 0 {
		return ""
	}
	return fmt.Sprintf("scale='min(%d,iw)':'min(%d,ih)':force_original_aspect_ratio=decrease", maxWidth, maxHeight)
}

// FFmpegArgs renders the ffmpeg argument list for input -> output.
func (s Settings) FFmpegArgs(input, output string, withAudio bool) []string {
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", input,
		"-c:v", s.VideoCodec,
		"-preset", s.EncoderPreset,
		"-crf", strconv.Itoa(s.CRF),
		"-maxrate", s.MaxRate,
		"-bufsize", s.BufSize,
		"-profile:v", s.Profile,
		"-level:v", s.Level,
	}
	if s.ScaleFilter != "" {
		args = append(args, "-vf", s.ScaleFilter)
	}
	if withAudio {
		args = append(args,
			"-c:a", s.AudioCodec,
			"-b:a", s.AudioBitrate,
			"-ar", strconv.Itoa(s.AudioSampleRate),
			"-ac", strconv.Itoa(s.AudioChannels),
		)
	} else {
		args = append(args, "-an")
	}
	args = append(args,
		"-movflags", s.MovFlags,
		"-f", s.Container,
		"-progress", "pipe:1",
		"-nostats",
		output,
	)
	return args
}
