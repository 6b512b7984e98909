package transcode

import "strings"

// QualityReport scores an input and lists issues worth surfacing in logs.
type QualityReport struct {
	Score           int      `json:"score"`
	Issues          []string `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// AssessQuality scores resolution, bitrate, frame rate, audio and codec on a
// 0-100 scale.
func AssessQuality(meta MediaInfo) QualityReport {
	var r QualityReport

	switch {
	case meta.Width >= 1920 && meta.Height >= 1080:
		r.Score += 30
	case meta.Width >= 1280 && meta.Height >= 720:
		r.Score += 20
	case meta.Width >= 854 && meta.Height >= 480:
		r.Score += 10
	default:
		r.Issues = append(r.Issues, "low resolution")
		r.Recommendations = append(r.Recommendations, "upload at least 854x480")
	}

	switch {
	case meta.BitRate > 5_000_000:
		r.Score += 25
	case meta.BitRate > 2_000_000:
		r.Score += 15
	case meta.BitRate > 1_000_000:
		r.Score += 10
	default:
		r.Issues = append(r.Issues, "low bitrate")
		r.Recommendations = append(r.Recommendations, "use a higher bitrate source")
	}

	switch {
	case meta.FrameRate >= 30:
		r.Score += 20
	case meta.FrameRate >= 24:
		r.Score += 15
	default:
		r.Issues = append(r.Issues, "low frame rate")
		r.Recommendations = append(r.Recommendations, "record at 24fps or higher")
	}

	if meta.HasAudio {
		r.Score += 15
	} else {
		r.Issues = append(r.Issues, "no audio track")
	}

	if strings.EqualFold(meta.VideoCodec, "h264") {
		r.Score += 10
	} else {
		r.Recommendations = append(r.Recommendations, "h264 gives the widest playback support")
	}
	return r
}
