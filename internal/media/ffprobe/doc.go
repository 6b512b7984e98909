// Package ffprobe provides a typed wrapper around ffprobe JSON output.
//
// Key types:
//   - Result: parsed ffprobe output containing streams and format metadata
//   - Stream: individual audio/video stream properties
//   - Format: container-level metadata (duration, size, bitrate)
//
// Inspect executes ffprobe and returns the parsed Result; Parse decodes an
// already captured payload. Helper methods on Result expose the primary video
// stream, frame rate, duration and bitrate used by compression decisions.
package ffprobe
