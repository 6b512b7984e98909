// Package transcode runs a single compression job: it probes the staged input,
// decides between re-encoding and a byte-identical copy, drives the selected
// engine (the ffmpeg CLI or the drapto library), publishes the artifact to the
// object store and reports the outcome.
//
// Policy helpers (ShouldCompress, CRFForQuality, BuildSettings, AssessQuality)
// are pure functions so the decision table can be tested without media tools.
// Engines report integer progress through a callback; the Worker forwards it
// unchanged to the caller and guarantees that intermediate output in the job
// workdir is removed on every exit path.
package transcode
