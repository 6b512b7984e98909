// Package services defines the shared error markers and context helpers used by
// the scheduler, the transcode worker, and the dedup registry.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, worker stages, attempt numbers, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper so failures can be
//     classified as retryable (transient, timeout) or terminal.
//
// Use these helpers when wiring new worker logic so retry accounting and log
// shape stay uniform across the pipeline.
package services
