// Package daemon coordinates the long-running vidpress process.
//
// It wires configuration, the compression scheduler and an optional inbox
// watcher into a single lifecycle with flock-based locking to prevent
// multiple instances. The daemon polls the inbox for new video files, submits
// them once their size has settled, accepts manual file submissions, and logs
// a periodic stats heartbeat.
//
// Keep orchestration logic here: scheduling lives in internal/scheduler and
// encoding in internal/transcode, while the daemon focuses on startup,
// shutdown, and high level coordination.
package daemon
