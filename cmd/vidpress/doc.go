// Command vidpress is the CLI for the vidpress compression service.
//
// It runs one-shot compressions (compress), the long-running daemon with its
// inbox watcher (serve), and maintenance commands for the dedup registry and
// configuration. All commands share the same config loading and logging setup
// so output written by the daemon and the CLI lands in the same log directory.
package main
