// Package logs reads vidpress log files for the CLI.
//
// Tail returns the last lines of a file with bounded memory, and Follow polls
// for appended lines until its context is cancelled. Both accept an optional
// filter so `vidpress logs --job <id>` can narrow output to one job.
package logs
