// Package scheduler admits compression jobs, orders them by priority, and runs
// them on a bounded pool of worker goroutines.
//
// A single control goroutine owns the job table, the pending queue and the
// statistics; submissions, worker reports, retry timers and GC sweeps reach it
// as messages. Each running attempt gets a supervising goroutine that enforces
// the per-attempt deadline and reports exactly one outcome, correlated by job
// id and attempt number so late reports from abandoned attempts are dropped.
//
// Jobs move pending -> running -> completed | failed. Retryable failures loop
// back to pending after a backoff delay until the retry budget is spent. Job
// state lives in memory only; the dedup registry is the durable part.
package scheduler
