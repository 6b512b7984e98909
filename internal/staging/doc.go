// Package staging inspects and sweeps the scheduler's staging directory.
//
// Every job gets a <staging>/<id>-<slug> workdir that the scheduler removes
// when the job reaches a terminal state. Workdirs left behind by a crashed
// process are swept by CleanStale when the daemon starts.
package staging
