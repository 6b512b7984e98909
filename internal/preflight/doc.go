// Package preflight provides readiness checks for the directories, binaries
// and registry backend vidpress depends on.
//
// The daemon runs RunAll at startup and refuses to serve when a required
// check fails. The CLI "vidpress status" command renders the same results.
package preflight
