// Package dedup maintains the content-addressed hash registry that maps the
// digest of an uploaded file to the artifact produced for it.
//
// The Registry wraps a pluggable Backend (SQLite by default, Redis or Postgres
// for shared deployments). Every backend implements atomic insert-or-touch so
// repeated uploads of identical bytes converge on a single record whose access
// count grows instead of duplicating. Housekeeping helpers merge legacy
// duplicates, list records that were never reused, and aggregate storage
// savings.
//
// All backend failures carry services.ErrRegistry so callers can tell an
// outage apart from a plain miss (services.ErrNotFound).
package dedup
