// Package notifications delivers job and daemon events to ntfy.
//
// NewService returns a noop implementation when no topic is configured, so
// callers never need to check whether notifications are enabled before
// publishing.
package notifications
