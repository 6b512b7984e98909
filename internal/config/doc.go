// Package config loads, normalizes, and validates vidpress configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, loads an optional .env file, and honours
// environment fallbacks such as VIDPRESS_POSTGRES_DSN. The Config type
// centralizes every knob the scheduler, registry, and CLI need so staging
// directories and backend credentials are discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
