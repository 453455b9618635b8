// Package config defines the retention engine's configuration: the
// retention policy set, storage backend selection, certificate signing
// keys, scheduler tuning, and telemetry settings.
//
// Configuration is loaded from a YAML file, filled with defaults, overlaid
// with THEMIS_* environment variables, and validated as a whole. All
// validation errors are collected and reported together rather than
// failing on the first one.
package config
