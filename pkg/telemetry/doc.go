// Package telemetry groups the engine's observability concerns.
//
// # Components
//
//   - logging: structured slog logging with PII redaction
//   - metrics: Prometheus collectors for runs, disposals, and violations
//
// The metrics endpoint is served by the run command when enabled in
// configuration; logging is installed process-wide at startup.
package telemetry
