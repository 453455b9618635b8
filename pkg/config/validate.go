package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"mercator-hq/themis/pkg/retention"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "storage.backend").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. All errors are collected and returned
// together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateEngine(&cfg.Engine)...)
	errs = append(errs, validatePolicies(cfg.Policies)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateCertificate(&cfg.Certificate)...)
	errs = append(errs, validateScheduler(&cfg.Scheduler)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateEngine(cfg *EngineConfig) []FieldError {
	var errs []FieldError

	switch cfg.Environment {
	case "development", "staging", "production":
	default:
		errs = append(errs, FieldError{
			Field:   "engine.environment",
			Message: fmt.Sprintf("must be one of development, staging, production; got %q", cfg.Environment),
		})
	}
	if cfg.WatchPolicies && cfg.PolicyFile == "" {
		errs = append(errs, FieldError{
			Field:   "engine.watch_policies",
			Message: "watch_policies requires policy_file to be set",
		})
	}
	return errs
}

// validatePolicies enforces the policy set's invariants: every legal-basis
// code maps to exactly one policy, retention periods are non-negative, and
// disposal methods are known. Unknown codes at runtime are reported as
// unevaluable, so the registered set must be unambiguous.
func validatePolicies(policies []retention.RetentionPolicy) []FieldError {
	var errs []FieldError

	seen := make(map[string]bool, len(policies))
	for i, p := range policies {
		field := fmt.Sprintf("policies[%d]", i)

		if p.LegalBasisCode == "" {
			errs = append(errs, FieldError{
				Field:   field + ".legal_basis_code",
				Message: "legal basis code is required",
			})
			continue
		}
		if seen[p.LegalBasisCode] {
			errs = append(errs, FieldError{
				Field:   field + ".legal_basis_code",
				Message: fmt.Sprintf("duplicate policy for legal basis %q", p.LegalBasisCode),
			})
		}
		seen[p.LegalBasisCode] = true

		if p.MinimumRetentionDays < 0 {
			errs = append(errs, FieldError{
				Field:   field + ".minimum_retention_days",
				Message: "minimum retention days must be non-negative",
			})
		}
		if !p.DefaultDisposalMethod.Valid() {
			errs = append(errs, FieldError{
				Field:   field + ".default_disposal_method",
				Message: fmt.Sprintf("unknown disposal method %q", p.DefaultDisposalMethod),
			})
		}
	}
	return errs
}

func validateStorage(cfg *StorageConfig) []FieldError {
	var errs []FieldError

	switch cfg.Backend {
	case "sqlite":
		if cfg.SQLite.Path == "" {
			errs = append(errs, FieldError{
				Field:   "storage.sqlite.path",
				Message: "database path is required for the sqlite backend",
			})
		}
		if cfg.SQLite.BusyTimeout < 0 {
			errs = append(errs, FieldError{
				Field:   "storage.sqlite.busy_timeout",
				Message: "busy timeout must be non-negative",
			})
		}
	case "memory":
	default:
		errs = append(errs, FieldError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("must be sqlite or memory; got %q", cfg.Backend),
		})
	}
	return errs
}

func validateCertificate(cfg *CertificateConfig) []FieldError {
	var errs []FieldError

	if cfg.SigningEnabled {
		if cfg.KeyID == "" {
			errs = append(errs, FieldError{
				Field:   "certificate.key_id",
				Message: "key_id is required when signing is enabled",
			})
		}
		if len(cfg.Keys) == 0 {
			errs = append(errs, FieldError{
				Field:   "certificate.keys",
				Message: "at least one tenant signing key is required when signing is enabled",
			})
		}
		for tenant, path := range cfg.Keys {
			if path == "" {
				errs = append(errs, FieldError{
					Field:   fmt.Sprintf("certificate.keys.%s", tenant),
					Message: "key path must not be empty",
				})
			}
		}
	}
	return errs
}

func validateScheduler(cfg *SchedulerConfig) []FieldError {
	var errs []FieldError

	schedules := []struct {
		field string
		expr  string
	}{
		{"scheduler.due_scan_schedule", cfg.DueScanSchedule},
		{"scheduler.hold_schedule", cfg.HoldSchedule},
		{"scheduler.integrity_schedule", cfg.IntegritySchedule},
	}
	for _, s := range schedules {
		if _, err := cron.ParseStandard(s.expr); err != nil {
			errs = append(errs, FieldError{
				Field:   s.field,
				Message: fmt.Sprintf("invalid cron expression %q: %v", s.expr, err),
			})
		}
	}

	if cfg.Workers < 1 {
		errs = append(errs, FieldError{
			Field:   "scheduler.workers",
			Message: "worker pool size must be at least 1",
		})
	}
	if cfg.TenantBatch < 1 {
		errs = append(errs, FieldError{
			Field:   "scheduler.tenant_batch",
			Message: "tenant batch size must be at least 1",
		})
	}
	if cfg.TenantConcurrency < 1 {
		errs = append(errs, FieldError{
			Field:   "scheduler.tenant_concurrency",
			Message: "tenant concurrency must be at least 1",
		})
	}
	if cfg.MaxAttempts < 1 {
		errs = append(errs, FieldError{
			Field:   "scheduler.max_attempts",
			Message: "max attempts must be at least 1",
		})
	}
	if cfg.LeaseTTL <= 0 {
		errs = append(errs, FieldError{
			Field:   "scheduler.lease_ttl",
			Message: "lease TTL must be positive",
		})
	}
	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("must be one of debug, info, warn, error; got %q", cfg.Logging.Level),
		})
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("must be json or text; got %q", cfg.Logging.Format),
		})
	}
	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddress == "" {
		errs = append(errs, FieldError{
			Field:   "telemetry.metrics.listen_address",
			Message: "listen address is required when metrics are enabled",
		})
	}
	return errs
}
