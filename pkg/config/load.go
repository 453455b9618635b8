package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"mercator-hq/themis/pkg/retention"
)

// LoadConfig loads configuration from a YAML file at the specified path.
// It applies default values, validates the configuration, and returns any
// errors. Environment variables are not consulted; use
// LoadConfigWithEnvOverrides for that.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and
// applies environment variable overrides. Variables follow the naming
// convention THEMIS_SECTION_FIELD (e.g. THEMIS_STORAGE_BACKEND) and always
// take precedence over file-based configuration.
//
// The loading sequence is:
// 1. Load YAML from file
// 2. Apply default values
// 3. Apply environment variable overrides
// 4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, nil
}

// LoadPolicies reads a standalone policy file: a YAML document with a
// top-level "policies" list. Used by the hot-reload watcher.
func LoadPolicies(path string) ([]retention.RetentionPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %q: %w", path, err)
	}

	var doc struct {
		Policies []retention.RetentionPolicy `yaml:"policies"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %q: %w", path, err)
	}
	if errs := validatePolicies(doc.Policies); len(errs) > 0 {
		return nil, ValidationError{Errors: errs}
	}
	return doc.Policies, nil
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Variables use the format THEMIS_SECTION_FIELD.
func applyEnvOverrides(cfg *Config) {
	// Engine overrides
	if val := os.Getenv("THEMIS_ENGINE_ENVIRONMENT"); val != "" {
		cfg.Engine.Environment = val
	}
	if val := os.Getenv("THEMIS_ENGINE_POLICY_FILE"); val != "" {
		cfg.Engine.PolicyFile = val
	}
	if val := os.Getenv("THEMIS_ENGINE_WATCH_POLICIES"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Engine.WatchPolicies = b
		}
	}

	// Storage overrides
	if val := os.Getenv("THEMIS_STORAGE_BACKEND"); val != "" {
		cfg.Storage.Backend = val
	}
	if val := os.Getenv("THEMIS_STORAGE_SQLITE_PATH"); val != "" {
		cfg.Storage.SQLite.Path = val
	}
	if val := os.Getenv("THEMIS_STORAGE_SQLITE_BUSY_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Storage.SQLite.BusyTimeout = d
		}
	}

	// Archive and report overrides
	if val := os.Getenv("THEMIS_ARCHIVE_DIRECTORY"); val != "" {
		cfg.Archive.Directory = val
	}
	if val := os.Getenv("THEMIS_REPORT_DIRECTORY"); val != "" {
		cfg.Report.Directory = val
	}

	// Certificate overrides
	if val := os.Getenv("THEMIS_CERTIFICATE_SIGNING_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Certificate.SigningEnabled = b
		}
	}
	if val := os.Getenv("THEMIS_CERTIFICATE_KEY_ID"); val != "" {
		cfg.Certificate.KeyID = val
	}

	// Scheduler overrides
	if val := os.Getenv("THEMIS_SCHEDULER_DUE_SCAN_SCHEDULE"); val != "" {
		cfg.Scheduler.DueScanSchedule = val
	}
	if val := os.Getenv("THEMIS_SCHEDULER_HOLD_SCHEDULE"); val != "" {
		cfg.Scheduler.HoldSchedule = val
	}
	if val := os.Getenv("THEMIS_SCHEDULER_INTEGRITY_SCHEDULE"); val != "" {
		cfg.Scheduler.IntegritySchedule = val
	}
	if val := os.Getenv("THEMIS_SCHEDULER_WORKERS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Scheduler.Workers = i
		}
	}
	if val := os.Getenv("THEMIS_SCHEDULER_TENANT_CONCURRENCY"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Scheduler.TenantConcurrency = i
		}
	}
	if val := os.Getenv("THEMIS_SCHEDULER_MAX_ATTEMPTS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			cfg.Scheduler.MaxAttempts = i
		}
	}
	if val := os.Getenv("THEMIS_SCHEDULER_LEASE_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Scheduler.LeaseTTL = d
		}
	}
	if val := os.Getenv("THEMIS_SCHEDULER_SHUTDOWN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Scheduler.ShutdownTimeout = d
		}
	}

	// Telemetry overrides
	if val := os.Getenv("THEMIS_TELEMETRY_LOGGING_LEVEL"); val != "" {
		cfg.Telemetry.Logging.Level = val
	}
	if val := os.Getenv("THEMIS_TELEMETRY_LOGGING_FORMAT"); val != "" {
		cfg.Telemetry.Logging.Format = val
	}
	if val := os.Getenv("THEMIS_TELEMETRY_METRICS_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Telemetry.Metrics.Enabled = b
		}
	}
	if val := os.Getenv("THEMIS_TELEMETRY_METRICS_LISTEN_ADDRESS"); val != "" {
		cfg.Telemetry.Metrics.ListenAddress = val
	}
}
