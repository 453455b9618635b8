package config

import (
	"time"

	"mercator-hq/themis/pkg/retention"
)

// Config is the root configuration for the retention engine.
type Config struct {
	// Engine holds deployment-level settings.
	Engine EngineConfig `yaml:"engine"`

	// Policies is the retention policy set, keyed by legal-basis code.
	Policies []retention.RetentionPolicy `yaml:"policies"`

	// Storage configures the job, certificate, audit, and lease stores.
	Storage StorageConfig `yaml:"storage"`

	// Archive configures pre-disposal snapshot storage.
	Archive ArchiveConfig `yaml:"archive"`

	// Certificate configures disposal certificate signing.
	Certificate CertificateConfig `yaml:"certificate"`

	// Scheduler configures run triggers and concurrency.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Report configures run report persistence.
	Report ReportConfig `yaml:"report"`

	// Telemetry configures logging and metrics.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// EngineConfig holds deployment-level settings.
type EngineConfig struct {
	// Environment is one of "development", "staging", "production".
	// Production tightens archival failure handling and requires an
	// explicit flag for destructive runs.
	Environment string `yaml:"environment"`

	// PolicyFile optionally points at an external YAML policy file that
	// overrides the inline Policies section and can be hot-reloaded.
	PolicyFile string `yaml:"policy_file"`

	// WatchPolicies enables filesystem watching of PolicyFile, swapping
	// the active policy set on change without a restart.
	WatchPolicies bool `yaml:"watch_policies"`

	// RecordsFile optionally seeds the in-memory record source from a
	// YAML fixture file. Deployments embedding the engine supply their
	// own record source instead.
	RecordsFile string `yaml:"records_file"`
}

// Production reports whether the engine runs with production strictness.
func (c *EngineConfig) Production() bool {
	return c.Environment == "production"
}

// StorageConfig selects and tunes the persistence backend.
type StorageConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `yaml:"backend"`

	SQLite SQLiteConfig `yaml:"sqlite"`
}

// SQLiteConfig tunes the SQLite backend.
type SQLiteConfig struct {
	Path         string        `yaml:"path"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	WALMode      bool          `yaml:"wal_mode"`
	BusyTimeout  time.Duration `yaml:"busy_timeout"`
}

// ArchiveConfig configures pre-disposal snapshot storage.
type ArchiveConfig struct {
	// Directory is where archive files are written.
	Directory string `yaml:"directory"`
}

// CertificateConfig configures disposal certificate signing.
type CertificateConfig struct {
	// SigningEnabled turns on ed25519 signing of certificate hashes.
	SigningEnabled bool `yaml:"signing_enabled"`

	// KeyID names the signing key recorded on certificates.
	KeyID string `yaml:"key_id"`

	// Keys maps tenant ID to the path of a PEM-encoded PKCS#8 ed25519
	// private key. Tenants without a key get unsigned certificates.
	Keys map[string]string `yaml:"keys"`
}

// SchedulerConfig configures run triggers and concurrency.
type SchedulerConfig struct {
	// DueScanSchedule is the cron expression for due-record scans.
	DueScanSchedule string `yaml:"due_scan_schedule"`

	// HoldSchedule is the cron expression for legal hold verification.
	HoldSchedule string `yaml:"hold_schedule"`

	// IntegritySchedule is the cron expression for audit integrity checks.
	IntegritySchedule string `yaml:"integrity_schedule"`

	// Workers is the disposal worker pool size.
	Workers int `yaml:"workers"`

	// TenantBatch is how many tenants are scanned concurrently.
	TenantBatch int `yaml:"tenant_batch"`

	// TenantConcurrency caps simultaneous disposal jobs per tenant.
	TenantConcurrency int `yaml:"tenant_concurrency"`

	// MaxAttempts bounds retries per job.
	MaxAttempts int `yaml:"max_attempts"`

	// LeaseTTL is the run lease duration; it is renewed during a run.
	LeaseTTL time.Duration `yaml:"lease_ttl"`

	// ShutdownTimeout bounds the wait for in-flight jobs on shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// DeferralDelay is how far an over-quota job's NotBefore is pushed.
	DeferralDelay time.Duration `yaml:"deferral_delay"`
}

// ReportConfig configures run report persistence.
type ReportConfig struct {
	// Directory is where run-<id>.json reports are written.
	Directory string `yaml:"directory"`
}

// TelemetryConfig configures logging and metrics.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// ListenAddress is the metrics HTTP listen address.
	ListenAddress string `yaml:"listen_address"`

	// Path is the metrics endpoint path.
	Path string `yaml:"path"`
}
