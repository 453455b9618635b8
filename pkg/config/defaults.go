package config

import "time"

// Default values applied to unset fields.
const (
	DefaultEnvironment = "development"

	DefaultStorageBackend = "sqlite"
	DefaultSQLitePath     = "data/retention.db"

	DefaultArchiveDirectory = "data/archives"
	DefaultReportDirectory  = "data/reports"

	DefaultDueScanSchedule   = "0 * * * *"
	DefaultHoldSchedule      = "0 2 * * *"
	DefaultIntegritySchedule = "0 3 * * 0"

	DefaultWorkers           = 8
	DefaultTenantBatch       = 4
	DefaultTenantConcurrency = 3
	DefaultMaxAttempts       = 3

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	DefaultMetricsListenAddress = ":9090"
	DefaultMetricsPath          = "/metrics"
)

// ApplyDefaults fills unset configuration fields with default values.
// Called after parsing and before validation, so a minimal configuration
// file yields a fully specified engine.
func ApplyDefaults(cfg *Config) {
	if cfg.Engine.Environment == "" {
		cfg.Engine.Environment = DefaultEnvironment
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = DefaultStorageBackend
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = DefaultSQLitePath
	}
	if cfg.Storage.SQLite.MaxOpenConns == 0 {
		cfg.Storage.SQLite.MaxOpenConns = 10
	}
	if cfg.Storage.SQLite.MaxIdleConns == 0 {
		cfg.Storage.SQLite.MaxIdleConns = 5
	}
	if cfg.Storage.SQLite.BusyTimeout == 0 {
		cfg.Storage.SQLite.BusyTimeout = 5 * time.Second
		cfg.Storage.SQLite.WALMode = true
	}

	if cfg.Archive.Directory == "" {
		cfg.Archive.Directory = DefaultArchiveDirectory
	}
	if cfg.Report.Directory == "" {
		cfg.Report.Directory = DefaultReportDirectory
	}

	if cfg.Scheduler.DueScanSchedule == "" {
		cfg.Scheduler.DueScanSchedule = DefaultDueScanSchedule
	}
	if cfg.Scheduler.HoldSchedule == "" {
		cfg.Scheduler.HoldSchedule = DefaultHoldSchedule
	}
	if cfg.Scheduler.IntegritySchedule == "" {
		cfg.Scheduler.IntegritySchedule = DefaultIntegritySchedule
	}
	if cfg.Scheduler.Workers == 0 {
		cfg.Scheduler.Workers = DefaultWorkers
	}
	if cfg.Scheduler.TenantBatch == 0 {
		cfg.Scheduler.TenantBatch = DefaultTenantBatch
	}
	if cfg.Scheduler.TenantConcurrency == 0 {
		cfg.Scheduler.TenantConcurrency = DefaultTenantConcurrency
	}
	if cfg.Scheduler.MaxAttempts == 0 {
		cfg.Scheduler.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Scheduler.LeaseTTL == 0 {
		cfg.Scheduler.LeaseTTL = 2 * time.Minute
	}
	if cfg.Scheduler.ShutdownTimeout == 0 {
		cfg.Scheduler.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Scheduler.DeferralDelay == 0 {
		cfg.Scheduler.DeferralDelay = 2 * time.Minute
	}

	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = DefaultLogLevel
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = DefaultLogFormat
	}
	if cfg.Telemetry.Metrics.ListenAddress == "" {
		cfg.Telemetry.Metrics.ListenAddress = DefaultMetricsListenAddress
	}
	if cfg.Telemetry.Metrics.Path == "" {
		cfg.Telemetry.Metrics.Path = DefaultMetricsPath
	}
}
