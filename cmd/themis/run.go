package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"mercator-hq/themis/pkg/cli"
	"mercator-hq/themis/pkg/config"
	"mercator-hq/themis/pkg/retention"
	"mercator-hq/themis/pkg/retention/archive"
	"mercator-hq/themis/pkg/retention/audit"
	"mercator-hq/themis/pkg/retention/certificate"
	"mercator-hq/themis/pkg/retention/detector"
	"mercator-hq/themis/pkg/retention/executor"
	"mercator-hq/themis/pkg/retention/hold"
	"mercator-hq/themis/pkg/retention/policy"
	"mercator-hq/themis/pkg/retention/report"
	"mercator-hq/themis/pkg/retention/scheduler"
	"mercator-hq/themis/pkg/retention/source"
	"mercator-hq/themis/pkg/telemetry/logging"
	"mercator-hq/themis/pkg/telemetry/metrics"
)

var runFlags struct {
	dryRun          bool
	forceProduction bool
	once            bool
	logLevel        string
	recordsFile     string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the retention enforcement engine",
	Long: `Run the retention enforcement engine.

Without flags the engine daemonizes on its cron triggers: hourly due-record
scans, daily legal hold verification, and a weekly audit integrity check.

Examples:
  # Single scan-and-dispose cycle, then exit
  themis run --once

  # Simulate a full run without destructive actions
  themis run --once --dry-run

  # Destructive run in a production environment
  themis run --force-production

  # Daemonize on the configured schedules
  themis run`,
	RunE: runEngine,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "simulate disposals without destructive actions")
	runCmd.Flags().BoolVar(&runFlags.forceProduction, "force-production", false, "allow destructive runs when environment is production")
	runCmd.Flags().BoolVar(&runFlags.once, "once", false, "run a single cycle and exit")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&runFlags.recordsFile, "records", "", "override the records fixture file")
}

// engineStore is the storage backend surface the engine wires against.
// Both the SQLite and memory backends satisfy it.
type engineStore interface {
	Jobs() retention.JobStore
	Certificates() retention.CertificateStore
	Audit() retention.AuditStore
	Leases() retention.LeaseStore
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
	}

	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	setupLogging(&cfg.Telemetry.Logging)

	if cfg.Engine.Production() && !runFlags.dryRun && !runFlags.forceProduction {
		return cli.NewCommandError("run",
			fmt.Errorf("refusing destructive run in production without --force-production (use --dry-run to simulate)"))
	}

	// Policy set
	policies := cfg.Policies
	if cfg.Engine.PolicyFile != "" {
		policies, err = config.LoadPolicies(cfg.Engine.PolicyFile)
		if err != nil {
			return cli.NewConfigError("engine.policy_file", err.Error())
		}
	}
	set, err := policy.NewSet(policies)
	if err != nil {
		return cli.NewConfigError("policies", err.Error())
	}
	evaluator := policy.NewEvaluator(set)
	slog.Info("policy set loaded", "policies", len(policies))

	ctx, cancel := context.WithCancel(cli.SetupSignalHandler())
	defer cancel()

	if cfg.Engine.WatchPolicies {
		watcher, err := policy.NewWatcher(cfg.Engine.PolicyFile, 0)
		if err != nil {
			return cli.NewCommandError("run", err)
		}
		go func() {
			err := watcher.Watch(ctx, func() error {
				reloaded, err := config.LoadPolicies(cfg.Engine.PolicyFile)
				if err != nil {
					return err
				}
				newSet, err := policy.NewSet(reloaded)
				if err != nil {
					return err
				}
				evaluator.Reload(newSet)
				return nil
			})
			if err != nil {
				slog.Error("policy watcher exited", "error", err)
			}
		}()
	}

	// Storage backend
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	defer closeStore()

	// Record source
	recordsFile := cfg.Engine.RecordsFile
	if runFlags.recordsFile != "" {
		recordsFile = runFlags.recordsFile
	}
	var src retention.RecordSource
	if recordsFile != "" {
		fileSource, err := source.LoadFile(recordsFile)
		if err != nil {
			return cli.NewConfigError("engine.records_file", err.Error())
		}
		src = fileSource
		slog.Info("record source loaded", "path", recordsFile)
	} else {
		slog.Warn("no records file configured, running against an empty record source")
		src = source.NewMemorySource()
	}

	// Certificate signing
	var signer *certificate.Signer
	if cfg.Certificate.SigningEnabled {
		signer = certificate.NewSigner(cfg.Certificate.KeyID)
		for tenantID, keyPath := range cfg.Certificate.Keys {
			if err := signer.LoadKey(tenantID, keyPath); err != nil {
				return cli.NewConfigError(
					fmt.Sprintf("certificate.keys.%s", tenantID),
					fmt.Sprintf("failed to load signing key: %v", err),
				)
			}
		}
		slog.Info("certificate signing enabled", "key_id", cfg.Certificate.KeyID, "tenants", len(cfg.Certificate.Keys))
	}

	archiveStore, err := archive.NewDirStore(cfg.Archive.Directory)
	if err != nil {
		return cli.NewCommandError("run", fmt.Errorf("failed to initialize archive store: %w", err))
	}

	var engineMetrics *metrics.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		engineMetrics = metrics.NewMetrics()
		go serveMetrics(&cfg.Telemetry.Metrics)
	}

	gateway := report.NewLogGateway()
	exec := executor.New(executor.Deps{
		Jobs:       store.Jobs(),
		Source:     src,
		Evaluator:  evaluator,
		Guard:      hold.NewGuard(src),
		Archiver:   archive.NewArchiver(archiveStore),
		Sealer:     certificate.NewSealer(store.Certificates(), signer),
		Auditor:    audit.NewWriter(store.Audit()),
		Detector:   detector.NewDetector(),
		Gateway:    gateway,
		Metrics:    engineMetrics,
		Production: cfg.Engine.Production(),
	})

	sched := scheduler.New(scheduler.Config{
		DueScanSchedule:   cfg.Scheduler.DueScanSchedule,
		HoldSchedule:      cfg.Scheduler.HoldSchedule,
		IntegritySchedule: cfg.Scheduler.IntegritySchedule,
		Workers:           cfg.Scheduler.Workers,
		TenantBatch:       cfg.Scheduler.TenantBatch,
		TenantConcurrency: cfg.Scheduler.TenantConcurrency,
		MaxAttempts:       cfg.Scheduler.MaxAttempts,
		LeaseTTL:          cfg.Scheduler.LeaseTTL,
		ShutdownTimeout:   cfg.Scheduler.ShutdownTimeout,
		DeferralDelay:     cfg.Scheduler.DeferralDelay,
		DryRun:            runFlags.dryRun,
		ReportDir:         cfg.Report.Directory,
	}, scheduler.Deps{
		Runner:    exec,
		Jobs:      store.Jobs(),
		Source:    src,
		Evaluator: evaluator,
		Leases:    store.Leases(),
		Integrity: audit.NewIntegrityChecker(store.Certificates(), store.Audit(), signer),
		Gateway:   gateway,
		Metrics:   engineMetrics,
	})

	if runFlags.once {
		runReport, err := sched.RunOnce(ctx, runFlags.dryRun)
		if err != nil {
			return cli.NewCommandError("run", err)
		}
		fmt.Printf("Run %s finished: %d scanned, %d due, %d completed, %d failed, %d deferred, %d violations\n",
			runReport.RunID,
			runReport.RecordsScanned,
			runReport.RecordsDue,
			runReport.Completed,
			runReport.Failed,
			runReport.Deferred,
			len(runReport.Violations),
		)
		if runReport.Failed > 0 {
			return cli.NewCommandError("run", fmt.Errorf("%d disposal jobs failed", runReport.Failed))
		}
		return nil
	}

	if err := sched.Start(ctx); err != nil {
		return cli.NewCommandError("run", err)
	}
	fmt.Println("Retention engine running. Press Ctrl+C to stop.")

	<-ctx.Done()
	fmt.Println("\nShutting down gracefully...")
	sched.Stop()
	fmt.Println("Retention engine stopped")
	return nil
}

func setupLogging(cfg *config.LoggingConfig) {
	logging.Setup(cfg.Level, cfg.Format)
}

func serveMetrics(cfg *config.MetricsConfig) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	slog.Info("metrics endpoint listening", "address", cfg.ListenAddress, "path", cfg.Path)
	if err := http.ListenAndServe(cfg.ListenAddress, mux); err != nil {
		slog.Error("metrics endpoint failed", "error", err)
	}
}
