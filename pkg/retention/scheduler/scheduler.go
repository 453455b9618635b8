// Package scheduler drives retention runs: cron triggers, the run lease,
// tenant due-scans, and the worker pool that feeds jobs to the executor.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"mercator-hq/themis/pkg/retention"
	"mercator-hq/themis/pkg/retention/audit"
	"mercator-hq/themis/pkg/retention/policy"
	"mercator-hq/themis/pkg/retention/report"
	"mercator-hq/themis/pkg/telemetry/metrics"
)

// Default schedules and tuning. All overridable via configuration.
const (
	DefaultDueScanSchedule   = "0 * * * *" // hourly
	DefaultHoldSchedule      = "0 2 * * *" // daily 02:00
	DefaultIntegritySchedule = "0 3 * * 0" // weekly Sunday 03:00

	DefaultWorkers           = 8
	DefaultTenantBatch       = 4
	DefaultTenantConcurrency = 3
	DefaultLeaseTTL          = 2 * time.Minute
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultDeferralDelay     = 2 * time.Minute

	leaseName = "scheduler"
)

// JobRunner processes one retention job to a resting state. Satisfied by
// the executor; tests substitute counting fakes.
type JobRunner interface {
	Run(ctx context.Context, jobID string, rep *report.Builder) error
}

// Config tunes the scheduler.
type Config struct {
	DueScanSchedule   string
	HoldSchedule      string
	IntegritySchedule string

	Workers           int
	TenantBatch       int
	TenantConcurrency int
	MaxAttempts       int

	LeaseTTL        time.Duration
	ShutdownTimeout time.Duration
	DeferralDelay   time.Duration

	// DryRun makes every enqueued job simulate its destructive phase.
	DryRun bool

	// ReportDir is where run reports are persisted as JSON.
	ReportDir string
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.DueScanSchedule == "" {
		c.DueScanSchedule = DefaultDueScanSchedule
	}
	if c.HoldSchedule == "" {
		c.HoldSchedule = DefaultHoldSchedule
	}
	if c.IntegritySchedule == "" {
		c.IntegritySchedule = DefaultIntegritySchedule
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.TenantBatch <= 0 {
		c.TenantBatch = DefaultTenantBatch
	}
	if c.TenantConcurrency <= 0 {
		c.TenantConcurrency = DefaultTenantConcurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.DeferralDelay <= 0 {
		c.DeferralDelay = DefaultDeferralDelay
	}
	return c
}

// Deps bundles the scheduler's collaborators.
type Deps struct {
	Runner    JobRunner
	Jobs      retention.JobStore
	Source    retention.RecordSource
	Evaluator *policy.Evaluator
	Leases    retention.LeaseStore
	Integrity *audit.IntegrityChecker
	Gateway   report.NotificationGateway
	Metrics   *metrics.Metrics
}

// Scheduler owns the retention run lifecycle. At most one run is active
// per deployment: a cross-process lease guards against concurrent
// instances, and a per-tenant quota keeps any one tenant from saturating
// the worker pool.
type Scheduler struct {
	cfg   Config
	deps  Deps
	quota *TenantQuota

	// holderID identifies this process instance on the run lease.
	holderID string

	cron   *cron.Cron
	cancel context.CancelFunc
	base   context.Context

	logger *slog.Logger
	now    func() time.Time
}

// New creates a scheduler. Call Start to arm the cron triggers, or
// RunOnce for a single cycle.
func New(cfg Config, deps Deps) *Scheduler {
	cfg = cfg.withDefaults()
	host, _ := os.Hostname()
	return &Scheduler{
		cfg:      cfg,
		deps:     deps,
		quota:    NewTenantQuota(cfg.TenantConcurrency),
		holderID: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		logger:   slog.Default().With("component", "retention.scheduler"),
		now:      time.Now,
	}
}

// Start recovers interrupted jobs and arms the cron triggers. It returns
// once the triggers are scheduled; runs happen on cron goroutines.
func (s *Scheduler) Start(ctx context.Context) error {
	s.base, s.cancel = context.WithCancel(ctx)

	if err := s.recover(s.base); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	c := cron.New()
	if _, err := c.AddFunc(s.cfg.DueScanSchedule, func() { s.triggeredRun("due_scan") }); err != nil {
		return fmt.Errorf("invalid due-scan schedule %q: %w", s.cfg.DueScanSchedule, err)
	}
	if _, err := c.AddFunc(s.cfg.HoldSchedule, func() { s.holdVerification(s.base) }); err != nil {
		return fmt.Errorf("invalid hold-verification schedule %q: %w", s.cfg.HoldSchedule, err)
	}
	if _, err := c.AddFunc(s.cfg.IntegritySchedule, func() { s.integrityRun(s.base) }); err != nil {
		return fmt.Errorf("invalid integrity schedule %q: %w", s.cfg.IntegritySchedule, err)
	}
	c.Start()
	s.cron = c

	s.logger.Info("scheduler started",
		"holder", s.holderID,
		"due_scan", s.cfg.DueScanSchedule,
		"hold_verification", s.cfg.HoldSchedule,
		"integrity_check", s.cfg.IntegritySchedule,
		"workers", s.cfg.Workers,
		"tenant_concurrency", s.cfg.TenantConcurrency,
		"dry_run", s.cfg.DryRun,
	)
	return nil
}

// Stop halts intake and waits up to the shutdown timeout for in-flight
// jobs to reach a phase boundary; after the timeout their contexts are
// cancelled and they rest at the last persisted state.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	stopped := s.cron.Stop()

	select {
	case <-stopped.Done():
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn("shutdown timeout reached, cancelling in-flight jobs")
		if s.cancel != nil {
			s.cancel()
		}
		<-stopped.Done()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) triggeredRun(trigger string) {
	if _, err := s.RunOnce(s.base, s.cfg.DryRun); err != nil {
		if errors.Is(err, retention.ErrConcurrentRun) {
			s.logger.Info("skipping run, another instance holds the lease", "trigger", trigger)
			return
		}
		s.logger.Error("scheduled run failed", "trigger", trigger, "error", err)
	}
}

// RunOnce performs one complete retention cycle: acquire the run lease,
// requeue due retries, scan every tenant for due records, process the
// resulting jobs through the worker pool, and deliver the run report.
func (s *Scheduler) RunOnce(ctx context.Context, dryRun bool) (*report.RunReport, error) {
	started := s.now()

	ok, err := s.deps.Leases.Acquire(ctx, leaseName, s.holderID, s.cfg.LeaseTTL)
	if err != nil {
		return nil, retention.NewStorageError("lease", "acquire", err)
	}
	if !ok {
		return nil, retention.ErrConcurrentRun
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	stopRenewal := s.renewLease(runCtx, cancelRun)
	defer func() {
		stopRenewal()
		if err := s.deps.Leases.Release(context.Background(), leaseName, s.holderID); err != nil {
			s.logger.Error("failed to release run lease", "error", err)
		}
	}()

	runID := uuid.NewString()
	rep := report.NewBuilder(runID, dryRun)
	s.logger.Info("retention run started", "run_id", runID, "dry_run", dryRun)

	queue, err := s.requeueRetries(runCtx)
	if err != nil {
		s.logger.Error("retry sweep failed", "run_id", runID, "error", err)
	}

	scanned, err := s.scanTenants(runCtx, rep, dryRun)
	if err != nil {
		s.logger.Error("tenant scan failed", "run_id", runID, "error", err)
	}
	queue = append(queue, scanned...)

	s.processJobs(runCtx, rep, queue)

	runReport := rep.Finish()
	result := "completed"
	if runCtx.Err() != nil {
		result = "interrupted"
	}

	if s.cfg.ReportDir != "" {
		if path, err := runReport.Write(s.cfg.ReportDir); err != nil {
			s.logger.Error("failed to persist run report", "run_id", runID, "error", err)
		} else {
			s.logger.Info("run report persisted", "run_id", runID, "path", path)
		}
	}
	if s.deps.Gateway != nil {
		if err := s.deps.Gateway.SendComplianceReport(context.Background(), runReport); err != nil {
			s.logger.Error("failed to deliver compliance report", "run_id", runID, "error", err)
		}
	}

	s.deps.Metrics.RunFinished(result, s.now().Sub(started).Seconds())
	s.logger.Info("retention run finished",
		"run_id", runID,
		"result", result,
		"records_scanned", runReport.RecordsScanned,
		"records_due", runReport.RecordsDue,
		"completed", runReport.Completed,
		"failed", runReport.Failed,
		"deferred", runReport.Deferred,
		"violations", len(runReport.Violations),
		"duration", s.now().Sub(started),
	)
	return runReport, nil
}

// renewLease keeps the run lease alive while the run progresses. Losing
// the lease cancels the run: destructive work must not continue once
// another instance can acquire it.
func (s *Scheduler) renewLease(ctx context.Context, cancelRun context.CancelFunc) (stop func()) {
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(s.cfg.LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				ok, err := s.deps.Leases.Renew(ctx, leaseName, s.holderID, s.cfg.LeaseTTL)
				if err != nil {
					s.logger.Error("lease renewal failed", "error", err)
					continue
				}
				if !ok {
					s.logger.Error("run lease lost, aborting run")
					cancelRun()
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// recover resumes work interrupted by a crash or restart: jobs parked
// mid-pipeline are run to a resting state, and overdue retries requeue on
// the next scan.
func (s *Scheduler) recover(ctx context.Context) error {
	interrupted, err := s.deps.Jobs.List(ctx, &retention.JobFilter{
		Statuses: []retention.JobStatus{
			retention.StatusQueued,
			retention.StatusVerifying,
			retention.StatusArchiving,
			retention.StatusDisposing,
			retention.StatusCertifying,
		},
	})
	if err != nil {
		return retention.NewStorageError("jobs", "list_interrupted", err)
	}
	if len(interrupted) == 0 {
		return nil
	}

	s.logger.Info("resuming interrupted jobs", "count", len(interrupted))
	rep := report.NewBuilder(fmt.Sprintf("recovery-%s", uuid.NewString()[:8]), s.cfg.DryRun)
	ids := make([]string, 0, len(interrupted))
	for _, job := range interrupted {
		ids = append(ids, job.JobID)
	}
	s.processJobs(ctx, rep, ids)
	return nil
}

// requeueRetries returns RETRY_SCHEDULED jobs whose backoff or deferral
// window has passed, so the current run picks them up.
func (s *Scheduler) requeueRetries(ctx context.Context) ([]string, error) {
	due, err := s.deps.Jobs.DueForRetry(ctx, s.now())
	if err != nil {
		return nil, retention.NewStorageError("jobs", "due_for_retry", err)
	}
	ids := make([]string, 0, len(due))
	for _, job := range due {
		ids = append(ids, job.JobID)
	}
	if len(ids) > 0 {
		s.logger.Info("requeueing retry jobs", "count", len(ids))
	}
	return ids, nil
}

// scanTenants walks every tenant's records in batches and enqueues a
// QUEUED job for each record that is due and not already targeted by an
// active job. Returns the enqueued job IDs.
func (s *Scheduler) scanTenants(ctx context.Context, rep *report.Builder, dryRun bool) ([]string, error) {
	tenants, err := s.deps.Source.Tenants(ctx)
	if err != nil {
		return nil, retention.NewStorageError("source", "tenants", err)
	}

	var (
		mu  sync.Mutex
		ids []string
		wg  sync.WaitGroup
	)
	sem := make(chan struct{}, s.cfg.TenantBatch)

	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(tenantID string) {
			defer wg.Done()
			defer func() { <-sem }()

			tenantIDs, err := s.scanTenant(ctx, rep, tenantID, dryRun)
			if err != nil {
				s.logger.Error("tenant scan failed", "tenant_id", tenantID, "error", err)
				return
			}
			mu.Lock()
			ids = append(ids, tenantIDs...)
			mu.Unlock()
		}(tenantID)
	}
	wg.Wait()
	return ids, ctx.Err()
}

func (s *Scheduler) scanTenant(ctx context.Context, rep *report.Builder, tenantID string, dryRun bool) ([]string, error) {
	codes, err := s.deps.Source.LegalBases(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	set := s.deps.Evaluator.Set()
	now := s.now()
	var scanned, due, unevaluable int
	var ids []string

	for _, code := range codes {
		pol, ok := set.Lookup(code)
		if !ok {
			// No registered policy: count the affected records as
			// unevaluable and leave them untouched. A zero-day probe
			// policy matches every undisposed record under the code.
			records, err := s.deps.Source.QueryDue(ctx, tenantID, retention.RetentionPolicy{LegalBasisCode: code}, now)
			if err != nil {
				return nil, err
			}
			scanned += len(records)
			unevaluable += len(records)
			s.logger.Warn("records with unresolved legal basis excluded from disposal",
				"tenant_id", tenantID,
				"legal_basis_code", code,
				"records", len(records),
			)
			continue
		}

		records, err := s.deps.Source.QueryDue(ctx, tenantID, pol, now)
		if err != nil {
			return nil, err
		}
		scanned += len(records)

		for _, record := range records {
			decision := s.deps.Evaluator.Evaluate(record, now)
			if decision.Outcome != policy.OutcomeDue {
				continue
			}
			due++

			exists, err := s.deps.Jobs.ActiveJobExists(ctx, record.RecordType, record.RecordID)
			if err != nil {
				return nil, err
			}
			if exists {
				continue
			}

			job := &retention.RetentionJob{
				JobID:          uuid.NewString(),
				TenantID:       tenantID,
				RecordType:     record.RecordType,
				RecordID:       record.RecordID,
				LegalBasisCode: record.LegalBasisCode,
				DisposalMethod: decision.Method,
				Status:         retention.StatusQueued,
				MaxAttempts:    s.cfg.MaxAttempts,
				CreatedAt:      now.UTC(),
				UpdatedAt:      now.UTC(),
				DryRun:         dryRun,
			}
			if err := s.deps.Jobs.Create(ctx, job); err != nil {
				return nil, retention.NewStorageError("jobs", "create", err)
			}
			ids = append(ids, job.JobID)
		}
	}

	rep.AddScan(scanned, due, unevaluable)
	s.deps.Metrics.ScanObserved(scanned, unevaluable)
	return ids, nil
}

// processJobs feeds the job IDs through a fixed worker pool. Jobs whose
// tenant is at its concurrency quota are deferred with a pushed NotBefore
// rather than dropped; the next run's retry sweep picks them up.
func (s *Scheduler) processJobs(ctx context.Context, rep *report.Builder, jobIDs []string) {
	if len(jobIDs) == 0 {
		return
	}

	queue := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for jobID := range queue {
				s.processJob(ctx, rep, jobID)
			}
		}()
	}

	for _, jobID := range jobIDs {
		if ctx.Err() != nil {
			break
		}
		queue <- jobID
	}
	close(queue)
	wg.Wait()
}

func (s *Scheduler) processJob(ctx context.Context, rep *report.Builder, jobID string) {
	job, err := s.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		s.logger.Error("failed to load queued job", "job_id", jobID, "error", err)
		return
	}
	if job.Status.Terminal() {
		return
	}

	if !s.quota.Acquire(job.TenantID) {
		s.deferJob(ctx, rep, job)
		return
	}
	defer s.quota.Release(job.TenantID)

	s.deps.Metrics.JobStarted(job.TenantID)
	defer s.deps.Metrics.JobFinished(job.TenantID)

	if err := s.deps.Runner.Run(ctx, jobID, rep); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, retention.ErrStaleTransition) {
			return
		}
		s.logger.Error("job processing failed", "job_id", jobID, "error", err)
	}
}

// deferJob pushes an over-quota job's NotBefore forward and parks it in
// RETRY_SCHEDULED without consuming an attempt.
func (s *Scheduler) deferJob(ctx context.Context, rep *report.Builder, job *retention.RetentionJob) {
	_, err := s.deps.Jobs.Transition(ctx, job.JobID, job.Status, retention.StatusRetryScheduled, func(j *retention.RetentionJob) {
		j.NotBefore = s.now().Add(s.cfg.DeferralDelay)
	})
	if err != nil {
		s.logger.Error("failed to defer over-quota job", "job_id", job.JobID, "error", err)
		return
	}
	rep.AddDeferred()
	s.deps.Metrics.JobDeferred()
	s.logger.Info("job deferred by tenant quota",
		"job_id", job.JobID,
		"tenant_id", job.TenantID,
		"retry_in", s.cfg.DeferralDelay,
	)
}

// holdVerification is the daily sweep over held records: it surfaces how
// many due records each tenant is holding back, so expired holds are
// visible before the next due-scan picks their records up.
func (s *Scheduler) holdVerification(ctx context.Context) {
	tenants, err := s.deps.Source.Tenants(ctx)
	if err != nil {
		s.logger.Error("hold verification failed to list tenants", "error", err)
		return
	}

	now := s.now()
	set := s.deps.Evaluator.Set()
	for _, tenantID := range tenants {
		var held int
		for _, pol := range set.Policies() {
			records, err := s.deps.Source.QueryDue(ctx, tenantID, pol, now)
			if err != nil {
				s.logger.Error("hold verification query failed",
					"tenant_id", tenantID,
					"legal_basis_code", pol.LegalBasisCode,
					"error", err,
				)
				continue
			}
			for _, record := range records {
				if record.LegalHold.InEffect(now) {
					held++
				}
			}
		}
		if held > 0 {
			s.logger.Info("tenant has due records under legal hold",
				"tenant_id", tenantID,
				"held_records", held,
			)
		}
	}
}

// integrityRun is the weekly verification of the append-only stores. Any
// anomaly escalates through the emergency channel.
func (s *Scheduler) integrityRun(ctx context.Context) {
	if s.deps.Integrity == nil {
		return
	}
	rep, err := s.deps.Integrity.Check(ctx)
	if err != nil {
		s.logger.Error("audit integrity check failed", "error", err)
		return
	}
	if rep.Clean() || s.deps.Gateway == nil {
		return
	}
	alert := &report.EmergencyAlert{
		Reason: "AUDIT_INTEGRITY_FAILURE",
		Detail: fmt.Sprintf("hash mismatches: %d, signature failures: %d, unpaired attempts: %d",
			len(rep.HashMismatches), len(rep.SignatureFailures), len(rep.UnpairedAttempts)),
		OccurredAt: s.now().UTC(),
	}
	if err := s.deps.Gateway.SendEmergencyAlert(ctx, alert); err != nil {
		s.logger.Error("failed to send integrity alert", "error", err)
	}
}
