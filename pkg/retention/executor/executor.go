// Package executor drives the per-record disposal state machine:
// QUEUED -> VERIFYING -> (ARCHIVING) -> DISPOSING -> CERTIFYING -> COMPLETED,
// with any state able to fail and retryable failures rescheduled with
// exponential backoff.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mercator-hq/themis/pkg/retention"
	"mercator-hq/themis/pkg/retention/archive"
	"mercator-hq/themis/pkg/retention/audit"
	"mercator-hq/themis/pkg/retention/certificate"
	"mercator-hq/themis/pkg/retention/detector"
	"mercator-hq/themis/pkg/retention/hold"
	"mercator-hq/themis/pkg/retention/policy"
	"mercator-hq/themis/pkg/retention/report"
	"mercator-hq/themis/pkg/telemetry/metrics"
)

// retryBackoff returns the delay before the next attempt: 5, 10, 20
// minutes for attempts 1, 2, 3.
func retryBackoff(attempts int) time.Duration {
	delay := 5 * time.Minute
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	return delay
}

// Executor carries one retention job at a time through its phases. Each
// phase persists its state transition through the job store's conditional
// update before performing the phase's (idempotent) side effect, so a
// crash mid-phase resumes from the last persisted state.
type Executor struct {
	jobs      retention.JobStore
	source    retention.RecordSource
	evaluator *policy.Evaluator
	guard     *hold.Guard
	archiver  *archive.Archiver
	sealer    *certificate.Sealer
	auditor   *audit.Writer
	detector  *detector.Detector
	gateway   report.NotificationGateway
	metrics   *metrics.Metrics

	// production gates archival strictness: an archival failure aborts
	// the disposal in production and degrades to a warning elsewhere.
	production bool

	logger *slog.Logger
	now    func() time.Time
}

// Deps bundles the executor's collaborators.
type Deps struct {
	Jobs      retention.JobStore
	Source    retention.RecordSource
	Evaluator *policy.Evaluator
	Guard     *hold.Guard
	Archiver  *archive.Archiver
	Sealer    *certificate.Sealer
	Auditor   *audit.Writer
	Detector  *detector.Detector
	Gateway   report.NotificationGateway
	Metrics   *metrics.Metrics

	Production bool
}

// New creates an executor.
func New(deps Deps) *Executor {
	return &Executor{
		jobs:       deps.Jobs,
		source:     deps.Source,
		evaluator:  deps.Evaluator,
		guard:      deps.Guard,
		archiver:   deps.Archiver,
		sealer:     deps.Sealer,
		auditor:    deps.Auditor,
		detector:   deps.Detector,
		gateway:    deps.Gateway,
		metrics:    deps.Metrics,
		production: deps.Production,
		logger:     slog.Default().With("component", "retention.executor"),
		now:        time.Now,
	}
}

// run holds per-invocation state shared across phases. The record is
// cached between phases of one invocation; a resumed invocation refetches
// it (and tolerates its absence after a permanent delete).
type run struct {
	job    *retention.RetentionJob
	record *retention.DisposableRecord
	rep    *report.Builder
}

// Run processes the job until it reaches a terminal state, a retry is
// scheduled, or the context is cancelled at a phase boundary. The caller
// owns the job for the duration of the call; losing a status race
// (retention.ErrStaleTransition) means another worker took over and this
// call returns immediately.
func (e *Executor) Run(ctx context.Context, jobID string, rep *report.Builder) error {
	job, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}

	r := &run{job: job, rep: rep}

	for {
		if err := ctx.Err(); err != nil {
			// Graceful shutdown: the job rests at the last persisted
			// phase and resumes on restart.
			return err
		}

		switch r.job.Status {
		case retention.StatusQueued, retention.StatusRetryScheduled:
			r.job, err = e.jobs.Transition(ctx, jobID, r.job.Status, retention.StatusVerifying, func(j *retention.RetentionJob) {
				j.Attempts++
			})
		case retention.StatusVerifying:
			err = e.verify(ctx, r)
		case retention.StatusArchiving:
			err = e.archivePhase(ctx, r)
		case retention.StatusDisposing:
			err = e.dispose(ctx, r)
		case retention.StatusCertifying:
			err = e.certify(ctx, r)
		case retention.StatusCompleted, retention.StatusFailed:
			return nil
		default:
			return fmt.Errorf("job %s in unknown status %q", jobID, r.job.Status)
		}

		if errors.Is(err, retention.ErrStaleTransition) {
			e.logger.Warn("lost job ownership, another worker took over", "job_id", jobID)
			return err
		}
		if err != nil {
			return e.fail(ctx, r, err)
		}
		if r.job.Status == retention.StatusRetryScheduled {
			// Backoff persisted; the scheduler requeues after NotBefore.
			return nil
		}
	}
}

// verify re-confirms that disposal is still lawful: the record still
// exists, is still due under the current policy set, and is not under
// legal hold (hold check #1). On success the pre audit entry is written
// and the job advances to ARCHIVING or DISPOSING.
func (e *Executor) verify(ctx context.Context, r *run) error {
	job := r.job

	record, err := e.source.Get(ctx, job.RecordType, job.RecordID)
	if err != nil {
		if errors.Is(err, retention.ErrRecordNotFound) {
			// A crash after PERMANENT_DELETE but before certification
			// leaves a certificate-less disposed record; finish the
			// certification instead of failing.
			if job.PreDisposalHash != "" {
				return e.advanceToCertifying(ctx, r)
			}
			return retention.ErrRecordNotFound
		}
		return err
	}
	r.record = record

	if record.DisposalState.Disposed {
		// Disposed in a previous attempt (crash before certification) or
		// externally; complete certification idempotently.
		return e.advanceToCertifying(ctx, r)
	}

	decision := e.evaluator.Evaluate(record, e.now())
	switch decision.Outcome {
	case policy.OutcomeUnevaluable:
		return &retention.PolicyUnresolvedError{LegalBasisCode: record.LegalBasisCode}
	case policy.OutcomeNotDue:
		return retention.ErrNoLongerDue
	}

	holdDecision, err := e.guard.CheckHold(ctx, job.RecordType, job.RecordID)
	if err != nil {
		return err
	}
	if !holdDecision.Allowed {
		return fmt.Errorf("%w: %s", retention.ErrLegalHoldActive, holdDecision.Reason)
	}

	preHash := certificate.HashRecord(record)

	next := retention.StatusDisposing
	if decision.Method.RequiresArchival() {
		next = retention.StatusArchiving
	}
	job, err = e.jobs.Transition(ctx, job.JobID, retention.StatusVerifying, next, func(j *retention.RetentionJob) {
		j.DisposalMethod = decision.Method
		j.PreDisposalHash = preHash
	})
	if err != nil {
		return err
	}
	r.job = job

	return e.auditor.Pre(ctx, job, preHash)
}

// advanceToCertifying short-circuits verification for records already
// disposed, so certification can complete after a crash or an external
// disposal. An externally disposed record reached this point with no
// method resolved; the record's own disposal state supplies it.
func (e *Executor) advanceToCertifying(ctx context.Context, r *run) error {
	job, err := e.jobs.Transition(ctx, r.job.JobID, retention.StatusVerifying, retention.StatusCertifying, func(j *retention.RetentionJob) {
		if j.DisposalMethod == "" && r.record != nil {
			j.DisposalMethod = r.record.DisposalState.Method
		}
	})
	if err != nil {
		return err
	}
	r.job = job
	return e.auditor.Pre(ctx, job, job.PreDisposalHash)
}

// archivePhase snapshots the record before destructive disposal. An
// archival failure is fatal in production (the engine must not destroy
// unarchived data) and degrades to a warning in non-production or dry-run.
func (e *Executor) archivePhase(ctx context.Context, r *run) error {
	job := r.job

	record, err := e.fetchRecord(ctx, r)
	if err != nil {
		return err
	}

	if record != nil {
		if _, err := e.archiver.Archive(ctx, []*retention.DisposableRecord{record}); err != nil {
			if e.production && !job.DryRun {
				return err
			}
			e.logger.Warn("archival failed, continuing outside production",
				"job_id", job.JobID,
				"error", err,
			)
		}
	}

	job, err = e.jobs.Transition(ctx, job.JobID, retention.StatusArchiving, retention.StatusDisposing, nil)
	if err != nil {
		return err
	}
	r.job = job
	return nil
}

// dispose re-checks the legal hold immediately before the irreversible
// action (hold check #2, closing the race window between evaluation and
// execution) and dispatches the disposal method. In dry-run the
// destructive call is skipped.
func (e *Executor) dispose(ctx context.Context, r *run) error {
	job := r.job

	holdDecision, err := e.guard.CheckHold(ctx, job.RecordType, job.RecordID)
	if err != nil {
		return err
	}
	if !holdDecision.Allowed {
		return fmt.Errorf("%w: %s", retention.ErrLegalHoldActive, holdDecision.Reason)
	}

	if !job.DryRun {
		if err := e.source.ApplyDisposal(ctx, job.RecordType, job.RecordID, job.DisposalMethod); err != nil {
			return retention.NewDisposalError(job.DisposalMethod, job.RecordID, err)
		}
	}

	job, err = e.jobs.Transition(ctx, job.JobID, retention.StatusDisposing, retention.StatusCertifying, nil)
	if err != nil {
		return err
	}
	r.job = job
	return nil
}

// certify seals the disposal certificate, writes the post audit entry,
// marks the record disposed in the host store, and completes the job.
// Certification failure leaves the job in CERTIFYING: the record is not
// considered disposed until the certificate is durably persisted.
func (e *Executor) certify(ctx context.Context, r *run) error {
	job := r.job

	if job.DryRun {
		// A simulated disposal seals no certificate: the record is
		// untouched and the real run must be able to certify it later.
		if err := e.auditor.Post(ctx, job, audit.OutcomeSimulated, "", "dry run"); err != nil {
			return err
		}
		job, err := e.jobs.Transition(ctx, job.JobID, retention.StatusCertifying, retention.StatusCompleted, func(j *retention.RetentionJob) {
			j.LastError = ""
		})
		if err != nil {
			return err
		}
		r.job = job
		if r.rep != nil {
			r.rep.AddCompleted(job.DisposalMethod, true)
		}
		e.metrics.DisposalCompleted(job.TenantID, string(job.DisposalMethod), true)
		return nil
	}

	var references []string
	if pol, ok := e.evaluator.Set().Lookup(job.LegalBasisCode); ok {
		references = append(references, pol.LegalBasisCode)
		if pol.Description != "" {
			references = append(references, pol.Description)
		}
	}

	cert, err := e.sealer.Seal(ctx, job, job.PreDisposalHash, references)
	if err != nil {
		e.sendAlert(ctx, job, retention.ReasonCertificationFailed, err.Error())
		return err
	}

	if err := e.source.MarkDisposed(ctx, job.RecordType, job.RecordID, job.DisposalMethod, cert.CertificateID); err != nil {
		return retention.NewCertificationError(job.JobID, err)
	}

	// An empty pre-disposal hash means the record was disposed outside the
	// engine before verification could hash it; say so on the trail.
	detail := ""
	if job.PreDisposalHash == "" {
		detail = "record disposed outside the engine, certified after the fact"
	}
	if err := e.auditor.Post(ctx, job, audit.OutcomeCompleted, cert.CertificateID, detail); err != nil {
		return err
	}

	e.checkCompliance(r, cert)

	job, err = e.jobs.Transition(ctx, job.JobID, retention.StatusCertifying, retention.StatusCompleted, func(j *retention.RetentionJob) {
		j.CertificateID = cert.CertificateID
		j.LastError = ""
	})
	if err != nil {
		return err
	}
	r.job = job

	if r.rep != nil {
		r.rep.AddCompleted(job.DisposalMethod, false)
	}
	e.metrics.DisposalCompleted(job.TenantID, string(job.DisposalMethod), false)

	e.logger.Info("disposal completed",
		"job_id", job.JobID,
		"record_type", job.RecordType,
		"record_id", job.RecordID,
		"method", job.DisposalMethod,
		"certificate_id", cert.CertificateID,
		"dry_run", job.DryRun,
		"attempts", job.Attempts,
	)
	return nil
}

// checkCompliance runs the violation detector when the record's source
// timestamp is still known. A record destroyed in an earlier attempt
// (crash-resume) was already validated as due during that attempt's
// verification.
func (e *Executor) checkCompliance(r *run, cert *retention.DisposalCertificate) {
	if r.record == nil {
		return
	}
	pol, ok := e.evaluator.Set().Lookup(r.record.LegalBasisCode)
	if !ok {
		return
	}
	if violation := e.detector.Check(r.record, pol, cert.GeneratedAt); violation != nil {
		if r.rep != nil {
			r.rep.AddViolation(violation)
		}
		e.metrics.ViolationDetected(violation.TenantID)
	}
}

// fetchRecord returns the cached record or refetches it. A missing record
// yields nil without error; the caller decides what absence means for its
// phase.
func (e *Executor) fetchRecord(ctx context.Context, r *run) (*retention.DisposableRecord, error) {
	if r.record != nil {
		return r.record, nil
	}
	record, err := e.source.Get(ctx, r.job.RecordType, r.job.RecordID)
	if errors.Is(err, retention.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.record = record
	return record, nil
}

// fail moves the job to FAILED, writes the post audit entry for the
// attempt, and schedules a retry when the failure is retryable and
// attempts remain. Legal-hold and policy-unresolved failures are terminal:
// a human re-triggers after the condition clears.
func (e *Executor) fail(ctx context.Context, r *run, cause error) error {
	job := r.job
	reason := retention.FailureReason(cause)

	failed, err := e.jobs.Transition(ctx, job.JobID, job.Status, retention.StatusFailed, func(j *retention.RetentionJob) {
		j.LastError = fmt.Sprintf("%s: %v", reason, cause)
	})
	if err != nil {
		e.logger.Error("failed to record job failure",
			"job_id", job.JobID,
			"cause", cause,
			"error", err,
		)
		return err
	}
	r.job = failed

	// Attempts that fail during verification never reach the point where
	// verify writes the pre entry; backfill it so every attempt carries a
	// pre/post pair. Pre is idempotent per attempt.
	if auditErr := e.auditor.Pre(ctx, failed, failed.PreDisposalHash); auditErr != nil {
		e.logger.Error("failed to write pre audit entry for failed attempt", "job_id", job.JobID, "error", auditErr)
	}

	if auditErr := e.auditor.Post(ctx, failed, reason, "", cause.Error()); auditErr != nil {
		e.logger.Error("failed to write failure audit entry", "job_id", job.JobID, "error", auditErr)
	}

	var archival *retention.ArchivalError
	if errors.As(cause, &archival) && e.production && !job.DryRun {
		e.sendAlert(ctx, failed, retention.ReasonArchivalFailed, cause.Error())
	}

	if retention.Retryable(cause) && !failed.RetriesExhausted() {
		delay := retryBackoff(failed.Attempts)
		retry, err := e.jobs.Transition(ctx, job.JobID, retention.StatusFailed, retention.StatusRetryScheduled, func(j *retention.RetentionJob) {
			j.NotBefore = e.now().Add(delay)
		})
		if err != nil {
			return err
		}
		r.job = retry
		e.logger.Warn("disposal failed, retry scheduled",
			"job_id", job.JobID,
			"reason", reason,
			"attempt", retry.Attempts,
			"max_attempts", retry.MaxAttempts,
			"retry_in", delay,
		)
	} else {
		e.logger.Error("disposal failed permanently",
			"job_id", job.JobID,
			"reason", reason,
			"attempts", failed.Attempts,
			"error", cause,
		)
	}

	if r.rep != nil {
		r.rep.AddFailed(reason)
	}
	e.metrics.DisposalFailed(job.TenantID, reason)
	return nil
}

// sendAlert fires an emergency notification; failures are logged, never
// propagated.
func (e *Executor) sendAlert(ctx context.Context, job *retention.RetentionJob, reason, detail string) {
	if e.gateway == nil {
		return
	}
	alert := &report.EmergencyAlert{
		Reason:     reason,
		TenantID:   job.TenantID,
		RecordType: job.RecordType,
		RecordID:   job.RecordID,
		JobID:      job.JobID,
		Detail:     detail,
		OccurredAt: e.now().UTC(),
	}
	if err := e.gateway.SendEmergencyAlert(ctx, alert); err != nil {
		e.logger.Error("failed to send emergency alert", "reason", reason, "error", err)
	}
}
