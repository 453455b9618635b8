package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"mercator-hq/themis/pkg/retention"
	"mercator-hq/themis/pkg/retention/archive"
	"mercator-hq/themis/pkg/retention/audit"
	"mercator-hq/themis/pkg/retention/certificate"
	"mercator-hq/themis/pkg/retention/detector"
	"mercator-hq/themis/pkg/retention/hold"
	"mercator-hq/themis/pkg/retention/policy"
	"mercator-hq/themis/pkg/retention/report"
	"mercator-hq/themis/pkg/retention/source"
	"mercator-hq/themis/pkg/retention/storage"
)

// memArchiveStore keeps snapshots in memory and can be told to fail.
type memArchiveStore struct {
	writes int
	err    error
}

func (s *memArchiveStore) WriteArchive(ctx context.Context, manifest *retention.ArchiveManifest, payload []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.writes++
	return "mem://" + manifest.ArchiveID, nil
}

type captureGateway struct {
	alerts []*report.EmergencyAlert
}

func (g *captureGateway) SendComplianceReport(ctx context.Context, r *report.RunReport) error {
	return nil
}

func (g *captureGateway) SendEmergencyAlert(ctx context.Context, alert *report.EmergencyAlert) error {
	g.alerts = append(g.alerts, alert)
	return nil
}

type fixture struct {
	store    *storage.MemoryStore
	src      *source.MemorySource
	archives *memArchiveStore
	gateway  *captureGateway
	exec     *Executor
}

func newFixture(t *testing.T, production bool) *fixture {
	t.Helper()

	set, err := policy.NewSet([]retention.RetentionPolicy{
		{LegalBasisCode: "GDPR_ART17", MinimumRetentionDays: 30, DefaultDisposalMethod: retention.MethodAnonymize},
		{LegalBasisCode: "SOX_802", MinimumRetentionDays: 30, DefaultDisposalMethod: retention.MethodPermanentDelete, Description: "7-year financial records"},
	})
	if err != nil {
		t.Fatalf("NewSet() failed: %v", err)
	}

	f := &fixture{
		store:    storage.NewMemoryStore(),
		src:      source.NewMemorySource(),
		archives: &memArchiveStore{},
		gateway:  &captureGateway{},
	}
	evaluator := policy.NewEvaluator(set)
	f.exec = New(Deps{
		Jobs:       f.store.Jobs(),
		Source:     f.src,
		Evaluator:  evaluator,
		Guard:      hold.NewGuard(f.src),
		Archiver:   archive.NewArchiver(f.archives),
		Sealer:     certificate.NewSealer(f.store.Certificates(), nil),
		Auditor:    audit.NewWriter(f.store.Audit()),
		Detector:   detector.NewDetector(),
		Gateway:    f.gateway,
		Production: production,
	})
	return f
}

func (f *fixture) addRecord(t *testing.T, id, basis string, age time.Duration) *retention.DisposableRecord {
	t.Helper()
	r := &retention.DisposableRecord{
		RecordType:      "customer_profile",
		RecordID:        id,
		TenantID:        "acme",
		LegalBasisCode:  basis,
		SourceTimestamp: time.Now().Add(-age).UTC(),
		Fields: map[string]string{
			"name":  "Ada Lovelace",
			"email": "ada@example.com",
			"plan":  "premium",
		},
	}
	f.src.Put(r)
	return r
}

func (f *fixture) addJob(t *testing.T, recordID, basis string, status retention.JobStatus) *retention.RetentionJob {
	t.Helper()
	job := &retention.RetentionJob{
		JobID:          "job-" + recordID,
		TenantID:       "acme",
		RecordType:     "customer_profile",
		RecordID:       recordID,
		LegalBasisCode: basis,
		Status:         status,
		MaxAttempts:    3,
		CreatedAt:      time.Now().UTC(),
	}
	if err := f.store.Jobs().Create(context.Background(), job); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	return job
}

func (f *fixture) job(t *testing.T, jobID string) *retention.RetentionJob {
	t.Helper()
	job, err := f.store.Jobs().Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	return job
}

func (f *fixture) auditEntries(t *testing.T, jobID string) (pre, post []*retention.AuditEntry) {
	t.Helper()
	entries, err := f.store.Audit().ListByJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("ListByJob() failed: %v", err)
	}
	for _, e := range entries {
		switch e.Phase {
		case retention.AuditPre:
			pre = append(pre, e)
		case retention.AuditPost:
			post = append(post, e)
		}
	}
	return pre, post
}

func TestExecutor_CompletesDueRecord(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.addRecord(t, "r-1", "GDPR_ART17", 45*24*time.Hour)
	f.addJob(t, "r-1", "GDPR_ART17", retention.StatusQueued)
	rep := report.NewBuilder("run-1", false)

	if err := f.exec.Run(ctx, "job-r-1", rep); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	job := f.job(t, "job-r-1")
	if job.Status != retention.StatusCompleted {
		t.Fatalf("job status = %v, want COMPLETED", job.Status)
	}
	if job.DisposalMethod != retention.MethodAnonymize {
		t.Errorf("resolved method = %v, want ANONYMIZE", job.DisposalMethod)
	}
	if job.CertificateID == "" {
		t.Fatal("completed job has no certificate")
	}

	cert, err := f.store.Certificates().Get(ctx, job.CertificateID)
	if err != nil {
		t.Fatalf("certificate Get() failed: %v", err)
	}
	if cert.PreDisposalHash != job.PreDisposalHash {
		t.Error("certificate pre-disposal hash differs from job's")
	}
	if err := certificate.Verify(cert, nil); err != nil {
		t.Errorf("sealed certificate does not verify: %v", err)
	}

	record, err := f.src.Get(ctx, "customer_profile", "r-1")
	if err != nil {
		t.Fatalf("source Get() failed: %v", err)
	}
	if !record.DisposalState.Disposed || record.DisposalState.CertificateID != cert.CertificateID {
		t.Errorf("record DisposalState = %+v, want disposed with %s", record.DisposalState, cert.CertificateID)
	}
	if record.Fields["name"] != "" {
		t.Error("identifying field survived anonymization")
	}

	pre, post := f.auditEntries(t, job.JobID)
	if len(pre) != 1 || len(post) != 1 {
		t.Fatalf("audit entries = %d pre / %d post, want 1/1", len(pre), len(post))
	}
	if post[0].Outcome != audit.OutcomeCompleted || post[0].CertificateID != cert.CertificateID {
		t.Errorf("post entry = %q/%q, want completed with certificate", post[0].Outcome, post[0].CertificateID)
	}

	if r := rep.Snapshot(); r.Completed != 1 {
		t.Errorf("report Completed = %d, want 1", r.Completed)
	}
}

// PERMANENT_DELETE must snapshot the record before destroying it.
func TestExecutor_ArchivesBeforePermanentDelete(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.addRecord(t, "r-1", "SOX_802", 45*24*time.Hour)
	f.addJob(t, "r-1", "SOX_802", retention.StatusQueued)

	if err := f.exec.Run(ctx, "job-r-1", nil); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if f.archives.writes != 1 {
		t.Errorf("archive writes = %d, want 1", f.archives.writes)
	}
	job := f.job(t, "job-r-1")
	if job.Status != retention.StatusCompleted {
		t.Errorf("job status = %v, want COMPLETED", job.Status)
	}
	if _, err := f.src.Get(ctx, "customer_profile", "r-1"); !errors.Is(err, retention.ErrRecordNotFound) {
		t.Errorf("record still present after PERMANENT_DELETE (err = %v)", err)
	}

	// The certificate outlives the record it certifies.
	cert, err := f.store.Certificates().GetByRecord(ctx, "customer_profile", "r-1")
	if err != nil {
		t.Fatalf("GetByRecord() failed: %v", err)
	}
	if cert.DisposalMethod != retention.MethodPermanentDelete {
		t.Errorf("certificate method = %v, want PERMANENT_DELETE", cert.DisposalMethod)
	}
}

func TestExecutor_LegalHoldBlocksAtVerification(t *testing.T) {
	f := newFixture(t, false)
	record := f.addRecord(t, "r-1", "GDPR_ART17", 45*24*time.Hour)
	record.LegalHold = retention.LegalHold{Active: true}
	f.src.Put(record)
	f.addJob(t, "r-1", "GDPR_ART17", retention.StatusQueued)

	if err := f.exec.Run(context.Background(), "job-r-1", nil); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	job := f.job(t, "job-r-1")
	if job.Status != retention.StatusFailed {
		t.Fatalf("job status = %v, want FAILED", job.Status)
	}
	if !strings.Contains(job.LastError, retention.ReasonLegalHoldActive) {
		t.Errorf("LastError = %q, want %s", job.LastError, retention.ReasonLegalHoldActive)
	}

	record, err := f.src.Get(context.Background(), "customer_profile", "r-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if record.DisposalState.Disposed {
		t.Error("held record was disposed")
	}

	// A hold-blocked attempt still writes its full pre/post audit pair.
	pre, post := f.auditEntries(t, "job-r-1")
	if len(pre) != 1 || len(post) != 1 {
		t.Fatalf("audit entries = %d pre / %d post, want 1/1", len(pre), len(post))
	}
	if post[0].Outcome != retention.ReasonLegalHoldActive {
		t.Errorf("post outcome = %q, want %s", post[0].Outcome, retention.ReasonLegalHoldActive)
	}

	// The weekly integrity check treats a hold-blocked attempt as a
	// normal outcome, not an unpaired anomaly.
	checker := audit.NewIntegrityChecker(f.store.Certificates(), f.store.Audit(), nil)
	integrity, err := checker.Check(context.Background())
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if !integrity.Clean() {
		t.Errorf("integrity check flagged a hold-blocked attempt: unpaired = %v", integrity.UnpairedAttempts)
	}
}

// The second hold check closes the race between evaluation and
// destruction: a hold placed after the scan still blocks.
func TestExecutor_LegalHoldBlocksImmediatelyBeforeDisposal(t *testing.T) {
	f := newFixture(t, false)
	f.addRecord(t, "r-1", "GDPR_ART17", 45*24*time.Hour)
	job := f.addJob(t, "r-1", "GDPR_ART17", retention.StatusDisposing)
	job.DisposalMethod = retention.MethodAnonymize
	if err := f.store.Jobs().Create(context.Background(), job); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	// Hold placed after verification already passed.
	f.src.SetHold("customer_profile", "r-1", retention.LegalHold{Active: true})

	if err := f.exec.Run(context.Background(), job.JobID, nil); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	got := f.job(t, job.JobID)
	if got.Status != retention.StatusFailed {
		t.Fatalf("job status = %v, want FAILED", got.Status)
	}
	if !strings.Contains(got.LastError, retention.ReasonLegalHoldActive) {
		t.Errorf("LastError = %q, want %s", got.LastError, retention.ReasonLegalHoldActive)
	}

	record, _ := f.src.Get(context.Background(), "customer_profile", "r-1")
	if record.Fields["name"] != "Ada Lovelace" {
		t.Error("record was disposed despite the hold")
	}
}

func TestExecutor_DryRunTouchesNothing(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.addRecord(t, "r-1", "SOX_802", 45*24*time.Hour)
	job := f.addJob(t, "r-1", "SOX_802", retention.StatusQueued)
	job.DryRun = true
	if err := f.store.Jobs().Create(ctx, job); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	rep := report.NewBuilder("run-1", true)

	if err := f.exec.Run(ctx, job.JobID, rep); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	got := f.job(t, job.JobID)
	if got.Status != retention.StatusCompleted {
		t.Fatalf("job status = %v, want COMPLETED", got.Status)
	}

	// The record is untouched and uncertified.
	record, err := f.src.Get(ctx, "customer_profile", "r-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if record.DisposalState.Disposed {
		t.Error("dry run disposed the record")
	}
	certs, _ := f.store.Certificates().List(ctx, "")
	if len(certs) != 0 {
		t.Errorf("dry run sealed %d certificates, want 0", len(certs))
	}

	_, post := f.auditEntries(t, job.JobID)
	if len(post) != 1 || post[0].Outcome != audit.OutcomeSimulated {
		t.Errorf("post entries = %+v, want one simulated", post)
	}
	if r := rep.Snapshot(); r.SimulatedDisposals != 1 {
		t.Errorf("SimulatedDisposals = %d, want 1", r.SimulatedDisposals)
	}
}

func TestExecutor_TransientFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t, false)
	f.addRecord(t, "r-1", "GDPR_ART17", 45*24*time.Hour)
	f.addJob(t, "r-1", "GDPR_ART17", retention.StatusQueued)
	f.src.ApplyErr = errors.New("host store unavailable")

	before := time.Now()
	if err := f.exec.Run(context.Background(), "job-r-1", nil); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	job := f.job(t, "job-r-1")
	if job.Status != retention.StatusRetryScheduled {
		t.Fatalf("job status = %v, want RETRY_SCHEDULED", job.Status)
	}
	if job.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", job.Attempts)
	}

	// First retry backs off 5 minutes.
	backoff := job.NotBefore.Sub(before)
	if backoff < 4*time.Minute || backoff > 6*time.Minute {
		t.Errorf("backoff = %v, want about 5m", backoff)
	}

	// Each failed attempt still writes its pre/post audit pair.
	pre, post := f.auditEntries(t, job.JobID)
	if len(pre) != 1 || len(post) != 1 {
		t.Errorf("audit entries = %d pre / %d post, want 1/1", len(pre), len(post))
	}
	if post[0].Outcome != retention.ReasonDisposalFailed {
		t.Errorf("post outcome = %q, want %s", post[0].Outcome, retention.ReasonDisposalFailed)
	}
}

func TestExecutor_RetriesExhaustedEndsFailed(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.addRecord(t, "r-1", "GDPR_ART17", 45*24*time.Hour)
	f.addJob(t, "r-1", "GDPR_ART17", retention.StatusQueued)
	f.src.ApplyErr = errors.New("host store unavailable")

	for i := 0; i < 3; i++ {
		if err := f.exec.Run(ctx, "job-r-1", nil); err != nil {
			t.Fatalf("Run() attempt %d failed: %v", i+1, err)
		}
	}

	job := f.job(t, "job-r-1")
	if job.Status != retention.StatusFailed {
		t.Fatalf("job status after 3 attempts = %v, want FAILED", job.Status)
	}
	if job.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", job.Attempts)
	}

	// Three attempts, three pre/post pairs.
	pre, post := f.auditEntries(t, job.JobID)
	if len(pre) != 3 || len(post) != 3 {
		t.Errorf("audit entries = %d pre / %d post, want 3/3", len(pre), len(post))
	}
}

// A crash between disposal and certification must resume into exactly one
// certificate, never two.
func TestExecutor_ResumesCertificationAfterCrash(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	record := f.addRecord(t, "r-1", "GDPR_ART17", 45*24*time.Hour)
	preHash := certificate.HashRecord(record)

	// Simulate the crash: the record was disposed, the job persisted in
	// CERTIFYING, no certificate sealed yet.
	if err := f.src.ApplyDisposal(ctx, "customer_profile", "r-1", retention.MethodAnonymize); err != nil {
		t.Fatalf("ApplyDisposal() failed: %v", err)
	}
	job := f.addJob(t, "r-1", "GDPR_ART17", retention.StatusCertifying)
	job.DisposalMethod = retention.MethodAnonymize
	job.PreDisposalHash = preHash
	job.Attempts = 1
	if err := f.store.Jobs().Create(ctx, job); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	if err := f.exec.Run(ctx, job.JobID, nil); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	got := f.job(t, job.JobID)
	if got.Status != retention.StatusCompleted {
		t.Fatalf("job status = %v, want COMPLETED", got.Status)
	}

	certs, _ := f.store.Certificates().List(ctx, "")
	if len(certs) != 1 {
		t.Fatalf("certificate count = %d, want exactly 1", len(certs))
	}
	if certs[0].PreDisposalHash != preHash {
		t.Error("certificate lost the pre-disposal hash captured before the crash")
	}
}

// A record disposed outside the engine still gets certified, and the
// audit trail says the disposal was external.
func TestExecutor_CertifiesExternallyDisposedRecord(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	disposedAt := time.Now().Add(-24 * time.Hour).UTC()
	record := f.addRecord(t, "r-1", "GDPR_ART17", 45*24*time.Hour)
	record.DisposalState = retention.DisposalState{
		Disposed:   true,
		Method:     retention.MethodPermanentDelete,
		DisposedAt: &disposedAt,
	}
	f.src.Put(record)
	f.addJob(t, "r-1", "GDPR_ART17", retention.StatusQueued)

	if err := f.exec.Run(ctx, "job-r-1", nil); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	job := f.job(t, "job-r-1")
	if job.Status != retention.StatusCompleted {
		t.Fatalf("job status = %v, want COMPLETED", job.Status)
	}

	certs, _ := f.store.Certificates().List(ctx, "")
	if len(certs) != 1 {
		t.Fatalf("certificate count = %d, want 1", len(certs))
	}
	if certs[0].DisposalMethod != retention.MethodPermanentDelete {
		t.Errorf("certificate method = %v, want the record's external method", certs[0].DisposalMethod)
	}

	pre, post := f.auditEntries(t, job.JobID)
	if len(pre) != 1 || len(post) != 1 {
		t.Fatalf("audit entries = %d pre / %d post, want 1/1", len(pre), len(post))
	}
	if !strings.Contains(post[0].Detail, "outside the engine") {
		t.Errorf("post detail = %q, want external disposal noted", post[0].Detail)
	}
}

// A record that stopped being due between scan and execution is never
// disposed and the job is not retried.
func TestExecutor_NoLongerDueIsTerminal(t *testing.T) {
	f := newFixture(t, false)
	f.addRecord(t, "r-1", "GDPR_ART17", 10*24*time.Hour)
	f.addJob(t, "r-1", "GDPR_ART17", retention.StatusQueued)

	if err := f.exec.Run(context.Background(), "job-r-1", nil); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	job := f.job(t, "job-r-1")
	if job.Status != retention.StatusFailed {
		t.Fatalf("job status = %v, want FAILED", job.Status)
	}
	if !strings.Contains(job.LastError, retention.ReasonNoLongerDue) {
		t.Errorf("LastError = %q, want %s", job.LastError, retention.ReasonNoLongerDue)
	}
}

func TestExecutor_UnresolvedPolicyIsTerminal(t *testing.T) {
	f := newFixture(t, false)
	f.addRecord(t, "r-1", "CCPA_1798", 400*24*time.Hour)
	f.addJob(t, "r-1", "CCPA_1798", retention.StatusQueued)

	if err := f.exec.Run(context.Background(), "job-r-1", nil); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	job := f.job(t, "job-r-1")
	if job.Status != retention.StatusFailed {
		t.Fatalf("job status = %v, want FAILED", job.Status)
	}
	if !strings.Contains(job.LastError, retention.ReasonPolicyUnresolved) {
		t.Errorf("LastError = %q, want %s", job.LastError, retention.ReasonPolicyUnresolved)
	}

	record, _ := f.src.Get(context.Background(), "customer_profile", "r-1")
	if record.DisposalState.Disposed {
		t.Error("unevaluable record was disposed")
	}
}

// In production an archival failure must stop the disposal and page; the
// record survives untouched.
func TestExecutor_ArchivalFailureFatalInProduction(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.archives.err = errors.New("cold storage unreachable")
	f.addRecord(t, "r-1", "SOX_802", 45*24*time.Hour)
	f.addJob(t, "r-1", "SOX_802", retention.StatusQueued)

	if err := f.exec.Run(ctx, "job-r-1", nil); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	job := f.job(t, "job-r-1")
	if job.Status != retention.StatusRetryScheduled {
		t.Fatalf("job status = %v, want RETRY_SCHEDULED", job.Status)
	}
	if !strings.Contains(job.LastError, retention.ReasonArchivalFailed) {
		t.Errorf("LastError = %q, want %s", job.LastError, retention.ReasonArchivalFailed)
	}

	if _, err := f.src.Get(ctx, "customer_profile", "r-1"); err != nil {
		t.Error("record was destroyed despite archival failure")
	}
	if len(f.gateway.alerts) != 1 || f.gateway.alerts[0].Reason != retention.ReasonArchivalFailed {
		t.Errorf("alerts = %+v, want one ARCHIVAL_FAILED alert", f.gateway.alerts)
	}
}

func TestExecutor_ArchivalFailureDegradesOutsideProduction(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.archives.err = errors.New("cold storage unreachable")
	f.addRecord(t, "r-1", "SOX_802", 45*24*time.Hour)
	f.addJob(t, "r-1", "SOX_802", retention.StatusQueued)

	if err := f.exec.Run(ctx, "job-r-1", nil); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	job := f.job(t, "job-r-1")
	if job.Status != retention.StatusCompleted {
		t.Errorf("job status = %v, want COMPLETED outside production", job.Status)
	}
	if len(f.gateway.alerts) != 0 {
		t.Errorf("alerts = %+v, want none outside production", f.gateway.alerts)
	}
}
