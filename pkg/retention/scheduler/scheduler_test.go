package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mercator-hq/themis/pkg/retention"
	"mercator-hq/themis/pkg/retention/policy"
	"mercator-hq/themis/pkg/retention/report"
	"mercator-hq/themis/pkg/retention/source"
	"mercator-hq/themis/pkg/retention/storage"
)

// countingRunner records which jobs it processed and how many ran
// concurrently per tenant.
type countingRunner struct {
	jobs  retention.JobStore
	block time.Duration

	mu       sync.Mutex
	ran      []string
	inFlight map[string]int64
	peak     map[string]int64
}

func newCountingRunner(jobs retention.JobStore) *countingRunner {
	return &countingRunner{
		jobs:     jobs,
		inFlight: make(map[string]int64),
		peak:     make(map[string]int64),
	}
}

func (r *countingRunner) Run(ctx context.Context, jobID string, rep *report.Builder) error {
	job, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.ran = append(r.ran, jobID)
	r.inFlight[job.TenantID]++
	if r.inFlight[job.TenantID] > r.peak[job.TenantID] {
		r.peak[job.TenantID] = r.inFlight[job.TenantID]
	}
	r.mu.Unlock()

	if r.block > 0 {
		time.Sleep(r.block)
	}

	r.mu.Lock()
	r.inFlight[job.TenantID]--
	r.mu.Unlock()

	_, err = r.jobs.Transition(ctx, jobID, job.Status, retention.StatusCompleted, nil)
	return err
}

func (r *countingRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ran)
}

func testPolicies(t *testing.T) *policy.Evaluator {
	t.Helper()
	set, err := policy.NewSet([]retention.RetentionPolicy{
		{LegalBasisCode: "GDPR_ART17", MinimumRetentionDays: 30, DefaultDisposalMethod: retention.MethodAnonymize},
	})
	if err != nil {
		t.Fatalf("NewSet() failed: %v", err)
	}
	return policy.NewEvaluator(set)
}

func dueRecord(id, tenant, basis string, age time.Duration) *retention.DisposableRecord {
	return &retention.DisposableRecord{
		RecordType:      "customer_profile",
		RecordID:        id,
		TenantID:        tenant,
		LegalBasisCode:  basis,
		SourceTimestamp: time.Now().Add(-age).UTC(),
	}
}

func TestScheduler_RunOnceEnqueuesOnlyDueRecords(t *testing.T) {
	store := storage.NewMemoryStore()
	src := source.NewMemorySource()
	runner := newCountingRunner(store.Jobs())
	ctx := context.Background()

	src.Put(dueRecord("r-due", "acme", "GDPR_ART17", 45*24*time.Hour))
	src.Put(dueRecord("r-fresh", "acme", "GDPR_ART17", 10*24*time.Hour))

	held := dueRecord("r-held", "acme", "GDPR_ART17", 45*24*time.Hour)
	held.LegalHold = retention.LegalHold{Active: true}
	src.Put(held)

	src.Put(dueRecord("r-mystery", "acme", "UNKNOWN_CODE", 45*24*time.Hour))

	// A record already targeted by an active job must not be re-enqueued.
	src.Put(dueRecord("r-active", "acme", "GDPR_ART17", 45*24*time.Hour))
	if err := store.Jobs().Create(ctx, &retention.RetentionJob{
		JobID:      "job-existing",
		TenantID:   "acme",
		RecordType: "customer_profile",
		RecordID:   "r-active",
		Status:     retention.StatusDisposing,
	}); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	s := New(Config{}, Deps{
		Runner:    runner,
		Jobs:      store.Jobs(),
		Source:    src,
		Evaluator: testPolicies(t),
		Leases:    store.Leases(),
	})

	rep, err := s.RunOnce(ctx, false)
	if err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}

	if runner.runCount() != 1 {
		t.Fatalf("runner processed %d jobs, want 1", runner.runCount())
	}
	job, err := store.Jobs().Get(ctx, runner.ran[0])
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if job.RecordID != "r-due" {
		t.Errorf("processed job targets %s, want r-due", job.RecordID)
	}
	if job.DisposalMethod != retention.MethodAnonymize {
		t.Errorf("enqueued method = %v, want the policy default ANONYMIZE", job.DisposalMethod)
	}

	if rep.TenantsScanned != 1 || rep.RecordsScanned != 4 {
		t.Errorf("scan counts = %d tenants / %d records, want 1/4", rep.TenantsScanned, rep.RecordsScanned)
	}
	if rep.RecordsDue != 2 {
		t.Errorf("RecordsDue = %d, want 2 (r-due and r-active)", rep.RecordsDue)
	}
	if rep.Unevaluable != 1 {
		t.Errorf("Unevaluable = %d, want 1", rep.Unevaluable)
	}
}

func TestScheduler_RunOnceRejectsConcurrentRun(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	if ok, _ := store.Leases().Acquire(ctx, "scheduler", "other-instance", time.Hour); !ok {
		t.Fatal("seeding the lease failed")
	}

	s := New(Config{}, Deps{
		Runner:    newCountingRunner(store.Jobs()),
		Jobs:      store.Jobs(),
		Source:    source.NewMemorySource(),
		Evaluator: testPolicies(t),
		Leases:    store.Leases(),
	})

	if _, err := s.RunOnce(ctx, false); !errors.Is(err, retention.ErrConcurrentRun) {
		t.Errorf("RunOnce() error = %v, want ErrConcurrentRun", err)
	}
}

func TestScheduler_RunOnceReleasesLease(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	s := New(Config{}, Deps{
		Runner:    newCountingRunner(store.Jobs()),
		Jobs:      store.Jobs(),
		Source:    source.NewMemorySource(),
		Evaluator: testPolicies(t),
		Leases:    store.Leases(),
	})

	if _, err := s.RunOnce(ctx, false); err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}

	// A second run must be able to take the lease immediately.
	if _, err := s.RunOnce(ctx, false); err != nil {
		t.Errorf("second RunOnce() failed: %v", err)
	}
}

// Over-quota jobs are parked with a pushed NotBefore, not dropped, and
// the deferral does not consume a retry attempt.
func TestScheduler_QuotaDefersWithoutConsumingAttempts(t *testing.T) {
	store := storage.NewMemoryStore()
	src := source.NewMemorySource()
	runner := newCountingRunner(store.Jobs())
	runner.block = 300 * time.Millisecond
	ctx := context.Background()

	for _, id := range []string{"r-1", "r-2", "r-3", "r-4"} {
		src.Put(dueRecord(id, "acme", "GDPR_ART17", 45*24*time.Hour))
	}

	s := New(Config{
		Workers:           4,
		TenantConcurrency: 1,
		DeferralDelay:     time.Minute,
	}, Deps{
		Runner:    runner,
		Jobs:      store.Jobs(),
		Source:    src,
		Evaluator: testPolicies(t),
		Leases:    store.Leases(),
	})

	before := time.Now()
	rep, err := s.RunOnce(ctx, false)
	if err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}

	if rep.Deferred != 3 {
		t.Fatalf("Deferred = %d, want 3 of 4 jobs over a quota of 1", rep.Deferred)
	}

	deferred, err := store.Jobs().List(ctx, &retention.JobFilter{
		Statuses: []retention.JobStatus{retention.StatusRetryScheduled},
	})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(deferred) != 3 {
		t.Fatalf("RETRY_SCHEDULED jobs = %d, want 3", len(deferred))
	}
	for _, job := range deferred {
		if job.Attempts != 0 {
			t.Errorf("deferred job %s consumed %d attempts, want 0", job.JobID, job.Attempts)
		}
		if job.NotBefore.Before(before.Add(30 * time.Second)) {
			t.Errorf("deferred job %s NotBefore = %v, want pushed about a minute out", job.JobID, job.NotBefore)
		}
	}
}

// A burst of due records for one tenant must never exceed the tenant's
// concurrency quota, regardless of worker pool size.
func TestScheduler_TenantConcurrencyUnderBurst(t *testing.T) {
	store := storage.NewMemoryStore()
	src := source.NewMemorySource()
	runner := newCountingRunner(store.Jobs())
	runner.block = time.Millisecond
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		src.Put(dueRecord(fmt.Sprintf("r-%03d", i), "acme", "GDPR_ART17", 45*24*time.Hour))
	}

	s := New(Config{
		Workers:           8,
		TenantConcurrency: 3,
	}, Deps{
		Runner:    runner,
		Jobs:      store.Jobs(),
		Source:    src,
		Evaluator: testPolicies(t),
		Leases:    store.Leases(),
	})

	rep, err := s.RunOnce(ctx, false)
	if err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}

	if runner.peak["acme"] > 3 {
		t.Errorf("peak concurrent jobs for tenant = %d, want at most 3", runner.peak["acme"])
	}
	// Every job either ran or was deferred for a later sweep.
	if runner.runCount()+rep.Deferred != 100 {
		t.Errorf("ran %d + deferred %d, want 100 total", runner.runCount(), rep.Deferred)
	}
}

func TestScheduler_RetrySweepRequeuesDueJobs(t *testing.T) {
	store := storage.NewMemoryStore()
	runner := newCountingRunner(store.Jobs())
	ctx := context.Background()

	ready := &retention.RetentionJob{
		JobID:       "job-ready",
		TenantID:    "acme",
		RecordType:  "customer_profile",
		RecordID:    "r-1",
		Status:      retention.StatusRetryScheduled,
		NotBefore:   time.Now().Add(-time.Minute),
		MaxAttempts: 3,
	}
	waiting := &retention.RetentionJob{
		JobID:       "job-waiting",
		TenantID:    "acme",
		RecordType:  "customer_profile",
		RecordID:    "r-2",
		Status:      retention.StatusRetryScheduled,
		NotBefore:   time.Now().Add(10 * time.Minute),
		MaxAttempts: 3,
	}
	for _, j := range []*retention.RetentionJob{ready, waiting} {
		if err := store.Jobs().Create(ctx, j); err != nil {
			t.Fatalf("Create() failed: %v", err)
		}
	}

	s := New(Config{}, Deps{
		Runner:    runner,
		Jobs:      store.Jobs(),
		Source:    source.NewMemorySource(),
		Evaluator: testPolicies(t),
		Leases:    store.Leases(),
	})

	if _, err := s.RunOnce(ctx, false); err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}

	if runner.runCount() != 1 || runner.ran[0] != "job-ready" {
		t.Errorf("runner processed %v, want only job-ready", runner.ran)
	}
}

// Jobs interrupted mid-pipeline by a crash resume on startup, before any
// cron trigger fires.
func TestScheduler_StartRecoversInterruptedJobs(t *testing.T) {
	store := storage.NewMemoryStore()
	runner := newCountingRunner(store.Jobs())
	ctx := context.Background()

	interrupted := &retention.RetentionJob{
		JobID:       "job-crashed",
		TenantID:    "acme",
		RecordType:  "customer_profile",
		RecordID:    "r-1",
		Status:      retention.StatusDisposing,
		MaxAttempts: 3,
	}
	if err := store.Jobs().Create(ctx, interrupted); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	s := New(Config{ShutdownTimeout: time.Second}, Deps{
		Runner:    runner,
		Jobs:      store.Jobs(),
		Source:    source.NewMemorySource(),
		Evaluator: testPolicies(t),
		Leases:    store.Leases(),
	})

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer s.Stop()

	if runner.runCount() != 1 || runner.ran[0] != "job-crashed" {
		t.Errorf("recovery processed %v, want job-crashed", runner.ran)
	}
}
