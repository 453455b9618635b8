package report

import (
	"encoding/json"
	"os"
	"sync"
	"testing"

	"mercator-hq/themis/pkg/retention"
)

func TestBuilder_Counts(t *testing.T) {
	b := NewBuilder("run-1", false)

	b.AddScan(100, 10, 3)
	b.AddScan(50, 5, 0)
	b.AddCompleted(retention.MethodPermanentDelete, false)
	b.AddCompleted(retention.MethodAnonymize, false)
	b.AddCompleted(retention.MethodAnonymize, true)
	b.AddFailed("ARCHIVAL_FAILED: disk full")
	b.AddDeferred()
	b.AddViolation(&retention.ComplianceViolation{RecordID: "r-1", DaysEarly: 4})

	r := b.Finish()

	if r.TenantsScanned != 2 || r.RecordsScanned != 150 || r.RecordsDue != 15 || r.Unevaluable != 3 {
		t.Errorf("scan counts = %d/%d/%d/%d, want 2/150/15/3",
			r.TenantsScanned, r.RecordsScanned, r.RecordsDue, r.Unevaluable)
	}
	if r.Processed != 4 || r.Completed != 3 || r.Failed != 1 || r.Deferred != 1 {
		t.Errorf("outcome counts = %d/%d/%d/%d, want 4/3/1/1",
			r.Processed, r.Completed, r.Failed, r.Deferred)
	}
	if r.SimulatedDisposals != 1 {
		t.Errorf("SimulatedDisposals = %d, want 1", r.SimulatedDisposals)
	}
	if r.ByMethod[retention.MethodAnonymize] != 2 || r.ByMethod[retention.MethodPermanentDelete] != 1 {
		t.Errorf("ByMethod = %v, want ANONYMIZE:2 PERMANENT_DELETE:1", r.ByMethod)
	}
	if len(r.Violations) != 1 || len(r.Errors) != 1 {
		t.Errorf("violations/errors = %d/%d, want 1/1", len(r.Violations), len(r.Errors))
	}
	if r.FinishedAt.Before(r.StartedAt) {
		t.Error("FinishedAt precedes StartedAt")
	}
}

// Workers report into the builder concurrently; counts must not be lost.
func TestBuilder_ConcurrentWorkers(t *testing.T) {
	b := NewBuilder("run-1", false)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.AddCompleted(retention.MethodSoftDelete, false)
			b.AddFailed("transient")
			b.AddDeferred()
		}()
	}
	wg.Wait()

	r := b.Finish()
	if r.Completed != 50 || r.Failed != 50 || r.Deferred != 50 || r.Processed != 100 {
		t.Errorf("counts = completed %d failed %d deferred %d processed %d, want 50/50/50/100",
			r.Completed, r.Failed, r.Deferred, r.Processed)
	}
}

func TestRunReport_Write(t *testing.T) {
	b := NewBuilder("run-7", true)
	b.AddScan(5, 1, 0)
	r := b.Finish()

	dir := t.TempDir()
	path, err := r.Write(dir)
	if err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading report failed: %v", err)
	}
	var restored RunReport
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	if restored.RunID != "run-7" || !restored.DryRun || restored.RecordsScanned != 5 {
		t.Errorf("restored report = %+v, want run-7 dry-run with 5 scanned", restored)
	}
}
