// Package report aggregates per-run compliance results and delivers them
// to the notification gateway.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mercator-hq/themis/pkg/retention"
)

// RunReport is the machine-readable end-of-run compliance report. It is
// persisted as JSON for audit and handed to the notification gateway.
type RunReport struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DryRun     bool      `json:"dry_run"`

	TenantsScanned int `json:"tenants_scanned"`
	RecordsScanned int `json:"records_scanned"`
	RecordsDue     int `json:"records_due"`

	// Unevaluable counts records whose legal basis has no registered
	// policy. They never enter the due-list.
	Unevaluable int `json:"unevaluable"`

	Processed int `json:"processed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`

	// Deferred counts jobs pushed back by tenant concurrency quotas.
	Deferred int `json:"deferred"`

	// SimulatedDisposals counts dry-run jobs that would have disposed.
	SimulatedDisposals int `json:"simulated_disposals"`

	// ByMethod breaks completed disposals down by disposal method.
	ByMethod map[retention.DisposalMethod]int `json:"by_method"`

	Violations []*retention.ComplianceViolation `json:"violations,omitempty"`
	Errors     []string                         `json:"errors,omitempty"`
}

// Builder accumulates run results from concurrent workers.
type Builder struct {
	mu     sync.Mutex
	report *RunReport
}

// NewBuilder starts a report for the given run.
func NewBuilder(runID string, dryRun bool) *Builder {
	return &Builder{
		report: &RunReport{
			RunID:     runID,
			StartedAt: time.Now().UTC(),
			DryRun:    dryRun,
			ByMethod:  make(map[retention.DisposalMethod]int),
		},
	}
}

// AddScan records a tenant scan's raw counts.
func (b *Builder) AddScan(recordsScanned, recordsDue, unevaluable int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.report.TenantsScanned++
	b.report.RecordsScanned += recordsScanned
	b.report.RecordsDue += recordsDue
	b.report.Unevaluable += unevaluable
}

// AddCompleted records a finished disposal.
func (b *Builder) AddCompleted(method retention.DisposalMethod, simulated bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.report.Processed++
	b.report.Completed++
	b.report.ByMethod[method]++
	if simulated {
		b.report.SimulatedDisposals++
	}
}

// AddFailed records a failed disposal attempt with its reason.
func (b *Builder) AddFailed(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.report.Processed++
	b.report.Failed++
	b.report.Errors = append(b.report.Errors, reason)
}

// AddDeferred records a job deferred by tenant quota.
func (b *Builder) AddDeferred() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.report.Deferred++
}

// AddViolation records a compliance violation.
func (b *Builder) AddViolation(v *retention.ComplianceViolation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.report.Violations = append(b.report.Violations, v)
}

// Finish stamps the end time and returns the completed report.
func (b *Builder) Finish() *RunReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.report.FinishedAt = time.Now().UTC()
	return b.report
}

// Snapshot returns a copy of the report so far, without finishing it.
func (b *Builder) Snapshot() RunReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *b.report
	return cp
}

// Write persists the report as run-<runID>.json in dir.
func (r *RunReport) Write(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("run-%s.json", r.RunID))
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode run report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write run report %s: %w", path, err)
	}
	return path, nil
}
