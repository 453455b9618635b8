// Package detector cross-checks completed disposals against the minimum
// retention mapped from each record's legal basis and flags early
// disposals.
package detector

import (
	"log/slog"
	"time"

	"mercator-hq/themis/pkg/retention"
)

// Detector flags disposals executed before the legal minimum retention
// elapsed. Violations never block disposal retroactively (the action
// already happened); they are surfaced with high visibility in the run
// report.
type Detector struct {
	logger *slog.Logger
}

// NewDetector creates a compliance violation detector.
func NewDetector() *Detector {
	return &Detector{
		logger: slog.Default().With("component", "retention.detector"),
	}
}

// Check compares the record's actual age at disposal against the policy
// minimum. Returns a violation with the exact day delta when the disposal
// happened early, or nil when compliant.
func (d *Detector) Check(record *retention.DisposableRecord, pol retention.RetentionPolicy, disposedAt time.Time) *retention.ComplianceViolation {
	requiredDate := pol.DueDate(record.SourceTimestamp)
	if !disposedAt.Before(requiredDate) {
		return nil
	}

	// Round up: a disposal 1 second early is 1 day early.
	daysEarly := int(requiredDate.Sub(disposedAt).Hours() / 24)
	if requiredDate.Sub(disposedAt)%(24*time.Hour) != 0 {
		daysEarly++
	}

	violation := &retention.ComplianceViolation{
		RecordType:     record.RecordType,
		RecordID:       record.RecordID,
		TenantID:       record.TenantID,
		LegalBasisCode: record.LegalBasisCode,
		RequiredDate:   requiredDate,
		ActualDate:     disposedAt,
		DaysEarly:      daysEarly,
		Detail:         pol.Description,
	}

	d.logger.Error("compliance violation: record disposed before minimum retention",
		"record_type", record.RecordType,
		"record_id", record.RecordID,
		"legal_basis", record.LegalBasisCode,
		"required_date", requiredDate,
		"actual_date", disposedAt,
		"days_early", daysEarly,
	)
	return violation
}
