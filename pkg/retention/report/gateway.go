package report

import (
	"context"
	"log/slog"
	"time"
)

// EmergencyAlert carries the context of a critical failure, such as an
// archival failure that blocked a required destruction.
type EmergencyAlert struct {
	Reason     string    `json:"reason"`
	TenantID   string    `json:"tenant_id,omitempty"`
	RecordType string    `json:"record_type,omitempty"`
	RecordID   string    `json:"record_id,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NotificationGateway receives compliance reports and emergency alerts.
// Deliveries are fire-and-forget: failures are logged but never block the
// disposal pipeline. The host application supplies the production
// transport (email, pager, webhook).
type NotificationGateway interface {
	SendComplianceReport(ctx context.Context, report *RunReport) error
	SendEmergencyAlert(ctx context.Context, alert *EmergencyAlert) error
}

// LogGateway is the default gateway: it writes reports and alerts to the
// structured log.
type LogGateway struct {
	logger *slog.Logger
}

// NewLogGateway creates a gateway backed by slog.
func NewLogGateway() *LogGateway {
	return &LogGateway{
		logger: slog.Default().With("component", "retention.gateway"),
	}
}

// SendComplianceReport logs the run summary.
func (g *LogGateway) SendComplianceReport(ctx context.Context, report *RunReport) error {
	g.logger.Info("compliance report",
		"run_id", report.RunID,
		"dry_run", report.DryRun,
		"records_scanned", report.RecordsScanned,
		"records_due", report.RecordsDue,
		"completed", report.Completed,
		"failed", report.Failed,
		"deferred", report.Deferred,
		"unevaluable", report.Unevaluable,
		"violations", len(report.Violations),
	)
	return nil
}

// SendEmergencyAlert logs the alert at error level.
func (g *LogGateway) SendEmergencyAlert(ctx context.Context, alert *EmergencyAlert) error {
	g.logger.Error("emergency alert",
		"reason", alert.Reason,
		"tenant_id", alert.TenantID,
		"record_type", alert.RecordType,
		"record_id", alert.RecordID,
		"job_id", alert.JobID,
		"detail", alert.Detail,
	)
	return nil
}
