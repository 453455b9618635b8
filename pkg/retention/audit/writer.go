// Package audit writes the immutable before/after audit trail around every
// disposal attempt and re-verifies stored proof artifacts.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mercator-hq/themis/pkg/retention"
)

// Outcome values recorded on post entries alongside failure reason codes.
const (
	OutcomeCompleted = "completed"
	OutcomeSimulated = "simulated"
)

// Writer appends audit entries. Exactly one pre entry is written before
// any destructive action and exactly one post entry after the outcome,
// per disposal attempt, including failed ones.
type Writer struct {
	store  retention.AuditStore
	logger *slog.Logger

	now func() time.Time
}

// NewWriter creates an audit writer over the append-only store.
func NewWriter(store retention.AuditStore) *Writer {
	return &Writer{
		store:  store,
		logger: slog.Default().With("component", "retention.audit"),
		now:    time.Now,
	}
}

// Pre records disposal intent and the record's pre-state hash before any
// destructive action is attempted. Idempotent per attempt: a crash-resume
// that re-runs verification does not produce a second pre entry.
func (w *Writer) Pre(ctx context.Context, job *retention.RetentionJob, preHash string) error {
	existing, err := w.store.ListByJob(ctx, job.JobID)
	if err != nil {
		return retention.NewStorageError("audit", "list_pre", err)
	}
	for _, e := range existing {
		if e.Phase == retention.AuditPre && e.Attempt == job.Attempts {
			return nil
		}
	}

	entry := &retention.AuditEntry{
		EntryID:      uuid.NewString(),
		JobID:        job.JobID,
		TenantID:     job.TenantID,
		RecordType:   job.RecordType,
		RecordID:     job.RecordID,
		Phase:        retention.AuditPre,
		Attempt:      job.Attempts,
		Action:       job.DisposalMethod,
		PreStateHash: preHash,
		RecordedAt:   w.now().UTC(),
	}
	if err := w.store.Append(ctx, entry); err != nil {
		return retention.NewStorageError("audit", "append_pre", err)
	}
	return nil
}

// Post records the attempt's outcome: "completed", "simulated", or the
// failure reason code. certificateID links a successful disposal to its
// sealed certificate.
func (w *Writer) Post(ctx context.Context, job *retention.RetentionJob, outcome, certificateID, detail string) error {
	entry := &retention.AuditEntry{
		EntryID:       uuid.NewString(),
		JobID:         job.JobID,
		TenantID:      job.TenantID,
		RecordType:    job.RecordType,
		RecordID:      job.RecordID,
		Phase:         retention.AuditPost,
		Attempt:       job.Attempts,
		Action:        job.DisposalMethod,
		Outcome:       outcome,
		CertificateID: certificateID,
		Detail:        detail,
		RecordedAt:    w.now().UTC(),
	}
	if err := w.store.Append(ctx, entry); err != nil {
		// A lost post entry is an audit gap, not a disposal failure.
		w.logger.Error("failed to append post audit entry",
			"job_id", job.JobID,
			"outcome", outcome,
			"error", err,
		)
		return retention.NewStorageError("audit", "append_post", err)
	}
	return nil
}
