package retention

import (
	"context"
	"time"
)

// RecordSource is the engine's only window onto host-owned record
// collections. Reads return copies; the two mutation entrypoints
// (ApplyDisposal, MarkDisposed) are the engine's sole write path into host
// data and must be idempotent so a retry after partial failure is safe.
type RecordSource interface {
	// Tenants lists the tenant IDs with records eligible for scanning.
	Tenants(ctx context.Context) ([]string, error)

	// LegalBases lists the distinct legal-basis codes present in the
	// tenant's records. Codes with no registered policy are reported as
	// unevaluable, never auto-disposed.
	LegalBases(ctx context.Context, tenantID string) ([]string, error)

	// QueryDue returns the tenant's records governed by the policy whose
	// retention period has elapsed as of asOf. Hold filtering is the
	// evaluator's job; the source returns candidates with their metadata.
	QueryDue(ctx context.Context, tenantID string, policy RetentionPolicy, asOf time.Time) ([]*DisposableRecord, error)

	// Get re-reads a single record fresh. Used by the legal hold guard and
	// the executor's verification phase; implementations must not serve
	// cached hold state.
	Get(ctx context.Context, recordType, recordID string) (*DisposableRecord, error)

	// ApplyDisposal executes the destructive side of the method on the
	// record. Idempotent: applying a method to an already-disposed record
	// is a no-op, not an error.
	ApplyDisposal(ctx context.Context, recordType, recordID string, method DisposalMethod) error

	// MarkDisposed writes the record's disposal state back to the host
	// store, linking it to the sealed certificate.
	MarkDisposed(ctx context.Context, recordType, recordID string, method DisposalMethod, certificateID string) error
}

// JobFilter selects retention jobs for listing.
type JobFilter struct {
	TenantID string
	Statuses []JobStatus
	Limit    int
}

// JobStore persists retention jobs. All status changes go through
// Transition so two workers can never both act on the same job: the update
// is conditional on the job's current status.
type JobStore interface {
	// Create persists a new job in QUEUED status.
	Create(ctx context.Context, job *RetentionJob) error

	// Get returns the job or ErrJobNotFound.
	Get(ctx context.Context, jobID string) (*RetentionJob, error)

	// Transition atomically moves the job from one status to another,
	// applying mutate to the stored job before persisting. Returns
	// ErrStaleTransition if the job is no longer in the from status.
	Transition(ctx context.Context, jobID string, from, to JobStatus, mutate func(*RetentionJob)) (*RetentionJob, error)

	// List returns jobs matching the filter, newest first.
	List(ctx context.Context, filter *JobFilter) ([]*RetentionJob, error)

	// DueForRetry returns RETRY_SCHEDULED jobs whose NotBefore has passed.
	DueForRetry(ctx context.Context, now time.Time) ([]*RetentionJob, error)

	// ActiveJobExists reports whether a non-terminal job already targets
	// the record, so a due-scan never enqueues a duplicate.
	ActiveJobExists(ctx context.Context, recordType, recordID string) (bool, error)
}

// CertificateStore is the append-only store for disposal certificates.
type CertificateStore interface {
	// Put persists a certificate. Returns ErrDuplicateCertificate if one
	// already exists for the certificate ID.
	Put(ctx context.Context, cert *DisposalCertificate) error

	// Get returns the certificate or ErrCertificateNotFound.
	Get(ctx context.Context, certificateID string) (*DisposalCertificate, error)

	// GetByRecord returns the certificate sealed for the record, if any.
	// Guards crash-resume: a record is never certified twice.
	GetByRecord(ctx context.Context, recordType, recordID string) (*DisposalCertificate, error)

	// List returns certificates, optionally filtered by tenant.
	List(ctx context.Context, tenantID string) ([]*DisposalCertificate, error)
}

// AuditStore is the append-only store for audit entries. The engine never
// deletes from it, including during its own cleanup routines.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	ListByJob(ctx context.Context, jobID string) ([]*AuditEntry, error)
	List(ctx context.Context, since time.Time) ([]*AuditEntry, error)
}

// ArchiveStore writes pre-disposal snapshots to durable storage and
// returns the storage location recorded in the manifest.
type ArchiveStore interface {
	WriteArchive(ctx context.Context, manifest *ArchiveManifest, payload []byte) (string, error)
}

// LeaseStore provides process-level mutual exclusion via an expiring
// lease, so a crashed holder does not deadlock future runs.
type LeaseStore interface {
	// Acquire takes the named lease for holder with the given TTL.
	// Returns false if another holder has an unexpired lease.
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)

	// Renew extends the lease if holder still owns it.
	Renew(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)

	// Release drops the lease if holder owns it.
	Release(ctx context.Context, name, holder string) error
}
