package retention

import (
	"fmt"
	"time"
)

// DisposalMethod identifies the action taken on a due record.
type DisposalMethod string

const (
	// MethodSoftDelete flags the record as deleted and keeps its content.
	MethodSoftDelete DisposalMethod = "SOFT_DELETE"
	// MethodAnonymize strips identifying fields but retains the record structure.
	MethodAnonymize DisposalMethod = "ANONYMIZE"
	// MethodPermanentDelete removes the record irreversibly.
	MethodPermanentDelete DisposalMethod = "PERMANENT_DELETE"
	// MethodArchive moves the record to cold storage and marks it archived.
	MethodArchive DisposalMethod = "ARCHIVE"
	// MethodRedact removes sensitive sub-fields only.
	MethodRedact DisposalMethod = "REDACT"
)

// Valid reports whether m is one of the five supported disposal methods.
func (m DisposalMethod) Valid() bool {
	switch m {
	case MethodSoftDelete, MethodAnonymize, MethodPermanentDelete, MethodArchive, MethodRedact:
		return true
	}
	return false
}

// RequiresArchival reports whether the method must be preceded by a
// snapshot of the record. True for the destructive methods that remove
// the record from the host store entirely.
func (m DisposalMethod) RequiresArchival() bool {
	return m == MethodPermanentDelete || m == MethodArchive
}

// JobStatus is the state of a RetentionJob in the disposal state machine.
type JobStatus string

const (
	StatusQueued         JobStatus = "QUEUED"
	StatusVerifying      JobStatus = "VERIFYING"
	StatusArchiving      JobStatus = "ARCHIVING"
	StatusDisposing      JobStatus = "DISPOSING"
	StatusCertifying     JobStatus = "CERTIFYING"
	StatusCompleted      JobStatus = "COMPLETED"
	StatusFailed         JobStatus = "FAILED"
	StatusRetryScheduled JobStatus = "RETRY_SCHEDULED"
)

// Terminal reports whether a job in this status will never be mutated again.
// FAILED is terminal only once retries are exhausted or the failure reason
// forbids retry; callers check the job's Attempts and LastError for that.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active reports whether the job is inside the disposal pipeline, between
// intake and a terminal or retry state.
func (s JobStatus) Active() bool {
	switch s {
	case StatusVerifying, StatusArchiving, StatusDisposing, StatusCertifying:
		return true
	}
	return false
}

// RetentionPolicy maps a legal-basis code to a minimum retention period and
// a default disposal method. The policy set is host-supplied configuration
// and is immutable for the duration of a run.
type RetentionPolicy struct {
	// LegalBasisCode identifies the regulatory retention rule
	// (e.g. "GDPR_ART17", "HIPAA_164_530", "SOX_802").
	LegalBasisCode string `yaml:"legal_basis_code" json:"legal_basis_code"`

	// MinimumRetentionDays is the number of days a record must be kept
	// after its source timestamp before disposal is lawful.
	MinimumRetentionDays int `yaml:"minimum_retention_days" json:"minimum_retention_days"`

	// DefaultDisposalMethod is applied when no type-specific override
	// selects a different method.
	DefaultDisposalMethod DisposalMethod `yaml:"default_disposal_method" json:"default_disposal_method"`

	// Description is free text for reports and certificates.
	Description string `yaml:"description" json:"description,omitempty"`
}

// DueDate returns the first instant at which a record with the given source
// timestamp may be disposed under this policy.
func (p *RetentionPolicy) DueDate(sourceTimestamp time.Time) time.Time {
	return sourceTimestamp.AddDate(0, 0, p.MinimumRetentionDays)
}

// LegalHold is an explicit flag preventing disposal of a record regardless
// of retention policy, until lifted or expired.
type LegalHold struct {
	Active    bool       `yaml:"active" json:"active"`
	ExpiresAt *time.Time `yaml:"expires_at" json:"expires_at,omitempty"`
}

// InEffect reports whether the hold currently forbids disposal. A hold with
// an expiry in the past no longer blocks.
func (h LegalHold) InEffect(now time.Time) bool {
	if !h.Active {
		return false
	}
	if h.ExpiresAt != nil && !h.ExpiresAt.After(now) {
		return false
	}
	return true
}

// DisposalState records the outcome of a completed disposal on the record
// itself. Written back to the host store through the record source adapter.
type DisposalState struct {
	Disposed      bool           `yaml:"disposed" json:"disposed"`
	Method        DisposalMethod `yaml:"method" json:"method,omitempty"`
	CertificateID string         `yaml:"certificate_id" json:"certificate_id,omitempty"`
	DisposedAt    *time.Time     `yaml:"disposed_at" json:"disposed_at,omitempty"`
}

// DisposableRecord is a read view over a host-owned record with the
// metadata the engine needs to evaluate and dispose it. The engine never
// mutates host data except through the record source adapter.
type DisposableRecord struct {
	RecordType      string    `yaml:"record_type" json:"record_type"`
	RecordID        string    `yaml:"record_id" json:"record_id"`
	TenantID        string    `yaml:"tenant_id" json:"tenant_id"`
	LegalBasisCode  string    `yaml:"legal_basis_code" json:"legal_basis_code"`
	SourceTimestamp time.Time `yaml:"source_timestamp" json:"source_timestamp"`

	// Confidential records always resolve to irreversible destruction,
	// overriding the policy's default method.
	Confidential bool `yaml:"confidential" json:"confidential"`

	// Fields holds the record's content as flat key/value pairs. Used for
	// archival snapshots, the pre-disposal hash, and the anonymize/redact
	// disposal methods.
	Fields map[string]string `yaml:"fields" json:"fields,omitempty"`

	LegalHold     LegalHold     `yaml:"legal_hold" json:"legal_hold"`
	DisposalState DisposalState `yaml:"disposal_state" json:"disposal_state"`
}

// Key returns the record's identity as "recordType/recordID".
func (r *DisposableRecord) Key() string {
	return fmt.Sprintf("%s/%s", r.RecordType, r.RecordID)
}

// RetentionJob is one unit of disposal work, created by the scheduler when
// a record is found due and owned exclusively by the executor processing it.
type RetentionJob struct {
	JobID          string         `json:"job_id"`
	TenantID       string         `json:"tenant_id"`
	RecordType     string         `json:"record_type"`
	RecordID       string         `json:"record_id"`
	LegalBasisCode string         `json:"legal_basis_code"`
	DisposalMethod DisposalMethod `json:"disposal_method"`
	Status         JobStatus      `json:"status"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	// NotBefore defers processing: retry backoff and quota deferral both
	// persist here so they survive a process restart.
	NotBefore time.Time `json:"not_before"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// LastError is the reason code and detail of the most recent failure.
	LastError string `json:"last_error,omitempty"`

	// PreDisposalHash is captured before the destructive action so the
	// certificate can be completed after a crash-resume.
	PreDisposalHash string `json:"pre_disposal_hash,omitempty"`

	CertificateID string `json:"certificate_id,omitempty"`

	// DryRun marks a job whose DISPOSING phase is simulated.
	DryRun bool `json:"dry_run"`
}

// RecordKey returns the identity of the record the job targets.
func (j *RetentionJob) RecordKey() string {
	return fmt.Sprintf("%s/%s", j.RecordType, j.RecordID)
}

// RetriesExhausted reports whether the job has used all its attempts.
func (j *RetentionJob) RetriesExhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

// DisposalCertificate is the signed, hashed proof artifact asserting what
// disposal action was taken, when, and under what authority. Immutable once
// created; the certificate store is append-only.
type DisposalCertificate struct {
	CertificateID  string         `json:"certificate_id"`
	RecordType     string         `json:"record_type"`
	RecordID       string         `json:"record_id"`
	TenantID       string         `json:"tenant_id"`
	LegalBasisCode string         `json:"legal_basis_code"`
	DisposalMethod DisposalMethod `json:"disposal_method"`

	// PreDisposalHash is the canonical hash of the record before the
	// destructive action.
	PreDisposalHash string `json:"pre_disposal_hash"`

	// CertificateHash is a deterministic hash over every other field in
	// canonical order, excluding the signature, so any later tampering is
	// detectable by recomputation.
	CertificateHash string `json:"certificate_hash"`

	// Signature is an optional ed25519 signature over CertificateHash,
	// binding the certificate to a tenant-specific signing identity.
	Signature    string `json:"signature,omitempty"`
	SigningKeyID string `json:"signing_key_id,omitempty"`

	GeneratedAt time.Time `json:"generated_at"`

	// ComplianceReferences names the authorities the disposal was executed
	// under (policy code, description).
	ComplianceReferences []string `json:"compliance_references,omitempty"`
}

// AuditPhase distinguishes the entry written before a destructive action
// from the one written after.
type AuditPhase string

const (
	AuditPre  AuditPhase = "pre"
	AuditPost AuditPhase = "post"
)

// AuditEntry is an immutable record of disposal intent or outcome. Exactly
// one pre entry and one post entry are written per disposal attempt; the
// engine never mutates or deletes them.
type AuditEntry struct {
	EntryID    string     `json:"entry_id"`
	JobID      string     `json:"job_id"`
	TenantID   string     `json:"tenant_id"`
	RecordType string     `json:"record_type"`
	RecordID   string     `json:"record_id"`
	Phase      AuditPhase `json:"phase"`

	// Attempt is the job attempt this entry belongs to, pairing each pre
	// entry with its post entry.
	Attempt int `json:"attempt"`

	// Action is the disposal method being attempted.
	Action DisposalMethod `json:"action"`

	// Outcome is empty on pre entries; on post entries it is "completed",
	// "simulated", or the failure reason code.
	Outcome string `json:"outcome,omitempty"`

	// PreStateHash is the canonical record hash captured on the pre entry.
	PreStateHash string `json:"pre_state_hash,omitempty"`

	// CertificateID links the post entry to the sealed certificate.
	CertificateID string `json:"certificate_id,omitempty"`

	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ArchiveManifest describes a pre-disposal snapshot. Created strictly
// before any destructive action; never mutated.
type ArchiveManifest struct {
	ArchiveID       string    `json:"archive_id"`
	TenantID        string    `json:"tenant_id"`
	RecordType      string    `json:"record_type"`
	RecordCount     int       `json:"record_count"`
	FileHash        string    `json:"file_hash"`
	StorageLocation string    `json:"storage_location"`
	ArchivedAt      time.Time `json:"archived_at"`
}

// ComplianceViolation records a disposal that happened before the minimum
// retention for the record's legal basis had elapsed. Violations never
// block disposal retroactively; they surface in the run report.
type ComplianceViolation struct {
	RecordType     string    `json:"record_type"`
	RecordID       string    `json:"record_id"`
	TenantID       string    `json:"tenant_id"`
	LegalBasisCode string    `json:"legal_basis_code"`
	RequiredDate   time.Time `json:"required_date"`
	ActualDate     time.Time `json:"actual_date"`
	DaysEarly      int       `json:"days_early"`
	Detail         string    `json:"detail,omitempty"`
}
