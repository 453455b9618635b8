package retention

import (
	"errors"
	"fmt"
)

// Failure reason codes persisted on jobs and audit entries. These are part
// of the stored format; renaming them breaks replay of historical jobs.
const (
	ReasonLegalHoldActive     = "LEGAL_HOLD_ACTIVE"
	ReasonPolicyUnresolved    = "POLICY_UNRESOLVED"
	ReasonNoLongerDue         = "NO_LONGER_DUE"
	ReasonArchivalFailed      = "ARCHIVAL_FAILED"
	ReasonDisposalFailed      = "DISPOSAL_FAILED"
	ReasonCertificationFailed = "CERTIFICATION_FAILED"
)

// Sentinel errors for callers that branch with errors.Is.
var (
	// ErrJobNotFound is returned by JobStore.Get for an unknown job ID.
	ErrJobNotFound = errors.New("retention job not found")

	// ErrRecordNotFound is returned by RecordSource.Get when the record no
	// longer exists in the host store.
	ErrRecordNotFound = errors.New("record not found")

	// ErrCertificateNotFound is returned by CertificateStore.Get.
	ErrCertificateNotFound = errors.New("disposal certificate not found")

	// ErrDuplicateCertificate is returned when a certificate ID is already
	// present in the append-only store.
	ErrDuplicateCertificate = errors.New("disposal certificate already exists")

	// ErrStaleTransition is returned by JobStore.Transition when the job
	// has moved on; the caller lost the race and must not act on the job.
	ErrStaleTransition = errors.New("job status changed concurrently")

	// ErrLegalHoldActive means disposal is currently forbidden for the
	// record. Terminal: the job is not retried until a human re-triggers
	// after the hold clears.
	ErrLegalHoldActive = errors.New("legal hold active")

	// ErrConcurrentRun means another scheduler instance holds the run
	// lease. The second instance aborts immediately rather than contend.
	ErrConcurrentRun = errors.New("concurrent scheduler run detected")

	// ErrNoLongerDue means the record stopped being due between the scan
	// and execution (policy or record changed). Terminal; a later scan
	// re-enqueues the record if it becomes due again.
	ErrNoLongerDue = errors.New("record no longer due for disposal")
)

// PolicyUnresolvedError marks a record whose legal-basis code has no
// registered policy. Such records are reported as unevaluable and excluded
// from automatic disposal, never defaulted silently.
type PolicyUnresolvedError struct {
	LegalBasisCode string
}

func (e *PolicyUnresolvedError) Error() string {
	return fmt.Sprintf("no retention policy registered for legal basis %q", e.LegalBasisCode)
}

// ArchivalError means the pre-disposal snapshot could not be written.
// Fatal in production (the engine must not destroy unarchived data);
// degraded to a warning in non-production or dry-run configurations.
type ArchivalError struct {
	TenantID   string
	RecordType string
	Cause      error
}

func (e *ArchivalError) Error() string {
	return fmt.Sprintf("archival failed [tenant=%s, record_type=%s]: %v", e.TenantID, e.RecordType, e.Cause)
}

func (e *ArchivalError) Unwrap() error {
	return e.Cause
}

// NewArchivalError creates a new ArchivalError.
func NewArchivalError(tenantID, recordType string, cause error) *ArchivalError {
	return &ArchivalError{TenantID: tenantID, RecordType: recordType, Cause: cause}
}

// DisposalError means the destructive call itself failed. Retried with
// exponential backoff up to the job's attempt limit.
type DisposalError struct {
	Method   DisposalMethod
	RecordID string
	Cause    error
}

func (e *DisposalError) Error() string {
	return fmt.Sprintf("disposal failed [method=%s, record=%s]: %v", e.Method, e.RecordID, e.Cause)
}

func (e *DisposalError) Unwrap() error {
	return e.Cause
}

// NewDisposalError creates a new DisposalError.
func NewDisposalError(method DisposalMethod, recordID string, cause error) *DisposalError {
	return &DisposalError{Method: method, RecordID: recordID, Cause: cause}
}

// CertificationError means the certificate could not be sealed or
// persisted after the destructive action ran. The record must not be
// considered disposed; the job stays non-terminal so restart recovery can
// complete certification or flag the anomaly.
type CertificationError struct {
	JobID string
	Cause error
}

func (e *CertificationError) Error() string {
	return fmt.Sprintf("certification failed [job=%s]: %v", e.JobID, e.Cause)
}

func (e *CertificationError) Unwrap() error {
	return e.Cause
}

// NewCertificationError creates a new CertificationError.
func NewCertificationError(jobID string, cause error) *CertificationError {
	return &CertificationError{JobID: jobID, Cause: cause}
}

// StorageError represents an error from a storage backend.
type StorageError struct {
	Backend   string // "sqlite", "memory"
	Operation string // "create_job", "transition", "append_audit", ...
	Cause     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error [backend=%s, operation=%s]: %v", e.Backend, e.Operation, e.Cause)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewStorageError creates a new StorageError.
func NewStorageError(backend, operation string, cause error) *StorageError {
	return &StorageError{Backend: backend, Operation: operation, Cause: cause}
}

// Retryable reports whether a job failure with this error should be
// rescheduled with backoff. Legal-hold and policy-unresolved conditions
// are surfaced to humans, never retried blindly.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLegalHoldActive) || errors.Is(err, ErrNoLongerDue) || errors.Is(err, ErrRecordNotFound) {
		return false
	}
	var unresolved *PolicyUnresolvedError
	return !errors.As(err, &unresolved)
}

// FailureReason maps an executor error to the reason code persisted on the
// job and its post audit entry.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLegalHoldActive):
		return ReasonLegalHoldActive
	case errors.Is(err, ErrNoLongerDue), errors.Is(err, ErrRecordNotFound):
		return ReasonNoLongerDue
	}
	var unresolved *PolicyUnresolvedError
	if errors.As(err, &unresolved) {
		return ReasonPolicyUnresolved
	}
	var archival *ArchivalError
	if errors.As(err, &archival) {
		return ReasonArchivalFailed
	}
	var certification *CertificationError
	if errors.As(err, &certification) {
		return ReasonCertificationFailed
	}
	return ReasonDisposalFailed
}
