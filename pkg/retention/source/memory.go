// Package source provides record source adapters. The engine consumes
// host-owned record collections exclusively through the
// retention.RecordSource contract; this package ships an in-memory adapter
// used by tests and dry-run rehearsals.
package source

import (
	"context"
	"sort"
	"sync"
	"time"

	"mercator-hq/themis/pkg/retention"
)

// MemorySource implements retention.RecordSource over an in-memory map.
// Intended for tests; the host application supplies the production
// adapter over its own document store.
type MemorySource struct {
	mu      sync.RWMutex
	records map[string]*retention.DisposableRecord

	// ApplyErr, when set, is returned by ApplyDisposal. Lets tests inject
	// transient disposal failures.
	ApplyErr error
}

// NewMemorySource creates an empty in-memory record source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		records: make(map[string]*retention.DisposableRecord),
	}
}

func key(recordType, recordID string) string {
	return recordType + "/" + recordID
}

// Put inserts or replaces a record.
func (s *MemorySource) Put(record *retention.DisposableRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := cloneRecord(record)
	s.records[key(record.RecordType, record.RecordID)] = cp
}

// SetHold updates a record's legal hold in place. Used by tests to change
// hold state between the executor's two checks.
func (s *MemorySource) SetHold(recordType, recordID string, hold retention.LegalHold) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.records[key(recordType, recordID)]; ok {
		r.LegalHold = hold
	}
}

// Tenants lists tenant IDs present in the source, sorted.
func (s *MemorySource) Tenants(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, r := range s.records {
		seen[r.TenantID] = true
	}
	tenants := make([]string, 0, len(seen))
	for t := range seen {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	return tenants, nil
}

// LegalBases lists the distinct legal-basis codes in the tenant's records.
func (s *MemorySource) LegalBases(ctx context.Context, tenantID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for _, r := range s.records {
		if r.TenantID == tenantID {
			seen[r.LegalBasisCode] = true
		}
	}
	bases := make([]string, 0, len(seen))
	for b := range seen {
		bases = append(bases, b)
	}
	sort.Strings(bases)
	return bases, nil
}

// QueryDue returns the tenant's undisposed records under the policy whose
// retention period has elapsed as of asOf. Hold filtering is left to the
// evaluator so held records are visible in reports.
func (s *MemorySource) QueryDue(ctx context.Context, tenantID string, policy retention.RetentionPolicy, asOf time.Time) ([]*retention.DisposableRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*retention.DisposableRecord
	for _, r := range s.records {
		if r.TenantID != tenantID || r.LegalBasisCode != policy.LegalBasisCode {
			continue
		}
		if r.DisposalState.Disposed {
			continue
		}
		if asOf.Before(policy.DueDate(r.SourceTimestamp)) {
			continue
		}
		due = append(due, cloneRecord(r))
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RecordID < due[j].RecordID })
	return due, nil
}

// Get returns a copy of the record, or retention.ErrRecordNotFound.
func (s *MemorySource) Get(ctx context.Context, recordType, recordID string) (*retention.DisposableRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[key(recordType, recordID)]
	if !ok {
		return nil, retention.ErrRecordNotFound
	}
	return cloneRecord(r), nil
}

// ApplyDisposal executes the destructive side of the method. Idempotent:
// disposing an already-disposed or missing record is a no-op.
func (s *MemorySource) ApplyDisposal(ctx context.Context, recordType, recordID string, method retention.DisposalMethod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ApplyErr != nil {
		return s.ApplyErr
	}

	r, ok := s.records[key(recordType, recordID)]
	if !ok || r.DisposalState.Disposed {
		return nil
	}

	switch method {
	case retention.MethodPermanentDelete:
		delete(s.records, key(recordType, recordID))
	case retention.MethodAnonymize:
		for field := range r.Fields {
			if identifying(field) {
				r.Fields[field] = ""
			}
		}
	case retention.MethodRedact:
		for field := range r.Fields {
			if sensitive(field) {
				delete(r.Fields, field)
			}
		}
	case retention.MethodSoftDelete, retention.MethodArchive:
		// Flag-only methods; MarkDisposed records the state change.
	default:
		return retention.NewDisposalError(method, recordID, retention.ErrRecordNotFound)
	}
	return nil
}

// MarkDisposed writes the disposal state back onto the record. For
// PERMANENT_DELETE the record is gone; marking is a no-op.
func (s *MemorySource) MarkDisposed(ctx context.Context, recordType, recordID string, method retention.DisposalMethod, certificateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key(recordType, recordID)]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	r.DisposalState = retention.DisposalState{
		Disposed:      true,
		Method:        method,
		CertificateID: certificateID,
		DisposedAt:    &now,
	}
	return nil
}

// identifying reports whether a field name carries direct identifiers.
func identifying(field string) bool {
	switch field {
	case "name", "email", "phone", "address", "national_id", "date_of_birth":
		return true
	}
	return false
}

// sensitive reports whether a field name is a sensitive sub-field subject
// to redaction.
func sensitive(field string) bool {
	switch field {
	case "ssn", "national_id", "account_number", "diagnosis", "notes":
		return true
	}
	return false
}

func cloneRecord(r *retention.DisposableRecord) *retention.DisposableRecord {
	cp := *r
	if r.Fields != nil {
		cp.Fields = make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			cp.Fields[k] = v
		}
	}
	if r.LegalHold.ExpiresAt != nil {
		t := *r.LegalHold.ExpiresAt
		cp.LegalHold.ExpiresAt = &t
	}
	if r.DisposalState.DisposedAt != nil {
		t := *r.DisposalState.DisposedAt
		cp.DisposalState.DisposedAt = &t
	}
	return &cp
}
