// Package storage provides the engine's persistence backends: an
// in-memory store for tests and a SQLite store for production. Both
// expose the job, certificate, audit, and lease store contracts from the
// retention package as views over one shared backend.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"mercator-hq/themis/pkg/retention"
)

type memoryLease struct {
	holder    string
	expiresAt time.Time
}

// MemoryStore backs the four store contracts with in-memory maps.
// Intended for tests and dry-run rehearsals; it does not survive a
// restart. Obtain the typed views via Jobs, Certificates, Audit, Leases.
type MemoryStore struct {
	mu            sync.Mutex
	jobs          map[string]*retention.RetentionJob
	certs         map[string]*retention.DisposalCertificate
	certsByRecord map[string]string
	audits        []*retention.AuditEntry
	leases        map[string]memoryLease

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:          make(map[string]*retention.RetentionJob),
		certs:         make(map[string]*retention.DisposalCertificate),
		certsByRecord: make(map[string]string),
		leases:        make(map[string]memoryLease),
		now:           time.Now,
	}
}

// SetClock replaces the store's clock. Tests use this to expire leases
// without sleeping.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Jobs returns the job store view.
func (s *MemoryStore) Jobs() retention.JobStore { return (*memoryJobs)(s) }

// Certificates returns the certificate store view.
func (s *MemoryStore) Certificates() retention.CertificateStore { return (*memoryCerts)(s) }

// Audit returns the audit store view.
func (s *MemoryStore) Audit() retention.AuditStore { return (*memoryAudit)(s) }

// Leases returns the lease store view.
func (s *MemoryStore) Leases() retention.LeaseStore { return (*memoryLeases)(s) }

// --- JobStore ---

type memoryJobs MemoryStore

func (s *memoryJobs) Create(ctx context.Context, job *retention.RetentionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *job
	s.jobs[job.JobID] = &cp
	return nil
}

func (s *memoryJobs) Get(ctx context.Context, jobID string) (*retention.RetentionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, retention.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

// Transition is conditional on the job's current status so two workers can
// never both act on the same job.
func (s *memoryJobs) Transition(ctx context.Context, jobID string, from, to retention.JobStatus, mutate func(*retention.RetentionJob)) (*retention.RetentionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, retention.ErrJobNotFound
	}
	if job.Status != from {
		return nil, retention.ErrStaleTransition
	}

	job.Status = to
	job.UpdatedAt = s.now().UTC()
	if mutate != nil {
		mutate(job)
	}
	cp := *job
	return &cp, nil
}

func (s *memoryJobs) List(ctx context.Context, filter *retention.JobFilter) ([]*retention.RetentionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if filter == nil {
		filter = &retention.JobFilter{}
	}

	var out []*retention.RetentionJob
	for _, job := range s.jobs {
		if filter.TenantID != "" && job.TenantID != filter.TenantID {
			continue
		}
		if len(filter.Statuses) > 0 && !statusIn(job.Status, filter.Statuses) {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *memoryJobs) DueForRetry(ctx context.Context, now time.Time) ([]*retention.RetentionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*retention.RetentionJob
	for _, job := range s.jobs {
		if job.Status == retention.StatusRetryScheduled && !job.NotBefore.After(now) {
			cp := *job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NotBefore.Before(out[j].NotBefore) })
	return out, nil
}

func (s *memoryJobs) ActiveJobExists(ctx context.Context, recordType, recordID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if job.RecordType == recordType && job.RecordID == recordID && !job.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// --- CertificateStore ---

type memoryCerts MemoryStore

// Put enforces append-only semantics: one certificate per ID and per
// record, ever.
func (s *memoryCerts) Put(ctx context.Context, cert *retention.DisposalCertificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.certs[cert.CertificateID]; exists {
		return retention.ErrDuplicateCertificate
	}
	recordKey := cert.RecordType + "/" + cert.RecordID
	if _, exists := s.certsByRecord[recordKey]; exists {
		return retention.ErrDuplicateCertificate
	}

	cp := *cert
	s.certs[cert.CertificateID] = &cp
	s.certsByRecord[recordKey] = cert.CertificateID
	return nil
}

func (s *memoryCerts) Get(ctx context.Context, certificateID string) (*retention.DisposalCertificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cert, ok := s.certs[certificateID]
	if !ok {
		return nil, retention.ErrCertificateNotFound
	}
	cp := *cert
	return &cp, nil
}

func (s *memoryCerts) GetByRecord(ctx context.Context, recordType, recordID string) (*retention.DisposalCertificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.certsByRecord[recordType+"/"+recordID]
	if !ok {
		return nil, retention.ErrCertificateNotFound
	}
	cp := *s.certs[id]
	return &cp, nil
}

func (s *memoryCerts) List(ctx context.Context, tenantID string) ([]*retention.DisposalCertificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*retention.DisposalCertificate
	for _, cert := range s.certs {
		if tenantID != "" && cert.TenantID != tenantID {
			continue
		}
		cp := *cert
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GeneratedAt.Before(out[j].GeneratedAt) })
	return out, nil
}

// --- AuditStore ---

type memoryAudit MemoryStore

// Append adds an audit entry; entries are never mutated or deleted.
func (s *memoryAudit) Append(ctx context.Context, entry *retention.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	s.audits = append(s.audits, &cp)
	return nil
}

func (s *memoryAudit) ListByJob(ctx context.Context, jobID string) ([]*retention.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*retention.AuditEntry
	for _, entry := range s.audits {
		if entry.JobID == jobID {
			cp := *entry
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memoryAudit) List(ctx context.Context, since time.Time) ([]*retention.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*retention.AuditEntry
	for _, entry := range s.audits {
		if !entry.RecordedAt.Before(since) {
			cp := *entry
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- LeaseStore ---

type memoryLeases MemoryStore

func (s *memoryLeases) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	current, ok := s.leases[name]
	if ok && current.holder != holder && current.expiresAt.After(now) {
		return false, nil
	}
	s.leases[name] = memoryLease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *memoryLeases) Renew(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.leases[name]
	if !ok || current.holder != holder || !current.expiresAt.After(s.now()) {
		return false, nil
	}
	current.expiresAt = s.now().Add(ttl)
	s.leases[name] = current
	return true, nil
}

func (s *memoryLeases) Release(ctx context.Context, name, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.leases[name]; ok && current.holder == holder {
		delete(s.leases, name)
	}
	return nil
}

func statusIn(status retention.JobStatus, statuses []retention.JobStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
