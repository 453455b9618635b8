package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattn/go-sqlite3"

	"mercator-hq/themis/pkg/retention"
)

// SQLiteConfig contains configuration for the SQLite storage backend.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// MaxOpenConns is the maximum number of open connections.
	// Default: 10
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	// Default: 5
	MaxIdleConns int

	// WALMode enables Write-Ahead Logging for better concurrency.
	// Default: true
	WALMode bool

	// BusyTimeout is the duration to wait when the database is locked.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// DefaultSQLiteConfig returns the default SQLite configuration.
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		Path:         "data/retention.db",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
		WALMode:      true,
		BusyTimeout:  5 * time.Second,
	}
}

// SQLiteStore backs the job, certificate, audit, and lease store contracts
// with a single SQLite database. Obtain the typed views via Jobs,
// Certificates, Audit, Leases.
type SQLiteStore struct {
	db     *sql.DB
	config *SQLiteConfig
	logger *slog.Logger
}

// NewSQLiteStore opens the database, enables WAL mode if configured, and
// initializes the schema.
func NewSQLiteStore(config *SQLiteConfig) (*SQLiteStore, error) {
	if config == nil {
		config = DefaultSQLiteConfig()
	}

	logger := slog.Default().With("component", "retention.storage.sqlite")

	db, err := sql.Open("sqlite3", config.Path)
	if err != nil {
		return nil, retention.NewStorageError("sqlite", "open", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)

	s := &SQLiteStore{
		db:     db,
		config: config,
		logger: logger,
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQLite storage initialized",
		"path", config.Path,
		"wal_mode", config.WALMode,
		"max_open_conns", config.MaxOpenConns,
	)
	return s, nil
}

// initialize sets up the schema and pragmas.
func (s *SQLiteStore) initialize() error {
	if s.config.WALMode {
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return retention.NewStorageError("sqlite", "enable_wal", err)
		}
	}

	busyTimeoutMs := s.config.BusyTimeout.Milliseconds()
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", busyTimeoutMs)); err != nil {
		return retention.NewStorageError("sqlite", "set_busy_timeout", err)
	}

	if _, err := s.db.Exec(Schema); err != nil {
		return retention.NewStorageError("sqlite", "create_schema", err)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		return retention.NewStorageError("sqlite", "read_schema_version", err)
	}
	if count == 0 {
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", SchemaVersion); err != nil {
			return retention.NewStorageError("sqlite", "write_schema_version", err)
		}
	}
	return nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Jobs returns the job store view.
func (s *SQLiteStore) Jobs() retention.JobStore { return (*sqliteJobs)(s) }

// Certificates returns the certificate store view.
func (s *SQLiteStore) Certificates() retention.CertificateStore { return (*sqliteCerts)(s) }

// Audit returns the audit store view.
func (s *SQLiteStore) Audit() retention.AuditStore { return (*sqliteAudit)(s) }

// Leases returns the lease store view.
func (s *SQLiteStore) Leases() retention.LeaseStore { return (*sqliteLeases)(s) }

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

// --- JobStore ---

type sqliteJobs SQLiteStore

const jobColumns = `job_id, tenant_id, record_type, record_id, legal_basis_code,
	disposal_method, status, attempts, max_attempts, not_before, created_at,
	updated_at, last_error, pre_disposal_hash, certificate_id, dry_run`

func (s *sqliteJobs) Create(ctx context.Context, job *retention.RetentionJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retention_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.TenantID, job.RecordType, job.RecordID, job.LegalBasisCode,
		string(job.DisposalMethod), string(job.Status), job.Attempts, job.MaxAttempts,
		job.NotBefore.UTC(), job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
		job.LastError, job.PreDisposalHash, job.CertificateID, job.DryRun,
	)
	if err != nil {
		return retention.NewStorageError("sqlite", "create_job", err)
	}
	return nil
}

func (s *sqliteJobs) Get(ctx context.Context, jobID string) (*retention.RetentionJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM retention_jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, retention.ErrJobNotFound
	}
	if err != nil {
		return nil, retention.NewStorageError("sqlite", "get_job", err)
	}
	return job, nil
}

// Transition loads the job inside a transaction and performs a
// status-guarded update; zero rows affected means another worker moved the
// job first.
func (s *sqliteJobs) Transition(ctx context.Context, jobID string, from, to retention.JobStatus, mutate func(*retention.RetentionJob)) (*retention.RetentionJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, retention.NewStorageError("sqlite", "transition_begin", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM retention_jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, retention.ErrJobNotFound
	}
	if err != nil {
		return nil, retention.NewStorageError("sqlite", "transition_load", err)
	}
	if job.Status != from {
		return nil, retention.ErrStaleTransition
	}

	job.Status = to
	job.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(job)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE retention_jobs
		SET status = ?, attempts = ?, max_attempts = ?, not_before = ?,
		    updated_at = ?, last_error = ?, pre_disposal_hash = ?,
		    certificate_id = ?, dry_run = ?
		WHERE job_id = ? AND status = ?`,
		string(job.Status), job.Attempts, job.MaxAttempts, job.NotBefore.UTC(),
		job.UpdatedAt, job.LastError, job.PreDisposalHash,
		job.CertificateID, job.DryRun,
		jobID, string(from),
	)
	if err != nil {
		return nil, retention.NewStorageError("sqlite", "transition_update", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, retention.NewStorageError("sqlite", "transition_rows", err)
	}
	if affected == 0 {
		return nil, retention.ErrStaleTransition
	}

	if err := tx.Commit(); err != nil {
		return nil, retention.NewStorageError("sqlite", "transition_commit", err)
	}
	return job, nil
}

func (s *sqliteJobs) List(ctx context.Context, filter *retention.JobFilter) ([]*retention.RetentionJob, error) {
	if filter == nil {
		filter = &retention.JobFilter{}
	}

	query := `SELECT ` + jobColumns + ` FROM retention_jobs WHERE 1=1`
	var args []interface{}

	if filter.TenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, filter.TenantID)
	}
	if len(filter.Statuses) > 0 {
		query += " AND status IN (?" + repeat(",?", len(filter.Statuses)-1) + ")"
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, retention.NewStorageError("sqlite", "list_jobs", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

func (s *sqliteJobs) DueForRetry(ctx context.Context, now time.Time) ([]*retention.RetentionJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM retention_jobs
		WHERE status = ? AND not_before <= ?
		ORDER BY not_before ASC`,
		string(retention.StatusRetryScheduled), now.UTC(),
	)
	if err != nil {
		return nil, retention.NewStorageError("sqlite", "due_for_retry", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

func (s *sqliteJobs) ActiveJobExists(ctx context.Context, recordType, recordID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM retention_jobs
		WHERE record_type = ? AND record_id = ? AND status NOT IN (?, ?)`,
		recordType, recordID,
		string(retention.StatusCompleted), string(retention.StatusFailed),
	).Scan(&count)
	if err != nil {
		return false, retention.NewStorageError("sqlite", "active_job_exists", err)
	}
	return count > 0, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*retention.RetentionJob, error) {
	var job retention.RetentionJob
	var method, status string
	err := row.Scan(
		&job.JobID, &job.TenantID, &job.RecordType, &job.RecordID, &job.LegalBasisCode,
		&method, &status, &job.Attempts, &job.MaxAttempts, &job.NotBefore,
		&job.CreatedAt, &job.UpdatedAt, &job.LastError, &job.PreDisposalHash,
		&job.CertificateID, &job.DryRun,
	)
	if err != nil {
		return nil, err
	}
	job.DisposalMethod = retention.DisposalMethod(method)
	job.Status = retention.JobStatus(status)
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]*retention.RetentionJob, error) {
	var out []*retention.RetentionJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, retention.NewStorageError("sqlite", "scan_job", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, retention.NewStorageError("sqlite", "iterate_jobs", err)
	}
	return out, nil
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

// --- CertificateStore ---

type sqliteCerts SQLiteStore

const certColumns = `certificate_id, record_type, record_id, tenant_id,
	legal_basis_code, disposal_method, pre_disposal_hash, certificate_hash,
	signature, signing_key_id, generated_at, compliance_references`

func (s *sqliteCerts) Put(ctx context.Context, cert *retention.DisposalCertificate) error {
	refs, err := json.Marshal(cert.ComplianceReferences)
	if err != nil {
		return retention.NewStorageError("sqlite", "encode_certificate", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO disposal_certificates (`+certColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cert.CertificateID, cert.RecordType, cert.RecordID, cert.TenantID,
		cert.LegalBasisCode, string(cert.DisposalMethod), cert.PreDisposalHash,
		cert.CertificateHash, cert.Signature, cert.SigningKeyID,
		cert.GeneratedAt.UTC(), string(refs),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return retention.ErrDuplicateCertificate
		}
		return retention.NewStorageError("sqlite", "put_certificate", err)
	}
	return nil
}

func (s *sqliteCerts) Get(ctx context.Context, certificateID string) (*retention.DisposalCertificate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+certColumns+` FROM disposal_certificates WHERE certificate_id = ?`,
		certificateID)
	cert, err := scanCertificate(row)
	if err == sql.ErrNoRows {
		return nil, retention.ErrCertificateNotFound
	}
	if err != nil {
		return nil, retention.NewStorageError("sqlite", "get_certificate", err)
	}
	return cert, nil
}

func (s *sqliteCerts) GetByRecord(ctx context.Context, recordType, recordID string) (*retention.DisposalCertificate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+certColumns+` FROM disposal_certificates
		WHERE record_type = ? AND record_id = ?`,
		recordType, recordID)
	cert, err := scanCertificate(row)
	if err == sql.ErrNoRows {
		return nil, retention.ErrCertificateNotFound
	}
	if err != nil {
		return nil, retention.NewStorageError("sqlite", "get_certificate_by_record", err)
	}
	return cert, nil
}

func (s *sqliteCerts) List(ctx context.Context, tenantID string) ([]*retention.DisposalCertificate, error) {
	query := `SELECT ` + certColumns + ` FROM disposal_certificates`
	var args []interface{}
	if tenantID != "" {
		query += " WHERE tenant_id = ?"
		args = append(args, tenantID)
	}
	query += " ORDER BY generated_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, retention.NewStorageError("sqlite", "list_certificates", err)
	}
	defer rows.Close()

	var out []*retention.DisposalCertificate
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, retention.NewStorageError("sqlite", "scan_certificate", err)
		}
		out = append(out, cert)
	}
	if err := rows.Err(); err != nil {
		return nil, retention.NewStorageError("sqlite", "iterate_certificates", err)
	}
	return out, nil
}

func scanCertificate(row rowScanner) (*retention.DisposalCertificate, error) {
	var cert retention.DisposalCertificate
	var method, refs string
	err := row.Scan(
		&cert.CertificateID, &cert.RecordType, &cert.RecordID, &cert.TenantID,
		&cert.LegalBasisCode, &method, &cert.PreDisposalHash, &cert.CertificateHash,
		&cert.Signature, &cert.SigningKeyID, &cert.GeneratedAt, &refs,
	)
	if err != nil {
		return nil, err
	}
	cert.DisposalMethod = retention.DisposalMethod(method)
	if err := json.Unmarshal([]byte(refs), &cert.ComplianceReferences); err != nil {
		return nil, err
	}
	return &cert, nil
}

// --- AuditStore ---

type sqliteAudit SQLiteStore

const auditColumns = `entry_id, job_id, tenant_id, record_type, record_id,
	phase, attempt, action, outcome, pre_state_hash, certificate_id, detail,
	recorded_at`

func (s *sqliteAudit) Append(ctx context.Context, entry *retention.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EntryID, entry.JobID, entry.TenantID, entry.RecordType, entry.RecordID,
		string(entry.Phase), entry.Attempt, string(entry.Action), entry.Outcome,
		entry.PreStateHash, entry.CertificateID, entry.Detail, entry.RecordedAt.UTC(),
	)
	if err != nil {
		return retention.NewStorageError("sqlite", "append_audit", err)
	}
	return nil
}

func (s *sqliteAudit) ListByJob(ctx context.Context, jobID string) ([]*retention.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auditColumns+` FROM audit_entries
		WHERE job_id = ? ORDER BY recorded_at ASC`, jobID)
	if err != nil {
		return nil, retention.NewStorageError("sqlite", "list_audit_by_job", err)
	}
	defer rows.Close()
	return collectAuditEntries(rows)
}

func (s *sqliteAudit) List(ctx context.Context, since time.Time) ([]*retention.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auditColumns+` FROM audit_entries
		WHERE recorded_at >= ? ORDER BY recorded_at ASC`, since.UTC())
	if err != nil {
		return nil, retention.NewStorageError("sqlite", "list_audit", err)
	}
	defer rows.Close()
	return collectAuditEntries(rows)
}

func collectAuditEntries(rows *sql.Rows) ([]*retention.AuditEntry, error) {
	var out []*retention.AuditEntry
	for rows.Next() {
		var entry retention.AuditEntry
		var phase, action string
		err := rows.Scan(
			&entry.EntryID, &entry.JobID, &entry.TenantID, &entry.RecordType,
			&entry.RecordID, &phase, &entry.Attempt, &action, &entry.Outcome,
			&entry.PreStateHash, &entry.CertificateID, &entry.Detail, &entry.RecordedAt,
		)
		if err != nil {
			return nil, retention.NewStorageError("sqlite", "scan_audit", err)
		}
		entry.Phase = retention.AuditPhase(phase)
		entry.Action = retention.DisposalMethod(action)
		out = append(out, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, retention.NewStorageError("sqlite", "iterate_audit", err)
	}
	return out, nil
}

// --- LeaseStore ---

type sqliteLeases SQLiteStore

// Acquire upserts the lease unless another holder has an unexpired one.
// The expiry guard is in the conflict clause so a crashed holder's lease
// is taken over without manual cleanup.
func (s *sqliteLeases) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE leases.holder = excluded.holder OR leases.expires_at <= ?`,
		name, holder, now.Add(ttl), now,
	)
	if err != nil {
		return false, retention.NewStorageError("sqlite", "acquire_lease", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, retention.NewStorageError("sqlite", "acquire_lease_rows", err)
	}
	return affected > 0, nil
}

func (s *sqliteLeases) Renew(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases SET expires_at = ?
		WHERE name = ? AND holder = ? AND expires_at > ?`,
		now.Add(ttl), name, holder, now,
	)
	if err != nil {
		return false, retention.NewStorageError("sqlite", "renew_lease", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, retention.NewStorageError("sqlite", "renew_lease_rows", err)
	}
	return affected > 0, nil
}

func (s *sqliteLeases) Release(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder)
	if err != nil {
		return retention.NewStorageError("sqlite", "release_lease", err)
	}
	return nil
}
