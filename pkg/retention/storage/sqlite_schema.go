package storage

// SchemaVersion is the current database schema version.
const SchemaVersion = 1

// Schema contains the SQL statements to create the retention database
// schema. Certificates and audit entries are append-only: the engine only
// ever inserts into those tables.
const Schema = `
-- Retention jobs table
CREATE TABLE IF NOT EXISTS retention_jobs (
    job_id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    record_type TEXT NOT NULL,
    record_id TEXT NOT NULL,
    legal_basis_code TEXT NOT NULL,
    disposal_method TEXT NOT NULL,
    status TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    not_before TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    pre_disposal_hash TEXT NOT NULL DEFAULT '',
    certificate_id TEXT NOT NULL DEFAULT '',
    dry_run BOOLEAN NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON retention_jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_tenant ON retention_jobs(tenant_id);
CREATE INDEX IF NOT EXISTS idx_jobs_record ON retention_jobs(record_type, record_id);
CREATE INDEX IF NOT EXISTS idx_jobs_retry ON retention_jobs(status, not_before);

-- Disposal certificates table (append-only)
CREATE TABLE IF NOT EXISTS disposal_certificates (
    certificate_id TEXT PRIMARY KEY,
    record_type TEXT NOT NULL,
    record_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    legal_basis_code TEXT NOT NULL,
    disposal_method TEXT NOT NULL,
    pre_disposal_hash TEXT NOT NULL,
    certificate_hash TEXT NOT NULL,
    signature TEXT NOT NULL DEFAULT '',
    signing_key_id TEXT NOT NULL DEFAULT '',
    generated_at TIMESTAMP NOT NULL,
    compliance_references TEXT NOT NULL DEFAULT '[]'
);

-- One certificate per record, ever.
CREATE UNIQUE INDEX IF NOT EXISTS idx_certs_record
    ON disposal_certificates(record_type, record_id);
CREATE INDEX IF NOT EXISTS idx_certs_tenant ON disposal_certificates(tenant_id);

-- Audit entries table (append-only)
CREATE TABLE IF NOT EXISTS audit_entries (
    entry_id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    record_type TEXT NOT NULL,
    record_id TEXT NOT NULL,
    phase TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    action TEXT NOT NULL,
    outcome TEXT NOT NULL DEFAULT '',
    pre_state_hash TEXT NOT NULL DEFAULT '',
    certificate_id TEXT NOT NULL DEFAULT '',
    detail TEXT NOT NULL DEFAULT '',
    recorded_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_job ON audit_entries(job_id);
CREATE INDEX IF NOT EXISTS idx_audit_recorded ON audit_entries(recorded_at);

-- Scheduler leases table
CREATE TABLE IF NOT EXISTS leases (
    name TEXT PRIMARY KEY,
    holder TEXT NOT NULL,
    expires_at TIMESTAMP NOT NULL
);

-- Schema version table
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);
`
