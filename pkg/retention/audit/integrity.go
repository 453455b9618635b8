package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mercator-hq/themis/pkg/retention"
	"mercator-hq/themis/pkg/retention/certificate"
)

// inFlightGrace is how recent a pre entry may be before a missing post
// entry counts as an anomaly rather than an attempt still in flight.
const inFlightGrace = time.Hour

// IntegrityReport summarizes a verification pass over stored certificates
// and audit entries.
type IntegrityReport struct {
	CheckedAt           time.Time `json:"checked_at"`
	CertificatesChecked int       `json:"certificates_checked"`
	EntriesChecked      int       `json:"entries_checked"`

	// HashMismatches lists certificate IDs whose recomputed hash differs
	// from the stored one: evidence of tampering or corruption.
	HashMismatches []string `json:"hash_mismatches,omitempty"`

	// SignatureFailures lists certificate IDs whose signature did not
	// verify against the tenant's registered key.
	SignatureFailures []string `json:"signature_failures,omitempty"`

	// UnpairedAttempts lists "jobID/attempt" keys with a pre entry but no
	// post entry or vice versa.
	UnpairedAttempts []string `json:"unpaired_attempts,omitempty"`
}

// Clean reports whether the pass found no anomalies.
func (r *IntegrityReport) Clean() bool {
	return len(r.HashMismatches) == 0 && len(r.SignatureFailures) == 0 && len(r.UnpairedAttempts) == 0
}

// IntegrityChecker re-verifies the append-only stores: every certificate
// hash must recompute to its stored value, signed certificates must
// verify, and every disposal attempt must have a paired pre/post audit
// entry. Runs on the weekly scheduler trigger.
type IntegrityChecker struct {
	certs  retention.CertificateStore
	audits retention.AuditStore
	signer *certificate.Signer
	logger *slog.Logger
}

// NewIntegrityChecker creates a checker. signer may be nil to skip
// signature verification.
func NewIntegrityChecker(certs retention.CertificateStore, audits retention.AuditStore, signer *certificate.Signer) *IntegrityChecker {
	return &IntegrityChecker{
		certs:  certs,
		audits: audits,
		signer: signer,
		logger: slog.Default().With("component", "retention.audit.integrity"),
	}
}

// Check runs a full verification pass.
func (c *IntegrityChecker) Check(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{CheckedAt: time.Now().UTC()}

	certs, err := c.certs.List(ctx, "")
	if err != nil {
		return nil, retention.NewStorageError("certificate", "list", err)
	}

	for _, cert := range certs {
		report.CertificatesChecked++

		if recomputed := certificate.HashCertificate(cert); recomputed != cert.CertificateHash {
			report.HashMismatches = append(report.HashMismatches, cert.CertificateID)
			c.logger.Error("certificate hash mismatch",
				"certificate_id", cert.CertificateID,
				"stored", cert.CertificateHash,
				"recomputed", recomputed,
			)
			continue
		}

		if cert.Signature != "" && c.signer != nil {
			if pub, ok := c.signer.PublicKey(cert.TenantID); ok {
				if err := certificate.VerifySignature(pub, cert.CertificateHash, cert.Signature); err != nil {
					report.SignatureFailures = append(report.SignatureFailures, cert.CertificateID)
					c.logger.Error("certificate signature verification failed",
						"certificate_id", cert.CertificateID,
						"error", err,
					)
				}
			}
		}
	}

	entries, err := c.audits.List(ctx, time.Time{})
	if err != nil {
		return nil, retention.NewStorageError("audit", "list", err)
	}
	report.EntriesChecked = len(entries)

	type pair struct {
		pre, post int
		latest    time.Time
	}
	attempts := make(map[string]*pair)
	for _, entry := range entries {
		attemptKey := fmt.Sprintf("%s/%d", entry.JobID, entry.Attempt)
		p := attempts[attemptKey]
		if p == nil {
			p = &pair{}
			attempts[attemptKey] = p
		}
		switch entry.Phase {
		case retention.AuditPre:
			p.pre++
		case retention.AuditPost:
			p.post++
		}
		if entry.RecordedAt.After(p.latest) {
			p.latest = entry.RecordedAt
		}
	}
	grace := report.CheckedAt.Add(-inFlightGrace)
	for attemptKey, p := range attempts {
		if p.pre == 1 && p.post == 0 && p.latest.After(grace) {
			// Attempt still in flight; the post entry has not been
			// written yet.
			continue
		}
		if p.pre != 1 || p.post != 1 {
			report.UnpairedAttempts = append(report.UnpairedAttempts, attemptKey)
		}
	}

	if report.Clean() {
		c.logger.Info("audit integrity check passed",
			"certificates", report.CertificatesChecked,
			"entries", report.EntriesChecked,
		)
	} else {
		c.logger.Error("audit integrity check found anomalies",
			"hash_mismatches", len(report.HashMismatches),
			"signature_failures", len(report.SignatureFailures),
			"unpaired_attempts", len(report.UnpairedAttempts),
		)
	}
	return report, nil
}
