// Package certificate seals disposal results into hashed, optionally
// signed certificates and verifies them after the fact.
package certificate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mercator-hq/themis/pkg/retention"
)

// Sealer builds and persists disposal certificates.
type Sealer struct {
	store  retention.CertificateStore
	signer *Signer
	logger *slog.Logger

	now func() time.Time
}

// NewSealer creates a sealer writing to the given append-only store.
// signer may be nil when certificate signing is disabled.
func NewSealer(store retention.CertificateStore, signer *Signer) *Sealer {
	return &Sealer{
		store:  store,
		signer: signer,
		logger: slog.Default().With("component", "retention.certificate"),
		now:    time.Now,
	}
}

// Seal builds the certificate for a finished disposal, computes its
// canonical hash, signs it when a tenant key is registered, and persists
// it durably. Idempotent across crash-resume: if a certificate already
// exists for the job's record, that certificate is returned and no second
// one is created.
//
// A signing failure does not block sealing; the certificate is persisted
// unsigned and the gap is logged for compliance follow-up.
func (s *Sealer) Seal(ctx context.Context, job *retention.RetentionJob, preHash string, references []string) (*retention.DisposalCertificate, error) {
	if existing, err := s.store.GetByRecord(ctx, job.RecordType, job.RecordID); err == nil && existing != nil {
		s.logger.Info("certificate already sealed for record, reusing",
			"certificate_id", existing.CertificateID,
			"record_type", job.RecordType,
			"record_id", job.RecordID,
		)
		return existing, nil
	}

	cert := &retention.DisposalCertificate{
		CertificateID:        uuid.NewString(),
		RecordType:           job.RecordType,
		RecordID:             job.RecordID,
		TenantID:             job.TenantID,
		LegalBasisCode:       job.LegalBasisCode,
		DisposalMethod:       job.DisposalMethod,
		PreDisposalHash:      preHash,
		GeneratedAt:          s.now().UTC(),
		ComplianceReferences: references,
	}
	cert.CertificateHash = HashCertificate(cert)

	if s.signer != nil {
		signature, keyID, err := s.signer.Sign(job.TenantID, cert.CertificateHash)
		if err != nil {
			s.logger.Warn("certificate signing failed, sealing unsigned",
				"certificate_id", cert.CertificateID,
				"tenant_id", job.TenantID,
				"error", err,
			)
		} else if signature != "" {
			cert.Signature = signature
			cert.SigningKeyID = keyID
		}
	}

	if err := s.store.Put(ctx, cert); err != nil {
		if errors.Is(err, retention.ErrDuplicateCertificate) {
			// Lost a sealing race; the stored certificate wins.
			if existing, getErr := s.store.GetByRecord(ctx, job.RecordType, job.RecordID); getErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, retention.NewCertificationError(job.JobID, err)
	}

	s.logger.Info("disposal certificate sealed",
		"certificate_id", cert.CertificateID,
		"record_type", cert.RecordType,
		"record_id", cert.RecordID,
		"method", cert.DisposalMethod,
		"signed", cert.Signature != "",
	)
	return cert, nil
}

// Verify recomputes the certificate hash and checks it against the stored
// value. When the sealer has a verification key for the tenant and the
// certificate carries a signature, the signature is checked too.
func (s *Sealer) Verify(cert *retention.DisposalCertificate) error {
	return Verify(cert, s.signer)
}

// Verify recomputes the certificate's canonical hash and, when possible,
// verifies its signature. signer may be nil to skip signature checks.
func Verify(cert *retention.DisposalCertificate, signer *Signer) error {
	recomputed := HashCertificate(cert)
	if recomputed != cert.CertificateHash {
		return fmt.Errorf("certificate %s hash mismatch: stored %s, recomputed %s",
			cert.CertificateID, cert.CertificateHash, recomputed)
	}

	if cert.Signature != "" && signer != nil {
		pub, ok := signer.PublicKey(cert.TenantID)
		if ok {
			if err := VerifySignature(pub, cert.CertificateHash, cert.Signature); err != nil {
				return fmt.Errorf("certificate %s: %w", cert.CertificateID, err)
			}
		}
	}
	return nil
}
