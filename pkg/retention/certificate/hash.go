package certificate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"mercator-hq/themis/pkg/retention"
)

// HashRecord computes the canonical SHA-256 hash of a record's pre-disposal
// state. Fields are serialized as sorted key=value lines so the hash is
// independent of map iteration order and of the encoder used to store the
// record.
func HashRecord(record *retention.DisposableRecord) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "record_type=%s\n", record.RecordType)
	fmt.Fprintf(&sb, "record_id=%s\n", record.RecordID)
	fmt.Fprintf(&sb, "tenant_id=%s\n", record.TenantID)
	fmt.Fprintf(&sb, "legal_basis_code=%s\n", record.LegalBasisCode)
	fmt.Fprintf(&sb, "source_timestamp=%s\n", record.SourceTimestamp.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&sb, "confidential=%t\n", record.Confidential)

	keys := make([]string, 0, len(record.Fields))
	for k := range record.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "field.%s=%s\n", k, record.Fields[k])
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// HashCertificate computes the deterministic hash over every certificate
// field except the hash itself and the signature, in a fixed key order.
// Recomputing this hash over a stored certificate detects any later
// tampering.
//
// The key order is part of the certificate format; changing it invalidates
// every previously issued certificate.
func HashCertificate(cert *retention.DisposalCertificate) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "certificate_id=%s\n", cert.CertificateID)
	fmt.Fprintf(&sb, "record_type=%s\n", cert.RecordType)
	fmt.Fprintf(&sb, "record_id=%s\n", cert.RecordID)
	fmt.Fprintf(&sb, "tenant_id=%s\n", cert.TenantID)
	fmt.Fprintf(&sb, "legal_basis_code=%s\n", cert.LegalBasisCode)
	fmt.Fprintf(&sb, "disposal_method=%s\n", cert.DisposalMethod)
	fmt.Fprintf(&sb, "pre_disposal_hash=%s\n", cert.PreDisposalHash)
	fmt.Fprintf(&sb, "generated_at=%s\n", cert.GeneratedAt.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&sb, "compliance_references=%s\n", strings.Join(cert.ComplianceReferences, ","))

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
