package certificate

import (
	"testing"
	"time"

	"mercator-hq/themis/pkg/retention"
)

func sampleRecord() *retention.DisposableRecord {
	return &retention.DisposableRecord{
		RecordType:      "invoice",
		RecordID:        "inv-42",
		TenantID:        "acme",
		LegalBasisCode:  "SOX_802",
		SourceTimestamp: time.Date(2019, 3, 14, 9, 26, 53, 0, time.UTC),
		Fields: map[string]string{
			"amount":   "1299.00",
			"customer": "Globex",
			"currency": "EUR",
		},
	}
}

func sampleCertificate() *retention.DisposalCertificate {
	return &retention.DisposalCertificate{
		CertificateID:        "cert-1",
		RecordType:           "invoice",
		RecordID:             "inv-42",
		TenantID:             "acme",
		LegalBasisCode:       "SOX_802",
		DisposalMethod:       retention.MethodArchive,
		PreDisposalHash:      "abc123",
		GeneratedAt:          time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
		ComplianceReferences: []string{"SOX_802", "7-year financial records"},
	}
}

func TestHashRecord_Deterministic(t *testing.T) {
	a := HashRecord(sampleRecord())
	b := HashRecord(sampleRecord())
	if a != b {
		t.Errorf("HashRecord() not deterministic: %s != %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("HashRecord() length = %d, want 64 hex chars", len(a))
	}
}

func TestHashRecord_FieldOrderIndependent(t *testing.T) {
	r1 := sampleRecord()
	r2 := sampleRecord()
	// Rebuild the map in a different insertion order.
	r2.Fields = map[string]string{
		"currency": "EUR",
		"amount":   "1299.00",
		"customer": "Globex",
	}
	if HashRecord(r1) != HashRecord(r2) {
		t.Error("HashRecord() depends on field insertion order")
	}
}

func TestHashRecord_ChangesOnContentChange(t *testing.T) {
	base := HashRecord(sampleRecord())

	mutations := []struct {
		name   string
		mutate func(r *retention.DisposableRecord)
	}{
		{"field value", func(r *retention.DisposableRecord) { r.Fields["amount"] = "0.01" }},
		{"added field", func(r *retention.DisposableRecord) { r.Fields["memo"] = "x" }},
		{"tenant", func(r *retention.DisposableRecord) { r.TenantID = "other" }},
		{"timestamp", func(r *retention.DisposableRecord) { r.SourceTimestamp = r.SourceTimestamp.Add(time.Second) }},
		{"confidential flag", func(r *retention.DisposableRecord) { r.Confidential = true }},
	}

	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			r := sampleRecord()
			tt.mutate(r)
			if HashRecord(r) == base {
				t.Error("HashRecord() unchanged after mutation")
			}
		})
	}
}

// The certificate hash must be reproducible from the stored certificate:
// verify recomputes it and any drift means tampering.
func TestHashCertificate_RoundTrip(t *testing.T) {
	cert := sampleCertificate()
	cert.CertificateHash = HashCertificate(cert)

	// Hash and signature are excluded from the hashed content, so setting
	// them does not change the recomputation.
	cert.Signature = "deadbeef"
	if recomputed := HashCertificate(cert); recomputed != cert.CertificateHash {
		t.Errorf("HashCertificate() round trip failed: stored %s, recomputed %s", cert.CertificateHash, recomputed)
	}

	if err := Verify(cert, nil); err != nil {
		t.Errorf("Verify() on untampered certificate failed: %v", err)
	}
}

func TestHashCertificate_DetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *retention.DisposalCertificate)
	}{
		{"disposal method", func(c *retention.DisposalCertificate) { c.DisposalMethod = retention.MethodSoftDelete }},
		{"record identity", func(c *retention.DisposalCertificate) { c.RecordID = "inv-43" }},
		{"pre-disposal hash", func(c *retention.DisposalCertificate) { c.PreDisposalHash = "forged" }},
		{"generation time", func(c *retention.DisposalCertificate) { c.GeneratedAt = c.GeneratedAt.Add(time.Hour) }},
		{"references", func(c *retention.DisposalCertificate) { c.ComplianceReferences = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert := sampleCertificate()
			cert.CertificateHash = HashCertificate(cert)

			tt.mutate(cert)
			if err := Verify(cert, nil); err == nil {
				t.Error("Verify() accepted a tampered certificate")
			}
		})
	}
}
