package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeRecords(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing records file failed: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeRecords(t, `
records:
  - record_type: customer_profile
    record_id: cp-1
    tenant_id: acme
    legal_basis_code: GDPR_ART17
    source_timestamp: 2020-01-01T00:00:00Z
    confidential: true
    fields:
      name: Ada Lovelace
    legal_hold:
      active: true
  - record_type: invoice
    record_id: inv-1
    tenant_id: globex
    legal_basis_code: SOX_802
    source_timestamp: 2019-06-01T00:00:00Z
`)

	src, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}

	tenants, err := src.Tenants(context.Background())
	if err != nil {
		t.Fatalf("Tenants() failed: %v", err)
	}
	if len(tenants) != 2 {
		t.Fatalf("tenants = %v, want acme and globex", tenants)
	}

	record, err := src.Get(context.Background(), "customer_profile", "cp-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !record.Confidential || !record.LegalHold.Active {
		t.Errorf("record flags = confidential %v hold %v, want both true", record.Confidential, record.LegalHold.Active)
	}
	if record.Fields["name"] != "Ada Lovelace" {
		t.Errorf("fields = %v, want name preserved", record.Fields)
	}
}

func TestLoadFile_RejectsIncompleteRecords(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "missing record_id",
			content: `
records:
  - record_type: invoice
    tenant_id: acme
`,
		},
		{
			name: "missing tenant_id",
			content: `
records:
  - record_type: invoice
    record_id: inv-1
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadFile(writeRecords(t, tt.content)); err == nil {
				t.Error("LoadFile() accepted an incomplete record")
			}
		})
	}
}
