package source

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"mercator-hq/themis/pkg/retention"
)

// LoadFile builds a MemorySource from a YAML records file: a document
// with a top-level "records" list of disposable records. Used by the CLI
// to run the engine against a fixture dataset; production deployments
// supply their own RecordSource adapter.
func LoadFile(path string) (*MemorySource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read records file %q: %w", path, err)
	}

	var doc struct {
		Records []*retention.DisposableRecord `yaml:"records"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse records file %q: %w", path, err)
	}

	src := NewMemorySource()
	for i, record := range doc.Records {
		if record.RecordType == "" || record.RecordID == "" {
			return nil, fmt.Errorf("records[%d]: record_type and record_id are required", i)
		}
		if record.TenantID == "" {
			return nil, fmt.Errorf("records[%d] (%s): tenant_id is required", i, record.Key())
		}
		src.Put(record)
	}
	return src, nil
}
