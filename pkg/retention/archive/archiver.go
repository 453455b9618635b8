// Package archive snapshots records before destructive disposal.
//
// The snapshot is a gzip-compressed JSON document of the records' full
// pre-disposal state; its SHA-256 hash is recorded in the manifest so the
// archive can later prove what the records contained when destroyed.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"mercator-hq/themis/pkg/retention"
)

// Archiver produces pre-disposal snapshots through an archive store.
type Archiver struct {
	store  retention.ArchiveStore
	logger *slog.Logger

	now func() time.Time
}

// NewArchiver creates an archiver writing through the given store.
func NewArchiver(store retention.ArchiveStore) *Archiver {
	return &Archiver{
		store:  store,
		logger: slog.Default().With("component", "retention.archive"),
		now:    time.Now,
	}
}

// Archive snapshots the records and returns the manifest. The payload is
// written and the manifest populated strictly before any record is touched
// destructively; the caller must not proceed with destruction if this
// returns an error.
func (a *Archiver) Archive(ctx context.Context, records []*retention.DisposableRecord) (*retention.ArchiveManifest, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("archive called with no records")
	}

	payload, err := a.encode(records)
	if err != nil {
		return nil, retention.NewArchivalError(records[0].TenantID, records[0].RecordType, err)
	}

	sum := sha256.Sum256(payload)
	manifest := &retention.ArchiveManifest{
		ArchiveID:   uuid.NewString(),
		TenantID:    records[0].TenantID,
		RecordType:  records[0].RecordType,
		RecordCount: len(records),
		FileHash:    hex.EncodeToString(sum[:]),
		ArchivedAt:  a.now().UTC(),
	}

	location, err := a.store.WriteArchive(ctx, manifest, payload)
	if err != nil {
		return nil, retention.NewArchivalError(manifest.TenantID, manifest.RecordType, err)
	}
	manifest.StorageLocation = location

	a.logger.Info("pre-disposal archive written",
		"archive_id", manifest.ArchiveID,
		"record_count", manifest.RecordCount,
		"location", manifest.StorageLocation,
		"file_hash", manifest.FileHash,
	)
	return manifest, nil
}

// encode serializes the records as gzip-compressed JSON.
func (a *Archiver) encode(records []*retention.DisposableRecord) ([]byte, error) {
	var buf bytes.Buffer

	gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if err := json.NewEncoder(gw).Encode(records); err != nil {
		gw.Close()
		return nil, fmt.Errorf("failed to encode records: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive payload: %w", err)
	}
	return buf.Bytes(), nil
}
