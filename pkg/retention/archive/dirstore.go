package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"mercator-hq/themis/pkg/retention"
)

// DirStore implements retention.ArchiveStore on a local directory. The
// production deployment points this at a mounted cold-storage volume or
// replaces it with an object-store adapter.
type DirStore struct {
	dir string
}

// NewDirStore creates an archive store rooted at dir, creating it if
// needed.
func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory %s: %w", dir, err)
	}
	return &DirStore{dir: dir}, nil
}

// WriteArchive persists the payload as <archiveID>.json.gz and returns its
// path. The write goes through a temp file and rename so a crash never
// leaves a half-written archive at the final location.
func (s *DirStore) WriteArchive(ctx context.Context, manifest *retention.ArchiveManifest, payload []byte) (string, error) {
	final := filepath.Join(s.dir, manifest.ArchiveID+".json.gz")

	tmp, err := os.CreateTemp(s.dir, "archive-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create archive temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write archive payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close archive file: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to finalize archive file: %w", err)
	}
	return final, nil
}
