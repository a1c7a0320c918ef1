package index

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// snapshotFile is the on-disk index format. The model version is stored
// so a snapshot produced by a superseded embedding model is ignored
// rather than served.
type snapshotFile struct {
	ModelVersion string
	Records      []Record
}

// SaveSnapshot writes the current index state to path. The file is
// written next to its destination and renamed into place, so a crash
// mid-write cannot corrupt the snapshot being served from.
func (ix *Index) SaveSnapshot(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating snapshot file: %w", err)
	}

	payload := snapshotFile{ModelVersion: ix.modelVersion, Records: ix.Records()}
	if err := gob.NewEncoder(f).Encode(payload); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing snapshot: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("swapping snapshot into place: %w", err)
	}
	return nil
}

// LoadSnapshot loads the index from a disk snapshot. It returns false
// without error when no usable snapshot exists (missing file, corrupt
// payload, or a different model version), in which case the caller
// rebuilds from the durable record store instead — never by
// re-embedding.
func (ix *Index) LoadSnapshot(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	var payload snapshotFile
	if err := gob.NewDecoder(f).Decode(&payload); err != nil {
		slog.Warn("index snapshot unreadable, will rebuild from store", "path", path, "error", err)
		return false, nil
	}
	if payload.ModelVersion != ix.modelVersion {
		slog.Info("index snapshot has superseded model version, will rebuild from store",
			"snapshot_model", payload.ModelVersion, "current_model", ix.modelVersion)
		return false, nil
	}

	ix.Swap(payload.Records)
	return true, nil
}

// SnapshotSize returns the snapshot file size in bytes, or 0 if absent.
func SnapshotSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Warm loads the serving index at startup: disk snapshot first, then
// the durable record store.
func Warm(ctx context.Context, ix *Index, store *RecordStore, path string) error {
	loaded, err := ix.LoadSnapshot(path)
	if err != nil {
		return err
	}
	if loaded {
		slog.Info("index loaded from disk snapshot", "records", ix.Len(), "path", path)
		return nil
	}

	recs, err := store.ListByModel(ctx, ix.modelVersion)
	if err != nil {
		return fmt.Errorf("rebuilding index from record store: %w", err)
	}
	ix.Swap(recs)
	if err := ix.SaveSnapshot(path); err != nil {
		slog.Warn("saving rebuilt index snapshot", "error", err)
	}
	slog.Info("index rebuilt from record store", "records", ix.Len())
	return nil
}
