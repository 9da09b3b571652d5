package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// FileStore persists snapshots as JSON files, one per provider, under a
// directory. Writes go to a temp file in the same directory followed by a
// rename, so readers never observe a partial document.
type FileStore struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// NewFileStore creates a file store rooted at dir.
func NewFileStore(dir string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{dir: dir, logger: logger, now: time.Now}
}

func (s *FileStore) path(provider string) string {
	return filepath.Join(s.dir, fmt.Sprintf("usage_%s.json", provider))
}

// Load reads and migrates a provider's snapshot. A corrupt file is backed
// up and treated as absent; startup never fails on bad usage data.
func (s *FileStore) Load(ctx context.Context, provider string) (*Snapshot, error) {
	path := s.path(provider)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading snapshot %s: %w", path, err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		s.quarantine(path, "unparseable")
		return nil, nil
	}

	if !Migrate(&snapshot) {
		s.quarantine(path, fmt.Sprintf("schema %d not migratable", snapshot.SchemaVersion))
		return nil, nil
	}

	return &snapshot, nil
}

// Save writes a provider's snapshot atomically (temp file + rename).
func (s *FileStore) Save(ctx context.Context, provider string, snapshot *Snapshot) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}

	snapshot.SchemaVersion = SchemaVersion
	snapshot.UpdatedAt = s.now().UTC()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	path := s.path(provider)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp snapshot: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming snapshot into place: %w", err)
	}
	return nil
}

// quarantine moves a bad snapshot aside so the next save starts clean.
func (s *FileStore) quarantine(path, reason string) {
	backup := fmt.Sprintf("%s.corrupt-%d", path, s.now().Unix())
	if err := os.Rename(path, backup); err != nil {
		s.logger.Error("Failed to back up corrupt snapshot",
			"path", path, "err", err)
		return
	}
	s.logger.Warn("Backed up corrupt snapshot, starting empty",
		"path", path, "backup", backup, "reason", reason)
}
