package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// BackupManager snapshots files before PatchApplier mutates them and
// restores them verbatim on rollback, checking each restored file's SHA-256
// against the manifest entry to catch silent corruption.
type BackupManager struct {
	logger    logrus.FieldLogger
	backupDir string
	mu        sync.Mutex
	manifests map[string]*BackupManifest
}

// NewBackupManager builds a BackupManager rooted at backupDir, creating it
// if necessary.
func NewBackupManager(logger logrus.FieldLogger, backupDir string) (*BackupManager, error) {
	if backupDir == "" {
		backupDir = filepath.Join(os.TempDir(), "coverity-agent-backups")
	}
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup dir %s: %w", backupDir, err)
	}
	return &BackupManager{
		logger:    logger,
		backupDir: backupDir,
		manifests: make(map[string]*BackupManifest),
	}, nil
}

// Begin starts a new backup manifest for one patch application, returning
// its patch ID.
func (b *BackupManager) Begin() string {
	patchID := uuid.NewString()
	b.mu.Lock()
	b.manifests[patchID] = &BackupManifest{PatchID: patchID, CreatedAt: time.Now()}
	b.mu.Unlock()
	return patchID
}

// Snapshot copies the current contents of path into the backup directory
// under patchID and records the entry in that patch's manifest. It must be
// called before PatchApplier writes any change to path.
func (b *BackupManager) Snapshot(patchID, path string) (BackupEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return BackupEntry{}, NewPipelineError(KindApplicationError, "", fmt.Errorf("reading %s for backup: %w", path, err))
	}

	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])

	destDir := filepath.Join(b.backupDir, patchID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return BackupEntry{}, fmt.Errorf("creating backup subdir: %w", err)
	}
	destPath := filepath.Join(destDir, hash+"-"+filepath.Base(path))
	if err := os.WriteFile(destPath, raw, 0o644); err != nil {
		return BackupEntry{}, fmt.Errorf("writing backup copy: %w", err)
	}

	entry := BackupEntry{
		OriginalPath: path,
		BackupPath:   destPath,
		SHA256:       hash,
		Size:         int64(len(raw)),
	}

	b.mu.Lock()
	manifest, ok := b.manifests[patchID]
	if !ok {
		manifest = &BackupManifest{PatchID: patchID, CreatedAt: time.Now()}
		b.manifests[patchID] = manifest
	}
	manifest.Entries = append(manifest.Entries, entry)
	b.mu.Unlock()

	return entry, nil
}

// Manifest returns the backup manifest for patchID, or nil if none was
// started.
func (b *BackupManager) Manifest(patchID string) *BackupManifest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.manifests[patchID]
}

// Restore writes every entry in patchID's manifest back to its original
// path, verifying each backup copy's SHA-256 before restoring so a
// corrupted backup is never silently applied as a rollback.
func (b *BackupManager) Restore(patchID string) error {
	manifest := b.Manifest(patchID)
	if manifest == nil {
		return NewPipelineError(KindApplicationError, "", fmt.Errorf("no backup manifest found for patch %s", patchID))
	}

	for _, entry := range manifest.Entries {
		raw, err := os.ReadFile(entry.BackupPath)
		if err != nil {
			return NewPipelineError(KindApplicationError, "", fmt.Errorf("reading backup %s: %w", entry.BackupPath, err))
		}
		sum := sha256.Sum256(raw)
		if hex.EncodeToString(sum[:]) != entry.SHA256 {
			return NewPipelineError(KindApplicationError, "", fmt.Errorf("backup %s failed integrity check, refusing to restore", entry.BackupPath))
		}
		if err := os.WriteFile(entry.OriginalPath, raw, 0o644); err != nil {
			return NewPipelineError(KindApplicationError, "", fmt.Errorf("restoring %s: %w", entry.OriginalPath, err))
		}
		b.logger.WithField("file", entry.OriginalPath).Info("restored file from backup")
	}
	return nil
}

// Cleanup discards patchID's manifest and the backup copies it references.
// Called after a fully successful apply unless the caller configured
// keep_backups_on_success.
func (b *BackupManager) Cleanup(patchID string) error {
	b.mu.Lock()
	_, ok := b.manifests[patchID]
	delete(b.manifests, patchID)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	dir := filepath.Join(b.backupDir, patchID)
	if err := os.RemoveAll(dir); err != nil {
		return NewPipelineError(KindApplicationError, "", fmt.Errorf("cleaning up backup dir %s: %w", dir, err))
	}
	return nil
}
