// Package updater replaces the sideband binary with the latest GitHub
// release and keeps the previous binary for rollback.
package updater

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	backupFilename     = "sideband.backup"
	backupInfoFilename = "backup.json"
)

// BackupInfo describes the saved binary.
type BackupInfo struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	ExecPath  string    `json:"exec_path"`
}

// backupStore keeps one copy of the binary in dir.
type backupStore struct {
	dir    string
	logger *slog.Logger
}

// DefaultBackupDir returns the user cache directory for backups.
func DefaultBackupDir() (string, error) {
	cache, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cache, "sideband", "backup"), nil
}

// load returns the saved backup, or nil when there is none.
func (b *backupStore) load() *BackupInfo {
	data, err := os.ReadFile(filepath.Join(b.dir, backupInfoFilename))
	if err != nil {
		return nil
	}
	var info BackupInfo
	if err := json.Unmarshal(data, &info); err != nil {
		b.logger.Warn("Failed to parse backup info", "error", err)
		return nil
	}
	if _, err := os.Stat(filepath.Join(b.dir, backupFilename)); err != nil {
		b.logger.Warn("Backup binary missing", "dir", b.dir)
		return nil
	}
	return &info
}

// save copies execPath into the store, replacing any earlier backup.
func (b *backupStore) save(execPath, version string) (*BackupInfo, error) {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	if err := copyFile(execPath, filepath.Join(b.dir, backupFilename)); err != nil {
		return nil, err
	}

	info := &BackupInfo{Version: version, CreatedAt: time.Now().UTC(), ExecPath: execPath}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(b.dir, backupInfoFilename), data, 0o644); err != nil {
		return nil, fmt.Errorf("write backup info: %w", err)
	}
	b.logger.Info("Backup created", "version", version, "dir", b.dir)
	return info, nil
}

// restore copies the backup over the binary it was taken from.
func (b *backupStore) restore() (*BackupInfo, error) {
	info := b.load()
	if info == nil {
		return nil, newError(ErrCodeNoBackup, "no backup available", nil)
	}
	// Write next to the target and rename so a running binary is not truncated.
	tmp := info.ExecPath + ".rollback"
	if err := copyFile(filepath.Join(b.dir, backupFilename), tmp); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, info.ExecPath); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("replace executable: %w", err)
	}
	b.logger.Info("Backup restored", "version", info.Version, "path", info.ExecPath)
	return info, nil
}

func copyFile(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(to, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("copy %s: %w", from, err)
	}
	return dst.Close()
}
