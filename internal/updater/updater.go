package updater

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/creativeprojects/go-selfupdate"
)

// DefaultRepository is the GitHub repository releases are fetched from.
const DefaultRepository = "smazurov/sideband"

// Options configures an Updater.
type Options struct {
	// Repository is a GitHub owner/name slug.
	Repository string
	Prerelease bool
	// CurrentVersion is compared against the latest release; "dev" is
	// always outdated.
	CurrentVersion string
	// BackupDir defaults to DefaultBackupDir.
	BackupDir string
	Logger    *slog.Logger
}

// Info describes the latest release relative to the running binary.
type Info struct {
	CurrentVersion  string    `json:"current_version"`
	LatestVersion   string    `json:"latest_version"`
	ReleaseNotes    string    `json:"release_notes,omitempty"`
	ReleaseURL      string    `json:"release_url,omitempty"`
	PublishedAt     time.Time `json:"published_at,omitzero"`
	AssetSize       int       `json:"asset_size,omitempty"`
	UpdateAvailable bool      `json:"update_available"`
}

// Updater checks for and applies releases.
type Updater struct {
	opts    Options
	repo    selfupdate.Repository
	updater *selfupdate.Updater
	backups *backupStore
	logger  *slog.Logger
}

// New creates an updater backed by GitHub releases.
func New(opts Options) (*Updater, error) {
	if opts.Repository == "" {
		opts.Repository = DefaultRepository
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BackupDir == "" {
		dir, err := DefaultBackupDir()
		if err != nil {
			return nil, fmt.Errorf("backup directory: %w", err)
		}
		opts.BackupDir = dir
	}

	source, err := selfupdate.NewGitHubSource(selfupdate.GitHubConfig{})
	if err != nil {
		return nil, fmt.Errorf("create GitHub source: %w", err)
	}
	u, err := selfupdate.NewUpdater(selfupdate.Config{
		Source:     source,
		Prerelease: opts.Prerelease,
	})
	if err != nil {
		return nil, fmt.Errorf("create updater: %w", err)
	}

	return &Updater{
		opts:    opts,
		repo:    selfupdate.ParseSlug(opts.Repository),
		updater: u,
		backups: &backupStore{dir: opts.BackupDir, logger: logger},
		logger:  logger,
	}, nil
}

// Check queries the latest release without downloading it.
func (u *Updater) Check(ctx context.Context) (Info, error) {
	_, info, err := u.detect(ctx)
	return info, err
}

func (u *Updater) detect(ctx context.Context) (*selfupdate.Release, Info, error) {
	info := Info{CurrentVersion: u.opts.CurrentVersion}
	release, found, err := u.updater.DetectLatest(ctx, u.repo)
	if err != nil {
		return nil, info, newError(ErrCodeCheckFailed, "failed to check for updates", err)
	}
	if !found {
		return nil, info, newError(ErrCodeNotFound, u.opts.Repository+" has no release for this platform", nil)
	}

	info.LatestVersion = release.Version()
	info.UpdateAvailable = isOutdated(u.opts.CurrentVersion, release.GreaterThan)
	if info.UpdateAvailable {
		info.ReleaseNotes = release.ReleaseNotes
		info.ReleaseURL = release.URL
		info.PublishedAt = release.PublishedAt
		info.AssetSize = release.AssetByteSize
	}
	return release, info, nil
}

// Apply replaces the running binary with the latest release after backing
// it up. A failed replacement restores the backup. Running daemons keep
// the old binary until restarted.
func (u *Updater) Apply(ctx context.Context) (Info, error) {
	release, info, err := u.detect(ctx)
	if err != nil {
		return info, err
	}
	if !info.UpdateAvailable {
		return info, newError(ErrCodeNoUpdate, "already at "+info.LatestVersion, nil)
	}

	exe, err := selfupdate.ExecutablePath()
	if err != nil {
		return info, newError(ErrCodeApplyFailed, "failed to find executable", err)
	}
	if err := checkWritable(filepath.Dir(exe)); err != nil {
		return info, newError(ErrCodeNotWritable, "cannot replace "+exe, err)
	}
	if _, err := u.backups.save(exe, u.opts.CurrentVersion); err != nil {
		return info, newError(ErrCodeBackupFailed, "failed to back up "+exe, err)
	}

	u.logger.Info("Applying update", "from", info.CurrentVersion, "to", info.LatestVersion)
	if err := u.updater.UpdateTo(ctx, release, exe); err != nil {
		if _, rbErr := u.backups.restore(); rbErr != nil {
			u.logger.Error("Automatic rollback failed", "error", rbErr)
		}
		return info, newError(ErrCodeApplyFailed, "failed to apply update", err)
	}
	u.logger.Info("Update applied", "version", info.LatestVersion)
	return info, nil
}

// Rollback restores the binary saved by the last Apply.
func (u *Updater) Rollback() (BackupInfo, error) {
	info, err := u.backups.restore()
	if err != nil {
		if Code(err) == ErrCodeNoBackup {
			return BackupInfo{}, err
		}
		return BackupInfo{}, newError(ErrCodeRollbackFailed, "failed to restore backup", err)
	}
	return *info, nil
}

// Backup returns the saved binary, if any.
func (u *Updater) Backup() (BackupInfo, bool) {
	if info := u.backups.load(); info != nil {
		return *info, true
	}
	return BackupInfo{}, false
}

// isOutdated reports whether current is older than the release; dev and
// empty versions always are.
func isOutdated(current string, releaseGreaterThan func(string) bool) bool {
	if current == "" || current == "dev" {
		return true
	}
	return releaseGreaterThan(current)
}

// checkWritable reports whether a new binary can be written to dir.
func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".sideband-update-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
