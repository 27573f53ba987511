// Package backup uploads point-in-time copies of the weather database to
// S3-compatible object storage, prunes them with a tiered retention policy,
// and restores them.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/chadmayfield/weatherlogd/internal/config"
)

// Metadata attached to every uploaded object.
const (
	MetaBackupDate = "backup-date"
	MetaSource     = "source"
	SourceName     = "weather-logger"
)

// Manager runs backup operations for one database file.
type Manager struct {
	cfg       config.BackupConfig
	storePath string
	client    ObjectStorage
	logger    *slog.Logger
	now       func() time.Time
}

// CreateResult describes an uploaded backup.
type CreateResult struct {
	Key      string        `json:"key"`
	Bucket   string        `json:"bucket"`
	Size     int64         `json:"size"`
	Duration time.Duration `json:"duration"`
	Cleanup  CleanupResult `json:"cleanup"`
	Disabled bool          `json:"disabled,omitempty"`
}

// CleanupResult counts what a retention pass did.
type CleanupResult struct {
	Deleted     int  `json:"deleted"`
	RecentKept  int  `json:"recent_kept"`
	MonthlyKept int  `json:"monthly_kept"`
	Disabled    bool `json:"disabled,omitempty"`
}

// ListResult holds backups newest first.
type ListResult struct {
	Objects  []Object `json:"objects"`
	Disabled bool     `json:"disabled,omitempty"`
}

// RestoreResult describes a restored file.
type RestoreResult struct {
	Key      string `json:"key"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Disabled bool   `json:"disabled,omitempty"`
}

// NewManager checks cfg and returns a manager. client may be nil when
// backups are disabled.
func NewManager(cfg config.BackupConfig, storePath string, client ObjectStorage, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Enabled {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if client == nil {
			return nil, fmt.Errorf("%w: backup enabled but no object storage client", config.ErrConfiguration)
		}
		logger.Info("backup manager initialized", "bucket", cfg.Bucket, "prefix", cfg.Prefix)
	} else {
		logger.Info("backup manager initialized, backups disabled")
	}
	return &Manager{
		cfg:       cfg,
		storePath: storePath,
		client:    client,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Enabled reports whether backups are configured.
func (m *Manager) Enabled() bool { return m.cfg.Enabled }

// Key returns the object key for a backup taken at t.
func (m *Manager) Key(t time.Time) string {
	return fmt.Sprintf("%sweather_%s.db", m.cfg.Prefix, t.UTC().Format("20060102_150405"))
}

// Create uploads the database file as it is on disk, then applies retention.
// A retention failure is logged and does not fail the backup.
func (m *Manager) Create(ctx context.Context) (CreateResult, error) {
	if !m.cfg.Enabled {
		m.logger.Info("backups are disabled, skipping")
		return CreateResult{Disabled: true}, nil
	}

	f, err := os.Open(m.storePath)
	if errors.Is(err, fs.ErrNotExist) {
		return CreateResult{}, fmt.Errorf("%w: %s", ErrSourceMissing, m.storePath)
	}
	if err != nil {
		return CreateResult{}, fmt.Errorf("opening database: %w", err)
	}
	defer f.Close() //nolint:errcheck

	info, err := f.Stat()
	if err != nil {
		return CreateResult{}, fmt.Errorf("stat database: %w", err)
	}

	now := m.now()
	res := CreateResult{Key: m.Key(now), Bucket: m.cfg.Bucket, Size: info.Size()}
	meta := map[string]string{
		MetaBackupDate: now.UTC().Format(time.RFC3339),
		MetaSource:     SourceName,
	}

	m.logger.Info("creating backup", "key", res.Key, "size_bytes", res.Size)
	start := time.Now()
	// The file may grow while ingestion continues; send only the bytes the
	// declared size covers.
	body := io.NewSectionReader(f, 0, res.Size)
	if err := m.client.Upload(ctx, res.Key, body, res.Size, meta); err != nil {
		return CreateResult{}, asTransport("upload", res.Key, err)
	}
	res.Duration = time.Since(start)
	m.logger.Info("backup uploaded", "bucket", res.Bucket, "key", res.Key, "duration", res.Duration)

	res.Cleanup, err = m.Cleanup(ctx)
	if err != nil {
		m.logger.Error("backup retention failed", "error", err)
	}
	return res, nil
}

// Cleanup deletes backups the retention policy no longer keeps. It stops
// at the first failed delete; Deleted counts what was removed before that.
func (m *Manager) Cleanup(ctx context.Context) (CleanupResult, error) {
	if !m.cfg.Enabled {
		return CleanupResult{Disabled: true}, nil
	}

	objects, err := m.client.List(ctx, m.cfg.Prefix)
	if err != nil {
		return CleanupResult{}, asTransport("list", m.cfg.Prefix, err)
	}

	plan := PlanRetention(objects, m.now(), m.cfg.DailyRetentionDays)
	res := CleanupResult{RecentKept: len(plan.Recent), MonthlyKept: len(plan.Monthly)}

	for _, o := range plan.Delete {
		m.logger.Info("deleting redundant backup", "key", o.Key, "last_modified", o.LastModified)
		if err := m.client.Delete(ctx, o.Key); err != nil {
			return res, asTransport("delete", o.Key, err)
		}
		res.Deleted++
	}

	m.logger.Info("backup retention applied",
		"daily_retention_days", m.cfg.DailyRetentionDays,
		"deleted", res.Deleted,
		"recent_kept", res.RecentKept,
		"monthly_kept", res.MonthlyKept,
	)
	return res, nil
}

// List returns every backup under the prefix, newest first.
func (m *Manager) List(ctx context.Context) (ListResult, error) {
	if !m.cfg.Enabled {
		return ListResult{Disabled: true}, nil
	}
	objects, err := m.client.List(ctx, m.cfg.Prefix)
	if err != nil {
		return ListResult{}, asTransport("list", m.cfg.Prefix, err)
	}
	sortNewestFirst(objects)
	return ListResult{Objects: objects}, nil
}

// Restore replaces dest with the backup at key. An empty dest means the
// live database path. The download lands in a temporary file next to dest
// and is renamed over it only once complete; stale WAL and shared-memory
// files are then removed. The database must not be open.
func (m *Manager) Restore(ctx context.Context, key, dest string) (RestoreResult, error) {
	if !m.cfg.Enabled {
		m.logger.Warn("backups are disabled, cannot restore")
		return RestoreResult{Disabled: true}, nil
	}
	if key == "" {
		return RestoreResult{}, errors.New("backup key is required")
	}
	if dest == "" {
		dest = m.storePath
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return RestoreResult{}, fmt.Errorf("creating restore directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(dest)+".restore-*")
	if err != nil {
		return RestoreResult{}, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	m.logger.Info("restoring backup", "key", key, "dest", dest)
	n, err := m.client.Download(ctx, key, tmp)
	if err != nil {
		return RestoreResult{}, asTransport("download", key, err)
	}
	if err := tmp.Sync(); err != nil {
		return RestoreResult{}, fmt.Errorf("syncing restored file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return RestoreResult{}, fmt.Errorf("closing restored file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return RestoreResult{}, fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return RestoreResult{}, fmt.Errorf("replacing database: %w", err)
	}
	committed = true

	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(dest + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("removing stale sidecar file", "path", dest+suffix, "error", err)
		}
	}

	m.logger.Info("backup restored", "key", key, "dest", dest, "size_bytes", n)
	return RestoreResult{Key: key, Path: dest, Size: n}, nil
}
