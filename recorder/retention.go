package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// RetentionPolicy defines which finished recordings to clean up.
type RetentionPolicy struct {
	// KeepLastNDays: recordings older than this many days are eligible (0 = disabled)
	KeepLastNDays int
	// KeepLastN: keep only the N most recent recordings (0 = disabled; needs DB)
	KeepLastN int
	// DryRun: log actions but don't delete files or update the DB
	DryRun bool
	// Interval: how often to run the cleanup job
	Interval time.Duration
}

// LoadRetentionPolicy loads retention configuration from environment variables.
func LoadRetentionPolicy() RetentionPolicy {
	policy := RetentionPolicy{
		Interval: 6 * time.Hour,
	}
	if s := os.Getenv("RETENTION_KEEP_DAYS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepLastNDays = n
		}
	}
	if s := os.Getenv("RETENTION_KEEP_COUNT"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepLastN = n
		}
	}
	if os.Getenv("RETENTION_DRY_RUN") == "1" {
		policy.DryRun = true
	}
	if s := os.Getenv("RETENTION_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			policy.Interval = d
		}
	}
	return policy
}

// StartRetentionJob periodically deletes old recording files according to the
// configured policy. Active recordings are never touched. With no database
// only the age policy applies, driven by file modification times. Blocks
// until ctx is canceled; run it in a goroutine.
func (s *Supervisor) StartRetentionJob(ctx context.Context) {
	policy := LoadRetentionPolicy()
	if policy.KeepLastNDays == 0 && policy.KeepLastN == 0 {
		slog.Info("retention job disabled (no policy configured)")
		return
	}

	slog.Info("retention job starting",
		slog.Int("keep_days", policy.KeepLastNDays),
		slog.Int("keep_count", policy.KeepLastN),
		slog.Bool("dry_run", policy.DryRun),
		slog.Duration("interval", policy.Interval))

	if err := s.runRetentionCleanup(ctx, policy); err != nil {
		slog.Warn("retention cleanup failed", slog.Any("err", err))
	}

	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("retention job stopped")
			return
		case <-ticker.C:
			if err := s.runRetentionCleanup(ctx, policy); err != nil {
				slog.Warn("retention cleanup failed", slog.Any("err", err))
			}
		}
	}
}

func (s *Supervisor) runRetentionCleanup(ctx context.Context, policy RetentionPolicy) error {
	if s.db != nil {
		return s.cleanupFromHistory(ctx, policy)
	}
	return s.cleanupByFileAge(policy)
}

// cleanupFromHistory uses the recordings table to pick deletion candidates:
// finished recordings whose file still exists and that fall outside both the
// age and count retention sets.
func (s *Supervisor) cleanupFromHistory(ctx context.Context, policy RetentionPolicy) error {
	logger := slog.Default().With(slog.String("component", "retention"), slog.Bool("dry_run", policy.DryRun))

	retained := make(map[int64]struct{})
	if policy.KeepLastNDays > 0 {
		cutoff := time.Now().Add(-time.Duration(policy.KeepLastNDays) * 24 * time.Hour)
		rows, err := s.db.QueryContext(ctx, `SELECT id FROM recordings WHERE started_at >= $1`, cutoff)
		if err != nil {
			return fmt.Errorf("query recent recordings: %w", err)
		}
		collectIDs(rows, retained)
	}
	if policy.KeepLastN > 0 {
		rows, err := s.db.QueryContext(ctx, `SELECT id FROM recordings ORDER BY started_at DESC LIMIT $1`, policy.KeepLastN)
		if err != nil {
			return fmt.Errorf("query last n recordings: %w", err)
		}
		collectIDs(rows, retained)
	}

	// Protect files that belong to active jobs regardless of what the table says.
	activePaths := make(map[string]struct{})
	for _, j := range s.Snapshot() {
		activePaths[j.OutputPath] = struct{}{}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, output_path, started_at FROM recordings
		WHERE state IN ('stopped', 'failed') AND output_path IS NOT NULL AND output_path != ''
		ORDER BY started_at ASC`)
	if err != nil {
		return fmt.Errorf("query finished recordings: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	var cleaned, skipped int
	var bytesFreed int64
	for rows.Next() {
		var id int64
		var path string
		var started time.Time
		if err := rows.Scan(&id, &path, &started); err != nil {
			logger.Warn("failed to scan recording row", slog.Any("err", err))
			continue
		}
		if _, keep := retained[id]; keep {
			skipped++
			continue
		}
		if _, active := activePaths[path]; active {
			skipped++
			continue
		}

		fi, err := os.Stat(path)
		if os.IsNotExist(err) {
			if !policy.DryRun {
				if _, err := s.db.ExecContext(ctx, `UPDATE recordings SET output_path='' WHERE id=$1`, id); err != nil {
					logger.Warn("failed to clear path for missing file", slog.Int64("id", id), slog.Any("err", err))
				}
			}
			continue
		} else if err != nil {
			logger.Warn("failed to stat file", slog.String("path", path), slog.Any("err", err))
			continue
		}

		if policy.DryRun {
			logger.Info("dry-run: would delete recording file", slog.String("path", path), slog.Int64("size_bytes", fi.Size()))
			cleaned++
			continue
		}
		if err := os.Remove(path); err != nil {
			logger.Warn("failed to delete file", slog.String("path", path), slog.Any("err", err))
			continue
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE recordings SET output_path='' WHERE id=$1`, id); err != nil {
			logger.Warn("failed to clear path after deletion", slog.Int64("id", id), slog.Any("err", err))
		}
		// Drop the sidecar log together with the media file.
		_ = os.Remove(strings.TrimSuffix(path, filepath.Ext(path)) + ".log")
		bytesFreed += fi.Size()
		cleaned++
	}

	logger.Info("retention cleanup completed", slog.Int("cleaned", cleaned), slog.Int("skipped", skipped), slog.Int64("bytes_freed", bytesFreed))
	return nil
}

// cleanupByFileAge scans the data directory by modification time. Only the
// age policy can apply without history.
func (s *Supervisor) cleanupByFileAge(policy RetentionPolicy) error {
	if policy.KeepLastNDays == 0 {
		return nil
	}
	cutoff := time.Now().Add(-time.Duration(policy.KeepLastNDays) * 24 * time.Hour)

	activePaths := make(map[string]struct{})
	for _, j := range s.Snapshot() {
		activePaths[j.OutputPath] = struct{}{}
	}

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("read data dir: %w", err)
	}
	var cleaned int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".mp4") && !strings.HasSuffix(name, ".log") {
			continue
		}
		path := filepath.Join(s.dataDir, name)
		if _, active := activePaths[path]; active {
			continue
		}
		fi, err := e.Info()
		if err != nil || fi.ModTime().After(cutoff) {
			continue
		}
		if policy.DryRun {
			slog.Info("dry-run: would delete old file", slog.String("path", path))
			cleaned++
			continue
		}
		if err := os.Remove(path); err != nil {
			slog.Warn("failed to delete old file", slog.String("path", path), slog.Any("err", err))
			continue
		}
		cleaned++
	}
	if cleaned > 0 {
		slog.Info("retention cleanup completed", slog.Int("cleaned", cleaned), slog.Bool("dry_run", policy.DryRun))
	}
	return nil
}

func collectIDs(rows *sql.Rows, into map[int64]struct{}) {
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err == nil {
			into[id] = struct{}{}
		}
	}
}
