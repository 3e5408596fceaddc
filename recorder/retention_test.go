package recorder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRetentionPolicyDefaults(t *testing.T) {
	t.Setenv("RETENTION_KEEP_DAYS", "")
	t.Setenv("RETENTION_KEEP_COUNT", "")
	t.Setenv("RETENTION_DRY_RUN", "")
	t.Setenv("RETENTION_INTERVAL", "")

	p := LoadRetentionPolicy()
	if p.KeepLastNDays != 0 || p.KeepLastN != 0 || p.DryRun {
		t.Errorf("unexpected defaults: %+v", p)
	}
	if p.Interval != 6*time.Hour {
		t.Errorf("Interval = %v, want 6h", p.Interval)
	}
}

func TestLoadRetentionPolicyFromEnv(t *testing.T) {
	t.Setenv("RETENTION_KEEP_DAYS", "14")
	t.Setenv("RETENTION_KEEP_COUNT", "50")
	t.Setenv("RETENTION_DRY_RUN", "1")
	t.Setenv("RETENTION_INTERVAL", "30m")

	p := LoadRetentionPolicy()
	if p.KeepLastNDays != 14 || p.KeepLastN != 50 || !p.DryRun || p.Interval != 30*time.Minute {
		t.Errorf("policy = %+v", p)
	}
}

func TestLoadRetentionPolicyIgnoresGarbage(t *testing.T) {
	t.Setenv("RETENTION_KEEP_DAYS", "yes")
	t.Setenv("RETENTION_KEEP_COUNT", "-3")
	t.Setenv("RETENTION_INTERVAL", "soon")

	p := LoadRetentionPolicy()
	if p.KeepLastNDays != 0 || p.KeepLastN != 0 || p.Interval != 6*time.Hour {
		t.Errorf("policy = %+v, want zero values with default interval", p)
	}
}

// With a policy configured the job loops until cancellation. Callers who
// need to keep going (main does) must launch it in a goroutine.
func TestRetentionJobRunsUntilCanceled(t *testing.T) {
	t.Setenv("RETENTION_KEEP_DAYS", "7")
	t.Setenv("RETENTION_KEEP_COUNT", "")
	s := NewSupervisor(nil, nil, "ffmpeg", t.TempDir(), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.StartRetentionJob(ctx)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("retention job returned while ctx was still active")
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("retention job did not stop after cancellation")
	}
}

func TestRetentionJobDisabledReturnsImmediately(t *testing.T) {
	t.Setenv("RETENTION_KEEP_DAYS", "")
	t.Setenv("RETENTION_KEEP_COUNT", "")
	s := NewSupervisor(nil, nil, "ffmpeg", t.TempDir(), time.Second)

	done := make(chan struct{})
	go func() {
		s.StartRetentionJob(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retention job with no policy should return immediately")
	}
}

func writeAgedFile(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
	return path
}

func TestCleanupByFileAge(t *testing.T) {
	dir := t.TempDir()
	s := NewSupervisor(nil, nil, "ffmpeg", dir, time.Second)

	oldMP4 := writeAgedFile(t, dir, "Old_20260101_000000.mp4", 72*time.Hour)
	oldLog := writeAgedFile(t, dir, "Old_20260101_000000.log", 72*time.Hour)
	fresh := writeAgedFile(t, dir, "Fresh_20260828_120000.mp4", time.Hour)
	other := writeAgedFile(t, dir, "notes.txt", 72*time.Hour)

	if err := s.cleanupByFileAge(RetentionPolicy{KeepLastNDays: 1}); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	for _, p := range []string{oldMP4, oldLog} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s should have been deleted", filepath.Base(p))
		}
	}
	for _, p := range []string{fresh, other} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s should have been kept: %v", filepath.Base(p), err)
		}
	}
}

func TestCleanupByFileAgeDryRun(t *testing.T) {
	dir := t.TempDir()
	s := NewSupervisor(nil, nil, "ffmpeg", dir, time.Second)

	old := writeAgedFile(t, dir, "Old_20260101_000000.mp4", 72*time.Hour)

	if err := s.cleanupByFileAge(RetentionPolicy{KeepLastNDays: 1, DryRun: true}); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(old); err != nil {
		t.Errorf("dry run must not delete files: %v", err)
	}
}

func TestCleanupByFileAgeDisabledWithoutDays(t *testing.T) {
	dir := t.TempDir()
	s := NewSupervisor(nil, nil, "ffmpeg", dir, time.Second)
	writeAgedFile(t, dir, "Old_20260101_000000.mp4", 72*time.Hour)

	// Count-only policies need recording history; without it nothing happens.
	if err := s.cleanupByFileAge(RetentionPolicy{KeepLastN: 5}); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "Old_20260101_000000.mp4")); err != nil {
		t.Errorf("file should have been kept: %v", err)
	}
}
