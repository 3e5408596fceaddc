// Package recorder supervises external recording processes, one per live
// episode. It owns the job table (at most one active job per channel),
// launches the recorder with a resolved playback URL, reaps processes that
// exit on their own, and stops everything cleanly on shutdown. The recorder
// binary is treated as a black box: graceful stop is an interrupt signal,
// escalated to a kill after a bounded grace period.
package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/onnwee/replive-recorder/repliveapi"
	"github.com/onnwee/replive-recorder/telemetry"
)

// PlaybackResolver is the slice of the platform client the supervisor needs.
type PlaybackResolver interface {
	ResolvePlaybackURL(ctx context.Context, channelID string) (string, error)
}

// Supervisor owns the set of in-progress recordings.
type Supervisor struct {
	api          PlaybackResolver
	db           *sql.DB // nil disables recording history
	recorderPath string
	dataDir      string
	stopGrace    time.Duration

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewSupervisor builds a supervisor. db may be nil; history writes are then
// skipped. stopGrace bounds how long a graceful stop waits before escalating.
func NewSupervisor(api PlaybackResolver, db *sql.DB, recorderPath, dataDir string, stopGrace time.Duration) *Supervisor {
	if stopGrace <= 0 {
		stopGrace = 10 * time.Second
	}
	return &Supervisor{
		api:          api,
		db:           db,
		recorderPath: recorderPath,
		dataDir:      dataDir,
		stopGrace:    stopGrace,
		jobs:         make(map[string]*Job),
	}
}

// OnLive handles a became-live event. Idempotent: a channel with an active
// job is a no-op. A NotLive resolution failure (the stream ended between
// detection and resolution) is logged and creates no job; the channel stays
// watched. Spawn failure is logged and not retried within the episode.
func (s *Supervisor) OnLive(ctx context.Context, channelID, displayName, title string) error {
	// Reserve the channel in the job table in the same critical section as
	// the duplicate check, so concurrent duplicate events cannot both reach
	// the spawn path.
	job := &Job{
		ChannelID: channelID,
		StartedAt: time.Now(),
		state:     StateStarting,
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	if j, ok := s.jobs[channelID]; ok && j.active() {
		s.mu.Unlock()
		slog.Debug("recording already active; ignoring duplicate live event",
			slog.String("channel", channelID), slog.String("state", j.state.String()))
		return nil
	}
	s.jobs[channelID] = job
	s.mu.Unlock()

	url, err := s.api.ResolvePlaybackURL(ctx, channelID)
	if err != nil {
		s.release(job)
		if repliveapi.IsNotLive(err) {
			slog.Info("stream ended before recording could start", slog.String("channel", channelID))
			return nil
		}
		return fmt.Errorf("resolve playback url for %s: %w", channelID, err)
	}

	if displayName == "" {
		displayName = channelID
	}
	now := job.StartedAt
	base := outputBasename(displayName, now)
	outPath := filepath.Join(s.dataDir, base+".mp4")
	logPath := filepath.Join(s.dataDir, base+".log")

	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		s.release(job)
		return fmt.Errorf("create data dir: %w", err)
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		s.release(job)
		return fmt.Errorf("create recorder log file: %w", err)
	}
	fmt.Fprintf(logFile, "started: %s\nchannel: %s\ntitle: %s\nurl: %s\n\n", now.Format(time.RFC3339), displayName, title, url)

	job.DisplayName = displayName
	job.Title = title
	job.OutputPath = outPath
	job.LogPath = logPath
	job.logFile = logFile

	// -nostdin keeps ffmpeg from reading the terminal; stream copy only, no
	// re-encode. Stdout/stderr go to the sidecar log for operator inspection.
	cmd := exec.Command(s.recorderPath, "-hide_banner", "-nostdin", "-i", url, "-c", "copy", outPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		s.release(job)
		if cerr := logFile.Close(); cerr != nil {
			slog.Warn("failed to close recorder log", slog.Any("err", cerr))
		}
		telemetry.RecordingsFailed.Inc()
		s.recordSpawnFailure(ctx, job, err)
		slog.Error("failed to launch recorder",
			slog.String("channel", channelID),
			slog.String("recorder", s.recorderPath),
			slog.Any("err", err))
		return fmt.Errorf("spawn recorder for %s: %w", channelID, err)
	}

	s.mu.Lock()
	job.cmd = cmd
	job.PID = cmd.Process.Pid
	job.state = StateRunning
	s.mu.Unlock()

	go func() {
		job.waitErr = cmd.Wait()
		close(job.done)
	}()

	s.recordStart(ctx, job)
	telemetry.RecordingsStarted.Inc()
	telemetry.ActiveRecordings.Inc()
	slog.Info("recording started",
		slog.String("channel", channelID),
		slog.String("name", displayName),
		slog.String("title", title),
		slog.String("output", outPath),
		slog.Int("pid", job.PID))
	return nil
}

// release drops a reservation that never turned into a running recording.
// Only the owning reservation is removed; a job that replaced it stays.
func (s *Supervisor) release(job *Job) {
	s.mu.Lock()
	if s.jobs[job.ChannelID] == job {
		delete(s.jobs, job.ChannelID)
	}
	s.mu.Unlock()
}

// OnOffline handles a became-offline event: stop the channel's recording
// gracefully and remove it. A channel with no active job is a no-op (the
// process may have been reaped already; first observation wins).
func (s *Supervisor) OnOffline(ctx context.Context, channelID string) {
	s.mu.Lock()
	job, ok := s.jobs[channelID]
	if !ok || !job.active() {
		s.mu.Unlock()
		return
	}
	job.state = StateStopping
	job.stopRequested = true
	s.mu.Unlock()

	slog.Info("stream went offline; stopping recording", slog.String("channel", channelID), slog.Int("pid", job.PID))
	s.stopAndFinalize(ctx, job)
}

// stopAndFinalize signals the process to terminate gracefully, escalates to a
// kill after the grace period, waits for exit, and finalizes the job. A stop
// requested by the supervisor always finalizes as Stopped: the recorder's
// exit code after an interrupt is not meaningful.
func (s *Supervisor) stopAndFinalize(ctx context.Context, job *Job) {
	if job.cmd == nil {
		// Reservation whose process never spawned; nothing to signal.
		s.finalize(ctx, job, StateStopped)
		return
	}
	if !job.exited() {
		if err := job.cmd.Process.Signal(os.Interrupt); err != nil {
			slog.Warn("failed to signal recorder; killing", slog.Int("pid", job.PID), slog.Any("err", err))
			_ = job.cmd.Process.Kill()
		}
		select {
		case <-job.done:
		case <-time.After(s.stopGrace):
			slog.Warn("recorder ignored graceful stop; killing",
				slog.String("channel", job.ChannelID), slog.Int("pid", job.PID), slog.Duration("grace", s.stopGrace))
			_ = job.cmd.Process.Kill()
			<-job.done
		case <-ctx.Done():
			_ = job.cmd.Process.Kill()
			<-job.done
		}
	}
	s.finalize(ctx, job, StateStopped)
}

// ReapExited scans for recorder processes that terminated on their own, i.e.
// the stream ended remotely or the recorder crashed, and finalizes them
// without waiting for a became-offline event. Invoked every supervisor tick.
func (s *Supervisor) ReapExited(ctx context.Context) {
	s.mu.Lock()
	var exited []*Job
	for _, job := range s.jobs {
		if job.active() && job.exited() {
			job.state = StateStopping
			exited = append(exited, job)
		}
	}
	s.mu.Unlock()

	for _, job := range exited {
		final := StateStopped
		if !job.stopRequested && job.waitErr != nil {
			final = StateFailed
		}
		s.finalize(ctx, job, final)
	}
}

// finalize records the outcome, releases resources, and removes the job from
// the table. Partial output files are always left for operator recovery.
func (s *Supervisor) finalize(ctx context.Context, job *Job, final JobState) {
	s.mu.Lock()
	if job.state == StateStopped || job.state == StateFailed {
		s.mu.Unlock()
		return
	}
	job.state = final
	delete(s.jobs, job.ChannelID)
	s.mu.Unlock()

	if job.cmd == nil {
		// Reservation only: no process, no metrics, no history row.
		return
	}

	if job.logFile != nil {
		if err := job.logFile.Close(); err != nil {
			slog.Warn("failed to close recorder log", slog.Any("err", err))
		}
	}

	var bytes int64
	if fi, err := os.Stat(job.OutputPath); err == nil {
		bytes = fi.Size()
	}

	telemetry.ActiveRecordings.Dec()
	if final == StateFailed {
		telemetry.RecordingsFailed.Inc()
		slog.Error("recording failed",
			slog.String("channel", job.ChannelID),
			slog.String("output", job.OutputPath),
			slog.Int("exit_code", job.exitCode()),
			slog.Duration("duration", time.Since(job.StartedAt)),
			slog.Any("err", job.waitErr))
	} else {
		telemetry.RecordingsStopped.Inc()
		slog.Info("recording stopped",
			slog.String("channel", job.ChannelID),
			slog.String("output", job.OutputPath),
			slog.Int64("bytes", bytes),
			slog.Duration("duration", time.Since(job.StartedAt)))
	}

	s.recordFinish(ctx, job, final, bytes)
}

// ShutdownAll stops every active recording concurrently, each bounded by the
// stop grace period, and reports whether all of them finalized before ctx
// expired. No recorder process survives the supervisor.
func (s *Supervisor) ShutdownAll(ctx context.Context) bool {
	s.mu.Lock()
	var active []*Job
	for _, job := range s.jobs {
		if job.active() {
			job.state = StateStopping
			job.stopRequested = true
			active = append(active, job)
		}
	}
	s.mu.Unlock()

	if len(active) == 0 {
		return true
	}
	slog.Info("stopping all recordings", slog.Int("count", len(active)))

	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, job := range active {
		wg.Add(1)
		go func(j *Job) {
			defer wg.Done()
			s.stopAndFinalize(ctx, j)
		}(job)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		// Escalate: kill whatever is left and report a forced shutdown.
		for _, job := range active {
			if job.cmd != nil && !job.exited() {
				_ = job.cmd.Process.Kill()
			}
		}
		slog.Error("shutdown timeout; recordings were killed", slog.Int("count", s.ActiveCount()))
		return false
	}
}

// JobStatus is a point-in-time snapshot of one active job for /status.
type JobStatus struct {
	ChannelID   string    `json:"channel_id"`
	DisplayName string    `json:"display_name"`
	Title       string    `json:"title,omitempty"`
	OutputPath  string    `json:"output_path"`
	PID         int       `json:"pid"`
	State       string    `json:"state"`
	StartedAt   time.Time `json:"started_at"`
}

// Snapshot returns the active job table for observability.
func (s *Supervisor) Snapshot() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobStatus{
			ChannelID:   j.ChannelID,
			DisplayName: j.DisplayName,
			Title:       j.Title,
			OutputPath:  j.OutputPath,
			PID:         j.PID,
			State:       j.state.String(),
			StartedAt:   j.StartedAt,
		})
	}
	return out
}

// ActiveCount returns the number of jobs currently in the table.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
