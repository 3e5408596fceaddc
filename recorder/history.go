package recorder

import (
	"context"
	"database/sql"
	"log/slog"
)

// Recording history lives in the recordings table and is best-effort: a
// failed write never affects the job lifecycle. All of it is skipped when no
// database is configured.

func (s *Supervisor) recordStart(ctx context.Context, job *Job) {
	if s.db == nil {
		return
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO recordings (channel_id, display_name, title, output_path, started_at, state)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		job.ChannelID, job.DisplayName, job.Title, job.OutputPath, job.StartedAt, StateRunning.String(),
	).Scan(&job.historyID)
	if err != nil {
		slog.Warn("failed to record recording start", slog.String("channel", job.ChannelID), slog.Any("err", err))
	}
}

func (s *Supervisor) recordFinish(ctx context.Context, job *Job, final JobState, bytes int64) {
	if s.db == nil || job.historyID == 0 {
		return
	}
	exit := sql.NullInt32{}
	if code := job.exitCode(); code >= 0 {
		exit = sql.NullInt32{Int32: int32(code), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET state=$1, ended_at=NOW(), exit_code=$2, bytes=$3 WHERE id=$4`,
		final.String(), exit, bytes, job.historyID)
	if err != nil {
		slog.Warn("failed to record recording finish", slog.String("channel", job.ChannelID), slog.Any("err", err))
	}
}

func (s *Supervisor) recordSpawnFailure(ctx context.Context, job *Job, spawnErr error) {
	if s.db == nil {
		return
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings (channel_id, display_name, title, output_path, started_at, ended_at, state, error)
		 VALUES ($1, $2, $3, $4, $5, NOW(), $6, $7)`,
		job.ChannelID, job.DisplayName, job.Title, job.OutputPath, job.StartedAt, StateFailed.String(), spawnErr.Error())
	if err != nil {
		slog.Warn("failed to record spawn failure", slog.String("channel", job.ChannelID), slog.Any("err", err))
	}
}
