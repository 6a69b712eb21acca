package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/scout/internal/episode"
)

var _ episode.Recorder = (*DB)(nil)

// ErrNotFound is returned when an episode does not exist.
var ErrNotFound = errors.New("episode not found")

// EpisodeRow is a stored episode.
type EpisodeRow struct {
	ID        string
	GoalLabel string
	Goal      int
	Backend   string
	MaxSteps  int
	StepCount int
	Retries   int
	Finished  bool
	EndReason string
	Started   time.Time
	Ended     *time.Time
}

// StepRow is a stored step.
type StepRow struct {
	EpisodeID string
	Step      int
	At        time.Time
	Action    int
	Outcome   string
	PoseX     float64
	PoseY     float64
	PoseTheta float64
	LatencyMs float64
	Attempts  int
	Finished  bool
	Error     string
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*1e9))
}

// StartEpisode implements episode.Recorder.
func (db *DB) StartEpisode(ctx context.Context, ep episode.Episode) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO episodes (
			episode_id, goal_label, goal, backend, max_steps, step_count, retries, finished, started_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.GoalLabel, ep.Goal, ep.Backend, ep.MaxSteps, ep.StepCount, ep.Retries, ep.Finished,
		unixSeconds(ep.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert episode %s: %w", ep.ID, err)
	}
	return nil
}

// RecordStep implements episode.Recorder. The episode's running step count
// is advanced with it.
func (db *DB) RecordStep(ctx context.Context, episodeID string, rec episode.StepRecord) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO steps (
			episode_id, step, ts_unix, action, outcome, pose_x, pose_y, pose_theta,
			latency_ms, attempts, finished, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		episodeID, rec.Step, unixSeconds(rec.At), rec.Action, rec.Outcome,
		rec.Pose.X, rec.Pose.Y, rec.Pose.Theta,
		float64(rec.Latency)/float64(time.Millisecond), rec.Attempts, rec.Finished, rec.Err,
	)
	if err != nil {
		return fmt.Errorf("failed to insert step %d: %w", rec.Step, err)
	}
	if rec.Action >= 0 {
		res, err := tx.ExecContext(ctx,
			`UPDATE episodes SET step_count = MAX(step_count, ?) WHERE episode_id = ?`,
			rec.Step, episodeID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, episodeID)
		}
	}
	return tx.Commit()
}

// FinishEpisode implements episode.Recorder.
func (db *DB) FinishEpisode(ctx context.Context, ep episode.Episode) error {
	res, err := db.ExecContext(ctx, `
		UPDATE episodes
		SET step_count = ?, retries = ?, finished = ?, end_reason = ?, finished_unix = ?
		WHERE episode_id = ?`,
		ep.StepCount, ep.Retries, ep.Finished, ep.EndReason, unixSeconds(db.now()), ep.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish episode %s: %w", ep.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, ep.ID)
	}
	return nil
}

const episodeColumns = `episode_id, goal_label, goal, backend, max_steps, step_count, retries,
	finished, end_reason, started_unix, finished_unix`

func scanEpisode(row interface{ Scan(...any) error }) (EpisodeRow, error) {
	var (
		e       EpisodeRow
		started float64
		ended   sql.NullFloat64
	)
	if err := row.Scan(&e.ID, &e.GoalLabel, &e.Goal, &e.Backend, &e.MaxSteps, &e.StepCount, &e.Retries,
		&e.Finished, &e.EndReason, &started, &ended); err != nil {
		return EpisodeRow{}, err
	}
	e.Started = fromUnixSeconds(started)
	if ended.Valid {
		t := fromUnixSeconds(ended.Float64)
		e.Ended = &t
	}
	return e, nil
}

// Episodes returns the most recently started episodes, newest first.
func (db *DB) Episodes(ctx context.Context, limit int) ([]EpisodeRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes ORDER BY started_unix DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var episodes []EpisodeRow
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return episodes, nil
}

// Episode returns one episode by ID, or by unique ID prefix.
func (db *DB) Episode(ctx context.Context, id string) (EpisodeRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE episode_id = ? OR episode_id LIKE ? || '%' LIMIT 2`, id, id)
	if err != nil {
		return EpisodeRow{}, err
	}
	defer rows.Close()

	var found []EpisodeRow
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return EpisodeRow{}, err
		}
		if e.ID == id {
			return e, nil
		}
		found = append(found, e)
	}
	if err := rows.Err(); err != nil {
		return EpisodeRow{}, err
	}
	switch len(found) {
	case 0:
		return EpisodeRow{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	case 1:
		return found[0], nil
	default:
		return EpisodeRow{}, fmt.Errorf("episode prefix %q is ambiguous", id)
	}
}

// Steps returns the steps of an episode in execution order.
func (db *DB) Steps(ctx context.Context, episodeID string) ([]StepRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT episode_id, step, ts_unix, action, outcome, pose_x, pose_y, pose_theta,
			latency_ms, attempts, finished, error
		FROM steps WHERE episode_id = ? ORDER BY ts_unix, rowid`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []StepRow
	for rows.Next() {
		var (
			s  StepRow
			ts float64
		)
		if err := rows.Scan(&s.EpisodeID, &s.Step, &ts, &s.Action, &s.Outcome, &s.PoseX, &s.PoseY, &s.PoseTheta,
			&s.LatencyMs, &s.Attempts, &s.Finished, &s.Error); err != nil {
			return nil, err
		}
		s.At = fromUnixSeconds(ts)
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return steps, nil
}
