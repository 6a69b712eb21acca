package db

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scout/internal/episode"
	"github.com/banshee-data/scout/internal/observation"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "scout.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testEpisode(id string) episode.Episode {
	return episode.Episode{
		ID:        id,
		GoalLabel: "chair",
		Goal:      0,
		MaxSteps:  3,
		Backend:   "sim",
		StartedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNewDBMigrates(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := db.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)
}

func TestNewDBReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scout.db")
	db, err := NewDB(path, nil)
	require.NoError(t, err)
	require.NoError(t, db.StartEpisode(context.Background(), testEpisode("a")))
	require.NoError(t, db.Close())

	db, err = NewDB(path, nil)
	require.NoError(t, err)
	defer db.Close()
	episodes, err := db.Episodes(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, episodes, 1)
}

func TestEpisodeLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ended := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	db.now = func() time.Time { return ended }

	ep := testEpisode("6f1c2a9e-0000-4000-8000-000000000001")
	require.NoError(t, db.StartEpisode(ctx, ep))

	start := ep.StartedAt
	records := []episode.StepRecord{
		{Step: 1, At: start.Add(time.Second), Action: 1, Outcome: "moved", Pose: observation.Pose{X: 0.25}, Latency: 120 * time.Millisecond, Attempts: 1},
		{Step: 2, At: start.Add(2 * time.Second), Action: -1, Attempts: 3, Err: "segmentation inference failed: oom"},
		{Step: 2, At: start.Add(3 * time.Second), Action: 0, Outcome: "stopped", Pose: observation.Pose{X: 0.25, Theta: 0.5}, Attempts: 1, Finished: true},
	}
	for _, rec := range records {
		require.NoError(t, db.RecordStep(ctx, ep.ID, rec))
	}

	ep.StepCount, ep.Retries, ep.Finished, ep.EndReason = 2, 2, true, episode.EndStop
	require.NoError(t, db.FinishEpisode(ctx, ep))

	got, err := db.Episode(ctx, ep.ID[:8])
	require.NoError(t, err)
	assert.Equal(t, ep.ID, got.ID)
	assert.Equal(t, "chair", got.GoalLabel)
	assert.Equal(t, 2, got.StepCount)
	assert.Equal(t, 2, got.Retries)
	assert.True(t, got.Finished)
	assert.Equal(t, episode.EndStop, got.EndReason)
	assert.WithinDuration(t, ep.StartedAt, got.Started, time.Millisecond)
	require.NotNil(t, got.Ended)
	assert.WithinDuration(t, ended, *got.Ended, time.Millisecond)

	steps, err := db.Steps(ctx, ep.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, 1, steps[0].Action)
	assert.InDelta(t, 120, steps[0].LatencyMs, 1e-9)
	assert.Equal(t, 0.25, steps[0].PoseX)
	assert.Equal(t, -1, steps[1].Action)
	assert.Equal(t, "segmentation inference failed: oom", steps[1].Error)
	assert.Equal(t, "stopped", steps[2].Outcome)
	assert.True(t, steps[2].Finished)
	assert.Equal(t, 0.5, steps[2].PoseTheta)
}

func TestRunningStepCount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ep := testEpisode("running")
	require.NoError(t, db.StartEpisode(ctx, ep))

	require.NoError(t, db.RecordStep(ctx, ep.ID, episode.StepRecord{Step: 1, Action: 2}))
	require.NoError(t, db.RecordStep(ctx, ep.ID, episode.StepRecord{Step: 2, Action: -1}))

	got, err := db.Episode(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.StepCount, "aborted steps do not advance the count")
	assert.False(t, got.Finished)
	assert.Nil(t, got.Ended)
}

func TestUnknownEpisode(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.RecordStep(ctx, "missing", episode.StepRecord{Step: 1, Action: 1})
	assert.True(t, errors.Is(err, ErrNotFound))

	err = db.FinishEpisode(ctx, testEpisode("missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = db.Episode(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEpisodeAmbiguousPrefix(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.StartEpisode(ctx, testEpisode("abc-1")))
	require.NoError(t, db.StartEpisode(ctx, testEpisode("abc-2")))

	_, err := db.Episode(ctx, "abc")
	assert.ErrorContains(t, err, "ambiguous")

	got, err := db.Episode(ctx, "abc-2")
	require.NoError(t, err)
	assert.Equal(t, "abc-2", got.ID)
}

func TestEpisodesNewestFirst(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	for i, id := range []string{"first", "second", "third"} {
		ep := testEpisode(id)
		ep.StartedAt = ep.StartedAt.Add(time.Duration(i) * time.Minute)
		require.NoError(t, db.StartEpisode(ctx, ep))
	}

	episodes, err := db.Episodes(ctx, 2)
	require.NoError(t, err)
	require.Len(t, episodes, 2)
	assert.Equal(t, "third", episodes[0].ID)
	assert.Equal(t, "second", episodes[1].ID)
}

func TestMigrateDownAndUp(t *testing.T) {
	db := newTestDB(t)
	migrations, err := getMigrationsFS()
	require.NoError(t, err)
	require.NoError(t, db.StartEpisode(context.Background(), testEpisode("kept")))

	require.NoError(t, db.MigrateDown(migrations))
	version, _, err := db.MigrateVersion(migrations)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	_, err = db.Exec("SELECT end_reason FROM episodes")
	assert.Error(t, err)

	require.NoError(t, db.MigrateUp(migrations))
	got, err := db.Episode(context.Background(), "kept")
	require.NoError(t, err)
	assert.Empty(t, got.EndReason)
}

func TestBackupRoute(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.StartEpisode(context.Background(), testEpisode("backed-up")))

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment; filename=backup-")

	zr, err := gzip.NewReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte("SQLite format 3\x00")))

	req = httptest.NewRequest(http.MethodGet, "/debug/tailsql/", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.NotEqual(t, http.StatusNotFound, w.Code)
}
