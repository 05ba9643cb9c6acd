package db

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/flowcount/internal/snapshot"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_AppliesMigrations(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='traffic_logs'`).Scan(&n))
	assert.Equal(t, 1, n)

	// Running again is a no-op.
	require.NoError(t, db.MigrateUp())
}

func TestMigrateDownAndTo(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	require.NoError(t, db.MigrateDown())
	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name='traffic_logs'`).Scan(&n))
	assert.Equal(t, 0, n)

	require.NoError(t, db.MigrateTo(1))
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	require.NoError(t, db.MigrateForce(1))
}

func TestOpenDB_NoSchema(t *testing.T) {
	t.Parallel()
	db, err := OpenDB(filepath.Join(t.TempDir(), "bare.db"))
	require.NoError(t, err)
	defer db.Close()

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
	assert.False(t, dirty)
}

func TestRecordAndReadSnapshots(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()

	rows := []snapshot.StatsSnapshot{
		{Timestamp: 1700000000.5, FPS: 12.5, Counts: map[string]int{"car": 3, "bus": 1}, Total: 4},
		{Timestamp: 1700000060.25, FPS: 11, Counts: map[string]int{"car": 5, "bus": 1}, Total: 6},
		{Timestamp: 1700000120, FPS: 10, Counts: nil, Total: 0},
	}
	for _, r := range rows {
		require.NoError(t, db.RecordSnapshot(ctx, "cam-1", "session-a", r))
	}
	require.NoError(t, db.RecordSnapshot(ctx, "cam-2", "session-b", rows[0]))

	got, err := db.Snapshots(ctx, "cam-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, rows[0], got[0])
	assert.Equal(t, rows[1], got[1])
	assert.Equal(t, map[string]int{}, got[2].Counts)

	since := time.Unix(1700000060, 0)
	got, err = db.Snapshots(ctx, "cam-1", since)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 6, got[0].Total)

	streams, err := db.Streams(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"cam-1", "cam-2"}, streams)
}

func TestSnapshots_SkipsBadCounts(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.Exec(`INSERT INTO traffic_logs (stream_id, session_id, timestamp, fps, total, counts_json)
		VALUES ('cam', 's', 1, 0, 0, 'not json')`)
	require.NoError(t, err)
	require.NoError(t, db.RecordSnapshot(ctx, "cam", "s", snapshot.StatsSnapshot{Timestamp: 2, Counts: map[string]int{"car": 1}, Total: 1}))

	got, err := db.Snapshots(ctx, "cam", time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Total)
}

func TestRecordSnapshot_CancelledContext(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := db.RecordSnapshot(ctx, "cam", "s", snapshot.StatsSnapshot{Timestamp: 1})
	assert.Error(t, err)
}

func TestAttachAdminRoutes(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	require.NoError(t, db.RecordSnapshot(context.Background(), "cam", "s", snapshot.StatsSnapshot{Timestamp: 1, Total: 0}))

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	t.Run("backup", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
		req.RemoteAddr = "127.0.0.1:1234"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		require.NotEqual(t, http.StatusNotFound, rec.Code)
		if rec.Code != http.StatusOK {
			// tsweb may refuse debug access depending on the environment.
			return
		}
		assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
		assert.Contains(t, rec.Header().Get("Content-Disposition"), "backup-")

		gz, err := gzip.NewReader(rec.Body)
		require.NoError(t, err)
		body, err := io.ReadAll(gz)
		require.NoError(t, err)
		require.Greater(t, len(body), 16)
		assert.Equal(t, "SQLite format 3\x00", string(body[:16]))
	})

	t.Run("tailsql", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/debug/tailsql/", nil)
		req.RemoteAddr = "127.0.0.1:1234"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.NotEqual(t, http.StatusNotFound, rec.Code)
	})
}
