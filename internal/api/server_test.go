package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/flowcount/internal/config"
	"github.com/banshee-data/flowcount/internal/counter"
	"github.com/banshee-data/flowcount/internal/fsutil"
	"github.com/banshee-data/flowcount/internal/live"
	"github.com/banshee-data/flowcount/internal/monitoring"
	"github.com/banshee-data/flowcount/internal/pipeline"
	"github.com/banshee-data/flowcount/internal/snapshot"
	"github.com/banshee-data/flowcount/internal/testutil"
	"github.com/banshee-data/flowcount/internal/timeutil"
)

var classes = []string{"car", "motor", "bus", "truck"}

var day = time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)

const logDir = "logs"

type fakeStore struct {
	snaps   []snapshot.StatsSnapshot
	streams []string
	err     error
}

func (f *fakeStore) Snapshots(_ context.Context, _ string, since time.Time) ([]snapshot.StatsSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []snapshot.StatsSnapshot
	for _, s := range f.snaps {
		if s.Timestamp >= float64(since.Unix()) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) Streams(context.Context) ([]string, error) {
	return f.streams, f.err
}

func snapshots(minutes int) []snapshot.StatsSnapshot {
	return testutil.MinuteSnapshots(day, minutes, func(i int) map[string]int {
		return map[string]int{"car": i, "motor": 2 * i}
	})
}

func newTestServer(t *testing.T, store SnapshotStore) (*Server, *live.Registry, *monitoring.Metrics) {
	t.Helper()
	fsys := fsutil.NewMemoryFileSystem()
	testutil.WriteSnapshotLog(t, fsys, snapshot.PathFor(logDir, "cam-1", "2024-03-10"), snapshots(5), "{torn")

	reg := live.NewRegistry()
	metrics := monitoring.NewMetrics()
	srv := NewServer(Config{
		Live: reg,
		Runner: pipeline.Runner{
			FS:      fsys,
			Classes: classes,
			OutDir:  "data/processed",
			Metrics: metrics,
		},
		Defaults: pipeline.DefaultQuery(config.EmptyFlowConfig()),
		LogDir:   logDir,
		Location: time.UTC,
		Clock:    timeutil.NewMockClock(day.Add(10 * time.Minute)),
		Store:    store,
		Metrics:  metrics,
	})
	return srv, reg, metrics
}

func TestListStreams(t *testing.T) {
	t.Parallel()

	store := &fakeStore{streams: []string{"cam-1", "cam-2"}}
	srv, reg, _ := newTestServer(t, store)
	reg.Publish(counter.LiveStats{StreamID: "cam-3"})
	reg.Publish(counter.LiveStats{StreamID: "cam-2"})

	rec := testutil.Get(t, srv.ServeMux(), "/api/streams")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Streams []string `json:"streams"`
	}
	testutil.DecodeJSON(t, rec, &body)
	assert.Equal(t, []string{"cam-1", "cam-2", "cam-3"}, body.Streams)
}

func TestListStreams_StoreError(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, &fakeStore{err: errors.New("locked")})
	rec := testutil.Get(t, srv.ServeMux(), "/api/streams")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestShowLive(t *testing.T) {
	t.Parallel()

	srv, reg, _ := newTestServer(t, nil)
	reg.Publish(counter.LiveStats{StreamID: "cam-1", Frame: 42, TotalEntered: 3, Density: counter.DensityClear})
	mux := srv.ServeMux()

	t.Run("published", func(t *testing.T) {
		rec := testutil.Get(t, mux, "/api/streams/cam-1/live")
		require.Equal(t, http.StatusOK, rec.Code)
		var stats counter.LiveStats
		testutil.DecodeJSON(t, rec, &stats)
		assert.Equal(t, int64(42), stats.Frame)
		assert.Equal(t, 3, stats.TotalEntered)
		assert.Equal(t, counter.DensityClear, stats.Density)
	})

	t.Run("unknown", func(t *testing.T) {
		rec := testutil.Get(t, mux, "/api/streams/cam-9/live")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid id", func(t *testing.T) {
		rec := testutil.Get(t, mux, "/api/streams/cam%21/live")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("method", func(t *testing.T) {
		rec := testutil.Do(t, mux, http.MethodPost, "/api/streams/cam-1/live")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		assert.Equal(t, http.MethodGet, rec.Header().Get("Allow"))
	})
}

func TestShowFlow_FromLog(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, nil)
	rec := testutil.Get(t, srv.ServeMux(), "/api/streams/cam-1/flow?window=1min&minutes=0")
	require.Equal(t, http.StatusOK, rec.Code)

	var body flowResponse
	testutil.DecodeJSON(t, rec, &body)
	assert.Equal(t, "cam-1", body.StreamID)
	assert.Equal(t, "2024-03-10", body.Date)
	assert.Equal(t, "log", body.Source)
	assert.Equal(t, pipeline.StatusOK, body.Status)
	assert.Equal(t, 5, body.Records)
	assert.Equal(t, 1, body.Skipped)
	require.Len(t, body.Windows, 5)
	assert.Equal(t, "2024-03-10T08:00:00Z", body.Windows[0]["time"])
	assert.Equal(t, float64(4), body.Windows[4]["car"])
	assert.Equal(t, float64(12), body.Windows[4]["total"])
}

func TestShowFlow_NoExportWritten(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, nil)
	rec := testutil.Get(t, srv.ServeMux(), "/api/streams/cam-1/flow")
	require.Equal(t, http.StatusOK, rec.Code)

	fsys := srv.runner.FS.(*fsutil.MemoryFileSystem)
	assert.Equal(t, []string{snapshot.PathFor(logDir, "cam-1", "2024-03-10")}, fsys.Files())
}

func TestShowFlow_NoData(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, nil)
	rec := testutil.Get(t, srv.ServeMux(), "/api/streams/cam-1/flow?date=2024-03-09")
	require.Equal(t, http.StatusOK, rec.Code)

	var body flowResponse
	testutil.DecodeJSON(t, rec, &body)
	assert.Equal(t, pipeline.StatusNoData, body.Status)
	assert.NotNil(t, body.Windows)
	assert.Empty(t, body.Windows)
	assert.Contains(t, rec.Body.String(), `"windows":[]`)
}

func TestShowFlow_FromStore(t *testing.T) {
	t.Parallel()

	snaps := snapshots(3)
	// A row from the following day must not leak into the result.
	snaps = append(snaps, snapshot.StatsSnapshot{
		Timestamp: float64(day.Add(24 * time.Hour).Unix()),
		Counts:    map[string]int{"car": 99},
		Total:     99,
	})
	srv, _, _ := newTestServer(t, &fakeStore{snaps: snaps})

	rec := testutil.Get(t, srv.ServeMux(), "/api/streams/cam-1/flow?source=db&minutes=0")
	require.Equal(t, http.StatusOK, rec.Code)

	var body flowResponse
	testutil.DecodeJSON(t, rec, &body)
	assert.Equal(t, "db", body.Source)
	assert.Equal(t, pipeline.StatusOK, body.Status)
	assert.Equal(t, 3, body.Records)
	require.Len(t, body.Windows, 3)
	assert.Equal(t, float64(2), body.Windows[2]["car"])
}

func TestShowFlow_BadRequests(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, nil)
	mux := srv.ServeMux()

	tests := []struct {
		name   string
		target string
	}{
		{"bad window", "/api/streams/cam-1/flow?window=soon"},
		{"window too wide", "/api/streams/cam-1/flow?window=48h"},
		{"bad mode", "/api/streams/cam-1/flow?mode=average"},
		{"negative minutes", "/api/streams/cam-1/flow?minutes=-1"},
		{"bad threshold", "/api/streams/cam-1/flow?threshold=lots"},
		{"bad date", "/api/streams/cam-1/flow?date=10-03-2024"},
		{"bad source", "/api/streams/cam-1/flow?source=s3"},
		{"db without store", "/api/streams/cam-1/flow?source=db"},
		{"invalid id", "/api/streams/cam%2A/flow"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testutil.Get(t, mux, tt.target)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestShowFlow_StoreError(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, &fakeStore{err: errors.New("disk")})
	rec := testutil.Get(t, srv.ServeMux(), "/api/streams/cam-1/flow?source=db")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, nil)
	mux := srv.ServeMux()
	require.Equal(t, http.StatusOK, testutil.Get(t, mux, "/api/streams/cam-1/flow").Code)

	rec := testutil.Get(t, mux, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `flowcount_pipeline_runs_total{status="ok"} 1`)
}

func TestLoggingMiddleware(t *testing.T) {
	original := monitoring.Logf
	defer func() { monitoring.Logf = original }()

	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := testutil.Get(t, h, "/api/streams?x=1")
	assert.Equal(t, http.StatusTeapot, rec.Code)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "418")
	assert.Contains(t, lines[0], "/api/streams?x=1")
}

func TestStatusCodeColor(t *testing.T) {
	t.Parallel()
	assert.Equal(t, colorBoldGreen+"200"+colorReset, statusCodeColor(200))
	assert.Equal(t, colorYellow+"302"+colorReset, statusCodeColor(302))
	assert.Equal(t, colorBoldRed+"404"+colorReset, statusCodeColor(404))
	assert.Equal(t, colorBoldRed+"503"+colorReset, statusCodeColor(503))
	assert.Equal(t, "101", statusCodeColor(101))
}

func TestNewServer_Defaults(t *testing.T) {
	t.Parallel()
	srv := NewServer(Config{Runner: pipeline.Runner{OutDir: "data/processed"}})
	assert.NotNil(t, srv.live)
	assert.Equal(t, time.Local, srv.loc)
	assert.NotNil(t, srv.clock)
	assert.Empty(t, srv.runner.OutDir)
}
