// Package testutil provides shared test fixtures: snapshot logs and HTTP
// request helpers.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/banshee-data/flowcount/internal/fsutil"
	"github.com/banshee-data/flowcount/internal/snapshot"
)

// MinuteSnapshots returns n snapshots, one per minute, each 30 seconds into
// its minute starting at start. counts(i) gives the cumulative counts of the
// i-th snapshot; Total is their sum.
func MinuteSnapshots(start time.Time, n int, counts func(i int) map[string]int) []snapshot.StatsSnapshot {
	out := make([]snapshot.StatsSnapshot, 0, n)
	for i := 0; i < n; i++ {
		c := counts(i)
		total := 0
		for _, v := range c {
			total += v
		}
		ts := start.Add(time.Duration(i)*time.Minute + 30*time.Second)
		out = append(out, snapshot.StatsSnapshot{
			Timestamp: float64(ts.Unix()),
			FPS:       15,
			Counts:    c,
			Total:     total,
		})
	}
	return out
}

// SnapshotLog renders snaps as NDJSON, one snapshot per line.
func SnapshotLog(t testing.TB, snaps []snapshot.StatsSnapshot) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, s := range snaps {
		line, err := json.Marshal(s)
		if err != nil {
			t.Fatalf("marshal snapshot: %v", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// WriteSnapshotLog writes snaps to path followed by trailer, which tests use
// to append a torn or malformed final line.
func WriteSnapshotLog(t testing.TB, fsys fsutil.FileSystem, path string, snaps []snapshot.StatsSnapshot, trailer string) {
	t.Helper()
	data := append(SnapshotLog(t, snaps), trailer...)
	if err := fsys.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write snapshot log: %v", err)
	}
}

// Get serves a GET request for target on h and returns the recorded response.
func Get(t testing.TB, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	return Do(t, h, http.MethodGet, target)
}

// Do serves a body-less request on h and returns the recorded response.
func Do(t testing.TB, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// DecodeJSON checks the response is JSON and decodes its body into v.
func DecodeJSON(t testing.TB, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response: %v\n%s", err, rec.Body.String())
	}
}
