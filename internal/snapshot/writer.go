// Package snapshot periodically persists a counter's daily totals as one
// JSON line per interval in a per-stream, per-day NDJSON log.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"path/filepath"
	"time"

	"github.com/banshee-data/flowcount/internal/fsutil"
	"github.com/banshee-data/flowcount/internal/monitoring"
	"github.com/banshee-data/flowcount/internal/security"
	"github.com/banshee-data/flowcount/internal/timeutil"
)

var logf = monitoring.Scoped("snapshot")

// DefaultInterval is the minimum time between two snapshot writes.
const DefaultInterval = 60 * time.Second

const mirrorTimeout = 5 * time.Second

// StatsSnapshot is one persisted line of a snapshot log.
type StatsSnapshot struct {
	Timestamp float64        `json:"timestamp"` // unix seconds
	FPS       float64        `json:"fps"`
	Counts    map[string]int `json:"counts"`
	Total     int            `json:"total"`
}

// Time returns the snapshot timestamp as a UTC time.
func (s StatsSnapshot) Time() time.Time {
	sec, frac := math.Modf(s.Timestamp)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}

// Source is what the writer snapshots. *counter.Counter satisfies it.
type Source interface {
	Totals() (map[string]int, int)
	Reset()
}

// Mirror receives every snapshot that was written to the log.
type Mirror interface {
	RecordSnapshot(ctx context.Context, streamID, sessionID string, s StatsSnapshot) error
}

// Config configures a Writer.
type Config struct {
	LogDir    string
	StreamID  string
	SessionID string
	Interval  time.Duration  // zero means DefaultInterval
	Location  *time.Location // calendar days; nil means time.Local

	Mirror  Mirror
	Metrics *monitoring.Metrics
}

// Writer decides when to persist a snapshot and resets the source at
// day rollover. It is driven from the frame loop goroutine.
type Writer struct {
	cfg       Config
	fsys      fsutil.FileSystem
	day       string
	lastWrite time.Time
	lastTotal int // total of the last line written for day
}

// NewWriter creates a Writer. The first snapshot is due one interval after
// construction.
func NewWriter(cfg Config, fsys fsutil.FileSystem, clock timeutil.Clock) (*Writer, error) {
	if err := security.ValidateStreamID(cfg.StreamID); err != nil {
		return nil, err
	}
	if cfg.LogDir == "" {
		return nil, errors.New("log dir is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	now := clock.Now()
	return &Writer{
		cfg:       cfg,
		fsys:      fsys,
		day:       timeutil.DateKey(now, cfg.Location),
		lastWrite: now,
	}, nil
}

// PathFor returns the log file for a stream and calendar day (YYYY-MM-DD).
func PathFor(logDir, streamID, day string) string {
	return filepath.Join(logDir, streamID, day+".ndjson")
}

// PathFor returns this writer's log file for the given day.
func (w *Writer) PathFor(day string) string {
	return PathFor(w.cfg.LogDir, w.cfg.StreamID, day)
}

// Day returns the calendar day the writer is currently logging to.
func (w *Writer) Day() string { return w.day }

// MaybeSnapshot handles day rollover and, when the save interval has
// elapsed, appends the source's totals to today's log. It reports whether a
// line was written for the interval. A failed write is returned but leaves
// the schedule untouched so the next call retries.
//
// At rollover, totals counted since the last line are first written to the
// finished day's log, stamped one second before midnight, and then the
// source is reset.
func (w *Writer) MaybeSnapshot(src Source, fps float64, now time.Time) (bool, error) {
	if day := timeutil.DateKey(now, w.cfg.Location); day != w.day {
		w.closeDay(src, fps, now)
		logf("day rollover %s -> %s, resetting counts for %s", w.day, day, w.cfg.StreamID)
		src.Reset()
		w.day = day
		w.lastTotal = 0
	}

	if now.Sub(w.lastWrite) < w.cfg.Interval {
		return false, nil
	}

	snap := newSnapshot(src, fps, now)
	if err := w.write(snap); err != nil {
		return false, err
	}
	w.lastWrite = now
	return true, nil
}

// closeDay flushes totals that changed after the last write of the
// finished day. A failure is logged; the counts are reset regardless.
func (w *Writer) closeDay(src Source, fps float64, now time.Time) {
	snap := newSnapshot(src, fps, now)
	if snap.Total == w.lastTotal {
		return
	}
	y, m, d := now.In(w.cfg.Location).Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, w.cfg.Location)
	snap.Timestamp = unixSeconds(midnight.Add(-time.Second))
	if err := w.write(snap); err != nil {
		logf("dropping final %s totals for %s: %v", w.day, w.cfg.StreamID, err)
	}
}

func newSnapshot(src Source, fps float64, now time.Time) StatsSnapshot {
	counts, total := src.Totals()
	snap := StatsSnapshot{
		Timestamp: unixSeconds(now),
		FPS:       math.Round(fps*100) / 100,
		Counts:    counts,
		Total:     total,
	}
	if math.IsNaN(snap.FPS) || math.IsInf(snap.FPS, 0) {
		snap.FPS = 0
	}
	return snap
}

// write appends snap to the current day's log and mirrors it.
func (w *Writer) write(snap StatsSnapshot) error {
	path := w.PathFor(w.day)
	if err := w.append(path, snap); err != nil {
		logf("write %s: %v", path, err)
		w.cfg.Metrics.ObserveSnapshot(err)
		return err
	}
	w.lastTotal = snap.Total
	w.cfg.Metrics.ObserveSnapshot(nil)

	if w.cfg.Mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := w.cfg.Mirror.RecordSnapshot(ctx, w.cfg.StreamID, w.cfg.SessionID, snap); err != nil {
			logf("mirror %s: %v", w.cfg.StreamID, err)
		}
	}
	return nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

// append rewrites the day file with snap added as its last line. A torn
// final line left by an earlier crash is dropped.
func (w *Writer) append(path string, snap StatsSnapshot) error {
	line, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if err := w.fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	existing, err := w.fsys.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read log: %w", err)
	}
	if n := len(existing); n > 0 && existing[n-1] != '\n' {
		existing = existing[:bytes.LastIndexByte(existing, '\n')+1]
	}

	buf := make([]byte, 0, len(existing)+len(line)+1)
	buf = append(buf, existing...)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	if err := w.fsys.WriteFileAtomic(path, buf, 0o644); err != nil {
		return fmt.Errorf("replace log: %w", err)
	}
	return nil
}
