// Package pipeline runs the analytics pass over a stream's snapshot log:
// load, lookback filter, aggregate, annotate and export.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/flowcount/internal/export"
	"github.com/banshee-data/flowcount/internal/flow"
	"github.com/banshee-data/flowcount/internal/fsutil"
	"github.com/banshee-data/flowcount/internal/monitoring"
	"github.com/banshee-data/flowcount/internal/records"
	"github.com/banshee-data/flowcount/internal/timeutil"
)

var logf = monitoring.Scoped("pipeline")

// Result statuses.
const (
	StatusOK     = "ok"
	StatusNoData = "no_data"
	StatusError  = "error"
)

// Result is the outcome of one run.
type Result struct {
	Status   string
	Windows  []flow.Window
	Records  int // records kept after the lookback filter
	Skipped  int // malformed log lines
	CSVPath  string
	JSONPath string
}

// Runner executes analytics runs. It holds no state between runs.
type Runner struct {
	FS      fsutil.FileSystem
	Classes []string
	// OutDir receives the CSV and JSON exports; empty skips the export.
	OutDir  string
	Metrics *monitoring.Metrics
	Clock   timeutil.Clock
}

// Run loads the log at logPath and analyses it. A missing log is not an
// error: it yields StatusNoData.
func (r *Runner) Run(ctx context.Context, logPath string, q Query) (Result, error) {
	if err := q.Validate(); err != nil {
		return Result{Status: StatusError}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{Status: StatusError}, err
	}

	loaded, err := records.Load(r.FS, logPath, records.Mode{TailLines: q.TailLines}, r.Classes)
	if errors.Is(err, records.ErrLogNotFound) {
		r.Metrics.ObservePipelineRun(StatusNoData)
		return Result{Status: StatusNoData}, nil
	}
	if err != nil {
		r.Metrics.ObservePipelineRun(StatusError)
		return Result{Status: StatusError}, err
	}
	r.Metrics.ObserveSkippedRecords(loaded.Skipped)

	res, err := r.Analyze(ctx, loaded.Records, q)
	res.Skipped = loaded.Skipped
	return res, err
}

// Analyze runs the pass over already loaded records, sorted by time.
func (r *Runner) Analyze(ctx context.Context, recs []records.CanonicalRecord, q Query) (res Result, err error) {
	defer func() {
		r.Metrics.ObservePipelineRun(res.Status)
	}()

	recs = Lookback(recs, q.LookbackMinutes)
	if err := ctx.Err(); err != nil {
		return Result{Status: StatusError}, err
	}

	windows := flow.Aggregate(recs, q.Window, r.Classes, q.Mode)
	if len(windows) == 0 {
		return Result{Status: StatusNoData, Records: len(recs)}, nil
	}
	windows = flow.Annotate(windows, r.Classes, q.PeakWindow, q.PeakThreshold)
	res = Result{Status: StatusOK, Windows: windows, Records: len(recs)}

	if r.OutDir == "" {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return Result{Status: StatusError}, err
	}
	res.CSVPath, res.JSONPath, err = export.Export(r.FS, windows, r.Classes, r.OutDir)
	if err != nil {
		res.Status = StatusError
		return res, fmt.Errorf("export: %w", err)
	}
	return res, nil
}

// Lookback keeps records whose timestamp is within minutes of the newest
// record. Records without a timestamp are dropped; minutes <= 0 keeps all.
func Lookback(recs []records.CanonicalRecord, minutes int) []records.CanonicalRecord {
	if minutes <= 0 {
		return recs
	}
	var last *float64
	for i := range recs {
		if ts := recs[i].TS; ts != nil && (last == nil || *ts > *last) {
			last = ts
		}
	}
	if last == nil {
		return nil
	}
	cutoff := *last - float64(minutes)*60
	out := make([]records.CanonicalRecord, 0, len(recs))
	for _, rec := range recs {
		if rec.TS != nil && *rec.TS >= cutoff {
			out = append(out, rec)
		}
	}
	return out
}

// Poll runs the pipeline immediately and then on every tick until ctx is
// done. logPath is resolved on each run so a poll spanning midnight follows
// the new day's log. Failed runs are logged and retried on the next tick.
func (r *Runner) Poll(ctx context.Context, logPath func(now time.Time) string, q Query, interval time.Duration, onResult func(Result)) error {
	if err := q.Validate(); err != nil {
		return err
	}
	clock := r.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	run := func() {
		started := clock.Now()
		path := logPath(started)
		res, err := r.Run(ctx, path, q)
		if err != nil {
			if ctx.Err() == nil {
				logf("run %s: %v", path, err)
			}
			return
		}
		switch res.Status {
		case StatusNoData:
			logf("no data in %s", path)
		default:
			logf("analysed %s: %d windows from %d records in %s", path, len(res.Windows), res.Records, clock.Since(started))
		}
		if onResult != nil {
			onResult(res)
		}
	}

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	run()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			run()
		}
	}
}
