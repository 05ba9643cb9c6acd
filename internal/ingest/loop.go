package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"time"

	"github.com/banshee-data/flowcount/internal/counter"
	"github.com/banshee-data/flowcount/internal/fsutil"
	"github.com/banshee-data/flowcount/internal/monitoring"
	"github.com/banshee-data/flowcount/internal/snapshot"
	"github.com/banshee-data/flowcount/internal/timeutil"
)

var logf = monitoring.Scoped("ingest")

// maxFrameLine bounds one feed line; longer lines are skipped.
const maxFrameLine = 4 << 20

// fpsSmoothing weights the previous FPS estimate against the latest frame.
const fpsSmoothing = 0.9

// Snapshotter is the part of *snapshot.Writer the loop needs.
type Snapshotter interface {
	MaybeSnapshot(src snapshot.Source, fps float64, now time.Time) (bool, error)
}

// Publisher receives live stats after every frame.
type Publisher interface {
	Publish(counter.LiveStats)
}

// Loop feeds frames from a detection feed through one stream's counter.
// It owns the counter for the duration of Run.
type Loop struct {
	Counter   *counter.Counter
	Snapshots Snapshotter // optional
	Live      Publisher   // optional
	Metrics   *monitoring.Metrics
	Clock     timeutil.Clock

	// UseFrameTime takes the time of each frame from its "ts" field when
	// present, for replaying recorded feeds.
	UseFrameTime bool
}

// Summary describes a finished Run.
type Summary struct {
	Frames    int
	BadLines  int
	Snapshots int
	FPS       float64
}

type lineOrErr struct {
	line    []byte
	tooLong bool
	err     error
}

// Run consumes r until EOF or until ctx is done. Unparsable and oversized
// lines are skipped; snapshot failures are left to the writer to retry.
// When r is an io.Closer it is closed once ctx is done, which unblocks a
// pending read.
func (l *Loop) Run(ctx context.Context, r io.Reader) (Summary, error) {
	clock := l.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	if c, ok := r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()
	}

	lines := make(chan lineOrErr)
	go scan(ctx, r, lines)

	var (
		sum       Summary
		fps       float64
		lastFrame time.Time
	)
	for {
		var item lineOrErr
		var ok bool
		select {
		case <-ctx.Done():
			return sum, ctx.Err()
		case item, ok = <-lines:
		}
		if !ok {
			return sum, nil
		}
		if item.err != nil {
			return sum, item.err
		}
		if item.tooLong {
			sum.BadLines++
			logf("skipping feed line over %d bytes", maxFrameLine)
			continue
		}

		frame, err := ParseFrame(item.line)
		if err != nil {
			sum.BadLines++
			logf("skipping feed line: %v: %.120s", err, item.line)
			continue
		}

		now := clock.Now()
		if l.UseFrameTime && frame.HasTS {
			sec, frac := math.Modf(frame.TS)
			now = time.Unix(int64(sec), int64(math.Round(frac*1e9)))
		}
		if !lastFrame.IsZero() {
			if dt := now.Sub(lastFrame).Seconds(); dt > 0 {
				fps = fpsSmoothing*fps + (1-fpsSmoothing)/dt
			}
		}
		lastFrame = now

		l.Counter.CountFrame(frame.Detections)
		sum.Frames++
		step := l.Counter.LastFrame()
		l.Metrics.ObserveFrame(step.Skipped + frame.Dropped)
		l.Metrics.ObserveCrossings(step.Entered, step.Exited)

		if l.Snapshots != nil {
			if wrote, _ := l.Snapshots.MaybeSnapshot(l.Counter, fps, now); wrote {
				sum.Snapshots++
			}
		}
		if l.Live != nil {
			l.Live.Publish(l.Counter.Stats(fps, now))
		}
		sum.FPS = fps
	}
}

// scan sends trimmed non-empty lines to out and closes it at EOF.
func scan(ctx context.Context, r io.Reader, out chan<- lineOrErr) {
	defer close(out)
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := fsutil.ReadLine(br, maxFrameLine)
		var item lineOrErr
		switch {
		case errors.Is(err, io.EOF):
			return
		case errors.Is(err, fsutil.ErrLineTooLong):
			item.tooLong = true
		case err != nil:
			item.err = err
		default:
			if line = bytes.TrimSpace(line); len(line) == 0 {
				continue
			}
			item.line = line
		}
		select {
		case out <- item:
		case <-ctx.Done():
			return
		}
		if item.err != nil {
			return
		}
	}
}
