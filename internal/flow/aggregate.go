// Package flow buckets canonical records into fixed-width time windows and
// annotates the windows with class composition and traffic peaks.
package flow

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/banshee-data/flowcount/internal/records"
)

// Mode selects how record values are interpreted inside a window.
type Mode int

const (
	// ModeSnapshot treats each record value as a momentary count.
	ModeSnapshot Mode = iota
	// ModeCumulative treats each record value as a running total and
	// reports the per-window increase.
	ModeCumulative
)

// firstWindowInflation scales the observed rise in the first cumulative
// window, which has no predecessor to difference against. Unverified
// heuristic kept for compatibility with existing dashboards.
const firstWindowInflation = 1.25

// ParseMode parses "snapshot" or "cumulative".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "snapshot", "":
		return ModeSnapshot, nil
	case "cumulative":
		return ModeCumulative, nil
	}
	return 0, fmt.Errorf("unknown aggregation mode %q", s)
}

func (m Mode) String() string {
	switch m {
	case ModeSnapshot:
		return "snapshot"
	case ModeCumulative:
		return "cumulative"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// MaxWindows bounds the number of windows one Aggregate call emits.
const MaxWindows = 1 << 16

// Window is one aggregated time bucket.
type Window struct {
	Start   time.Time
	Counts  map[string]int
	Total   int
	Records int // source records that fell in this bucket

	// Set by Annotate.
	ClassPct        map[string]float64
	RollingMean     float64
	RollingStd      float64
	IsPeakAuto      bool
	IsPeakThreshold bool
}

// Aggregate buckets records into windows of the given width, floored from
// the Unix epoch. Windows are contiguous from the first to the last occupied
// bucket; records without a timestamp are ignored. Records must be sorted
// by time, as records.Load returns them.
func Aggregate(recs []records.CanonicalRecord, width time.Duration, classes []string, mode Mode) []Window {
	if width <= 0 {
		return nil
	}
	secs := width.Seconds()
	byIndex := make(map[int64][]records.CanonicalRecord)
	var first, last int64
	for _, r := range recs {
		if r.TS == nil {
			continue
		}
		idx := int64(math.Floor(*r.TS / secs))
		if len(byIndex) == 0 || idx < first {
			first = idx
		}
		if len(byIndex) == 0 || idx > last {
			last = idx
		}
		byIndex[idx] = append(byIndex[idx], r)
	}
	if len(byIndex) == 0 {
		return nil
	}
	if last-first+1 > MaxWindows {
		// A stray ancient timestamp would otherwise allocate years of empty
		// windows; keep the most recent span.
		first = last - MaxWindows + 1
		for idx := range byIndex {
			if idx < first {
				delete(byIndex, idx)
			}
		}
		if _, ok := byIndex[first]; !ok {
			for idx := first; idx <= last; idx++ {
				if _, ok := byIndex[idx]; ok {
					first = idx
					break
				}
			}
		}
	}

	out := make([]Window, 0, last-first+1)
	prev := make(map[string]int, len(classes))
	for idx := first; idx <= last; idx++ {
		in := byIndex[idx]
		w := Window{
			Start:   time.Unix(0, 0).UTC().Add(time.Duration(idx) * width),
			Counts:  make(map[string]int, len(classes)),
			Records: len(in),
		}
		for _, class := range classes {
			var v int
			switch mode {
			case ModeCumulative:
				v = cumulativeFlow(in, class, prev, idx == first)
			default:
				v = snapshotValue(in, class, prev)
			}
			w.Counts[class] = v
			w.Total += v
		}
		out = append(out, w)
	}
	return out
}

// snapshotValue is the last record's value in the bucket, or the carried
// value when the bucket is empty.
func snapshotValue(in []records.CanonicalRecord, class string, prev map[string]int) int {
	if len(in) == 0 {
		return prev[class]
	}
	v := in[len(in)-1].Counts[class]
	prev[class] = v
	return v
}

// cumulativeFlow returns the bucket's increase of the running total.
// prev holds the previous bucket's max and is updated in place.
func cumulativeFlow(in []records.CanonicalRecord, class string, prev map[string]int, first bool) int {
	if len(in) == 0 {
		return 0
	}
	lo, hi := in[0].Counts[class], in[0].Counts[class]
	for _, r := range in[1:] {
		v := r.Counts[class]
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if first {
		prev[class] = hi
		return int(math.Round(float64(hi-lo) * firstWindowInflation))
	}
	flow := max(0, hi-prev[class])
	prev[class] = hi
	return flow
}
