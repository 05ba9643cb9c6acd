package pipeline

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/flowcount/internal/config"
	"github.com/banshee-data/flowcount/internal/flow"
)

// MaxWindowWidth bounds the aggregation window accepted from callers.
const MaxWindowWidth = 24 * time.Hour

// Query holds the parameters of one analytics run.
type Query struct {
	Window          time.Duration
	Mode            flow.Mode
	LookbackMinutes int  // 0 keeps the whole log
	PeakWindow      int  // rolling window, in windows
	PeakThreshold   *int // nil disables the threshold flag
	TailLines       int  // 0 reads the whole log
}

// DefaultQuery builds a Query from configuration.
func DefaultQuery(cfg *config.FlowConfig) Query {
	mode, err := flow.ParseMode(cfg.GetAggregationMode())
	if err != nil {
		mode = flow.ModeSnapshot
	}
	return Query{
		Window:          cfg.GetWindow(),
		Mode:            mode,
		LookbackMinutes: cfg.GetLookbackMinutes(),
		PeakWindow:      cfg.GetPeakWindow(),
		PeakThreshold:   cfg.GetPeakThreshold(),
		TailLines:       cfg.GetTailLines(),
	}
}

// Validate checks the query parameters.
func (q Query) Validate() error {
	var errs []error
	if q.Window <= 0 || q.Window > MaxWindowWidth {
		errs = append(errs, fmt.Errorf("window must be in (0, %s], got %s", MaxWindowWidth, q.Window))
	}
	if q.Mode != flow.ModeSnapshot && q.Mode != flow.ModeCumulative {
		errs = append(errs, fmt.Errorf("unknown mode %s", q.Mode))
	}
	if q.LookbackMinutes < 0 {
		errs = append(errs, fmt.Errorf("lookback minutes must be non-negative, got %d", q.LookbackMinutes))
	}
	if q.PeakWindow < 1 {
		errs = append(errs, fmt.Errorf("peak window must be at least 1, got %d", q.PeakWindow))
	}
	if q.PeakThreshold != nil && *q.PeakThreshold < 0 {
		errs = append(errs, fmt.Errorf("threshold must be non-negative, got %d", *q.PeakThreshold))
	}
	if q.TailLines < 0 {
		errs = append(errs, fmt.Errorf("tail lines must be non-negative, got %d", q.TailLines))
	}
	return errors.Join(errs...)
}

// ParseWindow accepts Go durations ("90s", "1m") and the "<n>min" form
// used by older dashboards.
func ParseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, ok := strings.CutSuffix(s, "min"); ok {
		minutes, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("invalid window %q", s)
		}
		return time.Duration(minutes) * time.Minute, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid window %q: %w", s, err)
	}
	return d, nil
}

// QueryFromValues overrides defaults with the HTTP query parameters
// window, mode, minutes, peak_window, threshold and tail.
func QueryFromValues(v url.Values, defaults Query) (Query, error) {
	q := defaults
	if s := v.Get("window"); s != "" {
		d, err := ParseWindow(s)
		if err != nil {
			return Query{}, err
		}
		q.Window = d
	}
	if s := v.Get("mode"); s != "" {
		m, err := flow.ParseMode(s)
		if err != nil {
			return Query{}, err
		}
		q.Mode = m
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{
		{"minutes", &q.LookbackMinutes},
		{"peak_window", &q.PeakWindow},
		{"tail", &q.TailLines},
	} {
		s := v.Get(p.name)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return Query{}, fmt.Errorf("invalid %s %q", p.name, s)
		}
		*p.dst = n
	}
	if s := v.Get("threshold"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return Query{}, fmt.Errorf("invalid threshold %q", s)
		}
		q.PeakThreshold = &n
	}
	if err := q.Validate(); err != nil {
		return Query{}, err
	}
	return q, nil
}
