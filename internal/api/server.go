// Package api serves live counts and on-demand flow analytics over HTTP.
package api

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/banshee-data/flowcount/internal/export"
	"github.com/banshee-data/flowcount/internal/httputil"
	"github.com/banshee-data/flowcount/internal/live"
	"github.com/banshee-data/flowcount/internal/monitoring"
	"github.com/banshee-data/flowcount/internal/pipeline"
	"github.com/banshee-data/flowcount/internal/records"
	"github.com/banshee-data/flowcount/internal/security"
	"github.com/banshee-data/flowcount/internal/snapshot"
	"github.com/banshee-data/flowcount/internal/timeutil"
)

// ANSI escape codes for request logging
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// SnapshotStore is the read side of the sqlite mirror.
type SnapshotStore interface {
	Snapshots(ctx context.Context, streamID string, since time.Time) ([]snapshot.StatsSnapshot, error)
	Streams(ctx context.Context) ([]string, error)
}

// Config wires a Server.
type Config struct {
	Live     *live.Registry
	Runner   pipeline.Runner
	Defaults pipeline.Query
	LogDir   string
	Location *time.Location
	Clock    timeutil.Clock
	Store    SnapshotStore // optional
	Metrics  *monitoring.Metrics
}

// Server serves live stats and flow analytics for the streams it knows
// about. Handlers only read shared state, so one Server may back many
// concurrent requests.
type Server struct {
	live     *live.Registry
	runner   pipeline.Runner
	defaults pipeline.Query
	logDir   string
	loc      *time.Location
	clock    timeutil.Clock
	store    SnapshotStore
	metrics  *monitoring.Metrics
}

// NewServer creates a Server from cfg. A nil Live registry, Location or
// Clock gets a default, and the runner's export directory is cleared so
// HTTP requests never write files.
func NewServer(cfg Config) *Server {
	s := &Server{
		live:     cfg.Live,
		runner:   cfg.Runner,
		defaults: cfg.Defaults,
		logDir:   cfg.LogDir,
		loc:      cfg.Location,
		clock:    cfg.Clock,
		store:    cfg.Store,
		metrics:  cfg.Metrics,
	}
	if s.live == nil {
		s.live = live.NewRegistry()
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.clock == nil {
		s.clock = timeutil.RealClock{}
	}
	// Requests never write exports.
	s.runner.OutDir = ""
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/streams", s.listStreams)
	mux.HandleFunc("/api/streams/{id}/live", s.showLive)
	mux.HandleFunc("/api/streams/{id}/flow", s.showFlow)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) listStreams(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}

	ids := s.live.Streams()
	if s.store != nil {
		stored, err := s.store.Streams(r.Context())
		if err != nil {
			httputil.InternalServerError(w, "failed to list stored streams")
			return
		}
		ids = mergeSorted(ids, stored)
	}
	httputil.WriteJSONOK(w, map[string]any{"streams": ids})
}

func mergeSorted(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, ids := range [][]string{a, b} {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Server) showLive(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	id := r.PathValue("id")
	if err := security.ValidateStreamID(id); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	stats, ok := s.live.Get(id)
	if !ok {
		httputil.NotFound(w, "stream is not live: "+id)
		return
	}
	httputil.WriteJSONOK(w, stats)
}

type flowResponse struct {
	StreamID string           `json:"stream_id"`
	Date     string           `json:"date"`
	Source   string           `json:"source"`
	Status   string           `json:"status"`
	Records  int              `json:"records"`
	Skipped  int              `json:"skipped"`
	Windows  []map[string]any `json:"windows"`
}

// showFlow runs the analytics pass for one stream and day. The day defaults
// to today in the configured timezone; source=db reads the sqlite mirror
// instead of the snapshot log.
func (s *Server) showFlow(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	id := r.PathValue("id")
	if err := security.ValidateStreamID(id); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	values := r.URL.Query()
	q, err := pipeline.QueryFromValues(values, s.defaults)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	date := values.Get("date")
	if date == "" {
		date = timeutil.DateKey(s.clock.Now(), s.loc)
	}
	day, err := timeutil.ParseDateKey(date, s.loc)
	if err != nil {
		httputil.BadRequest(w, "date must be YYYY-MM-DD")
		return
	}

	resp := flowResponse{StreamID: id, Date: date, Source: values.Get("source")}
	var res pipeline.Result
	switch resp.Source {
	case "", "log":
		resp.Source = "log"
		path := snapshot.PathFor(s.logDir, id, date)
		if err := security.ValidatePathWithinDirectory(path, s.logDir); err != nil {
			httputil.BadRequest(w, "invalid stream path")
			return
		}
		res, err = s.runner.Run(r.Context(), path, q)
	case "db":
		if s.store == nil {
			httputil.BadRequest(w, "no database configured")
			return
		}
		res, err = s.flowFromStore(r.Context(), id, day, q)
	default:
		httputil.BadRequest(w, "source must be log or db")
		return
	}
	if err != nil {
		monitoring.Logf("flow %s %s: %v", id, date, err)
		httputil.InternalServerError(w, "failed to compute flow")
		return
	}

	resp.Status = res.Status
	resp.Records = res.Records
	resp.Skipped = res.Skipped
	resp.Windows = export.ToRecords(res.Windows, s.runner.Classes)
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) flowFromStore(ctx context.Context, id string, day time.Time, q pipeline.Query) (pipeline.Result, error) {
	snaps, err := s.store.Snapshots(ctx, id, day)
	if err != nil {
		return pipeline.Result{}, err
	}
	recs := records.Within(records.FromSnapshots(snaps, s.runner.Classes), day, day.AddDate(0, 0, 1))
	if len(recs) == 0 {
		return pipeline.Result{Status: pipeline.StatusNoData}, nil
	}
	return s.runner.Analyze(ctx, recs, q)
}
