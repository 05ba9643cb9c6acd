package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/banshee-data/flowcount/internal/config"
	"github.com/banshee-data/flowcount/internal/pipeline"
	"github.com/banshee-data/flowcount/internal/version"
)

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: flowcount <command> [flags]

Commands:
  count     Count ROI crossings from a detection feed and write snapshots
  analyze   Aggregate a snapshot log into flow windows and export them
  serve     Serve live stats and flow analytics over HTTP
  migrate   Manage the sqlite mirror schema
  version   Print version information

Run 'flowcount <command> -h' for command flags.
`)
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "count":
		err = runCount(args)
	case "analyze":
		err = runAnalyze(args)
	case "serve":
		err = runServe(args)
	case "migrate":
		err = runMigrate(args)
	case "version", "-version", "--version":
		fmt.Println(version.String())
	case "help", "-h", "--help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

// commonFlags are the flags shared by every subcommand. Set flags override
// the config file.
type commonFlags struct {
	config   *string
	stream   *string
	logDir   *string
	dbPath   *string
	timezone *string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		config:   fs.String("config", "", "Path to a JSON config file (defaults are used when empty)"),
		stream:   fs.String("stream", "", "Stream id (overrides stream_id)"),
		logDir:   fs.String("log-dir", "", "Snapshot log root (overrides log_dir)"),
		dbPath:   fs.String("db", "", "sqlite mirror path (overrides db_path)"),
		timezone: fs.String("tz", "", "Timezone for calendar days (overrides timezone)"),
	}
}

func (c *commonFlags) load() (*config.FlowConfig, error) {
	cfg := config.EmptyFlowConfig()
	if *c.config != "" {
		loaded, err := config.LoadFlowConfig(*c.config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	for _, o := range []struct {
		flag *string
		dst  **string
	}{
		{c.stream, &cfg.StreamID},
		{c.logDir, &cfg.LogDir},
		{c.dbPath, &cfg.DBPath},
		{c.timezone, &cfg.Timezone},
	} {
		if *o.flag != "" {
			v := *o.flag
			*o.dst = &v
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// queryParams maps analyze flags onto the query parameters understood by
// pipeline.QueryFromValues.
var queryParams = map[string]string{
	"window":      "window",
	"mode":        "mode",
	"minutes":     "minutes",
	"peak-window": "peak_window",
	"threshold":   "threshold",
	"tail":        "tail",
}

func addQueryFlags(fs *flag.FlagSet) {
	fs.String("window", "", "Aggregation window, e.g. 1m, 90s or 5min (overrides window)")
	fs.String("mode", "", "Aggregation mode: snapshot or cumulative (overrides aggregation_mode)")
	fs.String("minutes", "", "Lookback in minutes, 0 for the whole log (overrides lookback_minutes)")
	fs.String("peak-window", "", "Rolling window for peak detection, in windows (overrides peak_window)")
	fs.String("threshold", "", "Fixed peak threshold on window totals (overrides peak_threshold)")
	fs.String("tail", "", "Read only the last N log lines, 0 for all (overrides tail_lines)")
}

// queryFromFlags applies the query flags that were set on top of defaults.
func queryFromFlags(fs *flag.FlagSet, defaults pipeline.Query) (pipeline.Query, error) {
	v := url.Values{}
	fs.Visit(func(f *flag.Flag) {
		if p, ok := queryParams[f.Name]; ok {
			v.Set(p, f.Value.String())
		}
	})
	return pipeline.QueryFromValues(v, defaults)
}

// serveHTTP runs an HTTP server until ctx is done.
func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
	return nil
}
