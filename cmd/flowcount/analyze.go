package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/flowcount/internal/config"
	"github.com/banshee-data/flowcount/internal/db"
	"github.com/banshee-data/flowcount/internal/fsutil"
	"github.com/banshee-data/flowcount/internal/pipeline"
	"github.com/banshee-data/flowcount/internal/records"
	"github.com/banshee-data/flowcount/internal/snapshot"
	"github.com/banshee-data/flowcount/internal/timeutil"
)

func runAnalyze(args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	common := addCommonFlags(fs)
	addQueryFlags(fs)
	outDir := fs.String("out", "", "Export directory (overrides out_dir)")
	date := fs.String("date", "", "Day to analyze as YYYY-MM-DD (default today)")
	poll := fs.Bool("poll", false, "Re-run on every poll interval until interrupted")
	interval := fs.Duration("interval", 0, "Poll interval (overrides poll_interval)")
	fromDB := fs.Bool("from-db", false, "Read snapshots from the sqlite mirror instead of the log")
	fs.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	q, err := queryFromFlags(fs, pipeline.DefaultQuery(cfg))
	if err != nil {
		return err
	}
	if *poll && (*date != "" || *fromDB) {
		return errors.New("-poll follows today's log and cannot be combined with -date or -from-db")
	}

	runner := pipeline.Runner{
		FS:      fsutil.OSFileSystem{},
		Classes: cfg.GetClasses(),
		OutDir:  cfg.GetOutDir(),
		Clock:   timeutil.RealClock{},
	}
	if *outDir != "" {
		runner.OutDir = *outDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stream, logDir, loc := cfg.GetStreamID(), cfg.GetLogDir(), cfg.GetLocation()
	if *poll {
		every := cfg.GetPollInterval()
		if *interval > 0 {
			every = *interval
		}
		log.Printf("polling %s every %s", stream, every)
		err := runner.Poll(ctx, func(now time.Time) string {
			return snapshot.PathFor(logDir, stream, timeutil.DateKey(now, loc))
		}, q, every, report)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	day := *date
	if day == "" {
		day = timeutil.DateKey(time.Now(), loc)
	}
	if *fromDB {
		res, err := analyzeFromDB(ctx, cfg, &runner, day, q)
		if err != nil {
			return err
		}
		report(res)
		return nil
	}
	if _, err := timeutil.ParseDateKey(day, loc); err != nil {
		return fmt.Errorf("invalid -date: %w", err)
	}
	res, err := runner.Run(ctx, snapshot.PathFor(logDir, stream, day), q)
	if err != nil {
		return err
	}
	report(res)
	return nil
}

func analyzeFromDB(ctx context.Context, cfg *config.FlowConfig, runner *pipeline.Runner, day string, q pipeline.Query) (pipeline.Result, error) {
	path := cfg.GetDBPath()
	if path == "" {
		return pipeline.Result{}, errors.New("-from-db needs -db or db_path")
	}
	start, err := timeutil.ParseDateKey(day, cfg.GetLocation())
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("invalid -date: %w", err)
	}
	database, err := db.NewDB(path)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	snaps, err := database.Snapshots(ctx, cfg.GetStreamID(), start)
	if err != nil {
		return pipeline.Result{}, err
	}
	recs := records.Within(records.FromSnapshots(snaps, runner.Classes), start, start.AddDate(0, 0, 1))
	if len(recs) == 0 {
		return pipeline.Result{Status: pipeline.StatusNoData}, nil
	}
	return runner.Analyze(ctx, recs, q)
}

func report(res pipeline.Result) {
	switch res.Status {
	case pipeline.StatusOK:
		log.Printf("%d windows from %d records (%d lines skipped)", len(res.Windows), res.Records, res.Skipped)
		if res.CSVPath != "" {
			log.Printf("wrote %s and %s", res.CSVPath, res.JSONPath)
		}
		for _, w := range res.Windows {
			if w.IsPeakAuto || w.IsPeakThreshold {
				log.Printf("peak at %s: %d vehicles", w.Start.Format(time.RFC3339), w.Total)
			}
		}
	default:
		log.Printf("status %s", res.Status)
	}
}
