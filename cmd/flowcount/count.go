package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/banshee-data/flowcount/internal/api"
	"github.com/banshee-data/flowcount/internal/config"
	"github.com/banshee-data/flowcount/internal/counter"
	"github.com/banshee-data/flowcount/internal/db"
	"github.com/banshee-data/flowcount/internal/fsutil"
	"github.com/banshee-data/flowcount/internal/geom"
	"github.com/banshee-data/flowcount/internal/ingest"
	"github.com/banshee-data/flowcount/internal/live"
	"github.com/banshee-data/flowcount/internal/monitoring"
	"github.com/banshee-data/flowcount/internal/pipeline"
	"github.com/banshee-data/flowcount/internal/snapshot"
	"github.com/banshee-data/flowcount/internal/timeutil"
)

func runCount(args []string) error {
	fs := flag.NewFlagSet("count", flag.ExitOnError)
	common := addCommonFlags(fs)
	input := fs.String("input", "-", "Detection feed (NDJSON, one frame per line); - reads stdin")
	replay := fs.Bool("replay", false, "Take frame times from the feed's ts field instead of the wall clock")
	listen := fs.String("listen", "", "Serve live stats on this address while counting")
	fs.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	ctr, err := newCounter(cfg)
	if err != nil {
		return err
	}

	var database *db.DB
	if path := cfg.GetDBPath(); path != "" {
		database, err = db.NewDB(path)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()
	}

	metrics := monitoring.NewMetrics()
	clock := timeutil.RealClock{}
	writer, err := newSnapshotWriter(cfg, ctr, database, metrics, fsutil.OSFileSystem{}, clock)
	if err != nil {
		return err
	}

	in, err := openFeed(*input)
	if err != nil {
		return err
	}
	defer in.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := live.NewRegistry()
	var wg sync.WaitGroup
	if *listen != "" {
		mux, err := newAPIMux(cfg, registry, database, metrics)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := serveHTTP(ctx, *listen, api.LoggingMiddleware(mux)); err != nil {
				log.Printf("%v", err)
				stop()
			}
		}()
	}

	log.Printf("counting stream %s (session %s) from %s", ctr.StreamID(), ctr.SessionID(), *input)
	loop := &ingest.Loop{
		Counter:      ctr,
		Snapshots:    writer,
		Live:         registry,
		Metrics:      metrics,
		Clock:        clock,
		UseFrameTime: *replay,
	}
	sum, err := loop.Run(ctx, in)
	interrupted := ctx.Err() != nil
	stop()
	wg.Wait()

	totals, total := ctr.Totals()
	log.Printf("processed %d frames (%d bad lines), %d snapshots, fps %.2f, totals %v (%d)",
		sum.Frames, sum.BadLines, sum.Snapshots, sum.FPS, totals, total)
	if err != nil && !interrupted {
		return err
	}
	return nil
}

func newCounter(cfg *config.FlowConfig) (*counter.Counter, error) {
	roi, err := geom.NewPolygon(cfg.GetROI())
	if err != nil {
		return nil, fmt.Errorf("invalid roi: %w", err)
	}
	return counter.New(counter.Config{
		StreamID:            cfg.GetStreamID(),
		ROI:                 roi,
		ConfidenceThreshold: cfg.GetCountConfidence(),
		Classes:             cfg.GetClasses(),
		ClassAliases:        cfg.GetClassAliases(),
		BusyThreshold:       cfg.GetBusyThreshold(),
		CongestedThreshold:  cfg.GetCongestedThreshold(),
	})
}

func newSnapshotWriter(cfg *config.FlowConfig, ctr *counter.Counter, database *db.DB, metrics *monitoring.Metrics, fsys fsutil.FileSystem, clock timeutil.Clock) (*snapshot.Writer, error) {
	wcfg := snapshot.Config{
		LogDir:    cfg.GetLogDir(),
		StreamID:  ctr.StreamID(),
		SessionID: ctr.SessionID().String(),
		Interval:  cfg.GetSaveInterval(),
		Location:  cfg.GetLocation(),
		Metrics:   metrics,
	}
	if database != nil {
		wcfg.Mirror = database
	}
	return snapshot.NewWriter(wcfg, fsys, clock)
}

func newAPIMux(cfg *config.FlowConfig, registry *live.Registry, database *db.DB, metrics *monitoring.Metrics) (*http.ServeMux, error) {
	acfg := api.Config{
		Live: registry,
		Runner: pipeline.Runner{
			FS:      fsutil.OSFileSystem{},
			Classes: cfg.GetClasses(),
			Metrics: metrics,
		},
		Defaults: pipeline.DefaultQuery(cfg),
		LogDir:   cfg.GetLogDir(),
		Location: cfg.GetLocation(),
		Metrics:  metrics,
	}
	if database != nil {
		acfg.Store = database
	}
	mux := api.NewServer(acfg).ServeMux()
	if database != nil {
		if err := database.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

// openFeed opens the detection feed. Stdin is wrapped so it is never
// closed; a read still pending on it at shutdown ends with the process.
func openFeed(name string) (io.ReadCloser, error) {
	if name == "" || name == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open feed: %w", err)
	}
	return f, nil
}
