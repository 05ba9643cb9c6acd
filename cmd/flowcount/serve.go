package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/banshee-data/flowcount/internal/api"
	"github.com/banshee-data/flowcount/internal/db"
	"github.com/banshee-data/flowcount/internal/live"
	"github.com/banshee-data/flowcount/internal/monitoring"
)

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	common := addCommonFlags(fs)
	listen := fs.String("listen", ":8080", "Listen address")
	fs.Parse(args)

	if *listen == "" {
		return fmt.Errorf("listen address is required")
	}
	cfg, err := common.load()
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

	mux, err := newAPIMux(cfg, live.NewRegistry(), database, monitoring.NewMetrics())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serveHTTP(ctx, *listen, api.LoggingMiddleware(mux))
}
