// Package db mirrors snapshot records into SQLite so they can be queried
// with SQL and fed back into the analytics pipeline.
package db

import (
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/flowcount/internal/monitoring"
	"github.com/banshee-data/flowcount/internal/snapshot"
)

var logf = monitoring.Scoped("db")

type DB struct {
	*sql.DB
}

// OpenDB opens the database without touching the schema. The migrate
// subcommand uses it so that it alone decides which migrations run.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serialises writers and keeps the migrate driver
	// and the mirror on the same session.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000; PRAGMA journal_mode = WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}
	return &DB{db}, nil
}

// NewDB opens the database and applies any pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// RecordSnapshot inserts one snapshot row. It satisfies snapshot.Mirror.
func (db *DB) RecordSnapshot(ctx context.Context, streamID, sessionID string, s snapshot.StatsSnapshot) error {
	counts := s.Counts
	if counts == nil {
		counts = map[string]int{}
	}
	countsJSON, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("failed to encode counts: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO traffic_logs (stream_id, session_id, timestamp, fps, total, counts_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		streamID, sessionID, s.Timestamp, s.FPS, s.Total, string(countsJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// Snapshots returns the rows for streamID at or after since, oldest first.
// A zero since returns every row for the stream.
func (db *DB) Snapshots(ctx context.Context, streamID string, since time.Time) ([]snapshot.StatsSnapshot, error) {
	var from float64
	if !since.IsZero() {
		from = float64(since.Unix()) + float64(since.Nanosecond())/1e9
	}

	rows, err := db.QueryContext(ctx, `
		SELECT timestamp, fps, total, counts_json
		FROM traffic_logs
		WHERE stream_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC, id ASC`,
		streamID, from,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []snapshot.StatsSnapshot
	for rows.Next() {
		var (
			s          snapshot.StatsSnapshot
			countsJSON string
		)
		if err := rows.Scan(&s.Timestamp, &s.FPS, &s.Total, &countsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(countsJSON), &s.Counts); err != nil {
			logf("skipping row at %.3f with bad counts: %v", s.Timestamp, err)
			continue
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Streams lists the distinct stream ids present in the table.
func (db *DB) Streams(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT stream_id FROM traffic_logs ORDER BY stream_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query streams: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AttachAdminRoutes mounts the tailsql console and a backup download under
// /debug/ on mux.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://flowcount.db", db.DB, &tailsql.DBOptions{
		Label: "Flowcount DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
	return nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	name := fmt.Sprintf("backup-%d.db", time.Now().Unix())
	backupPath := filepath.Join(os.TempDir(), name)
	if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		backupFile.Close()
		if err := os.Remove(backupPath); err != nil {
			logf("failed to remove backup file: %v", err)
		}
	}()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", name))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "gzip")

	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		logf("failed to stream backup: %v", err)
	}
}
