package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/banshee-data/flowcount/internal/db"
)

func printMigrateHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: flowcount migrate [-db path] <action>

Actions:
  up            Apply all pending migrations
  down          Roll back the most recent migration
  status        Show the current schema version
  version <n>   Migrate up or down to version n
  force <n>     Mark the schema as version n without running migrations
                (recovery from a dirty state only)
`)
}

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	common := addCommonFlags(fs)
	yes := fs.Bool("y", false, "Do not ask for confirmation before force")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) < 1 {
		printMigrateHelp(os.Stderr)
		return errors.New("missing action")
	}
	if rest[0] == "help" {
		printMigrateHelp(os.Stdout)
		return nil
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	path := cfg.GetDBPath()
	if path == "" {
		return errors.New("-db or db_path is required")
	}

	// Open without migrating so the action alone decides what runs.
	database, err := db.OpenDB(path)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	return migrateAction(database, rest, *yes, os.Stdin, os.Stdout)
}

func migrateAction(database *db.DB, args []string, yes bool, in io.Reader, out io.Writer) error {
	switch args[0] {
	case "up":
		log.Printf("Running migrations...")
		if err := database.MigrateUp(); err != nil {
			return err
		}
		log.Println("All migrations applied")

	case "down":
		log.Printf("Rolling back one migration...")
		if err := database.MigrateDown(); err != nil {
			return err
		}
		log.Println("Migration rolled back")

	case "status":

	case "version":
		if len(args) < 2 {
			return errors.New("usage: flowcount migrate version <version_number>")
		}
		target, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", args[1])
		}
		log.Printf("Migrating to version %d...", target)
		if err := database.MigrateTo(uint(target)); err != nil {
			return err
		}

	case "force":
		if len(args) < 2 {
			return errors.New("usage: flowcount migrate force <version_number>")
		}
		target, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version number: %s", args[1])
		}
		if !yes {
			fmt.Fprintf(out, "WARNING: forcing migration version to %d\n", target)
			fmt.Fprintln(out, "This should only be used to recover from a dirty migration state.")
			fmt.Fprint(out, "Continue? [y/N]: ")
			answer, _ := bufio.NewReader(in).ReadString('\n')
			if a := strings.TrimSpace(answer); a != "y" && a != "Y" {
				log.Println("Aborted")
				return nil
			}
		}
		if err := database.MigrateForce(target); err != nil {
			return err
		}
		log.Printf("Migration version forced to %d", target)

	default:
		printMigrateHelp(out)
		return fmt.Errorf("unknown migrate action: %s", args[0])
	}

	version, dirty, err := database.MigrateVersion()
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	fmt.Fprintf(out, "Current version: %d (dirty: %v)\n", version, dirty)
	if dirty {
		fmt.Fprintln(out, "WARNING: a migration failed mid-execution; inspect the database, then run: flowcount migrate force <version>")
	}
	return nil
}
