package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/surfacestitch/internal/rundb"
)

// ledgerFlags parses the flags shared by the ledger subcommands.
func ledgerFlags(name string, args []string, stderr io.Writer, extra func(*flag.FlagSet)) (string, *flag.FlagSet, error) {
	fs := flag.NewFlagSet("stitch "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var path string
	fs.StringVar(&path, "ledger", "", "SQLite run ledger")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return "", nil, err
	}
	if path == "" {
		fs.Usage()
		return "", nil, errors.New("-ledger is required")
	}
	return path, fs, nil
}

// runsCommand lists the runs in a ledger, or prints one run with its
// per-cloud rows when a run id is given.
//
//	stitch runs -ledger runs.db [-limit N] [run-id]
func runsCommand(args []string, stdout, stderr io.Writer) error {
	var limit int
	path, fs, err := ledgerFlags("runs", args, stderr, func(fs *flag.FlagSet) {
		fs.IntVar(&limit, "limit", 20, "Maximum runs to list (0 lists all)")
	})
	if err != nil {
		return err
	}
	db, err := rundb.Open(path, nil)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer db.Close()

	if fs.NArg() > 0 {
		return printRun(stdout, db, fs.Arg(0))
	}
	runs, err := db.ListRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(stdout, "no runs recorded")
		return nil
	}
	fmt.Fprintf(stdout, "%-36s  %-9s  %-20s  %6s  %7s  %10s  %s\n",
		"RUN", "STATUS", "STARTED", "MERGED", "SKIPPED", "POINTS", "WORK DIR")
	for _, r := range runs {
		fmt.Fprintf(stdout, "%-36s  %-9s  %-20s  %6d  %7d  %10d  %s\n",
			r.RunID, r.Status, r.StartedAt.UTC().Format(time.DateTime), r.CloudsMerged, r.CloudsSkipped,
			r.OutputPoints, r.WorkDir)
	}
	return nil
}

func printRun(w io.Writer, db *rundb.DB, runID string) error {
	r, err := db.GetRun(runID)
	if err != nil {
		return err
	}
	merges, err := db.CloudMerges(runID)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Run:      %s\n", r.RunID)
	fmt.Fprintf(w, "Work dir: %s\n", r.WorkDir)
	fmt.Fprintf(w, "Status:   %s\n", r.Status)
	fmt.Fprintf(w, "Started:  %s\n", r.StartedAt.UTC().Format(time.RFC3339))
	if d := r.Duration(); d > 0 {
		fmt.Fprintf(w, "Duration: %s\n", d.Round(time.Millisecond))
	}
	fmt.Fprintf(w, "Clouds:   %d merged, %d skipped of %d\n", r.CloudsMerged, r.CloudsSkipped, r.CloudsTotal)
	fmt.Fprintf(w, "Points:   %d raw, %d output\n", r.RawPoints, r.OutputPoints)
	if r.OutputPath != "" {
		fmt.Fprintf(w, "Output:   %s\n", r.OutputPath)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", r.Error)
	}
	if len(merges) == 0 {
		return nil
	}

	fmt.Fprintf(w, "\n%5s  %-16s  %8s  %8s  %8s  %7s  %8s  %6s  %9s\n",
		"#", "CLOUD", "RAW", "FILTERED", "INSERTED", "BORDER", "INTERIOR", "FIXED", "ACC")
	for _, m := range merges {
		id := m.CloudID
		if m.Seed {
			id += " (seed)"
		}
		fmt.Fprintf(w, "%5d  %-16s  %8d  %8d  %8d  %7d  %8d  %6d  %9d\n",
			m.CloudIndex, id, m.RawPoints, m.FilteredPoints, m.Inserted, m.Border, m.Interior,
			m.FixedUp, m.AccumulatedPoints)
	}
	return nil
}

// migrateCommand applies, rolls back or reports the ledger schema.
//
//	stitch migrate -ledger runs.db up|down|status
func migrateCommand(args []string, stdout, stderr io.Writer) error {
	path, fs, err := ledgerFlags("migrate", args, stderr, nil)
	if err != nil {
		return err
	}
	action := fs.Arg(0)
	switch action {
	case "up", "down", "status":
	default:
		return fmt.Errorf("unknown migrate action %q (want up, down or status)", action)
	}

	db, err := rundb.OpenUnmigrated(path, nil)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer db.Close()

	switch action {
	case "up":
		if err := db.MigrateUp(); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "All migrations applied")
	case "down":
		if err := db.MigrateDown(); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "Rolled back one migration")
	}
	version, dirty, err := db.MigrateVersion()
	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	fmt.Fprintf(stdout, "Current version: %d of %d (dirty: %v)\n", version, rundb.LatestVersion, dirty)
	return nil
}
