// Command stitch merges the posed RGB-D clouds of a working directory into a
// single coloured surface reconstruction.
//
// Usage:
//
//	stitch [flags] <work-dir>
//	stitch runs -ledger <db> [-limit N] [run-id]
//	stitch migrate -ledger <db> up|down|status
//
// The working directory holds graph_vertices.txt and a clouds/ directory;
// the result is written to <work-dir>/reconstruction.pcd. The runs and
// migrate subcommands read and maintain the run ledger.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/banshee-data/surfacestitch/internal/config"
	"github.com/banshee-data/surfacestitch/internal/fsutil"
	"github.com/banshee-data/surfacestitch/internal/report"
	"github.com/banshee-data/surfacestitch/internal/rundb"
	"github.com/banshee-data/surfacestitch/internal/security"
	"github.com/banshee-data/surfacestitch/internal/surface"
	"github.com/banshee-data/surfacestitch/internal/surface/pipeline"
	"github.com/banshee-data/surfacestitch/internal/version"
)

type options struct {
	workDir     string
	configPath  string
	verbose     bool
	trace       bool
	showVersion bool
	ledgerPath  string
	previewPath string
	reportPath  string
	prefetch    int
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("stitch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	o := &options{}
	fs.StringVar(&o.workDir, "work", "", "Working directory (may also be given as the first argument)")
	fs.StringVar(&o.configPath, "config", "", "Reconstruction config file (.json or .toml)")
	fs.BoolVar(&o.verbose, "v", false, "Log per-cloud diagnostics")
	fs.BoolVar(&o.trace, "trace", false, "Log per-filter and per-lookup detail")
	fs.BoolVar(&o.showVersion, "version", false, "Print version and exit")
	fs.StringVar(&o.ledgerPath, "ledger", "", "SQLite run ledger (overrides config ledger_path)")
	fs.StringVar(&o.previewPath, "preview", "", "Write a top-down PNG preview (overrides config preview_path)")
	fs.StringVar(&o.reportPath, "report", "", "Write an HTML run report (overrides config report_path)")
	fs.IntVar(&o.prefetch, "prefetch", -1, "Clouds to preprocess ahead of the merge (-1 keeps the config value)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: stitch [flags] <work-dir>\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.showVersion {
		return o, nil
	}
	if o.workDir == "" && fs.NArg() > 0 {
		o.workDir = fs.Arg(0)
	}
	if o.workDir == "" {
		fs.Usage()
		return nil, errors.New("working directory is required")
	}
	return o, nil
}

// subcommands maps the ledger subcommands to their handlers.
var subcommands = map[string]func(args []string, stdout, stderr io.Writer) error{
	"runs":    runsCommand,
	"migrate": migrateCommand,
}

func main() {
	if len(os.Args) > 1 {
		if cmd, ok := subcommands[os.Args[1]]; ok {
			err := cmd(os.Args[2:], os.Stdout, os.Stderr)
			if errors.Is(err, flag.ErrHelp) {
				return
			}
			if err != nil {
				log.Fatal(err)
			}
			return
		}
	}

	o, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatal(err)
	}
	if o.showVersion {
		fmt.Println(version.String())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o, os.Stderr); err != nil {
		log.Fatalf("reconstruction failed: %v", err)
	}
}

func run(ctx context.Context, o *options, stderr io.Writer) error {
	surface.SetLogWriters(surface.WritersFor(stderr, o.verbose, o.trace))

	cfg := config.DefaultReconstructionConfig()
	if o.configPath != "" {
		loaded, err := config.LoadReconstructionConfig(o.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	params := cfg.ToParams()
	if o.prefetch >= 0 {
		params.Prefetch = o.prefetch
	}

	workDir, err := filepath.Abs(o.workDir)
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}
	outputs, err := resolveOutputs(o, cfg, workDir)
	if err != nil {
		return err
	}

	var ledger *rundb.DB
	var runRow *rundb.Run
	var recorder *rundb.Recorder
	if outputs.ledger != "" {
		ledger, err = rundb.Open(outputs.ledger, nil)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		defer ledger.Close()
		cfgJSON, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		runRow, err = ledger.StartRun(workDir, string(cfgJSON))
		if err != nil {
			return fmt.Errorf("start ledger run: %w", err)
		}
		recorder = ledger.Recorder(runRow.RunID)
		surface.Diagf("ledger run %s", runRow.RunID)
	}

	pcfg := pipeline.Config{WorkDir: workDir, Params: params}
	if recorder != nil {
		pcfg.OnCloud = recorder.Record
	}
	res, runErr := pipeline.New(pcfg).Run(ctx)
	if ledger != nil {
		if err := recorder.Err(); err != nil {
			surface.Opsf("warning: ledger lost per-cloud rows: %v", err)
		}
		if err := ledger.FinishRun(runRow.RunID, res, runErr); err != nil {
			surface.Opsf("warning: failed to finish ledger run: %v", err)
		}
	}
	if runErr != nil {
		return runErr
	}

	osfs := fsutil.OSFileSystem{}
	title := filepath.Base(workDir)
	if outputs.preview != "" {
		if err := report.WritePreviewPNG(osfs, outputs.preview, res.Output, report.DefaultPreviewOptions(title)); err != nil {
			return err
		}
		surface.Opsf("wrote preview %s", outputs.preview)
	}
	if outputs.report != "" {
		if err := report.WriteRunHTMLFile(osfs, outputs.report, title, res); err != nil {
			return err
		}
		surface.Opsf("wrote report %s", outputs.report)
	}
	return nil
}

type outputPaths struct {
	ledger  string
	preview string
	report  string
}

// resolveOutputs applies flag overrides and anchors relative paths in the
// working directory. Every optional output must stay inside the working
// directory or the current directory.
func resolveOutputs(o *options, cfg *config.ReconstructionConfig, workDir string) (outputPaths, error) {
	pick := func(flagVal, cfgVal string) string {
		if flagVal != "" {
			return flagVal
		}
		return cfgVal
	}
	out := outputPaths{
		ledger:  pick(o.ledgerPath, cfg.GetLedgerPath()),
		preview: pick(o.previewPath, cfg.GetPreviewPath()),
		report:  pick(o.reportPath, cfg.GetReportPath()),
	}

	allowed := []string{workDir}
	if cwd, err := os.Getwd(); err == nil {
		allowed = append(allowed, cwd)
	}
	for _, p := range []*string{&out.ledger, &out.preview, &out.report} {
		if *p == "" {
			continue
		}
		if !filepath.IsAbs(*p) {
			*p = filepath.Join(workDir, *p)
		}
		if err := security.ValidatePathWithinAllowedDirs(*p, allowed); err != nil {
			return outputPaths{}, fmt.Errorf("output %s: %w", *p, err)
		}
	}
	return out, nil
}
