package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/surfacestitch/internal/fsutil"
	"github.com/banshee-data/surfacestitch/internal/surface"
	"github.com/banshee-data/surfacestitch/internal/surface/cloud"
	"github.com/banshee-data/surfacestitch/internal/surface/contour"
	"github.com/banshee-data/surfacestitch/internal/surface/filter"
	"github.com/banshee-data/surfacestitch/internal/surface/pose"
	"github.com/banshee-data/surfacestitch/internal/surface/stitch"
	"github.com/banshee-data/surfacestitch/internal/timeutil"
)

// Params holds the tunable parts of a run.
type Params struct {
	Filter  filter.Params
	Contour contour.Params
	Stitch  stitch.Params

	// Prefetch is how many clouds may be loaded and cleaned ahead of the
	// merge. Zero loads each cloud just before merging it.
	Prefetch int

	// LockPollInterval is how often the pose-graph lock file is checked.
	LockPollInterval time.Duration

	// OutputEncoding selects the DATA layout of reconstruction.pcd.
	OutputEncoding cloud.Encoding
}

// DefaultParams returns the parameters of a standard reconstruction.
func DefaultParams() Params {
	fp := filter.DefaultParams()
	return Params{
		Filter:           fp,
		Contour:          contour.DefaultParams(fp.LeafSize),
		Stitch:           stitch.DefaultParams(fp.LeafSize),
		LockPollInterval: 100 * time.Millisecond,
		OutputEncoding:   cloud.EncodingBinary,
	}
}

// Config holds the dependencies of a Pipeline.
type Config struct {
	WorkDir string
	Params  Params
	FS      fsutil.FileSystem // nil uses the OS filesystem
	Clock   timeutil.Clock    // nil uses the real clock

	// OnCloud, when non-nil, is called after every merged or seeded cloud.
	OnCloud func(CloudReport)
}

// CloudReport describes how one cloud was processed.
type CloudReport struct {
	Index              int // position in the pose graph
	CloudID            string
	RawPoints          int
	FilteredPoints     int
	Seed               bool
	Merge              stitch.MergeStats
	ContourPoints      int
	MaxContourDistance float64
	AccumulatedPoints  int // accumulator size after this cloud
	Elapsed            time.Duration
}

// Result summarises a finished run.
type Result struct {
	OutputPath        string
	Clouds            []CloudReport
	Skipped           []string
	TotalRawPoints    int
	AccumulatedPoints int // before final cleanup
	Output            cloud.Cloud
	Started           time.Time
	Elapsed           time.Duration
}

// Pipeline runs the reconstruction over one working directory.
type Pipeline struct {
	cfg    Config
	layout Layout
	fs     fsutil.FileSystem
	clock  timeutil.Clock

	pre *filter.Preprocessor
	ext *contour.Extractor
	eng *stitch.Engine
}

// New returns a pipeline for cfg.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		cfg:    cfg,
		layout: Layout{WorkDir: cfg.WorkDir},
		fs:     cfg.FS,
		clock:  cfg.Clock,
		pre:    filter.NewPreprocessor(cfg.Params.Filter),
		ext:    contour.NewExtractor(cfg.Params.Contour),
		eng:    stitch.NewEngine(cfg.Params.Stitch),
	}
	if p.fs == nil {
		p.fs = fsutil.OSFileSystem{}
	}
	if p.clock == nil {
		p.clock = timeutil.RealClock{}
	}
	return p
}

// Layout returns the resolved working directory layout.
func (p *Pipeline) Layout() Layout { return p.layout }

// prepared is a loaded and cleaned cloud waiting to be merged.
type prepared struct {
	index   int
	entry   pose.Entry
	raw     int
	cleaned cloud.Cloud
	err     error
}

// run carries the state of one Run call.
type run struct {
	res   *Result
	acc   *stitch.Accumulator
	ref   pose.Rigid
	total int
}

// Run executes the reconstruction. Cancelling ctx stops the run between
// clouds; nothing is written in that case and ctx.Err() is returned.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	started := p.clock.Now()

	if err := pose.WaitForUnlock(ctx, p.fs, p.clock, p.layout.LockPath(), p.cfg.Params.LockPollInterval); err != nil {
		return nil, fmt.Errorf("wait for pose graph lock: %w", err)
	}
	entries, err := pose.LoadGraph(p.fs, p.layout.GraphPath())
	if err != nil {
		return nil, fmt.Errorf("load pose graph %s: %w", p.layout.GraphPath(), err)
	}
	if err := p.resetOutputDir(); err != nil {
		return nil, err
	}
	surface.Opsf("reconstructing %d clouds from %s", len(entries), p.layout.WorkDir)

	r := &run{res: &Result{Started: started}, total: len(entries)}
	if err := p.each(ctx, entries, func(c prepared) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.merge(r, c)
		return nil
	}); err != nil {
		surface.Opsf("run aborted: %v", err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := p.finish(r); err != nil {
		return nil, err
	}
	r.res.Elapsed = p.clock.Since(started)
	surface.Opsf("reconstruction written to %s: %d points (%d raw points processed, %d clouds skipped)",
		r.res.OutputPath, len(r.res.Output), r.res.TotalRawPoints, len(r.res.Skipped))
	return r.res, nil
}

func (p *Pipeline) resetOutputDir() error {
	dir := p.layout.OutputDir()
	if err := p.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("reset output directory %s: %w", dir, err)
	}
	if err := p.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory %s: %w", dir, err)
	}
	return nil
}

// each feeds prepared clouds to fn in pose-graph order. With Prefetch > 0
// loading and cleaning run in a separate goroutine, at most Prefetch clouds
// ahead; fn itself always runs sequentially.
func (p *Pipeline) each(ctx context.Context, entries []pose.Entry, fn func(prepared) error) error {
	if p.cfg.Params.Prefetch <= 0 {
		for i, e := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(p.prepare(i, e)); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	ready := make(chan prepared, p.cfg.Params.Prefetch)
	g.Go(func() error {
		defer close(ready)
		for i, e := range entries {
			if err := gctx.Err(); err != nil {
				return err
			}
			c := p.prepare(i, e)
			select {
			case ready <- c:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	g.Go(func() error {
		for c := range ready {
			if err := fn(c); err != nil {
				return err
			}
		}
		return nil
	})
	return g.Wait()
}

// prepare loads and cleans one cloud. Pose and load failures are reported
// through the err field so the merge loop can skip the cloud.
func (p *Pipeline) prepare(i int, e pose.Entry) prepared {
	c := prepared{index: i, entry: e}
	if err := pose.CheckMatrix(e.Transform.Matrix()); err != nil {
		c.err = fmt.Errorf("pose: %w", err)
		return c
	}
	path, err := p.layout.CloudPath(e.CloudID)
	if err != nil {
		c.err = err
		return c
	}
	raw, err := p.load(path)
	if err != nil {
		c.err = err
		return c
	}
	c.raw = len(raw)
	c.cleaned = p.pre.Clean(raw)
	return c
}

func (p *Pipeline) load(path string) (cloud.Cloud, error) {
	f, err := p.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	c, err := cloud.ReadPCD(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// merge folds one prepared cloud into the accumulator. The first cloud that
// loads seeds the accumulator and fixes the reference frame.
func (p *Pipeline) merge(r *run, c prepared) {
	if c.err != nil {
		surface.Opsf("warning: skipping cloud %s: %v", c.entry.CloudID, c.err)
		r.res.Skipped = append(r.res.Skipped, c.entry.CloudID)
		return
	}

	start := p.clock.Now()
	surface.Opsf("Processing cloud %s (%d/%d)", c.entry.Name(), c.index+1, r.total)
	r.res.TotalRawPoints += c.raw

	rep := CloudReport{
		Index:          c.index,
		CloudID:        c.entry.CloudID,
		RawPoints:      c.raw,
		FilteredPoints: len(c.cleaned),
	}

	if r.acc == nil {
		r.acc = stitch.NewAccumulator(c.cleaned)
		r.ref = c.entry.Transform
		rep.Seed = true
	} else {
		// Express the accumulator in this cloud's frame, merge, and return
		// it to the reference frame.
		t := pose.Relative(r.ref, c.entry.Transform)
		r.acc.Transform(t)
		boundary := p.ext.Extract(r.acc.Cloud())
		maxCD := p.eng.Plan(r.acc, c.cleaned, boundary)
		if maxCD <= 0 {
			surface.Diagf("cloud %s does not overlap the accumulator", c.entry.CloudID)
		}
		rep.Merge = p.eng.Merge(r.acc, c.cleaned, boundary, maxCD)
		rep.ContourPoints = len(boundary)
		rep.MaxContourDistance = maxCD
		r.acc.Transform(t.Inverse())
	}

	rep.AccumulatedPoints = r.acc.Len()
	rep.Elapsed = p.clock.Since(start)
	surface.Diagf("cloud %s: raw=%d filtered=%d inserted=%d border=%d interior=%d fixed=%d acc=%d",
		c.entry.CloudID, rep.RawPoints, rep.FilteredPoints, rep.Merge.Inserted, rep.Merge.Border,
		rep.Merge.Interior, rep.Merge.FixedUp, rep.AccumulatedPoints)

	r.res.Clouds = append(r.res.Clouds, rep)
	if p.cfg.OnCloud != nil {
		p.cfg.OnCloud(rep)
	}
}

func (p *Pipeline) finish(r *run) error {
	var merged cloud.Cloud
	if r.acc == nil {
		surface.Opsf("warning: no cloud could be loaded, writing an empty reconstruction")
	} else {
		merged = r.acc.Cloud()
	}
	r.res.AccumulatedPoints = len(merged)
	r.res.Output = filter.Final(p.cfg.Params.Filter).Filter(merged)

	out := p.layout.OutputPath()
	enc := p.cfg.Params.OutputEncoding
	if enc == "" {
		enc = cloud.EncodingBinary
	}
	if err := fsutil.WriteAtomic(p.fs, out, func(w io.Writer) error {
		return cloud.WritePCD(w, r.res.Output, enc)
	}); err != nil {
		return fmt.Errorf("write reconstruction: %w", err)
	}
	r.res.OutputPath = out
	return nil
}
