// Package report renders human-facing summaries of a reconstruction run: a
// top-down preview image of the surface and an HTML page of per-cloud merge
// statistics.
package report

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/surfacestitch/internal/fsutil"
	"github.com/banshee-data/surfacestitch/internal/surface/pipeline"
)

// Summary aggregates a run's per-cloud reports.
type Summary struct {
	Clouds            int
	Skipped           int
	RawPoints         int
	AccumulatedPoints int
	OutputPoints      int

	Inserted      int
	Border        int
	Interior      int
	FixedUp       int
	ContourMisses int

	MeanFiltered  float64
	StdFiltered   float64
	MeanCloudTime time.Duration
	Elapsed       time.Duration
}

// Summarize totals the merge statistics of res.
func Summarize(res *pipeline.Result) Summary {
	s := Summary{
		Clouds:            len(res.Clouds),
		Skipped:           len(res.Skipped),
		RawPoints:         res.TotalRawPoints,
		AccumulatedPoints: res.AccumulatedPoints,
		OutputPoints:      len(res.Output),
		Elapsed:           res.Elapsed,
	}
	if len(res.Clouds) == 0 {
		return s
	}

	filtered := make([]float64, len(res.Clouds))
	secs := make([]float64, len(res.Clouds))
	for i, c := range res.Clouds {
		s.Inserted += c.Merge.Inserted
		s.Border += c.Merge.Border
		s.Interior += c.Merge.Interior
		s.FixedUp += c.Merge.FixedUp
		s.ContourMisses += c.Merge.ContourMisses
		filtered[i] = float64(c.FilteredPoints)
		secs[i] = c.Elapsed.Seconds()
	}
	if len(filtered) > 1 {
		s.MeanFiltered, s.StdFiltered = stat.MeanStdDev(filtered, nil)
	} else {
		s.MeanFiltered = filtered[0]
	}
	s.MeanCloudTime = time.Duration(math.Round(stat.Mean(secs, nil) * float64(time.Second)))
	return s
}

// WriteRunHTML renders the per-cloud charts for res to w.
func WriteRunHTML(w io.Writer, title string, res *pipeline.Result) error {
	sum := Summarize(res)

	ids := make([]string, len(res.Clouds))
	inserted := make([]opts.BarData, len(res.Clouds))
	border := make([]opts.BarData, len(res.Clouds))
	interior := make([]opts.BarData, len(res.Clouds))
	accumulated := make([]opts.LineData, len(res.Clouds))
	filtered := make([]opts.LineData, len(res.Clouds))
	maxDist := make([]opts.LineData, len(res.Clouds))
	for i, c := range res.Clouds {
		ids[i] = c.CloudID
		if c.Seed {
			// The seed cloud is the accumulator's starting content.
			inserted[i] = opts.BarData{Value: c.FilteredPoints}
		} else {
			inserted[i] = opts.BarData{Value: c.Merge.Inserted}
		}
		border[i] = opts.BarData{Value: c.Merge.Border}
		interior[i] = opts.BarData{Value: c.Merge.Interior}
		accumulated[i] = opts.LineData{Value: c.AccumulatedPoints}
		filtered[i] = opts.LineData{Value: c.FilteredPoints}
		maxDist[i] = opts.LineData{Value: c.MaxContourDistance}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{
			Title: title,
			Subtitle: fmt.Sprintf("clouds=%d skipped=%d raw=%d output=%d elapsed=%s",
				sum.Clouds, sum.Skipped, sum.RawPoints, sum.OutputPoints, sum.Elapsed.Round(time.Millisecond)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "cloud"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "points"}),
	)
	bar.SetXAxis(ids).
		AddSeries("inserted", inserted, charts.WithBarChartOpts(opts.BarChart{Stack: "merge"})).
		AddSeries("border", border, charts.WithBarChartOpts(opts.BarChart{Stack: "merge"})).
		AddSeries("interior", interior, charts.WithBarChartOpts(opts.BarChart{Stack: "merge"}))

	growth := charts.NewLine()
	growth.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Accumulator growth",
			Subtitle: fmt.Sprintf("mean filtered=%.0f ± %.0f points", sum.MeanFiltered, sum.StdFiltered),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
	)
	growth.SetXAxis(ids).
		AddSeries("accumulated", accumulated).
		AddSeries("filtered", filtered)

	contour := charts.NewLine()
	contour.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "300px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Max contour distance (m)",
			Subtitle: fmt.Sprintf("fixed up=%d contour misses=%d", sum.FixedUp, sum.ContourMisses),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
	)
	contour.SetXAxis(ids).AddSeries("max contour distance", maxDist)

	page := components.NewPage()
	page.PageTitle = title
	page.AddCharts(bar, growth, contour)
	return page.Render(w)
}

// WriteRunHTMLFile writes the run report to path.
func WriteRunHTMLFile(fsys fsutil.FileSystem, path, title string, res *pipeline.Result) error {
	if err := fsutil.WriteAtomic(fsys, path, func(w io.Writer) error {
		return WriteRunHTML(w, title, res)
	}); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}
