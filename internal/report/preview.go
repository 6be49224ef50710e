package report

import (
	"fmt"
	"image/color"
	"io"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/surfacestitch/internal/fsutil"
	"github.com/banshee-data/surfacestitch/internal/surface/cloud"
)

// DefaultMaxPreviewPoints caps how many points a preview draws; larger
// clouds are strided.
const DefaultMaxPreviewPoints = 250000

// PreviewOptions controls the top-down preview image.
type PreviewOptions struct {
	Title     string
	Size      vg.Length // square image side
	MaxPoints int
	Radius    vg.Length // glyph radius
}

// DefaultPreviewOptions returns the options used by the CLI.
func DefaultPreviewOptions(title string) PreviewOptions {
	return PreviewOptions{
		Title:     title,
		Size:      8 * vg.Inch,
		MaxPoints: DefaultMaxPreviewPoints,
		Radius:    vg.Points(0.6),
	}
}

// Preview builds a top-down (XY) scatter of c with every point drawn in its
// own color. Axes share one scale so the surface keeps its shape.
func Preview(c cloud.Cloud, o PreviewOptions) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = o.Title
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"

	pts, colors := previewXYs(c, o.MaxPoints)
	if len(pts) == 0 {
		return p, nil
	}

	s, err := plotter.NewScatter(pts)
	if err != nil {
		return nil, err
	}
	radius := o.Radius
	if radius <= 0 {
		radius = vg.Points(0.6)
	}
	s.GlyphStyleFunc = func(i int) draw.GlyphStyle {
		return draw.GlyphStyle{Color: colors[i], Radius: radius, Shape: draw.CircleGlyph{}}
	}
	p.Add(s)

	b, _ := c.MinMax()
	cx, cy := (b.Min.X+b.Max.X)/2, (b.Min.Y+b.Max.Y)/2
	half := math.Max(b.Max.X-b.Min.X, b.Max.Y-b.Min.Y)/2 + 0.01
	p.X.Min, p.X.Max = cx-half, cx+half
	p.Y.Min, p.Y.Max = cy-half, cy+half
	return p, nil
}

// WritePreviewPNG renders the preview of c to a PNG at path.
func WritePreviewPNG(fsys fsutil.FileSystem, path string, c cloud.Cloud, o PreviewOptions) error {
	p, err := Preview(c, o)
	if err != nil {
		return fmt.Errorf("build preview: %w", err)
	}
	size := o.Size
	if size <= 0 {
		size = 8 * vg.Inch
	}
	wt, err := p.WriterTo(size, size, "png")
	if err != nil {
		return fmt.Errorf("render preview: %w", err)
	}
	if err := fsutil.WriteAtomic(fsys, path, func(w io.Writer) error {
		_, err := wt.WriteTo(w)
		return err
	}); err != nil {
		return fmt.Errorf("write preview %s: %w", path, err)
	}
	return nil
}

func previewXYs(c cloud.Cloud, maxPoints int) (plotter.XYs, []color.Color) {
	stride := 1
	if maxPoints > 0 && len(c) > maxPoints {
		stride = (len(c) + maxPoints - 1) / maxPoints
	}
	pts := make(plotter.XYs, 0, len(c)/stride+1)
	colors := make([]color.Color, 0, cap(pts))
	for i := 0; i < len(c); i += stride {
		pt := c[i]
		pts = append(pts, plotter.XY{X: pt.X, Y: pt.Y})
		colors = append(colors, color.RGBA{R: pt.Color.R, G: pt.Color.G, B: pt.Color.B, A: 255})
	}
	return pts, colors
}
