// Package contour extracts the planar boundary of an accumulated surface.
//
// The accumulator is downsampled with a coarse cubic voxel grid, projected
// onto the XY plane and reduced to the vertices of its alpha shape: an edge
// (p, q) no longer than 2·Alpha belongs to the boundary when at least one of
// the two Alpha-radius disks passing through p and q is free of other points.
package contour

import (
	"math"

	"github.com/banshee-data/surfacestitch/internal/surface"
	"github.com/banshee-data/surfacestitch/internal/surface/cloud"
	"github.com/banshee-data/surfacestitch/internal/surface/filter"
	"github.com/banshee-data/surfacestitch/internal/surface/spatial"
)

// Defaults used by the reconstruction.
const (
	DefaultLeafFactor = 10.0
	DefaultAlpha      = 0.1
)

// emptyDiskTolerance shrinks the disk test so points lying on the circle
// itself (including p and q) are not counted as inside.
const emptyDiskTolerance = 1e-9

// Params configures contour extraction.
type Params struct {
	Leaf  float64 // cubic voxel leaf for the coarse snapshot
	Alpha float64 // alpha-shape disk radius
}

// DefaultParams returns the extraction parameters for a cleaning leaf size.
func DefaultParams(leafSize float64) Params {
	return Params{Leaf: DefaultLeafFactor * leafSize, Alpha: DefaultAlpha}
}

// Extractor derives the accumulator boundary.
type Extractor struct {
	params Params
}

// NewExtractor returns an extractor using p.
func NewExtractor(p Params) *Extractor {
	return &Extractor{params: p}
}

// Params returns the extractor's parameters.
func (e *Extractor) Params() Params { return e.params }

// Extract returns the boundary points of acc as an unordered planar set.
// The input is not modified.
func (e *Extractor) Extract(acc []cloud.Point) []cloud.Point2 {
	if len(acc) == 0 {
		return nil
	}
	coarse := filter.Cubic(e.params.Leaf).Filter(cloud.Cloud(acc))
	pts := uniquePlanar(coarse)
	out := AlphaShape(pts, e.params.Alpha)
	surface.Diagf("contour: %d points -> %d coarse -> %d boundary", len(acc), len(pts), len(out))
	return out
}

// AlphaShape returns the vertices of the alpha shape of pts, in input order.
// Points with no neighbour within 2·alpha are isolated components and are
// returned as well. With fewer than three points every point is returned.
func AlphaShape(pts []cloud.Point2, alpha float64) []cloud.Point2 {
	if len(pts) < 3 || alpha <= 0 {
		return append([]cloud.Point2(nil), pts...)
	}

	ix := spatial.New(pts)
	onBoundary := make([]bool, len(pts))
	hasEdge := make([]bool, len(pts))
	limit := alpha * alpha * (1 - emptyDiskTolerance)

	for i, p := range pts {
		for _, n := range ix.Radius(p, 2*alpha, 0) {
			j := n.Index
			if j == i {
				continue
			}
			hasEdge[i] = true
			if j < i || (onBoundary[i] && onBoundary[j]) {
				continue
			}
			c1, c2 := diskCentres(p, pts[j], alpha)
			if emptyDisk(ix, c1, alpha, limit, i, j) || emptyDisk(ix, c2, alpha, limit, i, j) {
				onBoundary[i] = true
				onBoundary[j] = true
			}
		}
	}

	var out []cloud.Point2
	for i, p := range pts {
		if onBoundary[i] || !hasEdge[i] {
			out = append(out, p)
		}
	}
	return out
}

// diskCentres returns the centres of the two radius-r circles through p and q.
// The caller guarantees |pq| <= 2r.
func diskCentres(p, q cloud.Point2, r float64) (cloud.Point2, cloud.Point2) {
	mx, my := (p.X+q.X)/2, (p.Y+q.Y)/2
	dx, dy := q.X-p.X, q.Y-p.Y
	d := math.Hypot(dx, dy)
	h := math.Sqrt(math.Max(r*r-d*d/4, 0))
	ux, uy := -dy/d, dx/d
	return cloud.Point2{X: mx + h*ux, Y: my + h*uy}, cloud.Point2{X: mx - h*ux, Y: my - h*uy}
}

func emptyDisk(ix *spatial.Index, c cloud.Point2, r, limit float64, i, j int) bool {
	for _, n := range ix.Radius(c, r, 0) {
		if n.Index == i || n.Index == j {
			continue
		}
		if n.SqDist < limit {
			return false
		}
	}
	return true
}

func uniquePlanar(c cloud.Cloud) []cloud.Point2 {
	seen := make(map[cloud.Point2]struct{}, len(c))
	out := make([]cloud.Point2, 0, len(c))
	for _, p := range c {
		q := p.Planar()
		if _, ok := seen[q]; ok {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	return out
}
