// Package stitch merges posed clouds into a growing surface accumulator.
//
// Each incoming point is matched against a snapshot of the accumulator's
// planar projection. Points with no accumulator neighbour are appended as
// new surface. Points near the accumulator have their height averaged with
// every match and their color blended towards the accumulator by their
// distance to its boundary (contour): close to the seam the incoming color
// dominates, deep inside the old surface the old color does. A point with no
// match closer than half a voxel diagonal extends the surface at its border;
// otherwise it replaces its nearest match in place.
package stitch

import (
	"math"

	"github.com/banshee-data/surfacestitch/internal/surface"
	"github.com/banshee-data/surfacestitch/internal/surface/cloud"
	"github.com/banshee-data/surfacestitch/internal/surface/spatial"
)

// DefaultMaxMatches caps the accumulator neighbours considered per point.
const DefaultMaxMatches = 10

// Params configures the merge.
type Params struct {
	LeafSize   float64 // voxel leaf the clouds were downsampled with
	MaxMatches int     // accumulator neighbours considered per point
}

// DefaultParams returns merge parameters for a cleaning leaf size.
func DefaultParams(leafSize float64) Params {
	return Params{LeafSize: leafSize, MaxMatches: DefaultMaxMatches}
}

// MergeStats counts what a merge did with the incoming points.
type MergeStats struct {
	Inserted      int // no accumulator neighbour, appended unblended
	Border        int // appended at the accumulator border, blended
	Interior      int // overwrote the nearest accumulator point
	FixedUp       int // matched accumulator points re-blended afterwards
	ContourMisses int // points with no contour neighbour, color left unblended
}

// Added returns how many points the merge appended.
func (s MergeStats) Added() int { return s.Inserted + s.Border }

// Engine merges clouds into an Accumulator.
type Engine struct {
	maxDist    float64
	coverage   float64
	maxMatches int
}

// NewEngine returns an engine for clouds downsampled with p.LeafSize.
func NewEngine(p Params) *Engine {
	maxDist := math.Sqrt(p.LeafSize * p.LeafSize / 2)
	maxMatches := p.MaxMatches
	if maxMatches <= 0 {
		maxMatches = DefaultMaxMatches
	}
	return &Engine{maxDist: maxDist, coverage: 2 * maxDist, maxMatches: maxMatches}
}

// MaxDist is the centre-to-corner distance of a voxel cell.
func (e *Engine) MaxDist() float64 { return e.maxDist }

// CoverageRadius is the planar search radius for accumulator neighbours.
func (e *Engine) CoverageRadius() float64 { return e.coverage }

// Plan returns the blend normalisation for merging in against the current
// accumulator state and its contour.
func (e *Engine) Plan(acc *Accumulator, in cloud.Cloud, contour []cloud.Point2) float64 {
	return MaxContourDistance(in, spatial.New(acc.Planar()), spatial.New(contour), e.coverage)
}

// Merge folds in into acc. acc and in must share a frame, and contour and
// maxContourDist must describe acc as it is on entry. Points appended during
// the merge are not visible to the neighbour queries of the same merge.
func (e *Engine) Merge(acc *Accumulator, in cloud.Cloud, contour []cloud.Point2, maxContourDist float64) MergeStats {
	var stats MergeStats
	acc.ResetBlended()

	accIx := spatial.New(acc.Planar())
	contourIx := spatial.New(contour)
	cloudIx := spatial.New(in.Planar())
	maxSq := e.maxDist * e.maxDist
	trace := surface.TraceEnabled()

	for _, p := range in {
		q := p.Planar()
		matches := accIx.Radius(q, e.coverage, e.maxMatches)
		if len(matches) == 0 {
			acc.Append(Point{Point: p})
			stats.Inserted++
			continue
		}

		z := p.Z
		for _, m := range matches {
			z = (z + acc.At(m.Index).Z) / 2
		}

		// Matches are sorted nearest first.
		primary := matches[0]
		color := p.Color
		if nn := contourIx.Nearest(q, 1); len(nn) > 0 {
			alpha := BlendAlpha(maxContourDist, math.Sqrt(nn[0].SqDist))
			color = BlendColor(acc.At(primary.Index).Color, p.Color, alpha)
		} else {
			if stats.ContourMisses == 0 {
				surface.Diagf("warning: no contour neighbour for point (%.4f, %.4f), color left unblended", p.X, p.Y)
			}
			stats.ContourMisses++
		}

		if primary.SqDist >= maxSq {
			acc.Append(Point{
				Point:   cloud.Point{X: p.X, Y: p.Y, Z: z, Color: color},
				Blended: true,
			})
			stats.Border++
			if trace {
				surface.Tracef("point (%.4f, %.4f): border, %d matches, z=%.4f", p.X, p.Y, len(matches), z)
			}
		} else {
			ap := acc.at(primary.Index)
			ap.Z = z
			ap.Color = color
			ap.Blended = true
			stats.Interior++
			if trace {
				surface.Tracef("point (%.4f, %.4f): interior, replaces %d, z=%.4f", p.X, p.Y, primary.Index, z)
			}
		}

		for _, m := range matches {
			if e.fixUp(acc.at(m.Index), in, cloudIx, contourIx, maxContourDist) {
				stats.FixedUp++
			}
		}
	}

	if stats.ContourMisses > 1 {
		surface.Diagf("warning: %d points had no contour neighbour", stats.ContourMisses)
	}
	surface.Tracef("merge: inserted=%d border=%d interior=%d fixed=%d", stats.Inserted, stats.Border, stats.Interior, stats.FixedUp)
	return stats
}

// fixUp re-blends an accumulator point that was matched but not settled this
// pass against the nearest incoming point. It reports whether ap changed.
func (e *Engine) fixUp(ap *Point, in cloud.Cloud, cloudIx, contourIx *spatial.Index, maxContourDist float64) bool {
	if ap.Blended {
		return false
	}
	q := ap.Planar()
	src := cloudIx.Nearest(q, 1)
	if len(src) == 0 {
		return false
	}
	nn := contourIx.Nearest(q, 1)
	if len(nn) == 0 {
		return false
	}
	alpha := BlendAlpha(maxContourDist, math.Sqrt(nn[0].SqDist))
	ap.Color = BlendColor(ap.Color, in[src[0].Index].Color, alpha)
	ap.Blended = true
	return true
}
