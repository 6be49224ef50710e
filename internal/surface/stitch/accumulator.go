package stitch

import (
	"github.com/banshee-data/surfacestitch/internal/surface/cloud"
	"github.com/banshee-data/surfacestitch/internal/surface/pose"
)

// Point is an accumulated surface sample. Blended marks points whose color
// was settled during the current merge pass.
type Point struct {
	cloud.Point
	Blended bool
}

// Accumulator is the growing reconstruction. Points are stored in an
// index-stable arena: appends never move or renumber existing points, so
// indices returned by a spatial snapshot stay valid for the whole pass.
type Accumulator struct {
	pts []Point
}

// NewAccumulator seeds an accumulator with a copy of c. All flags are clear.
func NewAccumulator(c cloud.Cloud) *Accumulator {
	a := &Accumulator{pts: make([]Point, len(c), len(c)+len(c)/2)}
	for i, p := range c {
		a.pts[i] = Point{Point: p}
	}
	return a
}

// Len returns the number of accumulated points.
func (a *Accumulator) Len() int { return len(a.pts) }

// At returns the point at index i.
func (a *Accumulator) At(i int) Point { return a.pts[i] }

func (a *Accumulator) at(i int) *Point { return &a.pts[i] }

// Append adds p and returns its index.
func (a *Accumulator) Append(p Point) int {
	a.pts = append(a.pts, p)
	return len(a.pts) - 1
}

// ResetBlended clears every blended flag.
func (a *Accumulator) ResetBlended() {
	for i := range a.pts {
		a.pts[i].Blended = false
	}
}

// BlendedCount returns how many points carry the blended flag.
func (a *Accumulator) BlendedCount() int {
	n := 0
	for i := range a.pts {
		if a.pts[i].Blended {
			n++
		}
	}
	return n
}

// Planar returns the XY projection of every point, in index order.
func (a *Accumulator) Planar() []cloud.Point2 {
	out := make([]cloud.Point2, len(a.pts))
	for i := range a.pts {
		out[i] = a.pts[i].Planar()
	}
	return out
}

// Cloud returns a copy of the accumulated points without their flags.
func (a *Accumulator) Cloud() cloud.Cloud {
	out := make(cloud.Cloud, len(a.pts))
	for i := range a.pts {
		out[i] = a.pts[i].Point
	}
	return out
}

// Transform moves every point by t in place. Colors and flags are kept.
func (a *Accumulator) Transform(t pose.Rigid) {
	m := t.Matrix()
	for i := range a.pts {
		p := &a.pts[i].Point
		p.X, p.Y, p.Z = pose.ApplyMatrix(p.X, p.Y, p.Z, m)
	}
}
