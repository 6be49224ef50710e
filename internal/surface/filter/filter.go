// Package filter implements the point-cloud cleaning stages used before a
// cloud is merged and for the final cleanup of the reconstruction.
//
// Every filter returns a new cloud and leaves its input untouched. Filters
// never fail; degenerate parameters turn a stage into a passthrough.
package filter

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/surfacestitch/internal/surface/cloud"
	"github.com/banshee-data/surfacestitch/internal/surface/spatial"
)

// Filter transforms a cloud into a (usually smaller) cloud.
type Filter interface {
	Filter(cloud.Cloud) cloud.Cloud
}

// Func adapts a function to the Filter interface.
type Func func(cloud.Cloud) cloud.Cloud

func (f Func) Filter(c cloud.Cloud) cloud.Cloud { return f(c) }

// Chain applies filters in order.
type Chain []Filter

func (ch Chain) Filter(c cloud.Cloud) cloud.Cloud {
	for _, f := range ch {
		c = f.Filter(c)
	}
	return c
}

// RemoveNaN drops points with any NaN or infinite coordinate.
var RemoveNaN Filter = Func(func(c cloud.Cloud) cloud.Cloud {
	out := make(cloud.Cloud, 0, len(c))
	for _, p := range c {
		if p.IsFinite() {
			out = append(out, p)
		}
	}
	return out
})

// RadiusOutlier rejects points with fewer than MinNeighbors other points
// within Radius (3D).
type RadiusOutlier struct {
	Radius       float64
	MinNeighbors int
}

func (f RadiusOutlier) Filter(c cloud.Cloud) cloud.Cloud {
	if f.MinNeighbors <= 0 || f.Radius <= 0 {
		return c.Clone()
	}
	ix := spatial.New3(c)
	out := make(cloud.Cloud, 0, len(c))
	for _, p := range c {
		// The query point is part of the index and always finds itself.
		if ix.CountWithin(p, f.Radius)-1 >= f.MinNeighbors {
			out = append(out, p)
		}
	}
	return out
}

// StatisticalOutlier rejects points whose mean distance to their MeanK
// nearest neighbours exceeds the cloud-wide mean by more than StddevMul
// standard deviations.
type StatisticalOutlier struct {
	MeanK     int
	StddevMul float64
}

func (f StatisticalOutlier) Filter(c cloud.Cloud) cloud.Cloud {
	if f.MeanK <= 0 || len(c) < 2 {
		return c.Clone()
	}
	ix := spatial.New3(c)
	meanDist := make([]float64, len(c))
	for i, p := range c {
		nn := ix.Nearest(p, f.MeanK+1)
		if len(nn) <= 1 {
			continue
		}
		var sum float64
		for _, n := range nn[1:] {
			sum += math.Sqrt(n.SqDist)
		}
		meanDist[i] = sum / float64(len(nn)-1)
	}

	mean, std := stat.MeanStdDev(meanDist, nil)
	threshold := mean + f.StddevMul*std

	out := make(cloud.Cloud, 0, len(c))
	for i, p := range c {
		if meanDist[i] <= threshold {
			out = append(out, p)
		}
	}
	return out
}
