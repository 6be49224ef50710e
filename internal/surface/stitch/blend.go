package stitch

import (
	"math"

	"github.com/banshee-data/surfacestitch/internal/surface/cloud"
	"github.com/banshee-data/surfacestitch/internal/surface/spatial"
)

// MaxContourDistance returns the largest distance from an overlapping point
// of in to the nearest contour point. A point overlaps when accIndex holds at
// least one point within coverageRadius of it. Zero when nothing overlaps or
// the contour is empty.
func MaxContourDistance(in cloud.Cloud, accIndex, contourIndex *spatial.Index, coverageRadius float64) float64 {
	var longest float64
	for _, p := range in {
		q := p.Planar()
		if len(accIndex.Radius(q, coverageRadius, 1)) == 0 {
			continue
		}
		nn := contourIndex.Nearest(q, 1)
		if len(nn) == 0 {
			continue
		}
		if d := math.Sqrt(nn[0].SqDist); d > longest {
			longest = d
		}
	}
	return longest
}

// BlendAlpha returns the weight of the incoming color for a point at
// distToContour from the boundary: 1 on the contour, falling to 0 at
// maxContourDist. The weight is linear and not clamped. A non-positive
// maxContourDist means the cloud does not overlap the accumulator and
// yields 1.
func BlendAlpha(maxContourDist, distToContour float64) float64 {
	if maxContourDist <= 0 || math.IsNaN(maxContourDist) {
		return 1
	}
	return (maxContourDist - distToContour) / maxContourDist
}

// BlendColor mixes acc and in per channel as (1-alpha)·acc + alpha·in.
// Channels are rounded and clamped to [0, 255].
func BlendColor(acc, in cloud.RGB, alpha float64) cloud.RGB {
	return cloud.RGB{
		R: blendChannel(acc.R, in.R, alpha),
		G: blendChannel(acc.G, in.G, alpha),
		B: blendChannel(acc.B, in.B, alpha),
	}
}

func blendChannel(a, b uint8, alpha float64) uint8 {
	v := math.Round((1-alpha)*float64(a) + alpha*float64(b))
	switch {
	case v <= 0 || math.IsNaN(v):
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v)
}
