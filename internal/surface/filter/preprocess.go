package filter

import (
	"github.com/banshee-data/surfacestitch/internal/surface"
	"github.com/banshee-data/surfacestitch/internal/surface/cloud"
)

// Default cleaning constants, tuned for a downward-looking RGB-D sensor a
// metre or so above the surface.
const (
	DefaultLeafSize        = 0.005
	DefaultViewingAxisLeaf = 0.5
	DefaultOutlierRadius   = 0.04
	DefaultMinNeighbors    = 50
	DefaultMeanK           = 40
	DefaultStddevMul       = 2.0
)

// Params configures the cleaning chain.
type Params struct {
	LeafSize        float64 // in-plane voxel leaf (metres)
	ViewingAxisLeaf float64 // voxel leaf along the sensor's viewing axis
	OutlierRadius   float64 // radius for the minimum-neighbour test
	MinNeighbors    int     // neighbours required within OutlierRadius
	MeanK           int     // neighbours averaged by the statistical test
	StddevMul       float64 // rejection threshold in standard deviations
}

// DefaultParams returns the cleaning parameters used by the reconstruction.
func DefaultParams() Params {
	return Params{
		LeafSize:        DefaultLeafSize,
		ViewingAxisLeaf: DefaultViewingAxisLeaf,
		OutlierRadius:   DefaultOutlierRadius,
		MinNeighbors:    DefaultMinNeighbors,
		MeanK:           DefaultMeanK,
		StddevMul:       DefaultStddevMul,
	}
}

// Preprocessor cleans raw sensor clouds before they are merged.
type Preprocessor struct {
	params Params
	chain  Chain
}

// NewPreprocessor builds the per-cloud chain: NaN removal, anisotropic voxel
// grid, radius outlier removal, statistical outlier removal.
func NewPreprocessor(p Params) *Preprocessor {
	return &Preprocessor{
		params: p,
		chain: Chain{
			RemoveNaN,
			VoxelGrid{LeafX: p.LeafSize, LeafY: p.LeafSize, LeafZ: p.ViewingAxisLeaf},
			RadiusOutlier{Radius: p.OutlierRadius, MinNeighbors: p.MinNeighbors},
			StatisticalOutlier{MeanK: p.MeanK, StddevMul: p.StddevMul},
		},
	}
}

// Clean returns the cleaned copy of raw.
func (pp *Preprocessor) Clean(raw cloud.Cloud) cloud.Cloud {
	c := raw
	for _, f := range pp.chain {
		before := len(c)
		c = f.Filter(c)
		surface.Tracef("filter %T: %d -> %d points", f, before, len(c))
	}
	surface.Diagf("cleaned cloud: %d -> %d points", len(raw), len(c))
	return c
}

// Final returns the chain applied to the finished reconstruction: the same
// outlier stages behind a cubic voxel grid, so overlapping seams collapse to
// one sample per cell in every axis.
func Final(p Params) Chain {
	return Chain{
		Cubic(p.LeafSize),
		RadiusOutlier{Radius: p.OutlierRadius, MinNeighbors: p.MinNeighbors},
		StatisticalOutlier{MeanK: p.MeanK, StddevMul: p.StddevMul},
	}
}
