package filter

import (
	"math"

	"github.com/banshee-data/surfacestitch/internal/surface/cloud"
)

// VoxelGrid replaces the points of every occupied cell with their centroid,
// averaging each color channel. Leaf sizes may differ per axis: a large Z
// leaf collapses the viewing axis so each in-plane cell keeps one sample.
// Output cells are ordered by first occupancy, which keeps results
// deterministic for a given input order.
type VoxelGrid struct {
	LeafX, LeafY, LeafZ float64
}

// Cubic returns a voxel grid with the same leaf size on every axis.
func Cubic(leaf float64) VoxelGrid {
	return VoxelGrid{LeafX: leaf, LeafY: leaf, LeafZ: leaf}
}

type voxelKey [3]int64

type voxelSum struct {
	x, y, z float64
	r, g, b uint64
	n       int
}

func (f VoxelGrid) Filter(c cloud.Cloud) cloud.Cloud {
	if len(c) == 0 {
		return nil
	}
	if f.LeafX <= 0 || f.LeafY <= 0 || f.LeafZ <= 0 {
		return c.Clone()
	}

	index := make(map[voxelKey]int, len(c)/4)
	cells := make([]voxelSum, 0, len(c)/4)
	for _, p := range c {
		k := voxelKey{
			int64(math.Floor(p.X / f.LeafX)),
			int64(math.Floor(p.Y / f.LeafY)),
			int64(math.Floor(p.Z / f.LeafZ)),
		}
		i, ok := index[k]
		if !ok {
			i = len(cells)
			index[k] = i
			cells = append(cells, voxelSum{})
		}
		s := &cells[i]
		s.x += p.X
		s.y += p.Y
		s.z += p.Z
		s.r += uint64(p.Color.R)
		s.g += uint64(p.Color.G)
		s.b += uint64(p.Color.B)
		s.n++
	}

	out := make(cloud.Cloud, len(cells))
	for i, s := range cells {
		n := float64(s.n)
		out[i] = cloud.Point{
			X: s.x / n,
			Y: s.y / n,
			Z: s.z / n,
			Color: cloud.RGB{
				R: meanChannel(s.r, s.n),
				G: meanChannel(s.g, s.n),
				B: meanChannel(s.b, s.n),
			},
		}
	}
	return out
}

func meanChannel(sum uint64, n int) uint8 {
	return uint8((sum + uint64(n)/2) / uint64(n))
}
