package spatial

import (
	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/banshee-data/surfacestitch/internal/surface/cloud"
)

// Index3 is a 3D kd-tree over a snapshot of cloud points.
type Index3 struct {
	tree *kdtree.Tree
	n    int
}

// New3 builds a 3D index over c. The cloud is not retained.
func New3(c cloud.Cloud) *Index3 {
	if len(c) == 0 {
		return &Index3{}
	}
	nodes := make(spaceNodes, len(c))
	for i, p := range c {
		nodes[i] = spaceNode{v: [3]float64{p.X, p.Y, p.Z}, idx: i}
	}
	return &Index3{tree: kdtree.New(nodes, false), n: len(c)}
}

// Len returns the number of indexed points.
func (ix *Index3) Len() int { return ix.n }

// Radius returns every point within radius of q, nearest first.
func (ix *Index3) Radius(q cloud.Point, radius float64) []Neighbor {
	if ix.n == 0 || radius < 0 {
		return nil
	}
	keep := kdtree.NewDistKeeper(radius * radius)
	ix.tree.NearestSet(keep, spaceNode{v: [3]float64{q.X, q.Y, q.Z}, idx: -1})
	return collect(keep.Heap, radius*radius)
}

// CountWithin returns how many indexed points lie within radius of q,
// including q itself when it is part of the index.
func (ix *Index3) CountWithin(q cloud.Point, radius float64) int {
	return len(ix.Radius(q, radius))
}

// Nearest returns the k nearest points to q, nearest first.
func (ix *Index3) Nearest(q cloud.Point, k int) []Neighbor {
	if ix.n == 0 || k <= 0 {
		return nil
	}
	keep := kdtree.NewNKeeper(k)
	ix.tree.NearestSet(keep, spaceNode{v: [3]float64{q.X, q.Y, q.Z}, idx: -1})
	return collect(keep.Heap, -1)
}

type spaceNode struct {
	v   [3]float64
	idx int
}

func (p spaceNode) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.v[d] - c.(spaceNode).v[d]
}

func (p spaceNode) Dims() int { return 3 }

func (p spaceNode) Distance(c kdtree.Comparable) float64 {
	q := c.(spaceNode)
	var sum float64
	for i := range p.v {
		d := p.v[i] - q.v[i]
		sum += d * d
	}
	return sum
}

type spaceNodes []spaceNode

func (p spaceNodes) Index(i int) kdtree.Comparable { return p[i] }
func (p spaceNodes) Len() int                      { return len(p) }
func (p spaceNodes) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}
func (p spaceNodes) Pivot(d kdtree.Dim) int {
	return spacePlane{Dim: d, spaceNodes: p}.Pivot()
}

type spacePlane struct {
	kdtree.Dim
	spaceNodes
}

func (p spacePlane) Less(i, j int) bool {
	return p.spaceNodes[i].v[p.Dim] < p.spaceNodes[j].v[p.Dim]
}
func (p spacePlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p spacePlane) Slice(start, end int) kdtree.SortSlicer {
	p.spaceNodes = p.spaceNodes[start:end]
	return p
}
func (p spacePlane) Swap(i, j int) {
	p.spaceNodes[i], p.spaceNodes[j] = p.spaceNodes[j], p.spaceNodes[i]
}
