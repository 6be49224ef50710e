// Package spatial provides read-only nearest-neighbour indices over point
// snapshots. Planar indices ignore z entirely; the 3D index backs the
// outlier filters.
//
// Indices are built once per merge step and never updated: points appended
// to the source slice after New are invisible to queries.
package spatial

import (
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/banshee-data/surfacestitch/internal/surface/cloud"
)

// Neighbor is a query result: the position of the point in the slice the
// index was built from and its squared distance to the query.
type Neighbor struct {
	Index  int
	SqDist float64
}

// Index is a planar kd-tree over a snapshot of points.
type Index struct {
	tree *kdtree.Tree
	n    int
}

// New builds a planar index over pts. The slice is not retained.
func New(pts []cloud.Point2) *Index {
	if len(pts) == 0 {
		return &Index{}
	}
	nodes := make(planarNodes, len(pts))
	for i, p := range pts {
		nodes[i] = planarNode{x: p.X, y: p.Y, idx: i}
	}
	return &Index{tree: kdtree.New(nodes, false), n: len(pts)}
}

// NewFromCloud builds a planar index over the XY projection of c.
func NewFromCloud(c cloud.Cloud) *Index {
	return New(c.Planar())
}

// Len returns the number of indexed points.
func (ix *Index) Len() int { return ix.n }

// Radius returns up to max points whose planar distance to q is at most
// radius, nearest first. max <= 0 returns every point in range.
func (ix *Index) Radius(q cloud.Point2, radius float64, max int) []Neighbor {
	if ix.n == 0 || radius < 0 {
		return nil
	}
	r2 := radius * radius
	node := planarNode{x: q.X, y: q.Y, idx: -1}
	if max > 0 {
		keep := kdtree.NewNKeeper(max)
		ix.tree.NearestSet(keep, node)
		return collect(keep.Heap, r2)
	}
	keep := kdtree.NewDistKeeper(r2)
	ix.tree.NearestSet(keep, node)
	return collect(keep.Heap, r2)
}

// Nearest returns the k nearest points to q, nearest first.
func (ix *Index) Nearest(q cloud.Point2, k int) []Neighbor {
	if ix.n == 0 || k <= 0 {
		return nil
	}
	keep := kdtree.NewNKeeper(k)
	ix.tree.NearestSet(keep, planarNode{x: q.X, y: q.Y, idx: -1})
	return collect(keep.Heap, -1)
}

// collect converts a keeper heap into sorted neighbours. The keepers seed
// their heap with a sentinel that carries no Comparable; it is skipped here.
// maxSqDist < 0 disables the distance cut.
func collect(h kdtree.Heap, maxSqDist float64) []Neighbor {
	out := make([]Neighbor, 0, len(h))
	for _, cd := range h {
		if cd.Comparable == nil {
			continue
		}
		if maxSqDist >= 0 && cd.Dist > maxSqDist {
			continue
		}
		out = append(out, Neighbor{Index: indexOf(cd.Comparable), SqDist: cd.Dist})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SqDist != out[j].SqDist {
			return out[i].SqDist < out[j].SqDist
		}
		return out[i].Index < out[j].Index
	})
	return out
}

func indexOf(c kdtree.Comparable) int {
	switch n := c.(type) {
	case planarNode:
		return n.idx
	case spaceNode:
		return n.idx
	}
	panic("spatial: unexpected comparable type")
}

// planarNode is a kd-tree point in the XY plane that remembers its position
// in the source slice.
type planarNode struct {
	x, y float64
	idx  int
}

func (p planarNode) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(planarNode)
	switch d {
	case 0:
		return p.x - q.x
	case 1:
		return p.y - q.y
	}
	panic("spatial: illegal planar dimension")
}

func (p planarNode) Dims() int { return 2 }

// Distance is the squared planar distance, as kdtree.Point uses.
func (p planarNode) Distance(c kdtree.Comparable) float64 {
	q := c.(planarNode)
	dx := p.x - q.x
	dy := p.y - q.y
	return dx*dx + dy*dy
}

type planarNodes []planarNode

func (p planarNodes) Index(i int) kdtree.Comparable { return p[i] }
func (p planarNodes) Len() int                      { return len(p) }
func (p planarNodes) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}
func (p planarNodes) Pivot(d kdtree.Dim) int {
	return planarPlane{Dim: d, planarNodes: p}.Pivot()
}

// planarPlane sorts planar nodes along one dimension for median partitioning.
type planarPlane struct {
	kdtree.Dim
	planarNodes
}

func (p planarPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.planarNodes[i].x < p.planarNodes[j].x
	case 1:
		return p.planarNodes[i].y < p.planarNodes[j].y
	}
	panic("spatial: illegal planar dimension")
}
func (p planarPlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p planarPlane) Slice(start, end int) kdtree.SortSlicer {
	p.planarNodes = p.planarNodes[start:end]
	return p
}
func (p planarPlane) Swap(i, j int) {
	p.planarNodes[i], p.planarNodes[j] = p.planarNodes[j], p.planarNodes[i]
}
