// Package surface is the root of the surface reconstruction packages.
//
// Responsibilities: shared ops/diag/trace log streams for the subpackages.
// The algorithmic work lives in the subpackages:
//
//   - cloud: point, color and cloud types plus PCD encoding
//   - pose: rigid transforms and the pose-graph vertex file
//   - spatial: planar and 3D nearest-neighbour indices
//   - filter: NaN removal, voxel grid, radius and statistical outlier removal
//   - contour: concave-hull boundary of the accumulated cloud
//   - stitch: blend planning and the per-point merge into the accumulator
//   - pipeline: the per-cloud reconstruction loop and final cleanup
//
// Dependency rule: subpackages may import surface, never the reverse.
package surface
