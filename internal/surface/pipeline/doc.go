// Package pipeline drives a reconstruction run over a working directory.
//
// It is the composition root of the surface packages: it reads the pose
// graph, loads and cleans each cloud, merges it into the accumulator in the
// reference frame of the first cloud, and writes the cleaned result. None of
// the packages it composes import pipeline.
//
// Working directory layout:
//
//	<work>/graph_vertices.txt   pose graph, one vertex per line
//	<work>/.graph.block         present while the graph is being written
//	<work>/clouds/<id>.pcd      input clouds
//	<work>/clouds/output/       scratch output, reset on every run
//	<work>/reconstruction.pcd   result
package pipeline
