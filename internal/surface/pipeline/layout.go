package pipeline

import (
	"path/filepath"

	"github.com/banshee-data/surfacestitch/internal/security"
)

// File and directory names inside the working directory.
const (
	GraphFile  = "graph_vertices.txt"
	LockFile   = ".graph.block"
	CloudsDir  = "clouds"
	OutputDir  = "output"
	OutputFile = "reconstruction.pcd"
)

// Layout resolves the paths of a working directory.
type Layout struct {
	WorkDir string
}

func (l Layout) GraphPath() string  { return filepath.Join(l.WorkDir, GraphFile) }
func (l Layout) LockPath() string   { return filepath.Join(l.WorkDir, LockFile) }
func (l Layout) CloudsDir() string  { return filepath.Join(l.WorkDir, CloudsDir) }
func (l Layout) OutputDir() string  { return filepath.Join(l.WorkDir, CloudsDir, OutputDir) }
func (l Layout) OutputPath() string { return filepath.Join(l.WorkDir, OutputFile) }

// CloudPath returns the path of a cloud file named in the pose graph. Names
// that would leave the clouds directory are rejected.
func (l Layout) CloudPath(cloudID string) (string, error) {
	return security.JoinWithin(l.CloudsDir(), cloudID)
}
