// Package pose reads the pose-graph vertex file and provides the rigid
// transforms that move clouds between sensor frames.
package pose

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/surfacestitch/internal/fsutil"
	"github.com/banshee-data/surfacestitch/internal/timeutil"
)

// ErrMalformed is returned for pose-graph rows that cannot be parsed.
var ErrMalformed = errors.New("malformed pose graph")

// CloudExtension is appended to the vertex name to form the cloud file name.
const CloudExtension = ".pcd"

// Column layout of a graph_vertices.txt row. Column 0 and columns 2-4 carry
// graph bookkeeping that reconstruction does not need.
const (
	colName = 1
	colX    = 5
	colQW   = 11
)

// Entry is one posed cloud: the cloud file name and its sensor → graph pose.
type Entry struct {
	CloudID   string
	Transform Rigid
}

// Name returns the cloud id without its file extension.
func (e Entry) Name() string {
	return strings.TrimSuffix(e.CloudID, CloudExtension)
}

// ReadGraph parses comma-separated vertex rows. Row order is preserved: the
// first entry defines the reference frame and the processing order.
func ReadGraph(r io.Reader) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		e, err := parseRow(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read pose graph: %w", err)
	}
	return entries, nil
}

func parseRow(text string) (Entry, error) {
	cols := strings.Split(text, ",")
	if len(cols) <= colQW {
		return Entry{}, fmt.Errorf("%w: %d columns, need %d", ErrMalformed, len(cols), colQW+1)
	}
	name := strings.TrimSpace(cols[colName])
	if name == "" {
		return Entry{}, fmt.Errorf("%w: empty cloud name", ErrMalformed)
	}

	var v [7]float64
	for i := range v {
		f, err := strconv.ParseFloat(strings.TrimSpace(cols[colX+i]), 64)
		if err != nil {
			return Entry{}, fmt.Errorf("%w: column %d: %v", ErrMalformed, colX+i, err)
		}
		v[i] = f
	}
	t, err := NewRigid(v[0], v[1], v[2], v[3], v[4], v[5], v[6])
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Entry{CloudID: name + CloudExtension, Transform: t}, nil
}

// LoadGraph reads the vertex file at path.
func LoadGraph(fsys fsutil.FileSystem, path string) ([]Entry, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pose graph: %w", err)
	}
	defer f.Close()
	return ReadGraph(f)
}

// WaitForUnlock blocks while the graph writer's lock file exists, polling
// every interval on clock. It returns ctx.Err() if the context ends first.
func WaitForUnlock(ctx context.Context, fsys fsutil.FileSystem, clock timeutil.Clock, lockPath string, interval time.Duration) error {
	if !fsys.Exists(lockPath) {
		return nil
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for fsys.Exists(lockPath) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
	return nil
}
