package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/surfacestitch/internal/fsutil"
	"github.com/banshee-data/surfacestitch/internal/surface/cloud"
	"github.com/banshee-data/surfacestitch/internal/surface/filter"
	"github.com/banshee-data/surfacestitch/internal/surface/pose"
	"github.com/banshee-data/surfacestitch/internal/surface/spatial"
	"github.com/banshee-data/surfacestitch/internal/testutil"
	"github.com/banshee-data/surfacestitch/internal/timeutil"
)

const (
	workDir = "/work"
	leaf    = filter.DefaultLeafSize
	side    = 40 // samples per grid side
	shift   = 20 // samples between consecutive sensor positions
)

var (
	red   = cloud.RGB{R: 220, G: 10, B: 10}
	green = cloud.RGB{R: 10, G: 220, B: 10}
	blue  = cloud.RGB{R: 10, G: 10, B: 220}
)

type sceneCloud struct {
	name  string
	tx    float64
	color cloud.RGB
}

// threeClouds is a sensor sweeping along x over a flat floor one metre
// below it. Consecutive views overlap by half.
var threeClouds = []sceneCloud{
	{"000001", 0, red},
	{"000002", shift * leaf, green},
	{"000003", 2 * shift * leaf, blue},
}

func graphRow(i int, name string, tx float64) string {
	return fmt.Sprintf("%d,%s,0,0,0,%g,0,0,0,0,0,1", i, name, tx)
}

// scene writes a working directory with one flat grid per cloud, each in its
// own sensor frame.
func scene(t *testing.T, clouds []sceneCloud, extraRows ...string) *fsutil.MemoryFileSystem {
	t.Helper()
	m := fsutil.NewMemoryFileSystem()
	var rows []string
	for i, c := range clouds {
		rows = append(rows, graphRow(i, c.name, c.tx))
		g := testutil.Grid(testutil.GridSpec{NX: side, NY: side, Spacing: leaf, Z: 1, Color: c.color})
		m.WriteFile(filepath.Join(workDir, CloudsDir, c.name+pose.CloudExtension), testutil.EncodePCD(t, g))
	}
	rows = append(rows, extraRows...)
	m.WriteFile(filepath.Join(workDir, GraphFile), []byte(strings.Join(rows, "\n")+"\n"))
	return m
}

func newPipeline(m fsutil.FileSystem, mutate ...func(*Config)) *Pipeline {
	cfg := Config{
		WorkDir: workDir,
		Params:  DefaultParams(),
		FS:      m,
		Clock:   timeutil.NewFakeClock(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), time.Millisecond),
	}
	cfg.Params.LockPollInterval = time.Millisecond
	for _, f := range mutate {
		f(&cfg)
	}
	return New(cfg)
}

func nearestTo(t *testing.T, c cloud.Cloud, x, y float64) cloud.Point {
	t.Helper()
	nn := spatial.NewFromCloud(c).Nearest(cloud.Point2{X: x, Y: y}, 1)
	require.Len(t, nn, 1)
	return c[nn[0].Index]
}

func TestRun_ThreeCloudsEndToEnd(t *testing.T) {
	t.Parallel()
	m := scene(t, threeClouds)
	var seen []CloudReport
	p := newPipeline(m, func(c *Config) { c.OnCloud = func(r CloudReport) { seen = append(seen, r) } })

	res, err := p.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Clouds, 3)
	assert.Equal(t, res.Clouds, seen)
	assert.True(t, res.Clouds[0].Seed)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, 3*side*side, res.TotalRawPoints)

	for _, rep := range res.Clouds[1:] {
		assert.Greater(t, rep.Merge.Interior, 0, "cloud %s should overlap", rep.CloudID)
		assert.Greater(t, rep.ContourPoints, 0)
		assert.Greater(t, rep.MaxContourDistance, 0.0)
	}

	out := res.Output
	require.NotEmpty(t, out)
	assert.Less(t, len(out), res.TotalRawPoints, "fusion must beat naive concatenation")

	ix := spatial.New3(out)
	for i, p := range out {
		nn := ix.Nearest(p, 2)
		require.Len(t, nn, 2)
		// Samples went through float32 storage, hence the tolerance.
		assert.Greater(t, math.Sqrt(nn[1].SqDist), leaf-1e-6, "point %d has a neighbour closer than the voxel size", i)
	}

	// Far from any overlap each cloud keeps its own color exactly.
	assert.Equal(t, red, nearestTo(t, out, 5.5*leaf, 20.5*leaf).Color)
	assert.Equal(t, blue, nearestTo(t, out, (2*shift+side-5.5)*leaf, 20.5*leaf).Color)

	// The result is persisted and matches what Run returned.
	assert.Equal(t, filepath.Join(workDir, OutputFile), res.OutputPath)
	data, err := m.ReadFile(res.OutputPath)
	require.NoError(t, err)
	assert.Len(t, testutil.DecodePCD(t, data), len(out))
	assert.True(t, m.IsDir(filepath.Join(workDir, CloudsDir, OutputDir)))
	assert.False(t, m.Exists(res.OutputPath+".tmp"))
}

func TestRun_SeedingIdempotence(t *testing.T) {
	t.Parallel()
	m := scene(t, threeClouds[:1])
	res, err := newPipeline(m).Run(context.Background())
	require.NoError(t, err)

	g := testutil.Grid(testutil.GridSpec{NX: side, NY: side, Spacing: leaf, Z: 1, Color: red})
	// Clouds travel through float32 PCD fields before they are cleaned.
	loaded := testutil.DecodePCD(t, testutil.EncodePCD(t, g))
	params := DefaultParams()
	want := filter.Final(params.Filter).Filter(filter.NewPreprocessor(params.Filter).Clean(loaded))

	if diff := cmp.Diff(want, res.Output, cmp.Comparer(func(a, b float64) bool {
		return math.Abs(a-b) < 1e-9
	})); diff != "" {
		t.Errorf("single cloud output mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_DisjointClouds(t *testing.T) {
	t.Parallel()
	m := scene(t, []sceneCloud{
		{"000001", 0, red},
		{"000002", 1, green},
	})
	res, err := newPipeline(m).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Clouds, 2)
	second := res.Clouds[1]
	assert.Zero(t, second.MaxContourDistance)
	assert.Zero(t, second.Merge.Border)
	assert.Zero(t, second.Merge.Interior)
	assert.Equal(t, second.FilteredPoints, second.Merge.Inserted)
	assert.Equal(t, res.Clouds[0].FilteredPoints+second.FilteredPoints, res.AccumulatedPoints)
	assert.Equal(t, green, nearestTo(t, res.Output, 1+20.5*leaf, 20.5*leaf).Color)
}

func TestRun_SkipsUnreadableClouds(t *testing.T) {
	t.Parallel()
	m := scene(t, threeClouds[:2],
		graphRow(2, "missing", 0),
		graphRow(3, "../graph_vertices", 0),
	)
	m.WriteFile(filepath.Join(workDir, CloudsDir, "garbage.pcd"), []byte("not a pcd"))
	m.WriteFile(filepath.Join(workDir, GraphFile), append(mustRead(t, m, filepath.Join(workDir, GraphFile)),
		[]byte(graphRow(4, "garbage", 0)+"\n")...))

	res, err := newPipeline(m).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"missing.pcd", "../graph_vertices.pcd", "garbage.pcd"}, res.Skipped)
	assert.Len(t, res.Clouds, 2)
	assert.Equal(t, 2*side*side, res.TotalRawPoints)
}

func TestRun_SkipsCloudWithOversizedHeader(t *testing.T) {
	t.Parallel()
	headers := map[string]string{
		"points":       "FIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nWIDTH 1\nHEIGHT 1\nPOINTS 9223372036854775807\nDATA binary\n",
		"width height": "FIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nWIDTH 4294967296\nHEIGHT 4294967296\nDATA binary\n",
		"short body":   "FIELDS x y z\nSIZE 4 4 4\nTYPE F F F\nWIDTH 1000000\nHEIGHT 1\nPOINTS 1000000\nDATA binary\n",
	}
	for name, header := range headers {
		for _, prefetch := range []int{0, 2} {
			header, prefetch := header, prefetch
			t.Run(fmt.Sprintf("%s/prefetch=%d", name, prefetch), func(t *testing.T) {
				t.Parallel()
				m := scene(t, threeClouds)
				m.WriteFile(filepath.Join(workDir, CloudsDir, "000002"+pose.CloudExtension), []byte(header))

				res, err := newPipeline(m, func(c *Config) { c.Params.Prefetch = prefetch }).Run(context.Background())
				require.NoError(t, err)
				assert.Equal(t, []string{"000002.pcd"}, res.Skipped)
				require.Len(t, res.Clouds, 2)
				assert.Equal(t, "000001.pcd", res.Clouds[0].CloudID)
				assert.Equal(t, "000003.pcd", res.Clouds[1].CloudID)
			})
		}
	}
}

func TestRun_SkipsCloudWithNonFinitePose(t *testing.T) {
	t.Parallel()
	m := scene(t, threeClouds)
	rows := []string{
		graphRow(0, "000001", 0),
		graphRow(1, "000002", math.NaN()),
		graphRow(2, "000003", 2*shift*leaf),
	}
	m.WriteFile(filepath.Join(workDir, GraphFile), []byte(strings.Join(rows, "\n")+"\n"))

	res, err := newPipeline(m).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"000002.pcd"}, res.Skipped)
	require.Len(t, res.Clouds, 2)
	for i, p := range res.Output {
		require.False(t, math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsNaN(p.Z), "point %d is not finite", i)
	}
}

// countingFS counts Open calls.
type countingFS struct {
	fsutil.FileSystem
	opens atomic.Int32
}

func (c *countingFS) Open(name string) (io.ReadCloser, error) {
	c.opens.Add(1)
	return c.FileSystem.Open(name)
}

func TestEach_PrefetchStopsBeforeLoadingWhenCancelled(t *testing.T) {
	t.Parallel()
	fsys := &countingFS{FileSystem: scene(t, threeClouds)}
	p := newPipeline(fsys, func(c *Config) { c.Params.Prefetch = 2 })
	entries, err := pose.LoadGraph(fsys, filepath.Join(workDir, GraphFile))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	fsys.opens.Store(0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var merged int
	err = p.each(ctx, entries, func(prepared) error { merged++; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, merged)
	assert.Zero(t, fsys.opens.Load(), "no cloud may be loaded after cancellation")
}

func TestRun_FirstCloudMissingSeedsWithNext(t *testing.T) {
	t.Parallel()
	m := scene(t, threeClouds[1:2])
	m.WriteFile(filepath.Join(workDir, GraphFile), []byte(graphRow(0, "lost", 0)+"\n"+graphRow(1, "000002", shift*leaf)+"\n"))

	res, err := newPipeline(m).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Clouds, 1)
	assert.True(t, res.Clouds[0].Seed)
	// The seed's frame is the reference: coordinates stay in its sensor frame.
	b, ok := res.Output.MinMax()
	require.True(t, ok)
	assert.Less(t, b.Min.X, 0.01)
}

func TestRun_NoCloudsWritesEmptyOutput(t *testing.T) {
	t.Parallel()
	m := fsutil.NewMemoryFileSystem()
	m.WriteFile(filepath.Join(workDir, GraphFile), []byte(graphRow(0, "nothing", 0)+"\n"))

	res, err := newPipeline(m).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Output)
	assert.True(t, m.Exists(res.OutputPath))
}

func TestRun_FatalErrors(t *testing.T) {
	t.Parallel()

	t.Run("missing pose graph", func(t *testing.T) {
		t.Parallel()
		_, err := newPipeline(fsutil.NewMemoryFileSystem()).Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), GraphFile)
	})

	t.Run("malformed pose graph", func(t *testing.T) {
		t.Parallel()
		m := fsutil.NewMemoryFileSystem()
		m.WriteFile(filepath.Join(workDir, GraphFile), []byte("0,000001,0,0,0,0.1\n"))
		_, err := newPipeline(m).Run(context.Background())
		assert.True(t, errors.Is(err, pose.ErrMalformed), "got %v", err)
		assert.False(t, m.Exists(filepath.Join(workDir, OutputFile)))
	})
}

func TestRun_Cancellation(t *testing.T) {
	t.Parallel()
	for _, prefetch := range []int{0, 2} {
		prefetch := prefetch
		t.Run(fmt.Sprintf("prefetch=%d", prefetch), func(t *testing.T) {
			t.Parallel()
			m := scene(t, threeClouds)
			ctx, cancel := context.WithCancel(context.Background())
			p := newPipeline(m, func(c *Config) {
				c.Params.Prefetch = prefetch
				// Cancel as soon as the seed is in place.
				c.OnCloud = func(CloudReport) { cancel() }
			})

			res, err := p.Run(ctx)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, context.Canceled)
			assert.False(t, m.Exists(filepath.Join(workDir, OutputFile)), "nothing may be written on cancel")
			assert.False(t, m.Exists(filepath.Join(workDir, OutputFile+".tmp")))
		})
	}
}

func TestRun_WaitsForGraphLock(t *testing.T) {
	t.Parallel()
	m := scene(t, threeClouds[:1])
	lock := filepath.Join(workDir, LockFile)
	m.WriteFile(lock, nil)

	p := newPipeline(m, func(c *Config) { c.Clock = timeutil.RealClock{} })
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = m.RemoveAll(lock)
	}()
	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Clouds, 1)

	m.WriteFile(lock, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = newPipeline(m, func(c *Config) { c.Clock = timeutil.RealClock{} }).Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_PrefetchMatchesSequential(t *testing.T) {
	t.Parallel()
	seq, err := newPipeline(scene(t, threeClouds)).Run(context.Background())
	require.NoError(t, err)
	pre, err := newPipeline(scene(t, threeClouds), func(c *Config) { c.Params.Prefetch = 2 }).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, seq.Output, pre.Output)
	require.Len(t, pre.Clouds, len(seq.Clouds))
	for i := range seq.Clouds {
		assert.Equal(t, seq.Clouds[i].Merge, pre.Clouds[i].Merge)
	}
}

func TestRun_ResetsOutputDirectory(t *testing.T) {
	t.Parallel()
	m := scene(t, threeClouds[:1])
	stale := filepath.Join(workDir, CloudsDir, OutputDir, "stale.pcd")
	m.WriteFile(stale, []byte("old"))

	_, err := newPipeline(m).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, m.Exists(stale))
}

func TestRun_ASCIIOutput(t *testing.T) {
	t.Parallel()
	m := scene(t, threeClouds[:1])
	res, err := newPipeline(m, func(c *Config) { c.Params.OutputEncoding = cloud.EncodingASCII }).Run(context.Background())
	require.NoError(t, err)
	data := mustRead(t, m, res.OutputPath)
	assert.Contains(t, string(data), "DATA ascii")
}

func mustRead(t *testing.T, m *fsutil.MemoryFileSystem, name string) []byte {
	t.Helper()
	data, err := m.ReadFile(name)
	require.NoError(t, err)
	return data
}
