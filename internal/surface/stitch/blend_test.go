package stitch

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/surfacestitch/internal/surface/cloud"
	"github.com/banshee-data/surfacestitch/internal/surface/pose"
	"github.com/banshee-data/surfacestitch/internal/surface/spatial"
)

func TestBlendAlpha(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		max, d float64
		want   float64
	}{
		{"on contour", 2, 0, 1},
		{"at max distance", 2, 2, 0},
		{"halfway", 2, 1, 0.5},
		{"beyond max is not clamped", 1, 2, -1},
		{"zero max", 0, 0.3, 1},
		{"negative max", -1, 0.3, 1},
		{"nan max", math.NaN(), 0.3, 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, BlendAlpha(tt.max, tt.d))
		})
	}
}

func TestBlendColor_Bounds(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		a := cloud.UnpackRGB(rng.Uint32())
		b := cloud.UnpackRGB(rng.Uint32())
		alpha := rng.Float64()
		got := BlendColor(a, b, alpha)
		for _, ch := range [][3]uint8{{a.R, b.R, got.R}, {a.G, b.G, got.G}, {a.B, b.B, got.B}} {
			lo, hi := ch[0], ch[1]
			if lo > hi {
				lo, hi = hi, lo
			}
			if ch[2] < lo || ch[2] > hi {
				t.Fatalf("BlendColor(%v, %v, %v) = %v overshoots", a, b, alpha, got)
			}
		}
	}
}

func TestBlendColor(t *testing.T) {
	t.Parallel()
	acc := cloud.RGB{R: 200, G: 100, B: 0}
	in := cloud.RGB{R: 0, G: 10, B: 255}

	assert.Equal(t, acc, BlendColor(acc, in, 0))
	assert.Equal(t, in, BlendColor(acc, in, 1))
	assert.Equal(t, cloud.RGB{R: 100, G: 55, B: 128}, BlendColor(acc, in, 0.5))
	assert.Equal(t, cloud.RGB{R: 255, G: 190, B: 0}, BlendColor(acc, in, -1))
	assert.Equal(t, cloud.RGB{R: 0, G: 0, B: 255}, BlendColor(acc, in, 2))
}

func TestMaxContourDistance(t *testing.T) {
	t.Parallel()
	acc := spatial.New([]cloud.Point2{{X: 0}, {X: 0.01}})
	contour := spatial.New([]cloud.Point2{{X: 0.01, Y: 0.02}})
	in := cloud.Cloud{
		{X: 0.001},   // overlaps, 0.009 / 0.02 from contour
		{X: 0.011},   // overlaps
		{X: 5, Y: 5}, // no overlap, ignored
	}
	want := math.Hypot(0.009, 0.02)
	assert.InDelta(t, want, MaxContourDistance(in, acc, contour, 0.007), 1e-12)

	assert.Zero(t, MaxContourDistance(in, acc, spatial.New(nil), 0.007), "empty contour")
	assert.Zero(t, MaxContourDistance(in, spatial.New(nil), contour, 0.007), "empty accumulator")
}

func TestAccumulator_TransformRoundTrip(t *testing.T) {
	t.Parallel()
	seed := cloud.Cloud{
		{X: 0.1, Y: 0.2, Z: 1.0, Color: red},
		{X: -2.5, Y: 3.25, Z: 0.75, Color: blue},
	}
	acc := NewAccumulator(seed)
	acc.at(1).Blended = true

	tr, err := pose.NewRigid(0.3, -0.2, 0.05, 0.01, -0.02, 0.3, 0.95)
	if err != nil {
		t.Fatal(err)
	}
	acc.Transform(tr)
	for i, p := range seed {
		want := tr.ApplyPoint(p)
		got := acc.At(i)
		assert.InDelta(t, want.X, got.X, 1e-12)
		assert.InDelta(t, want.Y, got.Y, 1e-12)
		assert.InDelta(t, want.Z, got.Z, 1e-12)
	}
	acc.Transform(tr.Inverse())

	for i, want := range seed {
		got := acc.At(i)
		assert.InDelta(t, want.X, got.X, 1e-9)
		assert.InDelta(t, want.Y, got.Y, 1e-9)
		assert.InDelta(t, want.Z, got.Z, 1e-9)
		assert.Equal(t, want.Color, got.Color)
	}
	assert.True(t, acc.At(1).Blended, "transform keeps flags")
}
