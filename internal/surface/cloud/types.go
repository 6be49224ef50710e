package cloud

import "math"

// RGB is an explicit 8-bit color. The packed form R<<16 | G<<8 | B is the
// persisted format contract for PCD rgb fields.
type RGB struct {
	R, G, B uint8
}

// White is used for clouds that carry no color field.
var White = RGB{R: 255, G: 255, B: 255}

// Packed returns the color packed as R<<16 | G<<8 | B.
func (c RGB) Packed() uint32 {
	return uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
}

// UnpackRGB extracts the channels of a packed R<<16 | G<<8 | B value.
// Bits above the red channel (alpha in rgba fields) are ignored.
func UnpackRGB(v uint32) RGB {
	return RGB{
		R: uint8((v >> 16) & 0xff),
		G: uint8((v >> 8) & 0xff),
		B: uint8(v & 0xff),
	}
}

// Float32 returns the packed color reinterpreted as an IEEE-754 float, the
// encoding PCD files use for "rgb" fields of type F.
func (c RGB) Float32() float32 {
	return math.Float32frombits(c.Packed())
}

// RGBFromFloat32 is the inverse of RGB.Float32.
func RGBFromFloat32(f float32) RGB {
	return UnpackRGB(math.Float32bits(f))
}

// Point is a colored 3D sample in a sensor or reference frame (metres).
type Point struct {
	X, Y, Z float64
	Color   RGB
}

// Planar drops the z coordinate.
func (p Point) Planar() Point2 {
	return Point2{X: p.X, Y: p.Y}
}

// IsFinite reports whether all coordinates are defined.
func (p Point) IsFinite() bool {
	return isFinite(p.X) && isFinite(p.Y) && isFinite(p.Z)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Point2 is a point projected onto the XY plane. The sensor is assumed to
// travel parallel to the surface and look along its normal, so all
// neighbourhood decisions are made in this plane.
type Point2 struct {
	X, Y float64
}

// SqDist returns the squared planar distance between a and b.
func (a Point2) SqDist(b Point2) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return dx*dx + dy*dy
}

// Cloud is an ordered collection of points.
type Cloud []Point

// Clone returns an independent copy of c.
func (c Cloud) Clone() Cloud {
	if c == nil {
		return nil
	}
	out := make(Cloud, len(c))
	copy(out, c)
	return out
}

// Planar projects every point onto the XY plane.
func (c Cloud) Planar() []Point2 {
	out := make([]Point2, len(c))
	for i, p := range c {
		out[i] = p.Planar()
	}
	return out
}

// Bounds is an axis-aligned bounding box.
type Bounds struct {
	Min, Max Point
}

// MinMax returns the bounding box of c. ok is false for an empty cloud.
func (c Cloud) MinMax() (b Bounds, ok bool) {
	if len(c) == 0 {
		return Bounds{}, false
	}
	b.Min, b.Max = c[0], c[0]
	for _, p := range c[1:] {
		b.Min.X = math.Min(b.Min.X, p.X)
		b.Min.Y = math.Min(b.Min.Y, p.Y)
		b.Min.Z = math.Min(b.Min.Z, p.Z)
		b.Max.X = math.Max(b.Max.X, p.X)
		b.Max.Y = math.Max(b.Max.Y, p.Y)
		b.Max.Z = math.Max(b.Max.Z, p.Z)
	}
	b.Min.Color, b.Max.Color = RGB{}, RGB{}
	return b, true
}
