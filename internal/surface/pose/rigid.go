package pose

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/surfacestitch/internal/surface/cloud"
)

// ErrZeroQuaternion is returned when a pose rotation has zero norm.
var ErrZeroQuaternion = errors.New("zero-norm rotation quaternion")

// Rigid is a rigid transform p' = R·p + t with R a unit quaternion.
// It maps points from a cloud's sensor frame into the graph frame.
type Rigid struct {
	Rotation    quat.Number
	Translation r3.Vec
}

// Identity is the transform that leaves every point in place.
var Identity = Rigid{Rotation: quat.Number{Real: 1}}

// NewRigid builds a transform from a translation and an (x, y, z, w)
// quaternion. The quaternion is normalized.
func NewRigid(tx, ty, tz, qx, qy, qz, qw float64) (Rigid, error) {
	q := quat.Number{Real: qw, Imag: qx, Jmag: qy, Kmag: qz}
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return Rigid{}, ErrZeroQuaternion
	}
	return Rigid{
		Rotation:    quat.Scale(1/n, q),
		Translation: r3.Vec{X: tx, Y: ty, Z: tz},
	}, nil
}

// Apply transforms v.
func (t Rigid) Apply(v r3.Vec) r3.Vec {
	return r3.Add(r3.Rotation(t.Rotation).Rotate(v), t.Translation)
}

// ApplyPoint transforms the position of p and keeps its color.
func (t Rigid) ApplyPoint(p cloud.Point) cloud.Point {
	v := t.Apply(r3.Vec{X: p.X, Y: p.Y, Z: p.Z})
	p.X, p.Y, p.Z = v.X, v.Y, v.Z
	return p
}

// Inverse returns t⁻¹ so that t.Inverse().Apply(t.Apply(v)) == v.
func (t Rigid) Inverse() Rigid {
	inv := quat.Conj(t.Rotation)
	return Rigid{
		Rotation:    inv,
		Translation: r3.Scale(-1, r3.Rotation(inv).Rotate(t.Translation)),
	}
}

// Compose returns t·u, the transform that applies u first and then t.
func (t Rigid) Compose(u Rigid) Rigid {
	return Rigid{
		Rotation:    quat.Mul(t.Rotation, u.Rotation),
		Translation: t.Apply(u.Translation),
	}
}

// Relative returns inverse(to)·from: the transform that expresses points of
// the from frame in the to frame. The pipeline uses Relative(pose[0], pose[i])
// to move the accumulator into the current cloud's frame.
func Relative(from, to Rigid) Rigid {
	return to.Inverse().Compose(from)
}

// Matrix returns t as a 4x4 row-major homogeneous matrix
// (m00..m03, m10..m13, m20..m23, m30..m33).
func (t Rigid) Matrix() [16]float64 {
	w, x, y, z := t.Rotation.Real, t.Rotation.Imag, t.Rotation.Jmag, t.Rotation.Kmag
	return [16]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y), t.Translation.X,
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x), t.Translation.Y,
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y), t.Translation.Z,
		0, 0, 0, 1,
	}
}

// ApplyMatrix maps (x, y, z) through the row-major homogeneous matrix m.
// The bottom row is assumed to be 0 0 0 1.
func ApplyMatrix(x, y, z float64, m [16]float64) (float64, float64, float64) {
	return m[0]*x + m[1]*y + m[2]*z + m[3],
		m[4]*x + m[5]*y + m[6]*z + m[7],
		m[8]*x + m[9]*y + m[10]*z + m[11]
}

// rigidTolerance bounds the deviation of RᵀR from the identity accepted by
// CheckMatrix.
const rigidTolerance = 1e-6

// ErrNotRigid is returned by CheckMatrix for matrices that are not a proper
// rigid transform.
var ErrNotRigid = errors.New("not a rigid transform")

// CheckMatrix reports whether m is a finite rigid transform: the rotation
// block is orthonormal with determinant +1 and the bottom row is 0 0 0 1.
func CheckMatrix(m [16]float64) error {
	for i, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: element %d is %v", ErrNotRigid, i, v)
		}
	}
	if m[12] != 0 || m[13] != 0 || m[14] != 0 || m[15] != 1 {
		return fmt.Errorf("%w: bottom row %v", ErrNotRigid, m[12:16])
	}
	col := func(j int) r3.Vec { return r3.Vec{X: m[j], Y: m[4+j], Z: m[8+j]} }
	for a := 0; a < 3; a++ {
		for b := a; b < 3; b++ {
			want := 0.0
			if a == b {
				want = 1
			}
			if d := r3.Dot(col(a), col(b)); math.Abs(d-want) > rigidTolerance {
				return fmt.Errorf("%w: columns %d and %d have dot product %.9f", ErrNotRigid, a, b, d)
			}
		}
	}
	if det := r3.Dot(col(0), r3.Cross(col(1), col(2))); det < 0 {
		return fmt.Errorf("%w: rotation is a reflection", ErrNotRigid)
	}
	return nil
}
