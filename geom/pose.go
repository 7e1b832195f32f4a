// Package geom holds the rigid-pose algebra used by registration: 3x3
// rotations and SE(3) poses over gonum r3 vectors.
package geom

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Rot3 is a 3x3 rotation matrix stored row-major.
// R[i][j] is row i, column j.
type Rot3 [3][3]float64

// IdentityRot returns the identity rotation
func IdentityRot() Rot3 {
	return Rot3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// RotZ creates a rotation of angle radians around the z axis
func RotZ(angle float64) Rot3 {
	c, s := math.Cos(angle), math.Sin(angle)
	return Rot3{{c, -s, 0}, {s, c, 0}, {0, 0, 1}}
}

// RotZDeg creates a rotation around the z axis (angle in degrees)
func RotZDeg(degrees float64) Rot3 {
	return RotZ(degrees * math.Pi / 180.0)
}

// AxisAngle creates a rotation of angle radians around axis using Rodrigues' formula.
// A zero axis yields the identity.
func AxisAngle(axis r3.Vec, angle float64) Rot3 {
	n := r3.Norm(axis)
	if n < 1e-12 {
		return IdentityRot()
	}
	k := r3.Scale(1/n, axis)
	c, s := math.Cos(angle), math.Sin(angle)
	v := 1 - c
	return Rot3{
		{c + k.X*k.X*v, k.X*k.Y*v - k.Z*s, k.X*k.Z*v + k.Y*s},
		{k.Y*k.X*v + k.Z*s, c + k.Y*k.Y*v, k.Y*k.Z*v - k.X*s},
		{k.Z*k.X*v - k.Y*s, k.Z*k.Y*v + k.X*s, c + k.Z*k.Z*v},
	}
}

// Mul composes two rotations: result = r * o.
// Applying the result is equivalent to applying o first, then r.
func (r Rot3) Mul(o Rot3) Rot3 {
	var out Rot3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = r[i][0]*o[0][j] + r[i][1]*o[1][j] + r[i][2]*o[2][j]
		}
	}
	return out
}

// Transpose returns the transpose, which is the inverse for a proper rotation
func (r Rot3) Transpose() Rot3 {
	var out Rot3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = r[j][i]
		}
	}
	return out
}

// Apply rotates a vector
func (r Rot3) Apply(v r3.Vec) r3.Vec {
	return r3.Vec{
		X: r[0][0]*v.X + r[0][1]*v.Y + r[0][2]*v.Z,
		Y: r[1][0]*v.X + r[1][1]*v.Y + r[1][2]*v.Z,
		Z: r[2][0]*v.X + r[2][1]*v.Y + r[2][2]*v.Z,
	}
}

// Det returns the determinant. Proper rotations have det == +1.
func (r Rot3) Det() float64 {
	return r[0][0]*(r[1][1]*r[2][2]-r[1][2]*r[2][1]) -
		r[0][1]*(r[1][0]*r[2][2]-r[1][2]*r[2][0]) +
		r[0][2]*(r[1][0]*r[2][1]-r[1][1]*r[2][0])
}

// Angle returns the rotation angle in radians, in [0, pi]
func (r Rot3) Angle() float64 {
	c := (r[0][0] + r[1][1] + r[2][2] - 1) / 2
	c = math.Max(-1, math.Min(1, c))
	return math.Acos(c)
}

// Yaw extracts the rotation about z via atan2(R10, R00), in radians
func (r Rot3) Yaw() float64 {
	return math.Atan2(r[1][0], r[0][0])
}

// Pose3 is a rigid transform: p' = R*p + T
type Pose3 struct {
	R Rot3   `json:"rotation"`
	T r3.Vec `json:"translation"`
}

// Identity returns the identity pose (no transformation)
func Identity() Pose3 {
	return Pose3{R: IdentityRot()}
}

// NewPose3 builds a pose from a rotation and a translation
func NewPose3(r Rot3, t r3.Vec) Pose3 {
	return Pose3{R: r, T: t}
}

// Translation creates a translation-only pose
func Translation(x, y, z float64) Pose3 {
	return Pose3{R: IdentityRot(), T: r3.Vec{X: x, Y: y, Z: z}}
}

// TransformFrom maps a point expressed in this pose's child frame into its parent frame
func (p Pose3) TransformFrom(v r3.Vec) r3.Vec {
	return r3.Add(p.R.Apply(v), p.T)
}

// TransformPoints applies the pose to multiple points
func (p Pose3) TransformPoints(points []r3.Vec) []r3.Vec {
	result := make([]r3.Vec, len(points))
	for i, v := range points {
		result[i] = p.TransformFrom(v)
	}
	return result
}

// Compose returns p * o. Applying the result is equivalent to applying o first, then p.
func (p Pose3) Compose(o Pose3) Pose3 {
	return Pose3{
		R: p.R.Mul(o.R),
		T: r3.Add(p.R.Apply(o.T), p.T),
	}
}

// Inverse returns the inverse rigid transform
func (p Pose3) Inverse() Pose3 {
	rt := p.R.Transpose()
	return Pose3{
		R: rt,
		T: r3.Scale(-1, rt.Apply(p.T)),
	}
}

// Between returns p^-1 * o, the pose of o expressed in the frame of p
func (p Pose3) Between(o Pose3) Pose3 {
	return p.Inverse().Compose(o)
}

// Equal reports whether both rotation entries and translation components differ by at most tol
func (p Pose3) Equal(o Pose3, tol float64) bool {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if math.Abs(p.R[i][j]-o.R[i][j]) > tol {
				return false
			}
		}
	}
	return r3.Norm(r3.Sub(p.T, o.T)) <= tol
}

func (p Pose3) String() string {
	return fmt.Sprintf("Pose3{yaw=%.2f° angle=%.2f° t=(%.3f, %.3f, %.3f)}",
		p.R.Yaw()*180/math.Pi, p.R.Angle()*180/math.Pi, p.T.X, p.T.Y, p.T.Z)
}
