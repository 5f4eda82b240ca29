// Package geom holds the planar and spatial geometry used by the drivetrain:
// translations, rotations, poses, rigid transforms and twists.
//
// Conventions: X forward, Y left, angles counter-clockwise positive, radians.
package geom

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/tigerbot-team/swervebot/pkg/angle"
)

const epsilon = 1e-9

type Translation2d struct {
	X, Y float64 // metres
}

func (t Translation2d) vec() r2.Vec {
	return r2.Vec{X: t.X, Y: t.Y}
}

func fromVec(v r2.Vec) Translation2d {
	return Translation2d{X: v.X, Y: v.Y}
}

func (t Translation2d) Plus(o Translation2d) Translation2d {
	return fromVec(r2.Add(t.vec(), o.vec()))
}

func (t Translation2d) Minus(o Translation2d) Translation2d {
	return fromVec(r2.Sub(t.vec(), o.vec()))
}

func (t Translation2d) Times(f float64) Translation2d {
	return fromVec(r2.Scale(f, t.vec()))
}

func (t Translation2d) Negate() Translation2d {
	return t.Times(-1)
}

// Norm is the distance from the origin.
func (t Translation2d) Norm() float64 {
	return r2.Norm(t.vec())
}

func (t Translation2d) Distance(o Translation2d) float64 {
	return t.Minus(o).Norm()
}

// Angle is the direction of the vector from the origin; zero for the origin.
func (t Translation2d) Angle() Rotation2d {
	return NewRotation2dFromVector(t.X, t.Y)
}

func (t Translation2d) RotateBy(r Rotation2d) Translation2d {
	return fromVec(r2.Rotate(t.vec(), r.Radians(), r2.Vec{}))
}

// Perp is t rotated a quarter turn counter-clockwise.
func (t Translation2d) Perp() Translation2d {
	return Translation2d{X: -t.Y, Y: t.X}
}

func (t Translation2d) Interpolate(end Translation2d, f float64) Translation2d {
	return Translation2d{
		X: angle.Lerp(t.X, end.X, f),
		Y: angle.Lerp(t.Y, end.Y, f),
	}
}

func (t Translation2d) String() string {
	return fmt.Sprintf("(%.3f, %.3f)", t.X, t.Y)
}

// Rotation2d is a planar rotation stored as its cosine and sine so that
// composition never accumulates wrap error.
type Rotation2d struct {
	cos, sin float64
}

func NewRotation2d(radians float64) Rotation2d {
	return Rotation2d{cos: math.Cos(radians), sin: math.Sin(radians)}
}

// NewRotation2dFromVector returns the direction of (x, y); the zero vector
// maps to the zero rotation.
func NewRotation2dFromVector(x, y float64) Rotation2d {
	mag := math.Hypot(x, y)
	if mag < epsilon {
		return Rotation2d{cos: 1}
	}
	return Rotation2d{cos: x / mag, sin: y / mag}
}

func (r Rotation2d) Cos() float64 {
	if r.cos == 0 && r.sin == 0 {
		return 1
	}
	return r.cos
}

func (r Rotation2d) Sin() float64 {
	return r.sin
}

// Radians is in range (-π, π].
func (r Rotation2d) Radians() float64 {
	return math.Atan2(r.sin, r.Cos())
}

func (r Rotation2d) Degrees() float64 {
	return r.Radians() * 180 / math.Pi
}

func (r Rotation2d) Plus(o Rotation2d) Rotation2d {
	c, s := r.Cos(), r.Sin()
	oc, os := o.Cos(), o.Sin()
	return NewRotation2dFromVector(c*oc-s*os, c*os+s*oc)
}

func (r Rotation2d) Minus(o Rotation2d) Rotation2d {
	return r.Plus(o.Negate())
}

func (r Rotation2d) Negate() Rotation2d {
	return Rotation2d{cos: r.Cos(), sin: -r.sin}
}

func (r Rotation2d) Interpolate(end Rotation2d, f float64) Rotation2d {
	return r.Plus(NewRotation2d(end.Minus(r).Radians() * f))
}

func (r Rotation2d) String() string {
	return fmt.Sprintf("%.2f°", r.Degrees())
}

// Pose2d is a position and heading on the field.
type Pose2d struct {
	Translation Translation2d
	Rotation    Rotation2d
}

func NewPose2d(x, y, headingRadians float64) Pose2d {
	return Pose2d{
		Translation: Translation2d{X: x, Y: y},
		Rotation:    NewRotation2d(headingRadians),
	}
}

func (p Pose2d) X() float64       { return p.Translation.X }
func (p Pose2d) Y() float64       { return p.Translation.Y }
func (p Pose2d) Heading() float64 { return p.Rotation.Radians() }

// TransformBy applies t in p's own frame.
func (p Pose2d) TransformBy(t Transform2d) Pose2d {
	return Pose2d{
		Translation: p.Translation.Plus(t.Translation.RotateBy(p.Rotation)),
		Rotation:    p.Rotation.Plus(t.Rotation),
	}
}

// RelativeTo expresses p in the frame of origin.
func (p Pose2d) RelativeTo(origin Pose2d) Pose2d {
	t := TransformBetween(origin, p)
	return Pose2d(t)
}

// Exp integrates a constant-curvature twist starting from p.
func (p Pose2d) Exp(tw Twist2d) Pose2d {
	sinTheta := math.Sin(tw.Dtheta)
	cosTheta := math.Cos(tw.Dtheta)

	var s, c float64
	if math.Abs(tw.Dtheta) < epsilon {
		s = 1 - tw.Dtheta*tw.Dtheta/6
		c = 0.5 * tw.Dtheta
	} else {
		s = sinTheta / tw.Dtheta
		c = (1 - cosTheta) / tw.Dtheta
	}
	t := Transform2d{
		Translation: Translation2d{X: tw.Dx*s - tw.Dy*c, Y: tw.Dx*c + tw.Dy*s},
		Rotation:    NewRotation2dFromVector(cosTheta, sinTheta),
	}
	return p.TransformBy(t)
}

// Log returns the twist that takes p to end, the inverse of Exp.
func (p Pose2d) Log(end Pose2d) Twist2d {
	t := TransformBetween(p, end)
	dtheta := t.Rotation.Radians()
	halfDtheta := dtheta / 2

	cosMinusOne := t.Rotation.Cos() - 1
	var halfThetaByTanOfHalfDtheta float64
	if math.Abs(cosMinusOne) < epsilon {
		halfThetaByTanOfHalfDtheta = 1 - dtheta*dtheta/12
	} else {
		halfThetaByTanOfHalfDtheta = -(halfDtheta * t.Rotation.Sin()) / cosMinusOne
	}

	tr := t.Translation.
		RotateBy(NewRotation2dFromVector(halfThetaByTanOfHalfDtheta, -halfDtheta)).
		Times(math.Hypot(halfThetaByTanOfHalfDtheta, halfDtheta))
	return Twist2d{Dx: tr.X, Dy: tr.Y, Dtheta: dtheta}
}

// Interpolate blends linearly in translation and along the shortest arc in
// heading.  f=0 gives p, f=1 gives end.
func (p Pose2d) Interpolate(end Pose2d, f float64) Pose2d {
	f = angle.Clamp(f, 0, 1)
	return Pose2d{
		Translation: p.Translation.Interpolate(end.Translation, f),
		Rotation:    p.Rotation.Interpolate(end.Rotation, f),
	}
}

func (p Pose2d) String() string {
	return fmt.Sprintf("Pose2d(%.3f, %.3f, %s)", p.X(), p.Y(), p.Rotation)
}

// Transform2d is a rigid motion expressed in a body frame.
type Transform2d struct {
	Translation Translation2d
	Rotation    Rotation2d
}

// TransformBetween returns the transform that takes initial to final.
func TransformBetween(initial, final Pose2d) Transform2d {
	return Transform2d{
		Translation: final.Translation.Minus(initial.Translation).RotateBy(initial.Rotation.Negate()),
		Rotation:    final.Rotation.Minus(initial.Rotation),
	}
}

func (t Transform2d) Inverse() Transform2d {
	inv := t.Rotation.Negate()
	return Transform2d{
		Translation: t.Translation.Negate().RotateBy(inv),
		Rotation:    inv,
	}
}

// Twist2d is a displacement along an arc, in the body frame at its start.
type Twist2d struct {
	Dx, Dy, Dtheta float64
}

func (t Twist2d) Scale(f float64) Twist2d {
	return Twist2d{Dx: t.Dx * f, Dy: t.Dy * f, Dtheta: t.Dtheta * f}
}
