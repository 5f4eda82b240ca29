package geom

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Translation3d is used for camera mounting positions relative to the robot
// centre, Z up from the floor.
type Translation3d = r3.Vec

// Rotation3d is a unit quaternion.
type Rotation3d struct {
	q quat.Number
}

// NewRotation3d builds a rotation from extrinsic roll (X), pitch (Y) and yaw
// (Z), applied in that order.
func NewRotation3d(roll, pitch, yaw float64) Rotation3d {
	qx := quat.Number{Real: math.Cos(roll / 2), Imag: math.Sin(roll / 2)}
	qy := quat.Number{Real: math.Cos(pitch / 2), Jmag: math.Sin(pitch / 2)}
	qz := quat.Number{Real: math.Cos(yaw / 2), Kmag: math.Sin(yaw / 2)}
	return Rotation3d{q: quat.Mul(qz, quat.Mul(qy, qx))}
}

func (r Rotation3d) quat() quat.Number {
	if r.q == (quat.Number{}) {
		return quat.Number{Real: 1}
	}
	return r.q
}

func (r Rotation3d) Rotate(v r3.Vec) r3.Vec {
	q := r.quat()
	p := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vec{X: p.Imag, Y: p.Jmag, Z: p.Kmag}
}

func (r Rotation3d) Plus(o Rotation3d) Rotation3d {
	return Rotation3d{q: quat.Mul(o.quat(), r.quat())}
}

func (r Rotation3d) Inverse() Rotation3d {
	return Rotation3d{q: quat.Conj(r.quat())}
}

// Yaw is the heading about Z, range (-π, π].
func (r Rotation3d) Yaw() float64 {
	q := r.quat()
	return math.Atan2(2*(q.Real*q.Kmag+q.Imag*q.Jmag), 1-2*(q.Jmag*q.Jmag+q.Kmag*q.Kmag))
}

type Pose3d struct {
	Translation Translation3d
	Rotation    Rotation3d
}

type Transform3d struct {
	Translation Translation3d
	Rotation    Rotation3d
}

func (p Pose3d) TransformBy(t Transform3d) Pose3d {
	return Pose3d{
		Translation: r3.Add(p.Translation, p.Rotation.Rotate(t.Translation)),
		Rotation:    t.Rotation.Plus(p.Rotation),
	}
}

func (t Transform3d) Inverse() Transform3d {
	inv := t.Rotation.Inverse()
	return Transform3d{
		Translation: inv.Rotate(r3.Scale(-1, t.Translation)),
		Rotation:    inv,
	}
}

// ToPose2d projects p onto the floor plane.
func (p Pose3d) ToPose2d() Pose2d {
	return NewPose2d(p.Translation.X, p.Translation.Y, p.Rotation.Yaw())
}

// ToPose3d lifts p onto the floor plane, Z zero.
func (p Pose2d) ToPose3d() Pose3d {
	return Pose3d{
		Translation: r3.Vec{X: p.X(), Y: p.Y()},
		Rotation:    NewRotation3d(0, 0, p.Heading()),
	}
}
