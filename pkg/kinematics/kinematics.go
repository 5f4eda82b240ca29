// Package kinematics converts between chassis motion and per-module wheel
// speed / azimuth for a swerve drivetrain.
//
// Both directions are derived from the module positions alone: the inverse
// matrix has one pair of rows per module and the forward matrix is its
// least-squares pseudo-inverse.
package kinematics

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/tigerbot-team/swervebot/pkg/geom"
)

// ChassisSpeeds is a robot-frame velocity command.
type ChassisSpeeds struct {
	Vx    float64 // forward, m/s
	Vy    float64 // strafe left, m/s
	Omega float64 // counter-clockwise, rad/s
}

func (s ChassisSpeeds) IsZero() bool {
	return s.Vx == 0 && s.Vy == 0 && s.Omega == 0
}

func (s ChassisSpeeds) Scale(f float64) ChassisSpeeds {
	return ChassisSpeeds{Vx: s.Vx * f, Vy: s.Vy * f, Omega: s.Omega * f}
}

func (s ChassisSpeeds) String() string {
	return fmt.Sprintf("(vx=%.3f vy=%.3f ω=%.3f)", s.Vx, s.Vy, s.Omega)
}

// FromFieldRelative converts a field-frame velocity into the robot frame,
// given the robot's current heading on the field.
func FromFieldRelative(vx, vy, omega float64, heading geom.Rotation2d) ChassisSpeeds {
	v := geom.Translation2d{X: vx, Y: vy}.RotateBy(heading.Negate())
	return ChassisSpeeds{Vx: v.X, Vy: v.Y, Omega: omega}
}

// Discretize corrects for the curved path the robot takes when translating
// and rotating at the same time over one period of length dt.
func Discretize(s ChassisSpeeds, dt float64) ChassisSpeeds {
	if dt <= 0 {
		return s
	}
	delta := geom.NewPose2d(s.Vx*dt, s.Vy*dt, s.Omega*dt)
	tw := geom.Pose2d{}.Log(delta)
	return ChassisSpeeds{Vx: tw.Dx / dt, Vy: tw.Dy / dt, Omega: tw.Dtheta / dt}
}

// ModuleState is a wheel speed and azimuth.  Angle is continuous and
// unbounded; callers that need a wrapped angle wrap it themselves.
type ModuleState struct {
	SpeedMPS float64
	Angle    float64 // radians
}

func (m ModuleState) String() string {
	return fmt.Sprintf("%.3fm/s@%.1f°", m.SpeedMPS, m.Angle*180/math.Pi)
}

// Vector is the wheel's velocity as a robot-frame vector.
func (m ModuleState) Vector() geom.Translation2d {
	return geom.Translation2d{X: m.SpeedMPS * math.Cos(m.Angle), Y: m.SpeedMPS * math.Sin(m.Angle)}
}

// ModuleDelta is the distance a wheel rolled over one period and the azimuth
// it rolled at.
type ModuleDelta struct {
	DistanceM float64
	Angle     float64
}

type Kinematics struct {
	modules []geom.Translation2d
	inverse *mat.Dense // 2N x 3, about the geometric centre
	forward *mat.Dense // 3 x 2N
}

func New(modules ...geom.Translation2d) (*Kinematics, error) {
	if len(modules) < 2 {
		return nil, errors.Errorf("swerve kinematics needs at least 2 modules, got %d", len(modules))
	}
	k := &Kinematics{
		modules: append([]geom.Translation2d(nil), modules...),
	}
	k.inverse = k.inverseAbout(geom.Translation2d{})

	n := 2 * len(modules)
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	k.forward = mat.NewDense(3, n, nil)
	if err := k.forward.Solve(k.inverse, mat.NewDiagDense(n, ones)); err != nil {
		return nil, errors.Wrap(err, "module layout has no forward kinematics solution")
	}
	return k, nil
}

func (k *Kinematics) NumModules() int {
	return len(k.modules)
}

func (k *Kinematics) Modules() []geom.Translation2d {
	return append([]geom.Translation2d(nil), k.modules...)
}

// inverseAbout builds the matrix mapping [vx vy ω] to stacked module velocity
// vectors when rotating about centre.  Each module contributes
//
//	[1 0 -ry]
//	[0 1  rx]
//
// where r is the module position relative to centre.
func (k *Kinematics) inverseAbout(centre geom.Translation2d) *mat.Dense {
	m := mat.NewDense(2*len(k.modules), 3, nil)
	for i, pos := range k.modules {
		r := pos.Minus(centre)
		m.SetRow(2*i, []float64{1, 0, -r.Y})
		m.SetRow(2*i+1, []float64{0, 1, r.X})
	}
	return m
}

// ToModuleStates solves for the module setpoints that produce speeds when
// rotating about centreOfRotation (the zero translation is the robot
// centre).  A zero command yields zero wheel speeds with each module's angle
// taken from previous, so modules don't snap back to zero when the robot
// stops; previous may be nil.
func (k *Kinematics) ToModuleStates(speeds ChassisSpeeds, centreOfRotation geom.Translation2d, previous []ModuleState) []ModuleState {
	states := make([]ModuleState, len(k.modules))
	if speeds.IsZero() {
		for i := range states {
			if i < len(previous) {
				states[i].Angle = previous[i].Angle
			}
		}
		return states
	}

	inverse := k.inverse
	if centreOfRotation != (geom.Translation2d{}) {
		inverse = k.inverseAbout(centreOfRotation)
	}
	var v mat.VecDense
	v.MulVec(inverse, mat.NewVecDense(3, []float64{speeds.Vx, speeds.Vy, speeds.Omega}))
	for i := range states {
		x, y := v.AtVec(2*i), v.AtVec(2*i+1)
		states[i] = ModuleState{
			SpeedMPS: math.Hypot(x, y),
			Angle:    math.Atan2(y, x),
		}
	}
	return states
}

// DesaturateWheelSpeeds scales every module's speed by the same factor so
// that none exceeds maxSpeed.  Directions, and so the shape of the commanded
// motion, are unchanged.
func DesaturateWheelSpeeds(states []ModuleState, maxSpeed float64) []ModuleState {
	var highest float64
	for _, s := range states {
		highest = math.Max(highest, math.Abs(s.SpeedMPS))
	}
	if highest <= maxSpeed || highest == 0 {
		return states
	}
	scale := maxSpeed / highest
	out := make([]ModuleState, len(states))
	for i, s := range states {
		out[i] = ModuleState{SpeedMPS: s.SpeedMPS * scale, Angle: s.Angle}
	}
	return out
}

// ToChassisSpeeds is the least-squares chassis velocity that best explains
// the measured module states.
func (k *Kinematics) ToChassisSpeeds(states []ModuleState) ChassisSpeeds {
	x, y, w := k.solveForward(len(states), func(i int) (float64, float64) {
		v := states[i].Vector()
		return v.X, v.Y
	})
	return ChassisSpeeds{Vx: x, Vy: y, Omega: w}
}

// ToTwist is the chassis displacement implied by each wheel's travel.
func (k *Kinematics) ToTwist(deltas []ModuleDelta) geom.Twist2d {
	x, y, w := k.solveForward(len(deltas), func(i int) (float64, float64) {
		return deltas[i].DistanceM * math.Cos(deltas[i].Angle), deltas[i].DistanceM * math.Sin(deltas[i].Angle)
	})
	return geom.Twist2d{Dx: x, Dy: y, Dtheta: w}
}

func (k *Kinematics) solveForward(n int, component func(i int) (float64, float64)) (float64, float64, float64) {
	if n != len(k.modules) {
		panic(fmt.Sprintf("kinematics: got %d module values for %d modules", n, len(k.modules)))
	}
	b := mat.NewVecDense(2*n, nil)
	for i := 0; i < n; i++ {
		x, y := component(i)
		b.SetVec(2*i, x)
		b.SetVec(2*i+1, y)
	}
	var out mat.VecDense
	out.MulVec(k.forward, b)
	return out.AtVec(0), out.AtVec(1), out.AtVec(2)
}
