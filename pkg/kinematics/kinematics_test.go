package kinematics

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerbot-team/swervebot/pkg/geom"
)

const halfWidth = 0.3

func squareLayout() []geom.Translation2d {
	return []geom.Translation2d{
		{X: halfWidth, Y: halfWidth},
		{X: halfWidth, Y: -halfWidth},
		{X: -halfWidth, Y: halfWidth},
		{X: -halfWidth, Y: -halfWidth},
	}
}

func newSquare(t *testing.T) *Kinematics {
	k, err := New(squareLayout()...)
	require.NoError(t, err)
	return k
}

func randomSpeeds(r *rand.Rand) ChassisSpeeds {
	return ChassisSpeeds{
		Vx:    r.Float64()*8 - 4,
		Vy:    r.Float64()*8 - 4,
		Omega: r.Float64()*12 - 6,
	}
}

func TestStraightForward(t *testing.T) {
	k := newSquare(t)
	states := k.ToModuleStates(ChassisSpeeds{Vx: 1}, geom.Translation2d{}, nil)
	require.Len(t, states, 4)
	for i, s := range states {
		assert.InDelta(t, 1.0, s.SpeedMPS, 1e-9, "module %d", i)
		assert.InDelta(t, 0.0, s.Angle, 1e-9, "module %d", i)
	}
}

func TestSpinInPlace(t *testing.T) {
	k := newSquare(t)
	r := halfWidth * math.Sqrt2
	states := k.ToModuleStates(ChassisSpeeds{Omega: math.Pi}, geom.Translation2d{}, nil)
	for i, s := range states {
		assert.InDelta(t, math.Pi*r, s.SpeedMPS, 1e-9, "module %d", i)
		assert.InDelta(t, 1.3329, s.SpeedMPS, 1e-3)
		// Tangential: the wheel vector is perpendicular to the radius.
		assert.InDelta(t, 0, dot(s.Vector(), squareLayout()[i]), 1e-9, "module %d", i)
	}
	// FL moves towards the back-left when spinning counter-clockwise.
	assert.InDelta(t, 3*math.Pi/4, states[0].Angle, 1e-9)
}

func dot(a, b geom.Translation2d) float64 {
	return a.X*b.X + a.Y*b.Y
}

func TestPureTranslationGivesEqualModules(t *testing.T) {
	k := newSquare(t)
	r := rand.New(rand.NewSource(1))
	for n := 0; n < 100; n++ {
		speeds := randomSpeeds(r)
		speeds.Omega = 0
		states := k.ToModuleStates(speeds, geom.Translation2d{}, nil)
		for i := 1; i < len(states); i++ {
			assert.InDelta(t, states[0].SpeedMPS, states[i].SpeedMPS, 1e-9)
			assert.InDelta(t, states[0].Angle, states[i].Angle, 1e-9)
		}
	}
}

func TestPureRotationProportionalToRadius(t *testing.T) {
	// Rotate about an off-centre point so the radii differ.
	k := newSquare(t)
	centre := geom.Translation2d{X: 1, Y: 0.5}
	omega := 2.0
	states := k.ToModuleStates(ChassisSpeeds{Omega: omega}, centre, nil)
	for i, s := range states {
		radius := squareLayout()[i].Minus(centre)
		assert.InDelta(t, omega*radius.Norm(), s.SpeedMPS, 1e-9, "module %d", i)
		assert.InDelta(t, 0, dot(s.Vector(), radius), 1e-9, "module %d", i)
	}
}

func TestRotateAboutModule(t *testing.T) {
	k := newSquare(t)
	states := k.ToModuleStates(ChassisSpeeds{Omega: 1}, squareLayout()[0], nil)
	assert.InDelta(t, 0, states[0].SpeedMPS, 1e-9)
	assert.InDelta(t, 2*halfWidth*math.Sqrt2, states[3].SpeedMPS, 1e-9)
}

func TestZeroHoldsPreviousAngles(t *testing.T) {
	k := newSquare(t)
	previous := []ModuleState{{Angle: 0.1}, {Angle: 0.2}, {Angle: 0.3}, {Angle: 7}}
	states := k.ToModuleStates(ChassisSpeeds{}, geom.Translation2d{}, previous)
	for i, s := range states {
		assert.Equal(t, 0.0, s.SpeedMPS)
		assert.Equal(t, previous[i].Angle, s.Angle)
	}

	states = k.ToModuleStates(ChassisSpeeds{}, geom.Translation2d{}, nil)
	for _, s := range states {
		assert.Equal(t, ModuleState{}, s)
	}
}

func TestForwardInvertsInverse(t *testing.T) {
	k := newSquare(t)
	r := rand.New(rand.NewSource(2))
	for n := 0; n < 100; n++ {
		speeds := randomSpeeds(r)
		back := k.ToChassisSpeeds(k.ToModuleStates(speeds, geom.Translation2d{}, nil))
		assert.InDelta(t, speeds.Vx, back.Vx, 1e-9)
		assert.InDelta(t, speeds.Vy, back.Vy, 1e-9)
		assert.InDelta(t, speeds.Omega, back.Omega, 1e-9)
	}
}

func TestToTwist(t *testing.T) {
	k := newSquare(t)
	deltas := make([]ModuleDelta, 4)
	for i := range deltas {
		deltas[i] = ModuleDelta{DistanceM: 0.5, Angle: math.Pi / 2}
	}
	tw := k.ToTwist(deltas)
	assert.InDelta(t, 0, tw.Dx, 1e-9)
	assert.InDelta(t, 0.5, tw.Dy, 1e-9)
	assert.InDelta(t, 0, tw.Dtheta, 1e-9)
}

func TestDesaturateScalesUniformly(t *testing.T) {
	k := newSquare(t)
	const maxSpeed = 4.0
	r := rand.New(rand.NewSource(3))
	for n := 0; n < 100; n++ {
		speeds := randomSpeeds(r)
		raw := k.ToModuleStates(speeds, geom.Translation2d{}, nil)
		states := DesaturateWheelSpeeds(raw, maxSpeed)

		var highest float64
		for i, s := range states {
			highest = math.Max(highest, s.SpeedMPS)
			assert.Equal(t, raw[i].Angle, s.Angle)
		}
		assert.LessOrEqual(t, highest, maxSpeed+1e-9)

		// The resulting motion is the requested one, uniformly scaled.
		back := k.ToChassisSpeeds(states)
		scale := 1.0
		for i, s := range raw {
			if s.SpeedMPS > 1e-6 {
				scale = states[i].SpeedMPS / s.SpeedMPS
				break
			}
		}
		assert.LessOrEqual(t, scale, 1+1e-9)
		assert.InDelta(t, speeds.Vx*scale, back.Vx, 1e-6)
		assert.InDelta(t, speeds.Vy*scale, back.Vy, 1e-6)
		assert.InDelta(t, speeds.Omega*scale, back.Omega, 1e-6)
	}
}

func TestScaledInputScalesOutputs(t *testing.T) {
	k := newSquare(t)
	r := rand.New(rand.NewSource(4))
	for n := 0; n < 100; n++ {
		speeds := randomSpeeds(r)
		f := r.Float64()*0.9 + 0.05
		full := k.ToModuleStates(speeds, geom.Translation2d{}, nil)
		scaled := k.ToModuleStates(speeds.Scale(f), geom.Translation2d{}, nil)
		for i := range full {
			assert.InDelta(t, full[i].SpeedMPS*f, scaled[i].SpeedMPS, 1e-9)
			assert.InDelta(t, full[i].Angle, scaled[i].Angle, 1e-9)
		}
	}
}

func TestDesaturateLeavesAttainableSpeeds(t *testing.T) {
	states := []ModuleState{{SpeedMPS: 1}, {SpeedMPS: -2}}
	assert.Equal(t, states, DesaturateWheelSpeeds(states, 3))
	out := DesaturateWheelSpeeds(states, 1)
	assert.InDelta(t, 0.5, out[0].SpeedMPS, 1e-9)
	assert.InDelta(t, -1, out[1].SpeedMPS, 1e-9)
}

func TestFromFieldRelative(t *testing.T) {
	// Facing field +Y, a field +X command is a strafe to the robot's right.
	s := FromFieldRelative(1, 0, 0.5, geom.NewRotation2d(math.Pi/2))
	assert.InDelta(t, 0, s.Vx, 1e-9)
	assert.InDelta(t, -1, s.Vy, 1e-9)
	assert.Equal(t, 0.5, s.Omega)
}

func TestDiscretize(t *testing.T) {
	straight := Discretize(ChassisSpeeds{Vx: 1}, 0.02)
	assert.InDelta(t, 1, straight.Vx, 1e-9)
	assert.InDelta(t, 0, straight.Vy, 1e-9)
	assert.InDelta(t, 0, straight.Omega, 1e-9)

	// Integrating the discretized speeds over dt lands exactly on the
	// straight-line target.
	s := ChassisSpeeds{Vx: 2, Vy: 0, Omega: 3}
	const dt = 0.1
	d := Discretize(s, dt)
	end := geom.Pose2d{}.Exp(geom.Twist2d{Dx: d.Vx * dt, Dy: d.Vy * dt, Dtheta: d.Omega * dt})
	assert.InDelta(t, 0.2, end.X(), 1e-9)
	assert.InDelta(t, 0, end.Y(), 1e-9)
	assert.InDelta(t, 0.3, end.Heading(), 1e-9)
}

func TestNewRejectsDegenerateLayout(t *testing.T) {
	_, err := New(geom.Translation2d{X: 1})
	assert.Error(t, err)
}
