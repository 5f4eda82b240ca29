package swervemodule

import (
	"math"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerbot-team/swervebot/pkg/angle"
	"github.com/tigerbot-team/swervebot/pkg/chassis"
	"github.com/tigerbot-team/swervebot/pkg/hardware"
	"github.com/tigerbot-team/swervebot/pkg/kinematics"
)

const deg = math.Pi / 180

func TestOptimizeNeverTurnsMoreThanQuarter(t *testing.T) {
	for current := -720.0; current <= 720; current += 15 {
		for target := -180.0; target <= 180; target += 7.5 {
			desired := kinematics.ModuleState{SpeedMPS: 1.5, Angle: target * deg}
			got := Optimize(desired, current*deg)

			assert.LessOrEqual(t, math.Abs(got.Angle-current*deg), math.Pi/2+1e-9,
				"current=%v target=%v got=%v", current, target, got)
			// Reversing must not change what the wheel does to the chassis.
			dv, gv := desired.Vector(), got.Vector()
			assert.InDelta(t, dv.X, gv.X, 1e-9)
			assert.InDelta(t, dv.Y, gv.Y, 1e-9)
		}
	}
}

func TestOptimizeReverses(t *testing.T) {
	got := Optimize(kinematics.ModuleState{SpeedMPS: 1, Angle: 170 * deg}, 0)
	assert.InDelta(t, -1, got.SpeedMPS, 1e-9)
	assert.InDelta(t, -10*deg, got.Angle, 1e-9)

	got = Optimize(kinematics.ModuleState{SpeedMPS: 1, Angle: 80 * deg}, 0)
	assert.InDelta(t, 1, got.SpeedMPS, 1e-9)
	assert.InDelta(t, 80*deg, got.Angle, 1e-9)
}

func TestOptimizeKeepsContinuousAngle(t *testing.T) {
	got := Optimize(kinematics.ModuleState{SpeedMPS: 1, Angle: 10 * deg}, 4*math.Pi)
	assert.InDelta(t, 4*math.Pi+10*deg, got.Angle, 1e-9)
	assert.InDelta(t, 1, got.SpeedMPS, 1e-9)
}

type fakeIO struct {
	fb             hardware.ModuleFeedback
	wheel, azimuth float64
	writes         int
}

func (f *fakeIO) ReadFeedback() hardware.ModuleFeedback { return f.fb }

func (f *fakeIO) SetVoltages(wheel, azimuth float64) {
	f.wheel, f.azimuth = wheel, azimuth
	f.writes++
}

func newTestModule(t *testing.T, io hardware.ModuleIO) (*Module, chassis.Config) {
	cfg := chassis.Default()
	return New(cfg, chassis.FL, io, golog.NewTestLogger(t)), cfg
}

func TestRefreshRemovesMountOffset(t *testing.T) {
	io := &fakeIO{}
	m, cfg := newTestModule(t, io)
	now := time.Unix(100, 0)
	io.fb = hardware.ModuleFeedback{
		WheelSpeedMPS:    0.5,
		AbsoluteAngleRad: cfg.Modules[chassis.FL].MountOffsetRad + 0.3,
		Timestamp:        now,
		Connected:        true,
	}
	require.True(t, m.Refresh(now))
	assert.InDelta(t, 0.3, m.State().Angle, 1e-9)
	assert.InDelta(t, 0.5, m.State().SpeedMPS, 1e-9)
}

func TestRefreshTracksAcrossWrap(t *testing.T) {
	io := &fakeIO{}
	m, cfg := newTestModule(t, io)
	offset := cfg.Modules[chassis.FL].MountOffsetRad
	now := time.Unix(100, 0)

	readings := []float64{3.0, 3.1, -3.1, -3.0, 3.1}
	expected := []float64{3.0, 3.1, 2*math.Pi - 3.1, 2*math.Pi - 3.0, 3.1}
	for i, r := range readings {
		io.fb = hardware.ModuleFeedback{AbsoluteAngleRad: angle.Wrap(r + offset), Timestamp: now, Connected: true}
		require.True(t, m.Refresh(now))
		assert.InDelta(t, expected[i], m.State().Angle, 1e-9, "reading %d", i)
	}
}

func TestDisconnectedHoldsLastOutput(t *testing.T) {
	io := &fakeIO{}
	m, _ := newTestModule(t, io)
	now := time.Unix(100, 0)

	io.fb = hardware.ModuleFeedback{Timestamp: now, Connected: true}
	require.True(t, m.Refresh(now))
	m.SetDesiredState(kinematics.ModuleState{SpeedMPS: 1, Angle: 0.2})
	m.Apply(0.02)
	wheel, azimuth := io.wheel, io.azimuth
	assert.NotZero(t, wheel)
	assert.NotZero(t, azimuth)

	io.fb.Connected = false
	assert.False(t, m.Refresh(now.Add(20*time.Millisecond)))
	assert.True(t, m.Degraded())
	m.SetDesiredState(kinematics.ModuleState{SpeedMPS: -3, Angle: 1.0})
	m.Apply(0.02)
	assert.Equal(t, wheel, io.wheel)
	assert.Equal(t, azimuth, io.azimuth)
	assert.Equal(t, 2, io.writes)

	d := m.Diagnostics()
	assert.True(t, d.Degraded)
	assert.False(t, d.Connected)

	io.fb.Connected = true
	io.fb.Timestamp = now.Add(40 * time.Millisecond)
	assert.True(t, m.Refresh(now.Add(40*time.Millisecond)))
	assert.False(t, m.Degraded())
}

func TestStaleFeedbackDegrades(t *testing.T) {
	io := &fakeIO{}
	m, cfg := newTestModule(t, io)
	now := time.Unix(100, 0)
	io.fb = hardware.ModuleFeedback{Timestamp: now, Connected: true}
	assert.True(t, m.Refresh(now.Add(cfg.FeedbackTimeout)))
	assert.False(t, m.Refresh(now.Add(cfg.FeedbackTimeout+time.Millisecond)))
	assert.True(t, m.Degraded())
}

func TestOutputClampedToBattery(t *testing.T) {
	io := &fakeIO{}
	cfg := chassis.Default()
	cfg.AzimuthGains.KP = 1000
	m := New(cfg, chassis.FR, io, golog.NewTestLogger(t))
	now := time.Unix(100, 0)
	io.fb = hardware.ModuleFeedback{
		AbsoluteAngleRad: cfg.Modules[chassis.FR].MountOffsetRad,
		Timestamp:        now,
		Connected:        true,
	}
	require.True(t, m.Refresh(now))
	m.SetDesiredState(kinematics.ModuleState{SpeedMPS: 100, Angle: 1})
	m.Apply(0.02)
	assert.Equal(t, cfg.BatteryVoltage, io.azimuth)
	assert.LessOrEqual(t, math.Abs(io.wheel), cfg.BatteryVoltage)
}

func TestClosedLoopOnSimulatedModule(t *testing.T) {
	cfg := chassis.Default()
	now := time.Unix(100, 0)
	sim, err := hardware.NewSimDrivetrain(cfg, func() time.Time { return now })
	require.NoError(t, err)
	sim.Module(chassis.BR).SetAzimuth(-2.5)

	m := New(cfg, chassis.BR, sim.Module(chassis.BR), golog.NewTestLogger(t))
	target := kinematics.ModuleState{SpeedMPS: 2, Angle: 1.0}
	for i := 0; i < 150; i++ {
		now = now.Add(cfg.LoopPeriod)
		require.True(t, m.Refresh(now))
		m.SetDesiredState(target)
		m.Apply(cfg.LoopPeriod.Seconds())
	}

	// Either orientation is acceptable as long as the wheel moves the chassis
	// the requested way.
	got := m.State()
	assert.InDelta(t, target.Vector().X, got.Vector().X, 0.15)
	assert.InDelta(t, target.Vector().Y, got.Vector().Y, 0.15)
}
