package drive

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerbot-team/swervebot/pkg/chassis"
	"github.com/tigerbot-team/swervebot/pkg/geom"
	"github.com/tigerbot-team/swervebot/pkg/hardware"
	"github.com/tigerbot-team/swervebot/pkg/kinematics"
	"github.com/tigerbot-team/swervebot/pkg/vision"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

type harness struct {
	cfg   chassis.Config
	clock *fakeClock
	sim   *hardware.SimDrivetrain
	d     *Drivetrain
}

func newHarness(t *testing.T) *harness {
	cfg := chassis.Default()
	clock := &fakeClock{t: time.Unix(1000, 0)}
	sim, err := hardware.NewSimDrivetrain(cfg, clock.Now)
	require.NoError(t, err)
	d, err := New(cfg, sim.ModuleIOs(), golog.NewTestLogger(t), WithClock(clock.Now), WithGyro(sim.Gyro()))
	require.NoError(t, err)
	return &harness{cfg: cfg, clock: clock, sim: sim, d: d}
}

func (h *harness) run(n int) {
	for i := 0; i < n; i++ {
		h.clock.t = h.clock.t.Add(h.cfg.LoopPeriod)
		h.d.RunCycle(h.clock.t)
	}
}

func (h *harness) cyclesFor(d time.Duration) int {
	return int(d / h.cfg.LoopPeriod)
}

func assertPose(t *testing.T, expected, actual geom.Pose2d, delta float64, msgAndArgs ...interface{}) {
	t.Helper()
	assert.InDelta(t, expected.X(), actual.X(), delta, msgAndArgs...)
	assert.InDelta(t, expected.Y(), actual.Y(), delta, msgAndArgs...)
	assert.InDelta(t, 0, expected.Rotation.Minus(actual.Rotation).Radians(), delta, msgAndArgs...)
}

func TestResetThenStationary(t *testing.T) {
	h := newHarness(t)
	h.d.ResetOdometry(geom.NewPose2d(3, 3, 0))
	assertPose(t, geom.NewPose2d(3, 3, 0), h.d.GetPose(), 1e-12, "visible before the next cycle")
	h.run(10)
	assertPose(t, geom.NewPose2d(3, 3, 0), h.d.GetPose(), 1e-9)
}

// resetDuringRead resets odometry from inside the cycle, as a concurrent
// caller landing between the controls copy and the pose publish would.
type resetDuringRead struct {
	hardware.Gyro
	d    *Drivetrain
	pose *geom.Pose2d
}

func (g *resetDuringRead) ReadGyro() hardware.GyroReading {
	if g.pose != nil {
		g.d.ResetOdometry(*g.pose)
		g.pose = nil
	}
	return g.Gyro.ReadGyro()
}

func TestResetDuringCycleIsNotOverwritten(t *testing.T) {
	h := newHarness(t)
	h.d.ResetOdometry(geom.NewPose2d(3, 3, 0))
	h.run(2)

	target := geom.NewPose2d(7, 7, 0)
	h.d.gyro = &resetDuringRead{Gyro: h.sim.Gyro(), d: h.d, pose: &target}
	h.run(1)
	assertPose(t, target, h.d.GetPose(), 1e-12, "cycle in flight must not publish the old pose")

	h.run(5)
	assertPose(t, target, h.d.GetPose(), 1e-9)
}

func TestRejectsWrongModuleCount(t *testing.T) {
	cfg := chassis.Default()
	_, err := New(cfg, []hardware.ModuleIO{hardware.NewDummy("FL", golog.NewTestLogger(t))}, golog.NewTestLogger(t))
	assert.Error(t, err)
}

func TestDrivesForwardAndTracksTruth(t *testing.T) {
	h := newHarness(t)
	h.d.SetChassisVelocity(kinematics.ChassisSpeeds{Vx: 1})
	h.run(h.cyclesFor(2 * time.Second))

	truth := h.sim.TruePose()
	assert.Greater(t, truth.X(), 3+1.5)
	assert.InDelta(t, 3, truth.Y(), 0.05)
	assertPose(t, truth, h.d.GetPose(), 0.05)
}

func TestSpinsAboutCentre(t *testing.T) {
	h := newHarness(t)
	h.d.SetChassisVelocity(kinematics.ChassisSpeeds{Omega: math.Pi / 2})
	h.run(h.cyclesFor(1500 * time.Millisecond))

	truth := h.sim.TruePose()
	assert.InDelta(t, 3, truth.X(), 0.05)
	assert.InDelta(t, 3, truth.Y(), 0.05)
	assert.Greater(t, truth.Heading(), 1.0)
	assertPose(t, truth, h.d.GetPose(), 0.05)
}

func TestFieldRelative(t *testing.T) {
	h := newHarness(t)
	h.sim.SetTruePose(geom.NewPose2d(3, 3, math.Pi/2))
	h.d.ResetOdometry(geom.NewPose2d(3, 3, math.Pi/2))
	h.run(1)

	h.d.SetFieldRelativeVelocity(1, 0, 0)
	h.run(h.cyclesFor(2 * time.Second))

	truth := h.sim.TruePose()
	assert.Greater(t, truth.X(), 3+1.0)
	assert.InDelta(t, 3, truth.Y(), 0.1)
	assert.InDelta(t, math.Pi/2, truth.Heading(), 0.05)
}

func TestCommandsAreDesaturated(t *testing.T) {
	h := newHarness(t)
	h.d.SetChassisVelocity(kinematics.ChassisSpeeds{Vx: 10, Omega: 10})
	h.run(1)
	for _, diag := range h.d.ModuleDiagnostics() {
		assert.LessOrEqual(t, math.Abs(diag.Desired.SpeedMPS), h.cfg.MaxModuleSpeedMPS+1e-9, diag.Name)
	}
}

func TestLockModules(t *testing.T) {
	h := newHarness(t)
	h.d.LockModules()
	h.run(h.cyclesFor(time.Second))

	positions := h.d.Kinematics().Modules()
	for i, diag := range h.d.ModuleDiagnostics() {
		expected := positions[i].Angle().Radians()
		assert.Zero(t, diag.Desired.SpeedMPS, diag.Name)
		// Pointing either way along the radius is locked.
		assert.InDelta(t, 0, math.Sin(diag.Desired.Angle-expected), 1e-9, diag.Name)
		assert.InDelta(t, 0, math.Sin(diag.Actual.Angle-expected), 0.05, diag.Name)
	}
	assertPose(t, geom.NewPose2d(3, 3, 0), h.d.GetPose(), 0.01)

	// The next velocity command unlocks.
	h.d.SetChassisVelocity(kinematics.ChassisSpeeds{Vx: 1})
	h.run(h.cyclesFor(time.Second))
	assert.Greater(t, h.d.GetPose().X(), 3.5)
}

func TestStopHoldsModuleAngles(t *testing.T) {
	h := newHarness(t)
	h.d.SetChassisVelocity(kinematics.ChassisSpeeds{Vy: 1})
	h.run(h.cyclesFor(time.Second))
	h.d.Stop()
	h.run(1)
	for _, diag := range h.d.ModuleDiagnostics() {
		assert.Zero(t, diag.Desired.SpeedMPS)
		assert.InDelta(t, 0, math.Cos(diag.Desired.Angle), 1e-9, "still sideways")
	}
}

func TestVisionCorrection(t *testing.T) {
	h := newHarness(t)
	h.run(5)
	h.d.SubmitVision(vision.Measurement{
		Pose:       geom.NewPose2d(5, 4, 0.5),
		Timestamp:  h.clock.t,
		Confidence: 1,
		Valid:      true,
		Source:     "test",
	})
	h.run(3)
	assertPose(t, geom.NewPose2d(5, 4, 0.5), h.d.GetPose(), 1e-6)
	assert.EqualValues(t, 1, h.d.Health().VisionApplied)
}

func TestVisionStaleAndRejected(t *testing.T) {
	h := newHarness(t)
	h.run(h.cyclesFor(3 * time.Second))

	h.d.SubmitVision(vision.Measurement{
		Pose: geom.NewPose2d(5, 4, 0), Timestamp: h.clock.t.Add(-2 * time.Second), Confidence: 1, Valid: true,
	})
	h.d.SubmitVision(vision.Measurement{
		Pose: geom.NewPose2d(500, 4, 0), Timestamp: h.clock.t, Confidence: 1, Valid: true,
	})
	h.run(1)

	health := h.d.Health()
	assert.EqualValues(t, 1, health.VisionStale)
	assert.EqualValues(t, 1, health.VisionRejected)
	assert.EqualValues(t, 0, health.VisionApplied)
	assertPose(t, geom.NewPose2d(3, 3, 0), h.d.GetPose(), 1e-6)
}

func TestVisionInboxDropsOldest(t *testing.T) {
	h := newHarness(t)
	h.run(1)
	for i := 0; i < h.cfg.VisionInboxSize+3; i++ {
		h.d.SubmitVision(vision.Measurement{
			Pose:       geom.NewPose2d(float64(i), 1, 0),
			Timestamp:  h.clock.t,
			Confidence: 1,
			Valid:      true,
		})
	}
	h.run(1)
	health := h.d.Health()
	assert.EqualValues(t, 3, health.VisionDropped)
	assert.EqualValues(t, h.cfg.VisionInboxSize, health.VisionApplied)
	// The newest measurement was applied last.
	assert.InDelta(t, float64(h.cfg.VisionInboxSize+2), h.d.GetPose().X(), 1e-6)
}

func TestDegradedModule(t *testing.T) {
	h := newHarness(t)
	h.d.SetChassisVelocity(kinematics.ChassisSpeeds{Vx: 1})
	h.run(h.cyclesFor(time.Second))

	h.sim.Module(chassis.FL).SetConnected(false)
	h.run(h.cyclesFor(time.Second))

	health := h.d.Health()
	assert.Equal(t, []string{"FL"}, health.DegradedModules)
	diags := h.d.ModuleDiagnostics()
	assert.True(t, diags[chassis.FL].Degraded)
	assert.False(t, diags[chassis.FR].Degraded)

	truth := h.sim.TruePose()
	assert.Greater(t, truth.X(), 3+1.5)
	assertPose(t, truth, h.d.GetPose(), 0.05)

	h.sim.Module(chassis.FL).SetConnected(true)
	h.run(1)
	assert.Empty(t, h.d.Health().DegradedModules)
}

func TestGyroDisconnectFallsBackToWheels(t *testing.T) {
	h := newHarness(t)
	h.run(1)
	assert.True(t, h.d.Health().GyroConnected)

	h.sim.Gyro().SetConnected(false)
	h.d.SetChassisVelocity(kinematics.ChassisSpeeds{Omega: 1})
	h.run(h.cyclesFor(time.Second))
	assert.False(t, h.d.Health().GyroConnected)
	assertPose(t, h.sim.TruePose(), h.d.GetPose(), 0.05)

	h.sim.Gyro().SetConnected(true)
	h.run(h.cyclesFor(time.Second))
	assert.True(t, h.d.Health().GyroConnected)
	assertPose(t, h.sim.TruePose(), h.d.GetPose(), 0.05)
}

func TestLoopServesConcurrentReaders(t *testing.T) {
	cfg := chassis.Default()
	sim, err := hardware.NewSimDrivetrain(cfg, nil)
	require.NoError(t, err)
	d, err := New(cfg, sim.ModuleIOs(), golog.NewTestLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go d.Loop(ctx, &wg)

	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for ctx.Err() == nil {
				_ = d.GetPose()
				_ = d.ModuleDiagnostics()
				_ = d.Health()
				d.SetChassisVelocity(kinematics.ChassisSpeeds{Vx: 0.5})
			}
		}()
	}
	readers.Wait()
	wg.Wait()

	assert.Greater(t, d.Health().Cycles, int64(5))
	for i := 0; i < chassis.NumModules; i++ {
		wheel, azimuth := sim.Module(i).Voltages()
		assert.Zero(t, wheel)
		assert.Zero(t, azimuth)
	}
}
