package drive

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerbot-team/swervebot/pkg/chassis"
	"github.com/tigerbot-team/swervebot/pkg/geom"
	"github.com/tigerbot-team/swervebot/pkg/hardware"
)

func TestBaseSetVelocity(t *testing.T) {
	h := newHarness(t)
	b := NewBase(h.d, golog.NewTestLogger(t))
	ctx := context.Background()

	require.NoError(t, b.SetVelocity(ctx, r3.Vector{Y: 1000}, r3.Vector{}, nil))
	moving, err := b.IsMoving(ctx)
	require.NoError(t, err)
	assert.True(t, moving)
	h.run(h.cyclesFor(2 * time.Second))
	assert.Greater(t, h.d.GetPose().Y(), 3+1.5)
	assert.InDelta(t, 3, h.d.GetPose().X(), 0.1)

	require.NoError(t, b.Stop(ctx, nil))
	moving, _ = b.IsMoving(ctx)
	assert.False(t, moving)
}

func TestBaseSetPower(t *testing.T) {
	h := newHarness(t)
	b := NewBase(h.d, golog.NewTestLogger(t))
	require.NoError(t, b.SetPower(context.Background(), r3.Vector{}, r3.Vector{Z: 0.1}, nil))
	h.run(h.cyclesFor(2 * time.Second))
	// A tenth of full rate for two seconds, less spin-up.
	assert.InDelta(t, 0.2*h.cfg.MaxRotateSpeedRadPerSec, h.d.GetPose().Heading(), 0.25)
}

func TestBaseDoCommand(t *testing.T) {
	h := newHarness(t)
	b := NewBase(h.d, golog.NewTestLogger(t))
	ctx := context.Background()

	_, err := b.DoCommand(ctx, map[string]interface{}{"command": "reset_odometry", "x": 1.0, "y": 2.0, "heading_deg": 90.0})
	require.NoError(t, err)
	h.run(1)
	assertPose(t, geom.NewPose2d(1, 2, math.Pi/2), h.d.GetPose(), 1e-6)

	out, err := b.DoCommand(ctx, map[string]interface{}{"command": "pose"})
	require.NoError(t, err)
	assert.InDelta(t, 90, out["heading_deg"], 1e-6)

	_, err = b.DoCommand(ctx, map[string]interface{}{"command": "lock"})
	require.NoError(t, err)

	_, err = b.DoCommand(ctx, map[string]interface{}{"command": "dance"})
	assert.Error(t, err)
	_, err = b.DoCommand(ctx, map[string]interface{}{})
	assert.Error(t, err)
}

func TestBaseMoveStraightAndSpin(t *testing.T) {
	cfg := chassis.Default()
	sim, err := hardware.NewSimDrivetrain(cfg, nil)
	require.NoError(t, err)
	d, err := New(cfg, sim.ModuleIOs(), golog.NewTestLogger(t), WithGyro(sim.Gyro()))
	require.NoError(t, err)
	b := NewBase(d, golog.NewTestLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	loopCtx, stopLoop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go d.Loop(loopCtx, &wg)
	defer wg.Wait()
	defer stopLoop()

	start := d.GetPose()
	require.NoError(t, b.MoveStraight(ctx, 200, 1000, nil))
	assert.GreaterOrEqual(t, d.GetPose().Translation.Distance(start.Translation), 0.2)
	moving, _ := b.IsMoving(ctx)
	assert.False(t, moving)

	startHeading := d.GetPose().Rotation
	require.NoError(t, b.Spin(ctx, -45, 180, nil))
	assert.Less(t, d.GetPose().Rotation.Minus(startHeading).Radians(), -math.Pi/4+0.01)
}
