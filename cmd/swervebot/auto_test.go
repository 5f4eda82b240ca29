package main

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
	"github.com/tigerbot-team/swervebot/pkg/drive"
	"github.com/tigerbot-team/swervebot/pkg/kinematics"
)

func TestDriveSquareReturnsToStart(t *testing.T) {
	cfg := chassis.Default()
	logger := golog.NewTestLogger(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	loopCtx, stopLoop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer stopLoop()

	h := hardwareFlags{Hardware: "sim", IMU: "none"}
	d, err := h.start(loopCtx, &wg, cfg, logger)
	require.NoError(t, err)
	base := drive.NewBase(d, logger)

	start := d.GetPose()
	require.NoError(t, driveSquare(ctx, base, 0.3, 1.0, 90, logger))

	// Each corner coasts a little past 90° once the command stops, so the
	// heading ends slightly anticlockwise of where it started.
	end := d.GetPose()
	assert.Less(t, end.Translation.Distance(start.Translation), 0.4)
	turned := end.Rotation.Minus(start.Rotation).Radians()
	assert.Greater(t, turned, -0.1)
	assert.Less(t, turned, 0.8)

	positions := d.Kinematics().Modules()
	assert.Eventually(t, func() bool {
		for i, diag := range d.ModuleDiagnostics() {
			if diag.Desired.SpeedMPS != 0 || math.Abs(math.Sin(diag.Desired.Angle-positions[i].Angle().Radians())) > 1e-6 {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond, "modules lock after the routine")
}

func TestDummyHardwareRunsTheLoop(t *testing.T) {
	cfg := chassis.Default()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var wg sync.WaitGroup

	h := hardwareFlags{Hardware: "dummy", IMU: "none"}
	d, err := h.start(ctx, &wg, cfg, golog.NewTestLogger(t))
	require.NoError(t, err)
	d.SetChassisVelocity(kinematics.ChassisSpeeds{Vx: 1})
	wg.Wait()

	assert.Greater(t, d.Health().Cycles, int64(2))
	assert.True(t, d.Health().GyroConnected)
	assert.Empty(t, d.Health().DegradedModules)
	// Dummy wheels never turn, so odometry stays put.
	assert.InDelta(t, cfg.StartingPose().X(), d.GetPose().X(), 1e-9)
	assert.InDelta(t, cfg.StartingPose().Y(), d.GetPose().Y(), 1e-9)
}
