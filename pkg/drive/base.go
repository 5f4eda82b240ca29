package drive

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/tigerbot-team/swervebot/pkg/angle"
	"github.com/tigerbot-team/swervebot/pkg/geom"
	"github.com/tigerbot-team/swervebot/pkg/kinematics"
)

// Base presents the drivetrain as a mobile base: linear velocities in mm/s
// with X forward and Y left, angular velocities in degrees/s about Z.
type Base struct {
	d        *Drivetrain
	logger   golog.Logger
	isMoving atomic.Bool
}

func NewBase(d *Drivetrain, logger golog.Logger) *Base {
	return &Base{d: d, logger: logger}
}

func (b *Base) warnUnused(linear, angular r3.Vector) {
	// Some vector components do not apply to a 2D base
	if linear.Z != 0 {
		b.logger.Warnw("Linear Z command non-zero and has no effect")
	}
	if angular.X != 0 {
		b.logger.Warnw("Angular X command non-zero and has no effect")
	}
	if angular.Y != 0 {
		b.logger.Warnw("Angular Y command non-zero and has no effect")
	}
}

func (b *Base) SetVelocity(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	b.warnUnused(linear, angular)
	s := kinematics.ChassisSpeeds{
		Vx:    linear.X / 1000,
		Vy:    linear.Y / 1000,
		Omega: angular.Z * math.Pi / 180,
	}
	b.isMoving.Store(!s.IsZero())
	b.d.SetChassisVelocity(s)
	return nil
}

// SetPower sets the linear and angular [-1, 1] drive power, as fractions of
// the maximum module speed and rotation rate.
func (b *Base) SetPower(ctx context.Context, linear, angular r3.Vector, extra map[string]interface{}) error {
	b.warnUnused(linear, angular)
	cfg := b.d.Config()
	s := kinematics.ChassisSpeeds{
		Vx:    angle.ClampMagnitude(linear.X, 1) * cfg.MaxModuleSpeedMPS,
		Vy:    angle.ClampMagnitude(linear.Y, 1) * cfg.MaxModuleSpeedMPS,
		Omega: angle.ClampMagnitude(angular.Z, 1) * cfg.MaxRotateSpeedRadPerSec,
	}
	b.isMoving.Store(!s.IsZero())
	b.d.SetChassisVelocity(s)
	return nil
}

// MoveStraight drives forward (or backward, if either argument is negative)
// until the pose estimate has covered distanceMm.
func (b *Base) MoveStraight(ctx context.Context, distanceMm int, mmPerSec float64, extra map[string]interface{}) error {
	if distanceMm == 0 || mmPerSec == 0 {
		return nil
	}
	speed := math.Abs(mmPerSec) / 1000
	if distanceMm < 0 || mmPerSec < 0 {
		speed = -speed
	}
	target := math.Abs(float64(distanceMm)) / 1000
	start := b.d.GetPose()

	b.isMoving.Store(true)
	b.d.SetChassisVelocity(kinematics.ChassisSpeeds{Vx: speed})
	defer b.stop()

	return b.waitFor(ctx, func(p geom.Pose2d) bool {
		return p.Translation.Distance(start.Translation) >= target
	})
}

// Spin turns in place by angleDeg (anticlockwise positive).
func (b *Base) Spin(ctx context.Context, angleDeg, degsPerSec float64, extra map[string]interface{}) error {
	if angleDeg == 0 || degsPerSec == 0 {
		return nil
	}
	omega := math.Copysign(math.Abs(degsPerSec)*math.Pi/180, angleDeg)
	target := math.Abs(angleDeg) * math.Pi / 180
	last := b.d.GetPose().Rotation
	var turned float64

	b.isMoving.Store(true)
	b.d.SetChassisVelocity(kinematics.ChassisSpeeds{Omega: omega})
	defer b.stop()

	return b.waitFor(ctx, func(p geom.Pose2d) bool {
		turned += math.Abs(p.Rotation.Minus(last).Radians())
		last = p.Rotation
		return turned >= target
	})
}

func (b *Base) waitFor(ctx context.Context, done func(geom.Pose2d) bool) error {
	ticker := time.NewTicker(b.d.Config().LoopPeriod)
	defer ticker.Stop()
	for {
		if done(b.d.GetPose()) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Base) Stop(ctx context.Context, extra map[string]interface{}) error {
	b.stop()
	return nil
}

func (b *Base) stop() {
	b.isMoving.Store(false)
	b.d.Stop()
}

// DoCommand supports "lock" and "reset_odometry" (with x, y in metres and
// heading_deg).
func (b *Base) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd["command"]
	if !ok {
		return nil, errors.New("missing 'command' value")
	}
	switch name {
	case "lock":
		b.isMoving.Store(false)
		b.d.LockModules()
		return map[string]interface{}{}, nil
	case "reset_odometry":
		x, _ := cmd["x"].(float64)
		y, _ := cmd["y"].(float64)
		headingDeg, _ := cmd["heading_deg"].(float64)
		b.d.ResetOdometry(geom.NewPose2d(x, y, headingDeg*math.Pi/180))
		return map[string]interface{}{}, nil
	case "pose":
		p := b.d.GetPose()
		return map[string]interface{}{"x": p.X(), "y": p.Y(), "heading_deg": p.Rotation.Degrees()}, nil
	default:
		return nil, errors.Errorf("no such command: %s", name)
	}
}

func (b *Base) IsMoving(ctx context.Context) (bool, error) {
	return b.isMoving.Load(), nil
}

// Close stops the base.
func (b *Base) Close() {
	b.stop()
}
