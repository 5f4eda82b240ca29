package swervemodule

import (
	"math"

	"github.com/tigerbot-team/swervebot/pkg/angle"
	"github.com/tigerbot-team/swervebot/pkg/kinematics"
)

// Optimize picks whichever of desired and its reversed equivalent (wheel
// speed negated, azimuth turned by half a turn) needs the smaller azimuth
// move from current.  The returned angle is continuous: it lies within a
// quarter turn of current rather than being wrapped.
func Optimize(desired kinematics.ModuleState, current float64) kinematics.ModuleState {
	target := angle.Nearest(current, desired.Angle)
	speed := desired.SpeedMPS
	if delta := target - current; math.Abs(delta) > math.Pi/2 {
		speed = -speed
		target -= math.Copysign(math.Pi, delta)
	}
	return kinematics.ModuleState{SpeedMPS: speed, Angle: target}
}
