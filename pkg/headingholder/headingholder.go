// Package headingholder turns a target heading into a rotation rate.  The
// target is approached along a trapezoidal velocity profile and a PID trims
// the remaining error.
package headingholder

import (
	"math"

	"github.com/tigerbot-team/swervebot/pkg/angle"
	"github.com/tigerbot-team/swervebot/pkg/chassis"
	"github.com/tigerbot-team/swervebot/pkg/pid"
)

const (
	// Within this of the goal, and with the profile finished, we're there.
	DefaultTolerance = 0.02 // rad
)

// HeadingHolder is not safe for concurrent use; it belongs to whichever loop
// is commanding rotation.
type HeadingHolder struct {
	pid       *pid.Controller
	maxRate   float64
	maxAccel  float64
	Tolerance float64

	enabled bool
	goal    float64

	// The moving profile setpoint, continuous, and its rate.
	setpoint     float64
	setpointRate float64
}

func New(gains chassis.Gains, maxRate, maxAccel float64) *HeadingHolder {
	c := pid.New(gains.KP, gains.KI, gains.KD, gains.MaxIntegral)
	c.EnableContinuousInput(-math.Pi, math.Pi)
	return &HeadingHolder{
		pid:       c,
		maxRate:   maxRate,
		maxAccel:  maxAccel,
		Tolerance: DefaultTolerance,
	}
}

func FromConfig(cfg chassis.Config) *HeadingHolder {
	return New(cfg.SnapGains, cfg.SnapMaxRateRadPerSec, cfg.SnapMaxAccelRadPerSec2)
}

// Engage starts turning from current towards goal, from rest.
func (h *HeadingHolder) Engage(current, goal float64) {
	h.enabled = true
	h.goal = angle.Wrap(goal)
	h.setpoint = current
	h.setpointRate = 0
	h.pid.Reset()
}

func (h *HeadingHolder) Release() {
	h.enabled = false
}

func (h *HeadingHolder) Enabled() bool {
	return h.enabled
}

func (h *HeadingHolder) Goal() float64 {
	return h.goal
}

// Update advances the profile by dt seconds and returns the rotation rate to
// command, rad/s anticlockwise.  Zero when released.
func (h *HeadingHolder) Update(current, dt float64) float64 {
	if !h.enabled || dt <= 0 {
		return 0
	}
	h.stepProfile(dt)
	omega := h.setpointRate + h.pid.Update(angle.Wrap(h.setpoint), angle.Wrap(current), dt)
	return angle.ClampMagnitude(omega, h.maxRate)
}

func (h *HeadingHolder) stepProfile(dt float64) {
	toGo := angle.Diff(h.goal, h.setpoint)

	// Fastest rate from which we can still stop at the goal.
	target := math.Copysign(math.Min(h.maxRate, math.Sqrt(2*h.maxAccel*math.Abs(toGo))), toGo)
	maxDelta := h.maxAccel * dt
	h.setpointRate += angle.ClampMagnitude(target-h.setpointRate, maxDelta)

	step := h.setpointRate * dt
	if math.Abs(toGo) <= math.Abs(step) || math.Abs(toGo) < 1e-6 {
		h.setpoint += toGo
		h.setpointRate = 0
		return
	}
	h.setpoint += step
}

// AtGoal is true once the profile has finished and current is within
// Tolerance of the goal.
func (h *HeadingHolder) AtGoal(current float64) bool {
	return h.setpointRate == 0 &&
		math.Abs(angle.Diff(h.goal, h.setpoint)) < 1e-6 &&
		math.Abs(angle.Diff(h.goal, current)) < h.Tolerance
}
