package pid

import (
	"math"

	"github.com/tigerbot-team/swervebot/pkg/angle"
)

// Controller is a PID controller with a clamped integral and optional
// continuous (wrapping) input, for angles.
type Controller struct {
	KP, KI, KD float64

	// MaxIntegral bounds the accumulated error-seconds; zero disables the
	// integral term entirely.
	MaxIntegral float64

	continuous         bool
	minInput, maxInput float64

	prevError   float64
	integral    float64
	initialized bool
}

func New(kp, ki, kd, maxIntegral float64) *Controller {
	return &Controller{
		KP:          kp,
		KI:          ki,
		KD:          kd,
		MaxIntegral: maxIntegral,
	}
}

// EnableContinuousInput treats min and max as the same point, so the error
// is always the short way round.
func (c *Controller) EnableContinuousInput(min, max float64) {
	c.continuous = true
	c.minInput, c.maxInput = min, max
}

func (c *Controller) Error(setpoint, measurement float64) float64 {
	e := setpoint - measurement
	if !c.continuous {
		return e
	}
	span := c.maxInput - c.minInput
	half := span / 2
	e = math.Mod(e+half, span)
	if e < 0 {
		e += span
	}
	return e - half
}

// Update returns the control output for one period of length dt seconds.
func (c *Controller) Update(setpoint, measurement, dt float64) float64 {
	e := c.Error(setpoint, measurement)
	if !c.initialized {
		c.prevError = e
		c.initialized = true
	}

	var derivative float64
	if dt > 0 {
		derivative = (e - c.prevError) / dt
		if c.MaxIntegral > 0 {
			c.integral = angle.ClampMagnitude(c.integral+e*dt, c.MaxIntegral)
		}
	}
	c.prevError = e

	return c.KP*e + c.KI*c.integral + c.KD*derivative
}

func (c *Controller) Reset() {
	c.prevError = 0
	c.integral = 0
	c.initialized = false
}

// Feedforward is a static-friction plus velocity model: volts needed to hold
// a given speed.
type Feedforward struct {
	KS, KV float64
}

func (f Feedforward) Calculate(velocity float64) float64 {
	if velocity == 0 {
		return 0
	}
	return f.KS*math.Copysign(1, velocity) + f.KV*velocity
}
