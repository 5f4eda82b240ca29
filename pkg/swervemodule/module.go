// Package swervemodule closes the loop on one swerve module: it tracks a
// wheel speed and azimuth setpoint using the module's sensor feedback.
package swervemodule

import (
	"math"
	"time"

	"github.com/edaniels/golog"

	"github.com/tigerbot-team/swervebot/pkg/angle"
	"github.com/tigerbot-team/swervebot/pkg/chassis"
	"github.com/tigerbot-team/swervebot/pkg/hardware"
	"github.com/tigerbot-team/swervebot/pkg/kinematics"
	"github.com/tigerbot-team/swervebot/pkg/pid"
)

// Diagnostics is a snapshot of one module, published each control cycle.
type Diagnostics struct {
	Name string

	Desired kinematics.ModuleState
	Actual  kinematics.ModuleState

	// RawAngleRad is the encoder reading before the mount offset is removed;
	// it is what to copy into the config when recalibrating.
	RawAngleRad float64

	WheelVolts   float64
	AzimuthVolts float64

	Connected    bool
	Degraded     bool
	LastFeedback time.Time
}

// Module is not safe for concurrent use; it belongs to the control loop.
type Module struct {
	name   string
	io     hardware.ModuleIO
	offset chassis.ModuleSensorOffset
	log    golog.Logger

	wheelPID   *pid.Controller
	wheelFF    pid.Feedforward
	azimuthPID *pid.Controller

	maxVoltage      float64
	feedbackTimeout time.Duration

	desired      kinematics.ModuleState
	actual       kinematics.ModuleState
	haveAngle    bool
	lastFeedback hardware.ModuleFeedback
	degraded     bool

	wheelVolts, azimuthVolts float64
}

func New(cfg chassis.Config, index int, io hardware.ModuleIO, log golog.Logger) *Module {
	wg, ag := cfg.WheelGains, cfg.AzimuthGains
	m := &Module{
		name:   cfg.ModuleName(index),
		io:     io,
		offset: cfg.ModuleOffsets()[index],
		log:    log,

		wheelPID:   pid.New(wg.KP, wg.KI, wg.KD, wg.MaxIntegral),
		wheelFF:    pid.Feedforward{KS: wg.KS, KV: wg.KV},
		azimuthPID: pid.New(ag.KP, ag.KI, ag.KD, ag.MaxIntegral),

		maxVoltage:      cfg.BatteryVoltage,
		feedbackTimeout: cfg.FeedbackTimeout,
	}
	m.azimuthPID.EnableContinuousInput(-math.Pi, math.Pi)
	return m
}

func (m *Module) Name() string {
	return m.name
}

// Refresh reads the module's feedback.  It returns false, and marks the
// module degraded, if the feedback is disconnected or older than the
// feedback timeout.
func (m *Module) Refresh(now time.Time) bool {
	fb := m.io.ReadFeedback()
	m.lastFeedback = fb

	healthy := fb.Connected && !fb.Timestamp.IsZero() && now.Sub(fb.Timestamp) <= m.feedbackTimeout
	if !healthy {
		if !m.degraded {
			m.log.Warnw("module feedback lost; holding last output",
				"module", m.name, "connected", fb.Connected, "age", now.Sub(fb.Timestamp))
		}
		m.degraded = true
		return false
	}
	if m.degraded {
		m.log.Infow("module feedback restored", "module", m.name)
		m.degraded = false
		m.wheelPID.Reset()
		m.azimuthPID.Reset()
	}

	corrected := angle.Wrap(fb.AbsoluteAngleRad - m.offset.MountOffsetRad)
	if m.haveAngle {
		m.actual.Angle = angle.Nearest(m.actual.Angle, corrected)
	} else {
		m.actual.Angle = corrected
		m.haveAngle = true
	}
	m.actual.SpeedMPS = fb.WheelSpeedMPS
	return true
}

// SetDesiredState records a new setpoint, optimized against the module's
// current azimuth so the module never turns more than a quarter turn.
func (m *Module) SetDesiredState(s kinematics.ModuleState) {
	m.desired = Optimize(s, m.actual.Angle)
}

// Apply runs one step of the wheel and azimuth loops and writes the outputs.
// A degraded module re-sends its last outputs instead of acting on feedback
// it doesn't have.
func (m *Module) Apply(dt float64) {
	if m.degraded {
		m.io.SetVoltages(m.wheelVolts, m.azimuthVolts)
		return
	}

	azimuthError := angle.Wrap(m.desired.Angle - m.actual.Angle)
	// Don't drive hard in a direction the wheel isn't pointing yet.
	speed := m.desired.SpeedMPS * math.Max(0, math.Cos(azimuthError))

	wheel := m.wheelFF.Calculate(speed) + m.wheelPID.Update(speed, m.actual.SpeedMPS, dt)
	azimuth := m.azimuthPID.Update(m.desired.Angle, m.actual.Angle, dt)

	m.wheelVolts = angle.ClampMagnitude(wheel, m.maxVoltage)
	m.azimuthVolts = angle.ClampMagnitude(azimuth, m.maxVoltage)
	m.io.SetVoltages(m.wheelVolts, m.azimuthVolts)
}

// Stop zeroes both outputs regardless of feedback.
func (m *Module) Stop() {
	m.wheelVolts, m.azimuthVolts = 0, 0
	m.desired = kinematics.ModuleState{Angle: m.actual.Angle}
	m.io.SetVoltages(0, 0)
}

// State is the module's measured state with the azimuth unwrapped.
func (m *Module) State() kinematics.ModuleState {
	return m.actual
}

func (m *Module) Desired() kinematics.ModuleState {
	return m.desired
}

func (m *Module) Degraded() bool {
	return m.degraded
}

func (m *Module) Diagnostics() Diagnostics {
	return Diagnostics{
		Name:         m.name,
		Desired:      m.desired,
		Actual:       m.actual,
		RawAngleRad:  m.lastFeedback.AbsoluteAngleRad,
		WheelVolts:   m.wheelVolts,
		AzimuthVolts: m.azimuthVolts,
		Connected:    m.lastFeedback.Connected,
		Degraded:     m.degraded,
		LastFeedback: m.lastFeedback.Timestamp,
	}
}
