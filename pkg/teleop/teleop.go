// Package teleop drives the robot from a gamepad.
//
// Controls:
//
//	L stick        translate (field-relative)
//	R stick l/r    rotate
//	L1 (held)      snap to the configured heading
//	R1 (held)      translate robot-relative instead
//	L2 (held)      slow rotation
//	D-pad up       lock modules while held
//	Circle         reset odometry to the configured start pose
//	Triangle/Cross select next/previous tunable
//	D-pad l/r      adjust selected tunable
package teleop

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/edaniels/golog"

	"github.com/tigerbot-team/swervebot/pkg/chassis"
	"github.com/tigerbot-team/swervebot/pkg/geom"
	"github.com/tigerbot-team/swervebot/pkg/headingholder"
	"github.com/tigerbot-team/swervebot/pkg/joystick"
	"github.com/tigerbot-team/swervebot/pkg/kinematics"
	"github.com/tigerbot-team/swervebot/pkg/tunable"
)

// Driver is the part of the drive supervisor that teleop commands.
type Driver interface {
	SetChassisVelocity(s kinematics.ChassisSpeeds)
	SetFieldRelativeVelocity(vx, vy, omega float64)
	LockModules()
	ResetOdometry(pose geom.Pose2d)
	Stop()
	GetPose() geom.Pose2d
}

type Mode struct {
	driver Driver
	cfg    chassis.Config
	logger golog.Logger

	Tunables  *tunable.Tunables
	translate *tunable.Tunable
	rotate    *tunable.Tunable
	snap      *headingholder.HeadingHolder

	cancel         context.CancelFunc
	done           <-chan struct{}
	stopWG         sync.WaitGroup
	joystickEvents chan *joystick.Event
}

func New(driver Driver, cfg chassis.Config, logger golog.Logger) *Mode {
	ts := tunable.New(logger)
	return &Mode{
		driver:         driver,
		cfg:            cfg,
		logger:         logger,
		Tunables:       ts,
		translate:      ts.Create("translate", cfg.Teleop.MaxTranslateFraction, 0.05, 0.05, 1),
		rotate:         ts.Create("rotate", cfg.Teleop.MaxRotateFraction, 0.05, 0.05, 1),
		snap:           headingholder.FromConfig(cfg),
		joystickEvents: make(chan *joystick.Event),
	}
}

func (m *Mode) Name() string {
	return "Teleop"
}

func (m *Mode) Start(ctx context.Context) {
	m.stopWG.Add(1)
	var loopCtx context.Context
	loopCtx, m.cancel = context.WithCancel(ctx)
	m.done = loopCtx.Done()
	go m.loop(loopCtx)
}

func (m *Mode) Stop() {
	m.cancel()
	m.stopWG.Wait()
}

// OnJoystickEvent hands an event to the mode's loop.  Once the loop has
// exited the event is discarded.
func (m *Mode) OnJoystickEvent(event *joystick.Event) {
	select {
	case m.joystickEvents <- event:
	case <-m.done:
	}
}

func (m *Mode) loop(ctx context.Context) {
	defer m.stopWG.Done()
	defer m.driver.Stop()

	ticker := time.NewTicker(m.cfg.LoopPeriod)
	defer ticker.Stop()

	var s sticks
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-m.joystickEvents:
			m.handle(&s, event)
		case <-ticker.C:
			if m.snap.Enabled() {
				m.tick(&s, m.cfg.LoopPeriod.Seconds())
			}
		}
	}
}

// tick advances the heading holder; the stick commands only change on
// events but snapping needs a steady rate.
func (m *Mode) tick(s *sticks, dt float64) {
	s.snapOmega = m.snap.Update(m.driver.GetPose().Heading(), dt)
	m.command(s)
}

// sticks is the gamepad state as of the last event.
type sticks struct {
	leftX, leftY, rightX float64
	dPadX, dPadY         int16
	robotRelative, slow  bool
	snapOmega            float64
}

func (m *Mode) handle(s *sticks, event *joystick.Event) {
	switch event.Type {
	case joystick.EventTypeAxis:
		switch event.Number {
		case joystick.AxisLStickX:
			s.leftX = event.AxisValue()
		case joystick.AxisLStickY:
			s.leftY = event.AxisValue()
		case joystick.AxisRStickX:
			s.rightX = event.AxisValue()
		case joystick.AxisDPadX:
			if event.Value != 0 && s.dPadX == 0 && !event.Initial {
				if cur := m.Tunables.Current(); cur != nil {
					cur.Add(int(math.Copysign(1, float64(event.Value))))
				}
			}
			s.dPadX = event.Value
		case joystick.AxisDPadY:
			s.dPadY = event.Value
		}
	case joystick.EventTypeButton:
		pressed := event.Value == 1
		switch event.Number {
		case joystick.ButtonL1:
			if pressed && !m.snap.Enabled() {
				goal := chassis.DegreesToRadians(m.cfg.Teleop.SnapHeadingDeg)
				m.snap.Engage(m.driver.GetPose().Heading(), goal)
			} else if !pressed {
				m.snap.Release()
			}
			s.snapOmega = 0
		case joystick.ButtonR1:
			s.robotRelative = pressed
		case joystick.ButtonL2:
			s.slow = pressed
		case joystick.ButtonCircle:
			if pressed && !event.Initial {
				m.logger.Infow("Resetting odometry", "pose", m.cfg.StartingPose())
				m.driver.ResetOdometry(m.cfg.StartingPose())
			}
		case joystick.ButtonTriangle:
			if pressed {
				m.Tunables.SelectNext()
			}
		case joystick.ButtonCross:
			if pressed {
				m.Tunables.SelectPrev()
			}
		}
	}
	m.command(s)
}

func (m *Mode) command(s *sticks) {
	if s.dPadY < 0 {
		m.driver.LockModules()
		return
	}

	db := m.cfg.Teleop.Deadband
	maxSpeed := m.cfg.MaxModuleSpeedMPS * m.translate.Get()
	maxRotate := m.cfg.MaxRotateSpeedRadPerSec * m.rotate.Get()
	if s.slow {
		maxRotate *= m.cfg.Teleop.SlowRotateFactor
	}

	// Stick up is negative; stick right is positive but +Y and +ω are left.
	vx := -applyDeadband(s.leftY, db) * maxSpeed
	vy := -applyDeadband(s.leftX, db) * maxSpeed
	omega := -applyDeadband(s.rightX, db) * maxRotate
	if m.snap.Enabled() {
		omega = s.snapOmega
	}

	if s.robotRelative {
		m.driver.SetChassisVelocity(kinematics.ChassisSpeeds{Vx: vx, Vy: vy, Omega: omega})
		return
	}
	m.driver.SetFieldRelativeVelocity(vx, vy, omega)
}

// applyDeadband zeroes small inputs and rescales the rest so the output
// still covers the full range.
func applyDeadband(v, deadband float64) float64 {
	if math.Abs(v) <= deadband {
		return 0
	}
	return math.Copysign((math.Abs(v)-deadband)/(1-deadband), v)
}
