// Package drive owns the swerve control loop: it turns chassis velocity
// commands into module setpoints, runs the module controllers, and keeps the
// pose estimate current.
package drive

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/tigerbot-team/swervebot/pkg/chassis"
	"github.com/tigerbot-team/swervebot/pkg/estimator"
	"github.com/tigerbot-team/swervebot/pkg/geom"
	"github.com/tigerbot-team/swervebot/pkg/hardware"
	"github.com/tigerbot-team/swervebot/pkg/kinematics"
	"github.com/tigerbot-team/swervebot/pkg/swervemodule"
	"github.com/tigerbot-team/swervebot/pkg/vision"
)

type mode int

const (
	modeVelocity mode = iota
	modeLocked
)

// controls is the latest command, copied out under controlLock at the top of
// each cycle.
type controls struct {
	mode          mode
	speeds        kinematics.ChassisSpeeds
	fieldRelative bool
	centre        geom.Translation2d
	reset         *geom.Pose2d
}

// Health summarises how the loop is coping.
type Health struct {
	Cycles          int64
	Overruns        int64
	LastCycle       time.Duration
	VisionApplied   int64
	VisionStale     int64
	VisionRejected  int64
	VisionDropped   int64
	DegradedModules []string
	GyroConnected   bool
}

// Drivetrain is the drive supervisor.  Commands and queries are safe from
// any goroutine; the pose, module controllers and estimator are only touched
// by the control loop.
type Drivetrain struct {
	cfg   chassis.Config
	log   golog.Logger
	clock func() time.Time

	kin     *kinematics.Kinematics
	modules []*swervemodule.Module
	gyro    hardware.Gyro
	est     *estimator.Estimator

	visionInbox chan vision.Measurement

	controlLock sync.Mutex
	controls

	pose        atomic.Pointer[geom.Pose2d]
	diagnostics atomic.Pointer[[]swervemodule.Diagnostics]
	health      atomic.Pointer[Health]

	cycles, overruns              atomic.Int64
	visionApplied, visionStale    atomic.Int64
	visionRejected, visionDropped atomic.Int64

	lastCycleStart time.Time
	lastSetpoints  []kinematics.ModuleState
}

type Option func(*Drivetrain)

// WithClock replaces time.Now, for tests and simulation.
func WithClock(clock func() time.Time) Option {
	return func(d *Drivetrain) {
		d.clock = clock
	}
}

// WithGyro makes the estimator take heading changes from the gyro while it
// reports connected.
func WithGyro(g hardware.Gyro) Option {
	return func(d *Drivetrain) {
		d.gyro = g
	}
}

func New(cfg chassis.Config, modules []hardware.ModuleIO, log golog.Logger, opts ...Option) (*Drivetrain, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(modules) != chassis.NumModules {
		return nil, errors.Errorf("need %d module IOs, got %d", chassis.NumModules, len(modules))
	}
	translations := cfg.ModuleTranslations()
	kin, err := kinematics.New(translations[:]...)
	if err != nil {
		return nil, err
	}

	d := &Drivetrain{
		cfg:         cfg,
		log:         log,
		clock:       time.Now,
		kin:         kin,
		visionInbox: make(chan vision.Measurement, cfg.VisionInboxSize),
	}
	for _, o := range opts {
		o(d)
	}
	for i, io := range modules {
		d.modules = append(d.modules, swervemodule.New(cfg, i, io, log.Named(cfg.ModuleName(i))))
	}

	d.est = estimator.New(kin, cfg.HistoryWindow, log.Named("estimator"))
	d.est.SetFieldBounds(cfg.FieldLengthM, cfg.FieldWidthM, cfg.HalfTrackWidthM*2)
	start := cfg.StartingPose()
	d.est.ResetPose(start, time.Time{})
	d.pose.Store(&start)
	d.publishDiagnostics()
	d.health.Store(&Health{})
	return d, nil
}

// SetChassisVelocity commands a robot-relative velocity, rotating about the
// robot centre.
func (d *Drivetrain) SetChassisVelocity(s kinematics.ChassisSpeeds) {
	d.SetChassisVelocityAbout(s, geom.Translation2d{})
}

// SetChassisVelocityAbout commands a robot-relative velocity rotating about
// centre, given in the robot frame.
func (d *Drivetrain) SetChassisVelocityAbout(s kinematics.ChassisSpeeds, centre geom.Translation2d) {
	d.controlLock.Lock()
	defer d.controlLock.Unlock()
	d.mode = modeVelocity
	d.speeds = s
	d.fieldRelative = false
	d.centre = centre
}

// SetFieldRelativeVelocity commands a velocity in field coordinates; it is
// converted to the robot frame each cycle using the estimated heading.
func (d *Drivetrain) SetFieldRelativeVelocity(vx, vy, omega float64) {
	d.controlLock.Lock()
	defer d.controlLock.Unlock()
	d.mode = modeVelocity
	d.speeds = kinematics.ChassisSpeeds{Vx: vx, Vy: vy, Omega: omega}
	d.fieldRelative = true
	d.centre = geom.Translation2d{}
}

func (d *Drivetrain) Stop() {
	d.SetChassisVelocity(kinematics.ChassisSpeeds{})
}

// LockModules points every wheel at the robot centre so the chassis resists
// being pushed.  It stays locked until the next velocity command.
func (d *Drivetrain) LockModules() {
	d.controlLock.Lock()
	defer d.controlLock.Unlock()
	d.mode = modeLocked
	d.speeds = kinematics.ChassisSpeeds{}
}

// ResetOdometry replaces the pose estimate and its history.  GetPose reflects
// the new pose immediately; the estimator picks it up on the next cycle.
func (d *Drivetrain) ResetOdometry(pose geom.Pose2d) {
	d.controlLock.Lock()
	defer d.controlLock.Unlock()
	d.reset = &pose
	d.pose.Store(&pose)
}

// SubmitVision queues a measurement for the next cycle without blocking.  If
// the inbox is full the oldest queued measurement is dropped.
func (d *Drivetrain) SubmitVision(m vision.Measurement) {
	for {
		select {
		case d.visionInbox <- m:
			return
		default:
		}
		select {
		case <-d.visionInbox:
			d.visionDropped.Add(1)
		default:
		}
	}
}

func (d *Drivetrain) GetPose() geom.Pose2d {
	return *d.pose.Load()
}

func (d *Drivetrain) ModuleDiagnostics() []swervemodule.Diagnostics {
	return *d.diagnostics.Load()
}

func (d *Drivetrain) Health() Health {
	return *d.health.Load()
}

func (d *Drivetrain) Kinematics() *kinematics.Kinematics {
	return d.kin
}

func (d *Drivetrain) Config() chassis.Config {
	return d.cfg
}

// Loop runs the control cycle at the configured period until ctx is done,
// then stops the modules.
func (d *Drivetrain) Loop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	defer d.log.Info("Drive loop exited")

	ticker := time.NewTicker(d.cfg.LoopPeriod)
	defer ticker.Stop()

	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
		case <-ticker.C:
			d.RunCycle(d.clock())
		}
	}

	for _, m := range d.modules {
		m.Stop()
	}
}

// RunCycle executes one control cycle stamped now: take the latest command,
// fold in queued vision, read feedback, solve and apply setpoints, then
// update the pose estimate.
func (d *Drivetrain) RunCycle(now time.Time) {
	cycleStart := d.clock()

	d.controlLock.Lock()
	c := d.controls
	d.reset = nil
	d.controlLock.Unlock()

	if c.reset != nil {
		d.log.Infow("Resetting odometry", "pose", *c.reset)
		d.est.ResetPose(*c.reset, now)
	}

	d.drainVision()

	healthy := make([]bool, len(d.modules))
	states := make([]kinematics.ModuleState, len(d.modules))
	for i, m := range d.modules {
		healthy[i] = m.Refresh(now)
		states[i] = m.State()
	}

	dt := d.cfg.LoopPeriod.Seconds()
	if !d.lastCycleStart.IsZero() && now.After(d.lastCycleStart) {
		dt = now.Sub(d.lastCycleStart).Seconds()
	}
	d.lastCycleStart = now

	setpoints := d.setpoints(c)
	for i, m := range d.modules {
		m.SetDesiredState(setpoints[i])
	}
	d.applyOutputs(dt)
	d.lastSetpoints = setpoints

	in := estimator.OdometryInput{States: states, Healthy: healthy, Timestamp: now}
	gyroConnected := false
	if d.gyro != nil {
		if g := d.gyro.ReadGyro(); g.Connected {
			heading := geom.NewRotation2d(g.AngleRad)
			in.Gyro = &heading
			gyroConnected = true
		}
	}
	pose := d.est.Update(in)
	d.publishPose(pose)
	d.publishDiagnostics()

	elapsed := d.clock().Sub(cycleStart)
	cycles := d.cycles.Add(1)
	if elapsed > d.cfg.LoopPeriod {
		d.overruns.Add(1)
		d.log.Warnw("Drive cycle overran", "elapsed", elapsed, "period", d.cfg.LoopPeriod)
	}
	d.publishHealth(cycles, elapsed, gyroConnected)
}

func (d *Drivetrain) setpoints(c controls) []kinematics.ModuleState {
	if c.mode == modeLocked {
		states := make([]kinematics.ModuleState, len(d.modules))
		for i, pos := range d.kin.Modules() {
			states[i] = kinematics.ModuleState{Angle: pos.Angle().Radians()}
		}
		return states
	}

	speeds := c.speeds
	if c.fieldRelative {
		speeds = kinematics.FromFieldRelative(speeds.Vx, speeds.Vy, speeds.Omega, d.est.Pose().Rotation)
	}
	speeds = kinematics.Discretize(speeds, d.cfg.LoopPeriod.Seconds())
	states := d.kin.ToModuleStates(speeds, c.centre, d.lastSetpoints)
	return kinematics.DesaturateWheelSpeeds(states, d.cfg.MaxModuleSpeedMPS)
}

func (d *Drivetrain) applyOutputs(dt float64) {
	for _, m := range d.modules {
		m.Apply(dt)
	}
}

func (d *Drivetrain) drainVision() {
	for {
		select {
		case m := <-d.visionInbox:
			err := d.est.AddVisionMeasurement(m)
			switch errors.Cause(err) {
			case nil:
				d.visionApplied.Add(1)
			case estimator.ErrStaleVision:
				d.visionStale.Add(1)
				d.log.Warnw("Dropped stale vision", "error", err)
			default:
				d.visionRejected.Add(1)
				d.log.Debugw("Rejected vision", "error", err)
			}
		default:
			return
		}
	}
}

// publishPose skips the store while a reset is pending, so a cycle that
// started before ResetOdometry cannot overwrite the reset pose.
func (d *Drivetrain) publishPose(pose geom.Pose2d) {
	d.controlLock.Lock()
	defer d.controlLock.Unlock()
	if d.reset != nil {
		return
	}
	d.pose.Store(&pose)
}

func (d *Drivetrain) publishDiagnostics() {
	diags := make([]swervemodule.Diagnostics, len(d.modules))
	for i, m := range d.modules {
		diags[i] = m.Diagnostics()
	}
	d.diagnostics.Store(&diags)
}

func (d *Drivetrain) publishHealth(cycles int64, elapsed time.Duration, gyroConnected bool) {
	h := Health{
		Cycles:         cycles,
		Overruns:       d.overruns.Load(),
		LastCycle:      elapsed,
		VisionApplied:  d.visionApplied.Load(),
		VisionStale:    d.visionStale.Load(),
		VisionRejected: d.visionRejected.Load(),
		VisionDropped:  d.visionDropped.Load(),
		GyroConnected:  gyroConnected,
	}
	for _, m := range d.modules {
		if m.Degraded() {
			h.DegradedModules = append(h.DegradedModules, m.Name())
		}
	}
	d.health.Store(&h)
}
