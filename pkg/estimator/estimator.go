// Package estimator tracks the robot's field pose by integrating wheel
// odometry each control cycle and folding in latency-compensated vision
// fixes.
//
// Vision frames arrive late: by the time a measurement is processed the robot
// has moved on.  The estimator keeps a short history of poses; a measurement
// is blended with the pose at its capture time and everything recorded since
// is carried along with the correction.
package estimator

import (
	"math/bits"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/tigerbot-team/swervebot/pkg/angle"
	"github.com/tigerbot-team/swervebot/pkg/geom"
	"github.com/tigerbot-team/swervebot/pkg/kinematics"
	"github.com/tigerbot-team/swervebot/pkg/vision"
)

var (
	ErrStaleVision    = errors.New("vision measurement predates pose history")
	ErrVisionRejected = errors.New("vision measurement rejected")
)

type sample struct {
	t    time.Time
	pose geom.Pose2d
}

// OdometryInput is one cycle's worth of sensor data.
type OdometryInput struct {
	States []kinematics.ModuleState
	// Healthy marks which entries of States can be trusted; nil means all.
	Healthy []bool
	// Gyro, if non-nil, overrides the wheel-derived heading change.
	Gyro      *geom.Rotation2d
	Timestamp time.Time
}

// Estimator is owned by the control loop and is not safe for concurrent use.
type Estimator struct {
	kin    *kinematics.Kinematics
	window time.Duration
	log    golog.Logger

	fieldSet          bool
	fieldMax          geom.Translation2d
	fieldMarginMeters float64

	pose    geom.Pose2d
	history []sample

	haveGyro   bool
	gyroOffset geom.Rotation2d // pose heading minus raw gyro

	partial map[uint]*kinematics.Kinematics
}

func New(kin *kinematics.Kinematics, window time.Duration, log golog.Logger) *Estimator {
	return &Estimator{
		kin:     kin,
		window:  window,
		log:     log,
		partial: map[uint]*kinematics.Kinematics{},
	}
}

// SetFieldBounds makes the estimator reject vision poses outside the field,
// with some slack for the robot's bumpers hanging over the edge.
func (e *Estimator) SetFieldBounds(lengthM, widthM, marginM float64) {
	e.fieldSet = true
	e.fieldMax = geom.Translation2d{X: lengthM, Y: widthM}
	e.fieldMarginMeters = marginM
}

func (e *Estimator) Pose() geom.Pose2d {
	return e.pose
}

// ResetPose discards all history and starts again from pose at time t.
func (e *Estimator) ResetPose(pose geom.Pose2d, t time.Time) {
	e.pose = pose
	e.history = e.history[:0]
	e.haveGyro = false
	if !t.IsZero() {
		e.history = append(e.history, sample{t: t, pose: pose})
	}
}

// UpdateWithOdometry integrates the module states, all assumed healthy, up
// to timestamp.
func (e *Estimator) UpdateWithOdometry(states []kinematics.ModuleState, timestamp time.Time) geom.Pose2d {
	return e.Update(OdometryInput{States: states, Timestamp: timestamp})
}

// Update integrates one cycle of odometry.  Samples that don't advance time
// are ignored.
func (e *Estimator) Update(in OdometryInput) geom.Pose2d {
	if len(e.history) == 0 {
		e.latchGyro(in.Gyro)
		e.record(in.Timestamp)
		return e.pose
	}
	last := e.history[len(e.history)-1].t
	if !in.Timestamp.After(last) {
		e.log.Debugw("ignoring non-monotonic odometry", "t", in.Timestamp, "last", last)
		return e.pose
	}
	dt := in.Timestamp.Sub(last).Seconds()

	var tw geom.Twist2d
	if speeds, ok := e.chassisSpeeds(in); ok {
		tw = geom.Twist2d{Dx: speeds.Vx * dt, Dy: speeds.Vy * dt, Dtheta: speeds.Omega * dt}
	} else if in.Gyro == nil {
		e.log.Warnw("too few healthy modules for odometry; pose frozen")
	}

	if in.Gyro != nil {
		if e.haveGyro {
			heading := in.Gyro.Plus(e.gyroOffset)
			tw.Dtheta = heading.Minus(e.pose.Rotation).Radians()
		}
	} else {
		e.haveGyro = false
	}

	e.pose = e.pose.Exp(tw)
	e.latchGyro(in.Gyro)
	e.record(in.Timestamp)
	return e.pose
}

func (e *Estimator) latchGyro(gyro *geom.Rotation2d) {
	if gyro == nil || e.haveGyro {
		return
	}
	e.gyroOffset = e.pose.Rotation.Minus(*gyro)
	e.haveGyro = true
}

// chassisSpeeds solves forward kinematics over the healthy modules only.
func (e *Estimator) chassisSpeeds(in OdometryInput) (kinematics.ChassisSpeeds, bool) {
	if in.Healthy == nil {
		return e.kin.ToChassisSpeeds(in.States), true
	}
	var mask uint
	var states []kinematics.ModuleState
	for i, ok := range in.Healthy {
		if ok && i < len(in.States) {
			mask |= 1 << uint(i)
			states = append(states, in.States[i])
		}
	}
	if mask == 1<<uint(e.kin.NumModules())-1 {
		return e.kin.ToChassisSpeeds(states), true
	}
	if bits.OnesCount(mask) < 2 {
		return kinematics.ChassisSpeeds{}, false
	}
	kin, ok := e.partial[mask]
	if !ok {
		var positions []geom.Translation2d
		for i, p := range e.kin.Modules() {
			if mask&(1<<uint(i)) != 0 {
				positions = append(positions, p)
			}
		}
		var err error
		kin, err = kinematics.New(positions...)
		if err != nil {
			e.log.Warnw("no odometry solution for healthy modules", "mask", mask, "error", err)
			return kinematics.ChassisSpeeds{}, false
		}
		e.partial[mask] = kin
	}
	return kin.ToChassisSpeeds(states), true
}

func (e *Estimator) record(t time.Time) {
	if t.IsZero() {
		return
	}
	e.history = append(e.history, sample{t: t, pose: e.pose})
	cutoff := t.Add(-e.window)
	drop := 0
	for drop < len(e.history)-1 && e.history[drop].t.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		e.history = append(e.history[:0], e.history[drop:]...)
	}
}

// AddVisionMeasurement blends m into the pose history at m's capture time
// and replays the odometry recorded since.  A measurement newer than the
// latest odometry is applied to the latest pose.
func (e *Estimator) AddVisionMeasurement(m vision.Measurement) error {
	if !m.Valid {
		return errors.Wrapf(ErrVisionRejected, "invalid measurement from %s", m.Source)
	}
	if e.fieldSet && !e.onField(m.Pose.Translation) {
		return errors.Wrapf(ErrVisionRejected, "%s is off the field", m.Pose)
	}
	if len(e.history) == 0 || m.Timestamp.Before(e.history[0].t) {
		return errors.Wrapf(ErrStaleVision, "measurement from %s at %s", m.Source, m.Timestamp.Format("15:04:05.000"))
	}
	confidence := angle.Clamp(m.Confidence, 0, 1)
	if confidence == 0 {
		return nil
	}

	i, exact := slices.BinarySearchFunc(e.history, m.Timestamp, func(s sample, t time.Time) int {
		return s.t.Compare(t)
	})

	var base geom.Pose2d
	switch {
	case i == len(e.history):
		i = len(e.history) - 1
		base = e.history[i].pose
	case exact:
		base = e.history[i].pose
	default:
		// history[0].t <= m.Timestamp, so i > 0 here.
		before, after := e.history[i-1], e.history[i]
		f := float64(m.Timestamp.Sub(before.t)) / float64(after.t.Sub(before.t))
		base = before.pose.Interpolate(after.pose, f)
		e.history = slices.Insert(e.history, i, sample{t: m.Timestamp, pose: base})
	}

	corrected := base.Interpolate(m.Pose, confidence)
	for j := i; j < len(e.history); j++ {
		since := geom.TransformBetween(base, e.history[j].pose)
		e.history[j].pose = corrected.TransformBy(since)
	}

	newPose := e.history[len(e.history)-1].pose
	e.gyroOffset = e.gyroOffset.Plus(newPose.Rotation.Minus(e.pose.Rotation))
	e.pose = newPose
	return nil
}

func (e *Estimator) onField(t geom.Translation2d) bool {
	m := e.fieldMarginMeters
	return t.X >= -m && t.Y >= -m && t.X <= e.fieldMax.X+m && t.Y <= e.fieldMax.Y+m
}

// HistoryLen is the number of poses currently retained.
func (e *Estimator) HistoryLen() int {
	return len(e.history)
}
