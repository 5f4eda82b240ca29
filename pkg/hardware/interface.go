package hardware

import (
	"time"

	"github.com/pkg/errors"
)

var ErrDisconnected = errors.New("hardware disconnected")

// ModuleFeedback is the most recent sensor state of one swerve module.
type ModuleFeedback struct {
	// WheelSpeedMPS is the wheel surface speed, already converted from motor units.
	WheelSpeedMPS float64
	// AbsoluteAngleRad is the raw absolute encoder reading, before the mount
	// offset is removed.
	AbsoluteAngleRad float64
	Timestamp        time.Time
	Connected        bool
}

// ModuleIO is the hardware side of one swerve module.  Implementations must
// not block: ReadFeedback returns the latest cached values and SetVoltages
// is write-latest.
type ModuleIO interface {
	ReadFeedback() ModuleFeedback
	SetVoltages(wheel, azimuth float64)
}

type GyroReading struct {
	RateRadPerSec float64
	// AngleRad is the raw (unwrapped) heading, anticlockwise positive.
	AngleRad  float64
	Timestamp time.Time
	Connected bool
}

type Gyro interface {
	ReadGyro() GyroReading
}
