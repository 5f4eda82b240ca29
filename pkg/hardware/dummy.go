package hardware

import (
	"time"

	"github.com/edaniels/golog"
)

// Dummy stands in for a module or gyro when running without hardware.  It
// reports a stationary, connected device and logs the outputs it is given.
type Dummy struct {
	Name   string
	Logger golog.Logger
}

var (
	_ ModuleIO = (*Dummy)(nil)
	_ Gyro     = (*Dummy)(nil)
)

func NewDummy(name string, logger golog.Logger) *Dummy {
	return &Dummy{Name: name, Logger: logger}
}

func (d *Dummy) ReadFeedback() ModuleFeedback {
	return ModuleFeedback{Timestamp: time.Now(), Connected: true}
}

func (d *Dummy) SetVoltages(wheel, azimuth float64) {
	d.Logger.Debugw("DHW: SetVoltages", "module", d.Name, "wheel", wheel, "azimuth", azimuth)
}

func (d *Dummy) ReadGyro() GyroReading {
	return GyroReading{Timestamp: time.Now(), Connected: true}
}
