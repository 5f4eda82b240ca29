// Package ina219 reads the battery bus voltage and current from an INA219
// power monitor over I2C.
package ina219

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/host"
)

const (
	Addr1 = 0x41
	Addr2 = 0x44

	RegConfig      = 0
	RegShuntV      = 1
	RegBusV        = 2
	RegPower       = 3
	RegCurrent     = 4
	RegCalibration = 5

	BusVoltageLSB = 0.004
)

type Interface interface {
	Configure(shuntOhms float64, maxCurrent float64) error
	ReadBusVoltage() (float64, error)
	ReadCurrent() (float64, error)
	ReadPower() (float64, error)
}

type port interface {
	// ReadReg reads len(buf) bytes from the device.
	ReadReg(reg byte, buf []byte) error
	WriteReg(reg byte, buf []byte) (err error)
}

type i2cPort struct {
	d *i2c.Dev
}

func (p i2cPort) ReadReg(reg byte, buf []byte) error {
	return p.d.Tx([]byte{reg}, buf)
}

func (p i2cPort) WriteReg(reg byte, buf []byte) error {
	return p.d.Tx(append([]byte{reg}, buf...), nil)
}

type INA219 struct {
	currentLSB float64
	dev        port
	logger     golog.Logger
}

var _ Interface = (*INA219)(nil)

func NewI2C(busName string, addr uint16, logger golog.Logger) (*INA219, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "initialising periph")
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, errors.Wrapf(err, "opening I2C bus %q", busName)
	}
	return &INA219{
		dev:    i2cPort{d: &i2c.Dev{Addr: addr, Bus: bus}},
		logger: logger,
	}, nil
}

func (m *INA219) Configure(shuntOhms float64, maxCurrent float64) error {
	// Write Calibration register
	m.currentLSB = maxCurrent / (1 << 15)
	cval := CalculateCalibrationValue(m.currentLSB, shuntOhms)
	m.logger.Debugw("INA219 calibration", "value", cval)
	return errors.Wrap(m.dev.WriteReg(RegCalibration, []byte{byte(cval >> 8), byte(cval)}), "writing INA219 calibration")
}

func (m *INA219) ReadBusVoltage() (float64, error) {
	raw, err := m.read16(RegBusV)
	shifted := raw >> 3
	return float64(shifted) * BusVoltageLSB, err
}

func (m *INA219) ReadCurrent() (float64, error) {
	raw, err := m.read16(RegCurrent)
	return float64(int16(raw)) * m.currentLSB, err
}

func (m *INA219) ReadPower() (float64, error) {
	raw, err := m.read16(RegPower)
	return float64(raw) * m.currentLSB * 20, err
}

func (m *INA219) read16(reg byte) (uint16, error) {
	var buf [2]byte
	err := m.dev.ReadReg(reg, buf[:])
	return uint16(buf[0])<<8 | uint16(buf[1]), err
}

func CalculateCalibrationValue(currentLSB float64, shuntOhms float64) int16 {
	return int16(0.04096 / (currentLSB * shuntOhms))
}

// Monitor polls a sensor in the background so the latest battery voltage is
// always to hand.
type Monitor struct {
	sensor  Interface
	logger  golog.Logger
	lowVolt float64

	voltage atomic.Uint64 // float64 bits; 0 until the first good read
}

func NewMonitor(sensor Interface, lowVoltage float64, logger golog.Logger) *Monitor {
	return &Monitor{sensor: sensor, lowVolt: lowVoltage, logger: logger}
}

// BatteryVoltage is the last good reading, or 0 if there hasn't been one.
func (m *Monitor) BatteryVoltage() float64 {
	return math.Float64frombits(m.voltage.Load())
}

func (m *Monitor) Loop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	if err := m.sensor.Configure(0.1, 2.0); err != nil {
		m.logger.Errorw("Failed to configure INA219", "error", err)
		return
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	var warned bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		warned = m.poll(warned)
	}
}

// poll takes one reading and returns whether the low-battery warning is
// showing, so it is logged once per dip rather than every poll.
func (m *Monitor) poll(warned bool) bool {
	v, err := m.sensor.ReadBusVoltage()
	if err != nil {
		m.logger.Warnw("Failed to read bus voltage", "error", err)
		return warned
	}
	m.voltage.Store(math.Float64bits(v))
	low := v < m.lowVolt
	if low && !warned {
		m.logger.Warnw("Battery low", "volts", v)
	}
	return low
}
