// Package imu reads the yaw-rate gyro of an MPU-9250 class IMU over SPI or
// I2C and integrates it into a heading.
package imu

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"
	"periph.io/x/periph/host"
)

const (
	IMUAddr = 0x68

	RegSampleRateDiv = 25
	RegConfig        = 26
	RegGyroConf      = 27
	RegGyroYOffset   = 21
	RegFIFOEnable    = 35
	RegGyroY         = 69 // 16 bits
	RegUserCtl       = 106
	RegFIFOCount     = 114 // 16 bits
	RegFIFORW        = 116 // n-bytes

	GyroRange = 2 // 1000 dps

	// 1kHz DLPF output divided by (1+SampleRateDiv).
	sampleRateDivider = 9
	SampleRateHz      = 1000 / (1 + sampleRateDivider)
)

type Interface interface {
	Configure() error
	Calibrate() error
	ReadYawRaw() (int16, error)
	ReadFIFO() ([]int16, error)
	ResetFIFO() error
	DegreesPerLSB() float64
}

type port interface {
	// ReadReg reads len(buf) bytes from the device.
	ReadReg(reg byte, buf []byte) error
	WriteReg(reg byte, buf []byte) (err error)
}

type IMU struct {
	dev        port
	disableI2C bool
	logger     golog.Logger
}

var _ Interface = (*IMU)(nil)

func NewI2C(busName string, logger golog.Logger) (*IMU, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "initialising periph")
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, errors.Wrapf(err, "opening I2C bus %q", busName)
	}
	return &IMU{
		dev:    &I2CAdapter{d: &i2c.Dev{Addr: IMUAddr, Bus: bus}},
		logger: logger,
	}, nil
}

func NewSPI(portName string, logger golog.Logger) (*IMU, error) {
	// Make sure periph is initialized.
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "initialising periph")
	}

	// Use spireg SPI port registry to find the SPI bus.
	p, err := spireg.Open(portName)
	if err != nil {
		return nil, errors.Wrapf(err, "opening SPI port %q", portName)
	}

	// Convert the spi.Port into a spi.Conn so it can be used for communication.
	c, err := p.Connect(physic.KiloHertz*1000, spi.Mode3, 8)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to SPI port")
	}

	return &IMU{
		dev:        &SPIAdapter{c: c},
		disableI2C: true,
		logger:     logger,
	}, nil
}

type I2CAdapter struct {
	d *i2c.Dev
}

func (a *I2CAdapter) ReadReg(reg byte, buf []byte) error {
	return a.d.Tx([]byte{reg}, buf)
}

func (a *I2CAdapter) WriteReg(reg byte, buf []byte) error {
	return a.d.Tx(append([]byte{reg}, buf...), nil)
}

type SPIAdapter struct {
	c spi.Conn

	r, w []byte
}

const W = 0x00
const R = 0x80

func (s *SPIAdapter) ReadReg(reg byte, buf []byte) error {
	// The read and write buffers need to be as long as the whole transaction.
	bufLen := 1 + len(buf)
	s.ensureBuf(bufLen)
	// We write the address byte, then read back the response.
	s.w[0] = R | reg
	if err := s.c.Tx(s.w[:bufLen], s.r[:bufLen]); err != nil {
		return err
	}
	// The response will come back only after the first byte is sent, ignore the first byte that we read.
	copy(buf, s.r[1:bufLen])
	return nil
}

func (s *SPIAdapter) WriteReg(reg byte, buf []byte) error {
	bufLen := 1 + len(buf)
	s.ensureBuf(bufLen)
	s.w[0] = W | reg
	copy(s.w[1:], buf)
	return s.c.Tx(s.w[:bufLen], s.r[:bufLen])
}

func (s *SPIAdapter) ensureBuf(l int) {
	if len(s.r) < l {
		s.w = make([]byte, l)
		s.r = make([]byte, l)
		return
	}
	for i := 0; i < l; i++ {
		s.w[i] = 0
		s.r[i] = 0
	}
}

type regWrite struct {
	reg  byte
	val  byte
	what string
}

func (m *IMU) Configure() error {
	var writes []regWrite
	if m.disableI2C {
		writes = append(writes, regWrite{RegUserCtl, 0x10, "I2C disable"})
	}
	writes = append(writes,
		regWrite{RegGyroConf, GyroRange << 3, "gyro range"},
		// DLPF on, Fs=1kHz.
		regWrite{RegConfig, 1, "DLPF"},
		regWrite{RegSampleRateDiv, sampleRateDivider, "sample rate divider"},
		// Only gyro Y goes to the FIFO; it's the yaw axis as mounted.
		regWrite{RegFIFOEnable, 1 << 5, "FIFO enable"},
	)
	for _, w := range writes {
		if err := m.dev.WriteReg(w.reg, []byte{w.val}); err != nil {
			return errors.Wrapf(err, "setting %s", w.what)
		}
	}
	return nil
}

func (m *IMU) DegreesPerLSB() float64 {
	return 1000.0 / math.MaxInt16
}

// Calibrate measures the gyro's zero-rate bias with the robot stationary and
// loads it into the offset register.
func (m *IMU) Calibrate() error {
	m.logger.Info("Calibrating gyro")
	if err := m.dev.WriteReg(RegGyroYOffset, []byte{0, 0}); err != nil {
		return errors.Wrap(err, "clearing gyro offset")
	}

	// Let the filter settle.
	for i := 0; i < 100; i++ {
		if _, err := m.ReadYawRaw(); err != nil {
			return err
		}
	}

	var sum float64
	const n = 1000
	for i := 0; i < n; i++ {
		x, err := m.ReadYawRaw()
		if err != nil {
			return err
		}
		sum -= float64(x)
	}
	offset := sum / n
	// Offset register is in +-1000dps units at 4x the resolution of the
	// configured range.
	scaledOffset := int16(offset / 4 * math.Pow(2, GyroRange))
	m.logger.Infow("Gyro calibrated", "offset", offset, "register", scaledOffset)
	err := m.dev.WriteReg(RegGyroYOffset, []byte{byte(scaledOffset >> 8), byte(scaledOffset)})
	return errors.Wrap(err, "writing gyro offset")
}

func (m *IMU) ReadYawRaw() (int16, error) {
	return m.read16(RegGyroY)
}

func (m *IMU) ResetFIFO() error {
	return errors.Wrap(m.dev.WriteReg(RegUserCtl, []byte{1<<6 | 1<<2}), "resetting FIFO")
}

// ReadFIFO returns the queued raw samples, possibly none.
func (m *IMU) ReadFIFO() ([]int16, error) {
	count, err := m.read16(RegFIFOCount)
	if err != nil {
		return nil, err
	}
	count &= 0xfff
	count -= count % 2
	if count == 0 {
		return nil, nil
	}
	var buf [512]byte
	if int(count) > len(buf) {
		// Overflowed; the samples are no longer contiguous.
		return nil, errors.Errorf("FIFO overflow (%d bytes)", count)
	}
	if err := m.dev.ReadReg(RegFIFORW, buf[:count]); err != nil {
		return nil, errors.Wrap(err, "reading FIFO")
	}
	result := make([]int16, count/2)
	for i := range result {
		result[i] = int16(buf[i*2])<<8 | int16(buf[i*2+1])
	}
	return result, nil
}

func (m *IMU) read16(reg byte) (int16, error) {
	var buf [2]byte
	if err := m.dev.ReadReg(reg, buf[:]); err != nil {
		return 0, errors.Wrapf(err, "reading register %d", reg)
	}
	return int16(buf[0])<<8 | int16(buf[1]), nil
}
