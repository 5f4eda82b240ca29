package ina219

import (
	"testing"

	"github.com/edaniels/golog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePort struct {
	regs   map[byte]uint16
	writes map[byte][]byte
}

func newFakePort() *fakePort {
	return &fakePort{regs: map[byte]uint16{}, writes: map[byte][]byte{}}
}

func (f *fakePort) ReadReg(reg byte, buf []byte) error {
	v := f.regs[reg]
	buf[0], buf[1] = byte(v>>8), byte(v)
	return nil
}

func (f *fakePort) WriteReg(reg byte, buf []byte) error {
	f.writes[reg] = append([]byte(nil), buf...)
	return nil
}

func TestConfigureWritesCalibration(t *testing.T) {
	p := newFakePort()
	m := &INA219{dev: p, logger: golog.NewTestLogger(t)}
	require.NoError(t, m.Configure(0.1, 2.0))
	cval := CalculateCalibrationValue(2.0/(1<<15), 0.1)
	assert.Equal(t, []byte{byte(cval >> 8), byte(cval)}, p.writes[RegCalibration])
}

func TestReadings(t *testing.T) {
	p := newFakePort()
	m := &INA219{dev: p, logger: golog.NewTestLogger(t)}
	require.NoError(t, m.Configure(0.1, 2.0))

	// 12.5V is 3125 LSBs, stored above three status bits.
	p.regs[RegBusV] = 3125<<3 | 0b010
	v, err := m.ReadBusVoltage()
	require.NoError(t, err)
	assert.InDelta(t, 12.5, v, 1e-9)

	p.regs[RegCurrent] = 0xffff // -1 LSB
	i, err := m.ReadCurrent()
	require.NoError(t, err)
	assert.InDelta(t, -2.0/(1<<15), i, 1e-12)
}

func TestMonitor(t *testing.T) {
	p := newFakePort()
	sensor := &INA219{dev: p, logger: golog.NewTestLogger(t)}
	mon := NewMonitor(sensor, 11.5, golog.NewTestLogger(t))
	assert.Zero(t, mon.BatteryVoltage())

	p.regs[RegBusV] = 3125 << 3
	assert.False(t, mon.poll(false))
	assert.InDelta(t, 12.5, mon.BatteryVoltage(), 1e-9)

	p.regs[RegBusV] = 2750 << 3 // 11.0V
	assert.True(t, mon.poll(false))
	assert.InDelta(t, 11.0, mon.BatteryVoltage(), 1e-9)
}
