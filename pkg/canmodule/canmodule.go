// Package canmodule drives swerve modules whose motor controllers and
// absolute encoders sit on a SocketCAN bus.
//
// Frame layout (standard 11-bit ids, little-endian payloads):
//
//	0x200+motor   voltage command   [enable][int16 millivolts]
//	0x280+motor   motor status      [int32 milli-revolutions per second]
//	0x300+encoder absolute position [uint16 counts of 4096 per turn][magnet fault]
package canmodule

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/go-daq/canbus"
	"github.com/pkg/errors"

	"github.com/tigerbot-team/swervebot/pkg/angle"
	"github.com/tigerbot-team/swervebot/pkg/chassis"
	"github.com/tigerbot-team/swervebot/pkg/hardware"
)

const (
	CanIDVoltageBase = 0x200
	CanIDStatusBase  = 0x280
	CanIDEncoderBase = 0x300

	EncoderCountsPerTurn = 4096

	maxMillivolts = math.MaxInt16
)

type Sender interface {
	Send(msg canbus.Frame) (int, error)
}

type Receiver interface {
	Recv() (canbus.Frame, error)
}

// Bus demultiplexes feedback frames to modules and sends their commands.
type Bus struct {
	tx     Sender
	rx     Receiver
	closer func() error
	logger golog.Logger
	clock  func() time.Time

	lock      sync.Mutex
	byStatus  map[uint32]*Module
	byEncoder map[uint32]*Module
}

// Open binds separate send and receive sockets to the named CAN interface.
func Open(channel string, logger golog.Logger) (*Bus, error) {
	socketSend, err := canbus.New()
	if err != nil {
		return nil, errors.Wrap(err, "creating CAN send socket")
	}
	if err := socketSend.Bind(channel); err != nil {
		socketSend.Close()
		return nil, errors.Wrapf(err, "binding CAN send socket to %s", channel)
	}
	socketRecv, err := canbus.New()
	if err != nil {
		socketSend.Close()
		return nil, errors.Wrap(err, "creating CAN receive socket")
	}
	if err := socketRecv.Bind(channel); err != nil {
		socketSend.Close()
		socketRecv.Close()
		return nil, errors.Wrapf(err, "binding CAN receive socket to %s", channel)
	}
	b := NewBus(socketSend, socketRecv, logger)
	b.closer = func() error {
		errSend := socketSend.Close()
		if err := socketRecv.Close(); err != nil {
			return err
		}
		return errSend
	}
	return b, nil
}

func NewBus(tx Sender, rx Receiver, logger golog.Logger) *Bus {
	return &Bus{
		tx:        tx,
		rx:        rx,
		logger:    logger,
		clock:     time.Now,
		byStatus:  map[uint32]*Module{},
		byEncoder: map[uint32]*Module{},
	}
}

// AddModule registers a module's CAN ids.
func (b *Bus) AddModule(mc chassis.ModuleConfig, metersPerMotorRev float64) *Module {
	m := &Module{
		bus:               b,
		cfg:               mc,
		metersPerMotorRev: metersPerMotorRev,
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	b.byStatus[CanIDStatusBase+mc.WheelMotorID] = m
	b.byEncoder[CanIDEncoderBase+mc.EncoderID] = m
	return m
}

// ModulesFromConfig registers all of cfg's modules, in order.
func (b *Bus) ModulesFromConfig(cfg chassis.Config) []hardware.ModuleIO {
	var ios []hardware.ModuleIO
	for _, mc := range cfg.Modules {
		ios = append(ios, b.AddModule(mc, cfg.WheelMetersPerMotorRev()))
	}
	return ios
}

// Loop receives frames until ctx is done or the socket fails.  Recv blocks,
// so cancelling ctx closes the bus to unblock it.
func (b *Bus) Loop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	defer b.logger.Info("CAN receive loop exited")

	context.AfterFunc(ctx, func() {
		if err := b.Close(); err != nil {
			b.logger.Warnw("closing CAN bus", "error", err)
		}
	})

	for ctx.Err() == nil {
		frame, err := b.rx.Recv()
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Errorw("CAN receive failed", "error", err)
			}
			return
		}
		b.HandleFrame(frame)
	}
}

func (b *Bus) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer()
}

// HandleFrame updates whichever module the frame belongs to; frames for
// unknown ids are ignored.
func (b *Bus) HandleFrame(f canbus.Frame) {
	now := b.clock()
	b.lock.Lock()
	defer b.lock.Unlock()

	if m, ok := b.byStatus[f.ID]; ok {
		if len(f.Data) < 4 {
			b.logger.Debugw("short status frame", "id", f.ID, "data", f.Data)
			return
		}
		milliRevs := int32(binary.LittleEndian.Uint32(f.Data[0:4]))
		m.speedMPS = float64(milliRevs) / 1000 * m.metersPerMotorRev
		m.speedTime = now
		return
	}
	if m, ok := b.byEncoder[f.ID]; ok {
		if len(f.Data) < 3 {
			b.logger.Debugw("short encoder frame", "id", f.ID, "data", f.Data)
			return
		}
		counts := binary.LittleEndian.Uint16(f.Data[0:2]) % EncoderCountsPerTurn
		m.angleRad = angle.Wrap(float64(counts) / EncoderCountsPerTurn * 2 * math.Pi)
		m.magnetFault = f.Data[2] != 0
		m.angleTime = now
	}
}

func (b *Bus) send(motorID uint32, volts float64) {
	frame := voltageFrame(motorID, volts)
	if _, err := b.tx.Send(frame); err != nil {
		b.logger.Errorw("voltage command TX error", "motor", motorID, "error", err)
	}
}

func voltageFrame(motorID uint32, volts float64) canbus.Frame {
	mv := angle.ClampMagnitude(math.Round(volts*1000), maxMillivolts)
	frame := canbus.Frame{
		ID:   CanIDVoltageBase + motorID,
		Data: make([]byte, 3),
		Kind: canbus.SFF,
	}
	frame.Data[0] = 1
	binary.LittleEndian.PutUint16(frame.Data[1:3], uint16(int16(mv)))
	return frame
}

// Module is one swerve module's view of the bus.
type Module struct {
	bus               *Bus
	cfg               chassis.ModuleConfig
	metersPerMotorRev float64

	// Guarded by bus.lock.
	speedMPS    float64
	speedTime   time.Time
	angleRad    float64
	angleTime   time.Time
	magnetFault bool
}

var _ hardware.ModuleIO = (*Module)(nil)

// ReadFeedback reports the module connected once both its motor and encoder
// have been heard from; the timestamp is that of the older of the two.
func (m *Module) ReadFeedback() hardware.ModuleFeedback {
	m.bus.lock.Lock()
	defer m.bus.lock.Unlock()

	ts := m.speedTime
	if m.angleTime.Before(ts) {
		ts = m.angleTime
	}
	return hardware.ModuleFeedback{
		WheelSpeedMPS:    m.speedMPS,
		AbsoluteAngleRad: m.angleRad,
		Timestamp:        ts,
		Connected:        !m.speedTime.IsZero() && !m.angleTime.IsZero() && !m.magnetFault,
	}
}

func (m *Module) SetVoltages(wheel, azimuth float64) {
	m.bus.send(m.cfg.WheelMotorID, wheel)
	m.bus.send(m.cfg.AzimuthMotorID, azimuth)
}
