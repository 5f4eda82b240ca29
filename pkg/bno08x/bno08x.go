// Package bno08x reads a BNO08x IMU in UART-RVC mode, where it streams
// fused yaw/pitch/roll and acceleration reports at 100Hz.
package bno08x

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.bug.st/serial"

	"github.com/tigerbot-team/swervebot/pkg/angle"
	"github.com/tigerbot-team/swervebot/pkg/hardware"
)

const DefaultSerialDevice = "/dev/ttyAMA0"

const ReportFrequency = 100
const ReportInterval = time.Second / ReportFrequency

const (
	packetLen  = 19
	staleAfter = 10 * ReportInterval
)

var ErrBadPacket = errors.New("bad BNO08x packet")

type IMUReport struct {
	Time   time.Time
	Index  uint8
	Yaw    int16 // centidegrees
	Pitch  int16
	Roll   int16
	XAccel int16
	YAccel int16
	ZAccel int16
}

func (i IMUReport) String() string {
	return fmt.Sprintf("[%02x] Y:%7.2f P:%7.2f R:%7.2f X:%7.2f Y:%7.2f Z:%7.2f",
		i.Index, float64(i.Yaw)/100.0, float64(i.Pitch)/100.0, float64(i.Roll)/100.0,
		float64(i.XAccel)/100.0, float64(i.YAccel)/100.0, float64(i.ZAccel)/100.0)
}

func (i IMUReport) YawDegrees() float64 {
	return float64(i.Yaw) / 100.0
}

// BNO08X keeps the latest report and an unwrapped heading built from the
// stream of yaw reports.
type BNO08X struct {
	device string
	logger golog.Logger
	clock  func() time.Time

	lock       sync.Mutex
	lastReport IMUReport
	reading    hardware.GyroReading
}

var _ hardware.Gyro = (*BNO08X)(nil)

func New(device string, logger golog.Logger) *BNO08X {
	if device == "" {
		device = DefaultSerialDevice
	}
	return &BNO08X{device: device, logger: logger, clock: time.Now}
}

func (b *BNO08X) CurrentReport() IMUReport {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.lastReport
}

// ReadGyro reports disconnected if no report has arrived recently.
func (b *BNO08X) ReadGyro() hardware.GyroReading {
	b.lock.Lock()
	defer b.lock.Unlock()
	r := b.reading
	r.Connected = !r.Timestamp.IsZero() && b.clock().Sub(r.Timestamp) <= staleAfter
	return r
}

// Loop reads reports until ctx is done, reopening the port after errors.
func (b *BNO08X) Loop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for ctx.Err() == nil {
		err := b.openAndLoop(ctx)
		if ctx.Err() != nil {
			return
		}
		b.logger.Warnw("BNO08X loop stopped; will retry", "error", err)
		time.Sleep(100 * time.Millisecond)
	}
}

func (b *BNO08X) openAndLoop(ctx context.Context) error {
	mode := &serial.Mode{
		BaudRate: 115200,
	}
	s, err := serial.Open(b.device, mode)
	if err != nil {
		return errors.Wrapf(err, "failed to open serial port %s", b.device)
	}
	defer s.Close()
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()
	return b.readReports(ctx, s)
}

func (b *BNO08X) readReports(ctx context.Context, r io.Reader) error {
	br := bufio.NewReader(r)
	buf := make([]byte, packetLen)
resync:
	b.logger.Debug("BNO08X Resync...")
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		head, err := br.Peek(2)
		if err != nil {
			return errors.Wrap(err, "failed to read from serial")
		}
		if bytes.Equal(head, []byte{0xaa, 0xaa}) {
			break
		}
		if _, err := br.Discard(1); err != nil {
			return errors.Wrap(err, "failed to read from serial")
		}
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := io.ReadFull(br, buf); err != nil {
			return errors.Wrap(err, "failed to read from serial")
		}
		report, err := decodePacket(buf)
		if err != nil {
			b.logger.Debugw("BNO08X lost sync", "error", err)
			goto resync
		}
		report.Time = b.clock()
		b.setReport(report)
	}
}

func decodePacket(buf []byte) (IMUReport, error) {
	if len(buf) != packetLen || !bytes.Equal(buf[:2], []byte{0xaa, 0xaa}) {
		return IMUReport{}, errors.Wrap(ErrBadPacket, "missing header")
	}
	var checksum uint8
	for _, b := range buf[2 : packetLen-1] {
		checksum += b
	}
	if buf[packetLen-1] != checksum {
		return IMUReport{}, errors.Wrapf(ErrBadPacket, "bad checksum %x != %x", buf[packetLen-1], checksum)
	}
	return IMUReport{
		Index:  buf[2],
		Yaw:    int16(binary.LittleEndian.Uint16(buf[3:5])),
		Pitch:  int16(binary.LittleEndian.Uint16(buf[5:7])),
		Roll:   int16(binary.LittleEndian.Uint16(buf[7:9])),
		XAccel: int16(binary.LittleEndian.Uint16(buf[9:11])),
		YAccel: int16(binary.LittleEndian.Uint16(buf[11:13])),
		ZAccel: int16(binary.LittleEndian.Uint16(buf[13:15])),
	}, nil
}

func (b *BNO08X) setReport(report IMUReport) {
	b.lock.Lock()
	defer b.lock.Unlock()

	yaw := report.YawDegrees() * math.Pi / 180
	if b.reading.Timestamp.IsZero() {
		b.reading.AngleRad = yaw
	} else {
		prev := b.reading.AngleRad
		b.reading.AngleRad = angle.Nearest(prev, yaw)
		if dt := report.Time.Sub(b.reading.Timestamp).Seconds(); dt > 0 {
			b.reading.RateRadPerSec = (b.reading.AngleRad - prev) / dt
		}
	}
	b.reading.Timestamp = report.Time
	b.lastReport = report
}
