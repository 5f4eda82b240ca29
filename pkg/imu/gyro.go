package imu

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/edaniels/golog"

	"github.com/tigerbot-team/swervebot/pkg/hardware"
)

const (
	pollInterval = 10 * time.Millisecond
	staleAfter   = 100 * time.Millisecond
)

// HeadingGyro integrates the IMU's yaw rate in a background loop and serves
// the result as a hardware.Gyro.
type HeadingGyro struct {
	imu    Interface
	logger golog.Logger
	clock  func() time.Time
	// Sign applied to raw samples so that anticlockwise is positive.
	sign float64

	lock     sync.Mutex
	reading  hardware.GyroReading
	lastGood time.Time
}

var _ hardware.Gyro = (*HeadingGyro)(nil)

func NewHeadingGyro(imu Interface, inverted bool, logger golog.Logger) *HeadingGyro {
	sign := 1.0
	if inverted {
		sign = -1
	}
	return &HeadingGyro{imu: imu, logger: logger, clock: time.Now, sign: sign}
}

func (g *HeadingGyro) ReadGyro() hardware.GyroReading {
	g.lock.Lock()
	defer g.lock.Unlock()
	r := g.reading
	r.Connected = r.Connected && g.clock().Sub(g.lastGood) <= staleAfter
	return r
}

// Loop configures and calibrates the IMU, then drains its FIFO until ctx is
// done.  The robot must be stationary while it starts.
func (g *HeadingGyro) Loop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	defer g.logger.Info("IMU loop exited")

	if err := g.imu.Configure(); err != nil {
		g.logger.Errorw("Failed to configure IMU", "error", err)
		return
	}
	if err := g.imu.Calibrate(); err != nil {
		g.logger.Errorw("Failed to calibrate IMU", "error", err)
		return
	}
	if err := g.imu.ResetFIFO(); err != nil {
		g.logger.Errorw("Failed to reset IMU FIFO", "error", err)
		return
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := g.poll(); err != nil {
			g.logger.Warnw("IMU read failed", "error", err)
			g.markDisconnected()
			if err := g.imu.ResetFIFO(); err != nil {
				g.logger.Warnw("IMU FIFO reset failed", "error", err)
			}
		}
	}
}

func (g *HeadingGyro) poll() error {
	samples, err := g.imu.ReadFIFO()
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}
	g.integrate(samples, g.clock())
	return nil
}

func (g *HeadingGyro) integrate(samples []int16, now time.Time) {
	const dt = 1.0 / SampleRateHz
	radPerLSB := g.imu.DegreesPerLSB() * math.Pi / 180 * g.sign

	g.lock.Lock()
	defer g.lock.Unlock()
	for _, s := range samples {
		rate := float64(s) * radPerLSB
		g.reading.AngleRad += rate * dt
		g.reading.RateRadPerSec = rate
	}
	g.reading.Timestamp = now
	g.reading.Connected = true
	g.lastGood = now
}

func (g *HeadingGyro) markDisconnected() {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.reading.Connected = false
}
