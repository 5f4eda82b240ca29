package hardware

import (
	"sync"
	"time"

	"github.com/tigerbot-team/swervebot/pkg/angle"
	"github.com/tigerbot-team/swervebot/pkg/chassis"
	"github.com/tigerbot-team/swervebot/pkg/geom"
	"github.com/tigerbot-team/swervebot/pkg/kinematics"
)

const (
	simStep = time.Millisecond

	simWheelTimeConstant = 0.05 // seconds
	// Azimuth slew rate per applied volt.
	simAzimuthRadPerSecPerVolt = 2.0
)

// SimDrivetrain simulates the four modules and gyro of a swerve chassis.
// Physics advance lazily to the clock whenever any of its devices is read,
// so no separate stepping goroutine is needed.
type SimDrivetrain struct {
	lock  sync.Mutex
	clock func() time.Time
	last  time.Time

	kin     *kinematics.Kinematics
	modules []*SimModule
	gyro    *SimGyro

	truePose geom.Pose2d
}

type SimModule struct {
	sim         *SimDrivetrain
	mountOffset float64
	wheelKV     float64

	wheelVolts, azimuthVolts float64

	speed     float64
	azimuth   float64
	connected bool
}

type SimGyro struct {
	sim *SimDrivetrain

	rate, angle float64
	connected   bool
}

var (
	_ ModuleIO = (*SimModule)(nil)
	_ Gyro     = (*SimGyro)(nil)
)

func NewSimDrivetrain(cfg chassis.Config, clock func() time.Time) (*SimDrivetrain, error) {
	if clock == nil {
		clock = time.Now
	}
	translations := cfg.ModuleTranslations()
	kin, err := kinematics.New(translations[:]...)
	if err != nil {
		return nil, err
	}
	s := &SimDrivetrain{
		clock:    clock,
		last:     clock(),
		kin:      kin,
		truePose: cfg.StartingPose(),
	}
	for _, m := range cfg.Modules {
		s.modules = append(s.modules, &SimModule{
			sim:         s,
			mountOffset: m.MountOffsetRad,
			wheelKV:     cfg.WheelGains.KV,
			connected:   true,
		})
	}
	s.gyro = &SimGyro{sim: s, connected: true}
	return s, nil
}

func (s *SimDrivetrain) Module(i int) *SimModule {
	return s.modules[i]
}

func (s *SimDrivetrain) ModuleIOs() []ModuleIO {
	var ios []ModuleIO
	for _, m := range s.modules {
		ios = append(ios, m)
	}
	return ios
}

func (s *SimDrivetrain) Gyro() *SimGyro {
	return s.gyro
}

// TruePose is the simulated ground truth, for generating vision fixes and
// checking the estimator.
func (s *SimDrivetrain) TruePose() geom.Pose2d {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.advance()
	return s.truePose
}

func (s *SimDrivetrain) SetTruePose(p geom.Pose2d) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.advance()
	s.truePose = p
}

// advance must be called with the lock held.
func (s *SimDrivetrain) advance() {
	now := s.clock()
	for s.last.Before(now) {
		step := simStep
		if remaining := now.Sub(s.last); remaining < step {
			step = remaining
		}
		s.step(step.Seconds())
		s.last = s.last.Add(step)
	}
}

func (s *SimDrivetrain) step(dt float64) {
	states := make([]kinematics.ModuleState, len(s.modules))
	for i, m := range s.modules {
		target := 0.0
		if m.wheelKV > 0 {
			target = m.wheelVolts / m.wheelKV
		}
		m.speed += (target - m.speed) * dt / simWheelTimeConstant
		m.azimuth += m.azimuthVolts * simAzimuthRadPerSecPerVolt * dt
		states[i] = kinematics.ModuleState{SpeedMPS: m.speed, Angle: m.azimuth}
	}
	speeds := s.kin.ToChassisSpeeds(states)
	s.gyro.rate = speeds.Omega
	s.gyro.angle += speeds.Omega * dt
	s.truePose = s.truePose.Exp(geom.Twist2d{
		Dx:     speeds.Vx * dt,
		Dy:     speeds.Vy * dt,
		Dtheta: speeds.Omega * dt,
	})
}

func (m *SimModule) ReadFeedback() ModuleFeedback {
	m.sim.lock.Lock()
	defer m.sim.lock.Unlock()
	m.sim.advance()
	return ModuleFeedback{
		WheelSpeedMPS:    m.speed,
		AbsoluteAngleRad: angle.Wrap(m.azimuth + m.mountOffset),
		Timestamp:        m.sim.last,
		Connected:        m.connected,
	}
}

func (m *SimModule) SetVoltages(wheel, azimuth float64) {
	m.sim.lock.Lock()
	defer m.sim.lock.Unlock()
	m.sim.advance()
	m.wheelVolts = wheel
	m.azimuthVolts = azimuth
}

func (m *SimModule) SetConnected(connected bool) {
	m.sim.lock.Lock()
	defer m.sim.lock.Unlock()
	m.connected = connected
}

// SetAzimuth teleports the module, for testing offset handling.
func (m *SimModule) SetAzimuth(rad float64) {
	m.sim.lock.Lock()
	defer m.sim.lock.Unlock()
	m.azimuth = rad
}

func (m *SimModule) Voltages() (wheel, azimuth float64) {
	m.sim.lock.Lock()
	defer m.sim.lock.Unlock()
	return m.wheelVolts, m.azimuthVolts
}

func (g *SimGyro) ReadGyro() GyroReading {
	g.sim.lock.Lock()
	defer g.sim.lock.Unlock()
	g.sim.advance()
	return GyroReading{
		RateRadPerSec: g.rate,
		AngleRad:      g.angle,
		Timestamp:     g.sim.last,
		Connected:     g.connected,
	}
}

func (g *SimGyro) SetConnected(connected bool) {
	g.sim.lock.Lock()
	defer g.sim.lock.Unlock()
	g.connected = connected
}
