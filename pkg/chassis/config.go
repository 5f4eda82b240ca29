package chassis

import (
	"fmt"
	"io/ioutil"
	"math"
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/tigerbot-team/swervebot/pkg/geom"
)

// Module indices.  Every per-module array in the drivetrain uses this order.
const (
	FL = iota
	FR
	BL
	BR

	NumModules = 4
)

var ModuleNames = [NumModules]string{"FL", "FR", "BL", "BR"}

var ErrInvalidConfig = errors.New("invalid drivetrain config")

type Gains struct {
	KP float64 `yaml:"kp"`
	KI float64 `yaml:"ki"`
	KD float64 `yaml:"kd"`

	// Feedforward, volts and volts per unit of setpoint.
	KS float64 `yaml:"ks"`
	KV float64 `yaml:"kv"`

	MaxIntegral float64 `yaml:"max_integral"`
}

type ModuleConfig struct {
	Name           string `yaml:"name"`
	WheelMotorID   uint32 `yaml:"wheel_motor_id"`
	AzimuthMotorID uint32 `yaml:"azimuth_motor_id"`
	EncoderID      uint32 `yaml:"encoder_id"`

	// Reading of the absolute encoder when the module points straight ahead.
	// Must be re-measured whenever the module is reassembled: put the robot on
	// blocks, zero these, square each module to the chassis by hand and read
	// the raw encoder values off the diagnostics.
	MountOffsetRad float64 `yaml:"mount_offset_rad"`
}

type CameraConfig struct {
	Name  string  `yaml:"name"`
	X     float64 `yaml:"x"`
	Y     float64 `yaml:"y"`
	Z     float64 `yaml:"z"`
	Roll  float64 `yaml:"roll"`
	Pitch float64 `yaml:"pitch"`
	Yaw   float64 `yaml:"yaw"`
}

type PoseConfig struct {
	X          float64 `yaml:"x"`
	Y          float64 `yaml:"y"`
	HeadingDeg float64 `yaml:"heading_deg"`
}

type TeleopConfig struct {
	Deadband             float64 `yaml:"deadband"`
	MaxTranslateFraction float64 `yaml:"max_translate_fraction"`
	MaxRotateFraction    float64 `yaml:"max_rotate_fraction"`
	SlowRotateFactor     float64 `yaml:"slow_rotate_factor"`

	// Heading the robot turns to while the snap button is held.
	SnapHeadingDeg float64 `yaml:"snap_heading_deg"`
}

// Config is the physical and tuning description of the drivetrain.  It is
// built once at startup and passed by value; nothing mutates it afterwards.
type Config struct {
	HalfTrackWidthM  float64 `yaml:"half_track_width_m"`
	WheelRadiusM     float64 `yaml:"wheel_radius_m"`
	WheelGearRatio   float64 `yaml:"wheel_gear_ratio"`
	AzimuthGearRatio float64 `yaml:"azimuth_gear_ratio"`

	MaxModuleSpeedMPS       float64 `yaml:"max_module_speed_mps"`
	MaxRotateSpeedRadPerSec float64 `yaml:"max_rotate_speed_rad_per_sec"`
	BatteryVoltage          float64 `yaml:"battery_voltage"`

	LoopPeriod      time.Duration `yaml:"loop_period"`
	FeedbackTimeout time.Duration `yaml:"feedback_timeout"`
	HistoryWindow   time.Duration `yaml:"history_window"`
	VisionInboxSize int           `yaml:"vision_inbox_size"`

	WheelGains   Gains `yaml:"wheel_gains"`
	AzimuthGains Gains `yaml:"azimuth_gains"`

	// Snap-to-heading: PID on heading plus the profile's rate limits.
	SnapGains              Gains   `yaml:"snap_gains"`
	SnapMaxRateRadPerSec   float64 `yaml:"snap_max_rate_rad_per_sec"`
	SnapMaxAccelRadPerSec2 float64 `yaml:"snap_max_accel_rad_per_sec2"`

	Modules []ModuleConfig `yaml:"modules"`
	Cameras []CameraConfig `yaml:"cameras"`

	FieldLengthM float64    `yaml:"field_length_m"`
	FieldWidthM  float64    `yaml:"field_width_m"`
	StartPose    PoseConfig `yaml:"start_pose"`

	Teleop TeleopConfig `yaml:"teleop"`
}

// Default returns the competition robot's constants: MK4i modules with L2
// gearing on a 23.75in square wheelbase.
func Default() Config {
	halfWidth := InchesToMeters(23.75 / 2.0)
	const wheelFudgeFactor = 0.9238 // Carpet roughtop scrub.
	maxSpeed := FeetToMeters(16.0)
	const batteryVoltage = 12.0
	return Config{
		HalfTrackWidthM:  halfWidth,
		WheelRadiusM:     InchesToMeters(4.0 / 2.0 * wheelFudgeFactor),
		WheelGearRatio:   6.75,
		AzimuthGearRatio: 12.8,

		MaxModuleSpeedMPS:       maxSpeed,
		MaxRotateSpeedRadPerSec: DegreesToRadians(360.0),
		BatteryVoltage:          batteryVoltage,

		LoopPeriod:      20 * time.Millisecond,
		FeedbackTimeout: 100 * time.Millisecond,
		HistoryWindow:   1500 * time.Millisecond,
		VisionInboxSize: 8,

		WheelGains: Gains{
			KP: 1.0,
			KS: 0.2,
			KV: batteryVoltage / maxSpeed,
		},
		AzimuthGains: Gains{
			KP: 8.0,
			KD: 0.1,
		},

		SnapGains:              Gains{KP: 4.0},
		SnapMaxRateRadPerSec:   math.Pi,
		SnapMaxAccelRadPerSec2: 2 * math.Pi,

		Modules: []ModuleConfig{
			{Name: "FL", WheelMotorID: 1, AzimuthMotorID: 2, EncoderID: 9, MountOffsetRad: -2.157},
			{Name: "FR", WheelMotorID: 3, AzimuthMotorID: 4, EncoderID: 11, MountOffsetRad: -1.575},
			{Name: "BL", WheelMotorID: 7, AzimuthMotorID: 8, EncoderID: 12, MountOffsetRad: -2.180},
			{Name: "BR", WheelMotorID: 5, AzimuthMotorID: 6, EncoderID: 13, MountOffsetRad: -0.803},
		},
		Cameras: []CameraConfig{
			{Name: "front", X: halfWidth, Z: 1.0},
			{Name: "rear", X: -halfWidth, Z: 1.0, Yaw: math.Pi},
		},

		FieldLengthM: FeetToMeters(54.0),
		FieldWidthM:  FeetToMeters(27.0),
		StartPose:    PoseConfig{X: 3, Y: 3},

		Teleop: TeleopConfig{
			Deadband:             0.1,
			MaxTranslateFraction: 0.9,
			MaxRotateFraction:    0.75,
			SlowRotateFactor:     0.5,
		},
	}
}

// Load overlays the YAML file at path onto the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteInUse records the effective config alongside the input so that what
// the robot actually ran with is never in doubt.
func WriteInUse(path string, cfg Config) error {
	out, err := cfg.Marshal()
	if err != nil {
		return err
	}
	return errors.Wrapf(ioutil.WriteFile(path, out, 0666), "writing config %s", path)
}

func (c Config) Marshal() ([]byte, error) {
	out, err := yaml.Marshal(&c)
	return out, errors.Wrap(err, "marshalling config")
}

func (c Config) Validate() error {
	positive := map[string]float64{
		"half_track_width_m":           c.HalfTrackWidthM,
		"wheel_radius_m":               c.WheelRadiusM,
		"wheel_gear_ratio":             c.WheelGearRatio,
		"azimuth_gear_ratio":           c.AzimuthGearRatio,
		"max_module_speed_mps":         c.MaxModuleSpeedMPS,
		"max_rotate_speed_rad_per_sec": c.MaxRotateSpeedRadPerSec,
		"battery_voltage":              c.BatteryVoltage,
		"loop_period":                  c.LoopPeriod.Seconds(),
		"feedback_timeout":             c.FeedbackTimeout.Seconds(),
		"history_window":               c.HistoryWindow.Seconds(),
		"field_length_m":               c.FieldLengthM,
		"field_width_m":                c.FieldWidthM,
		"snap_max_rate_rad_per_sec":    c.SnapMaxRateRadPerSec,
		"snap_max_accel_rad_per_sec2":  c.SnapMaxAccelRadPerSec2,
	}
	for name, v := range positive {
		if !(v > 0) {
			return errors.Wrapf(ErrInvalidConfig, "%s must be positive, got %v", name, v)
		}
	}
	if len(c.Modules) != NumModules {
		return errors.Wrapf(ErrInvalidConfig, "need exactly %d modules, got %d", NumModules, len(c.Modules))
	}
	if c.VisionInboxSize < 1 {
		return errors.Wrapf(ErrInvalidConfig, "vision_inbox_size must be at least 1, got %d", c.VisionInboxSize)
	}
	return nil
}

// ModuleTranslations is the module geometry table: each module's position
// relative to the robot centre, in FL, FR, BL, BR order.
func (c Config) ModuleTranslations() [NumModules]geom.Translation2d {
	h := c.HalfTrackWidthM
	return [NumModules]geom.Translation2d{
		FL: {X: h, Y: h},
		FR: {X: h, Y: -h},
		BL: {X: -h, Y: h},
		BR: {X: -h, Y: -h},
	}
}

// ModuleSensorOffset is the calibration applied to a module's raw absolute
// encoder reading.
type ModuleSensorOffset struct {
	Index          int
	MountOffsetRad float64
}

func (c Config) ModuleOffsets() [NumModules]ModuleSensorOffset {
	var offsets [NumModules]ModuleSensorOffset
	for i := range offsets {
		offsets[i] = ModuleSensorOffset{Index: i, MountOffsetRad: c.Modules[i].MountOffsetRad}
	}
	return offsets
}

// WheelMetersPerMotorRev converts wheel motor rotations to ground distance.
func (c Config) WheelMetersPerMotorRev() float64 {
	return 2 * math.Pi * c.WheelRadiusM / c.WheelGearRatio
}

func (c Config) StartingPose() geom.Pose2d {
	return geom.NewPose2d(c.StartPose.X, c.StartPose.Y, DegreesToRadians(c.StartPose.HeadingDeg))
}

func (c Config) ModuleName(i int) string {
	if i >= 0 && i < len(c.Modules) && c.Modules[i].Name != "" {
		return c.Modules[i].Name
	}
	if i >= 0 && i < NumModules {
		return ModuleNames[i]
	}
	return fmt.Sprintf("module%d", i)
}
