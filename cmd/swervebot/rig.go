package main

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"

	"github.com/tigerbot-team/swervebot/pkg/bno08x"
	"github.com/tigerbot-team/swervebot/pkg/canmodule"
	"github.com/tigerbot-team/swervebot/pkg/chassis"
	"github.com/tigerbot-team/swervebot/pkg/drive"
	"github.com/tigerbot-team/swervebot/pkg/hardware"
	"github.com/tigerbot-team/swervebot/pkg/imu"
	"github.com/tigerbot-team/swervebot/pkg/vision"
)

// hardwareFlags picks the drivetrain's I/O for the commands that run the
// real-time loop.
type hardwareFlags struct {
	Hardware     string `enum:"sim,can,dummy" default:"sim" help:"Module I/O: sim, can or dummy (logs outputs, reports stationary)."`
	CANInterface string `name:"can-interface" default:"can0" help:"SocketCAN interface for --hardware=can."`
	IMU          string `name:"imu" enum:"none,spi,i2c,bno08x" default:"none" help:"Heading gyro."`
	IMUDevice    string `name:"imu-device" help:"SPI port, I2C bus or serial device for the IMU; empty picks the default."`
	IMUInverted  bool   `name:"imu-inverted" help:"IMU is mounted upside down."`
	SimVision    bool   `name:"sim-vision" default:"true" negatable:"" help:"Feed simulated camera fixes with --hardware=sim."`
}

// start builds the module I/O and gyro, then runs the drive loop (and, on
// the simulator, simulated vision) until ctx is done.
func (h *hardwareFlags) start(ctx context.Context, wg *sync.WaitGroup, cfg chassis.Config, logger golog.Logger) (*drive.Drivetrain, error) {
	var (
		modules []hardware.ModuleIO
		gyro    hardware.Gyro
		sim     *hardware.SimDrivetrain
	)
	switch h.Hardware {
	case "sim":
		var err error
		sim, err = hardware.NewSimDrivetrain(cfg, nil)
		if err != nil {
			return nil, err
		}
		sim.SetTruePose(cfg.StartingPose())
		modules = sim.ModuleIOs()
		gyro = sim.Gyro()
	case "can":
		bus, err := canmodule.Open(h.CANInterface, logger.Named("can"))
		if err != nil {
			return nil, err
		}
		modules = bus.ModulesFromConfig(cfg)
		wg.Add(1)
		go bus.Loop(ctx, wg)
	case "dummy":
		logger.Warn("Using dummy hardware")
		for i := 0; i < chassis.NumModules; i++ {
			modules = append(modules, hardware.NewDummy(cfg.ModuleName(i), logger.Named("dummy")))
		}
		gyro = hardware.NewDummy("gyro", logger.Named("dummy"))
	}

	if g, err := h.startIMU(ctx, wg, logger); err != nil {
		return nil, err
	} else if g != nil {
		gyro = g
	}

	var opts []drive.Option
	if gyro != nil {
		opts = append(opts, drive.WithGyro(gyro))
	}
	d, err := drive.New(cfg, modules, logger.Named("drive"), opts...)
	if err != nil {
		return nil, err
	}
	wg.Add(1)
	go d.Loop(ctx, wg)

	if sim != nil && h.SimVision {
		vs := newVisionSim(vision.CamerasFromConfig(cfg), 0.02, 60*time.Millisecond, 1)
		wg.Add(1)
		go vs.Loop(ctx, wg, sim, d, cfg.LoopPeriod)
	}
	return d, nil
}

func (h *hardwareFlags) startIMU(ctx context.Context, wg *sync.WaitGroup, logger golog.Logger) (hardware.Gyro, error) {
	switch h.IMU {
	case "spi", "i2c":
		var (
			m   *imu.IMU
			err error
		)
		if h.IMU == "spi" {
			m, err = imu.NewSPI(h.IMUDevice, logger.Named("imu"))
		} else {
			m, err = imu.NewI2C(h.IMUDevice, logger.Named("imu"))
		}
		if err != nil {
			return nil, err
		}
		g := imu.NewHeadingGyro(m, h.IMUInverted, logger.Named("imu"))
		wg.Add(1)
		go g.Loop(ctx, wg)
		return g, nil
	case "bno08x":
		b := bno08x.New(h.IMUDevice, logger.Named("bno08x"))
		wg.Add(1)
		go b.Loop(ctx, wg)
		return b, nil
	}
	return nil, nil
}
