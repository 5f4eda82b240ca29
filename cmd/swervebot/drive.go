package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/tigerbot-team/swervebot/pkg/ina219"
	"github.com/tigerbot-team/swervebot/pkg/joystick"
	"github.com/tigerbot-team/swervebot/pkg/screen"
	"github.com/tigerbot-team/swervebot/pkg/teleop"
)

type DriveCmd struct {
	hardwareFlags `embed:""`

	Joystick   string `env:"JOYSTICK_DEVICE" default:"/dev/input/js0" help:"Gamepad device."`
	Screen     string `default:"/dev/fb1" help:"Status framebuffer."`
	BatteryBus string `name:"battery-bus" help:"I2C bus of the INA219 battery monitor; empty disables it."`
}

func (c *DriveCmd) Run(cctx *Context) error {
	cfg, logger := cctx.cfg, cctx.logger

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	d, err := c.start(ctx, &wg, cfg, logger)
	if err != nil {
		return err
	}

	var battery screen.Battery
	if c.BatteryBus != "" {
		sensor, err := ina219.NewI2C(c.BatteryBus, ina219.Addr1, logger.Named("ina219"))
		if err != nil {
			return err
		}
		mon := ina219.NewMonitor(sensor, cfg.BatteryVoltage*0.95, logger.Named("battery"))
		wg.Add(1)
		go mon.Loop(ctx, &wg)
		battery = mon
	}

	wg.Add(1)
	go screen.LoopUpdatingScreen(ctx, &wg, c.Screen, d, battery, logger.Named("screen"))

	j, err := openJoystick(ctx, c.Joystick, logger)
	if err != nil {
		return err
	}
	defer j.Close()
	joystickEvents := make(chan *joystick.Event)
	wg.Add(1)
	go j.Loop(ctx, &wg, joystickEvents)

	mode := teleop.New(d, cfg, logger.Named("teleop"))
	logger.Infow("Starting mode", "mode", mode.Name())
	mode.Start(ctx)
	defer mode.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Context done, shutting down")
			return nil
		case event, ok := <-joystickEvents:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				logger.Errorw("Joystick failed", "error", j.Err())
				return j.Err()
			}
			mode.OnJoystickEvent(event)
		}
	}
}

// openJoystick retries until the gamepad appears, since it often pairs after
// the robot boots.
func openJoystick(ctx context.Context, device string, logger golog.Logger) (*joystick.Joystick, error) {
	for {
		j, err := joystick.NewJoystick(device)
		if err == nil {
			logger.Infow("Opened joystick", "device", device)
			return j, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warnw("Failed to open joystick", "device", device, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
