package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/tigerbot-team/swervebot/pkg/drive"
)

// AutoCmd drives a square through the mobile base interface and then locks
// the modules, as a bench check of odometry on the real loop.
type AutoCmd struct {
	hardwareFlags `embed:""`

	Side      float64       `default:"1.0" help:"Side of the square, metres."`
	Speed     float64       `default:"0.8" help:"Drive speed, m/s."`
	TurnSpeed float64       `name:"turn-speed" default:"90" help:"Turn rate at the corners, degrees/s."`
	Timeout   time.Duration `default:"30s" help:"Give up if the routine has not finished."`
}

func (c *AutoCmd) Run(cctx *Context) error {
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
	base := drive.NewBase(d, logger.Named("base"))
	defer base.Close()

	routineCtx, cancelRoutine := context.WithTimeout(ctx, c.Timeout)
	defer cancelRoutine()
	return driveSquare(routineCtx, base, c.Side, c.Speed, c.TurnSpeed, logger)
}

// driveSquare drives four sides turning left at each corner, so the robot
// should finish where it started.
func driveSquare(ctx context.Context, base *drive.Base, sideM, speedMPS, turnDegPerSec float64, logger golog.Logger) error {
	start, err := base.DoCommand(ctx, map[string]interface{}{"command": "pose"})
	if err != nil {
		return err
	}
	for i := 0; i < 4; i++ {
		logger.Infow("Driving side", "side", i)
		if err := base.MoveStraight(ctx, int(sideM*1000), speedMPS*1000, nil); err != nil {
			return errors.Wrapf(err, "side %d", i)
		}
		if err := base.Spin(ctx, 90, turnDegPerSec, nil); err != nil {
			return errors.Wrapf(err, "corner %d", i)
		}
	}
	if _, err := base.DoCommand(ctx, map[string]interface{}{"command": "lock"}); err != nil {
		return err
	}
	end, err := base.DoCommand(ctx, map[string]interface{}{"command": "pose"})
	if err != nil {
		return err
	}
	logger.Infow("Square complete",
		"startX", start["x"], "startY", start["y"], "startHeading", start["heading_deg"],
		"endX", end["x"], "endY", end["y"], "endHeading", end["heading_deg"])
	return nil
}
