// offsetcal measures each module's mount offset.  Put the robot on blocks,
// square every module to the chassis by hand with the bevel gears facing
// left, then press enter.
package main

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/alecthomas/kong"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/tigerbot-team/swervebot/pkg/angle"
	"github.com/tigerbot-team/swervebot/pkg/canmodule"
	"github.com/tigerbot-team/swervebot/pkg/chassis"
	"github.com/tigerbot-team/swervebot/pkg/hardware"
)

var CLI struct {
	ConfigFile   string        `name:"config" help:"Drivetrain YAML, overlaid on the built-in defaults." type:"path"`
	CANInterface string        `name:"can-interface" default:"can0"`
	SampleFor    time.Duration `name:"sample-for" default:"1s" help:"How long to average each module's encoder."`
}

func main() {
	kctx := kong.Parse(&CLI, kong.Name("offsetcal"))
	logger := golog.NewDevelopmentLogger("offsetcal")

	cfg := chassis.Default()
	if CLI.ConfigFile != "" {
		var err error
		cfg, err = chassis.Load(CLI.ConfigFile)
		kctx.FatalIfErrorf(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	bus, err := canmodule.Open(CLI.CANInterface, logger.Named("can"))
	kctx.FatalIfErrorf(err)
	modules := bus.ModulesFromConfig(cfg)
	wg.Add(1)
	go bus.Loop(ctx, &wg)

	fmt.Println("Square all modules to the chassis, then press enter.")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return
	}

	offsets, err := measure(ctx, modules, CLI.SampleFor, 10*time.Millisecond)
	kctx.FatalIfErrorf(err)

	for i := range cfg.Modules {
		fmt.Printf("%s: %.3f rad (was %.3f)\n", cfg.ModuleName(i), offsets[i], cfg.Modules[i].MountOffsetRad)
		cfg.Modules[i].MountOffsetRad = math.Round(offsets[i]*1000) / 1000
	}
	out, err := yaml.Marshal(map[string]interface{}{"modules": cfg.Modules})
	kctx.FatalIfErrorf(err)
	fmt.Printf("\n%s", out)
}

// measure averages each module's raw absolute angle over d.  The raw angle
// of a squared module is exactly its mount offset.
func measure(ctx context.Context, modules []hardware.ModuleIO, d, interval time.Duration) ([]float64, error) {
	samples := make([][]float64, len(modules))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.After(d)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			offsets := make([]float64, len(modules))
			for i, s := range samples {
				if len(s) == 0 {
					return nil, errors.Wrapf(hardware.ErrDisconnected, "module %d never reported", i)
				}
				offsets[i] = circularMean(s)
			}
			return offsets, nil
		case <-ticker.C:
			for i, m := range modules {
				if fb := m.ReadFeedback(); fb.Connected {
					samples[i] = append(samples[i], fb.AbsoluteAngleRad)
				}
			}
		}
	}
}

// circularMean averages angles without being thrown by the wrap at ±π.
func circularMean(angles []float64) float64 {
	var s, c float64
	for _, a := range angles {
		s += math.Sin(a)
		c += math.Cos(a)
	}
	return angle.Wrap(math.Atan2(s, c))
}
