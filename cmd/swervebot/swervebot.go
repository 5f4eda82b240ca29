package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/alecthomas/kong"
	"github.com/edaniels/golog"

	"github.com/tigerbot-team/swervebot/pkg/chassis"
)

var CLI struct {
	ConfigFile string `name:"config" help:"Drivetrain YAML, overlaid on the built-in defaults." type:"path"`
	InUse      string `name:"in-use" help:"Where to write the effective config." default:"swervebot-in-use.yaml" type:"path"`
	Debug      bool   `help:"Log at debug level."`

	Drive  DriveCmd  `cmd:"" help:"Run the drivetrain from a gamepad."`
	Auto   AutoCmd   `cmd:"" help:"Drive a square through the mobile base interface, then lock."`
	Sim    SimCmd    `cmd:"" help:"Run a scripted scenario against the simulated drivetrain."`
	Config ConfigCmd `cmd:"" help:"Print the effective config."`
}

// Context is passed to each command's Run.
type Context struct {
	cfg    chassis.Config
	logger golog.Logger
}

type ConfigCmd struct{}

func (c *ConfigCmd) Run(ctx *Context) error {
	out, err := ctx.cfg.Marshal()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

func main() {
	kctx := kong.Parse(&CLI,
		kong.Name("swervebot"),
		kong.Description("Swerve drivetrain controller."),
		kong.UsageOnError(),
	)

	var logger golog.Logger
	if CLI.Debug {
		logger = golog.NewDebugLogger("swervebot")
	} else {
		logger = golog.NewDevelopmentLogger("swervebot")
	}
	logger.Debugw("Starting", "GOMAXPROCS", runtime.GOMAXPROCS(0))

	cfg := chassis.Default()
	if CLI.ConfigFile != "" {
		var err error
		cfg, err = chassis.Load(CLI.ConfigFile)
		kctx.FatalIfErrorf(err)
	}
	if CLI.InUse != "" && kctx.Command() != "config" {
		if err := chassis.WriteInUse(CLI.InUse, cfg); err != nil {
			logger.Warnw("Failed to write in-use config", "error", err)
		}
	}

	err := kctx.Run(&Context{cfg: cfg, logger: logger})
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
}
