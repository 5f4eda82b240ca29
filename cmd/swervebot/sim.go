package main

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/tigerbot-team/swervebot/pkg/chassis"
	"github.com/tigerbot-team/swervebot/pkg/drive"
	"github.com/tigerbot-team/swervebot/pkg/geom"
	"github.com/tigerbot-team/swervebot/pkg/hardware"
	"github.com/tigerbot-team/swervebot/pkg/kinematics"
	"github.com/tigerbot-team/swervebot/pkg/screen"
	"github.com/tigerbot-team/swervebot/pkg/vision"
)

type SimCmd struct {
	Vision        bool          `default:"true" negatable:"" help:"Feed simulated camera fixes."`
	VisionPeriod  time.Duration `default:"100ms" help:"Time between camera fixes."`
	VisionLatency time.Duration `default:"60ms" help:"Capture-to-delivery delay of camera fixes."`
	VisionNoise   float64       `default:"0.02" help:"Standard deviation of camera position noise, metres."`
	StartError    float64       `default:"0.25" help:"Offset of the true start pose from the configured one, metres."`
	Seed          int64         `default:"1"`
	Trace         string        `type:"path" help:"Write a PNG of the estimated and true paths."`
}

// step is one leg of the scripted scenario.
type step struct {
	name  string
	until time.Duration
	apply func(d *drive.Drivetrain)
}

func scenario(cfg chassis.Config) []step {
	corner := cfg.ModuleTranslations()[chassis.FL]
	return []step{
		{"forward", 2 * time.Second, func(d *drive.Drivetrain) {
			d.SetChassisVelocity(kinematics.ChassisSpeeds{Vx: 1})
		}},
		{"field-relative strafe while turning", 4 * time.Second, func(d *drive.Drivetrain) {
			d.SetFieldRelativeVelocity(0, 1, math.Pi/4)
		}},
		{"pivot about front left", 5 * time.Second, func(d *drive.Drivetrain) {
			d.SetChassisVelocityAbout(kinematics.ChassisSpeeds{Omega: 1}, corner)
		}},
		{"lock", 5500 * time.Millisecond, func(d *drive.Drivetrain) {
			d.LockModules()
		}},
		{"settle", 7 * time.Second, func(d *drive.Drivetrain) {
			d.Stop()
		}},
	}
}

func (c *SimCmd) Run(cctx *Context) error {
	cfg, logger := cctx.cfg, cctx.logger

	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	sim, err := hardware.NewSimDrivetrain(cfg, clock)
	if err != nil {
		return err
	}
	start := cfg.StartingPose()
	sim.SetTruePose(geom.Pose2d{
		Translation: start.Translation.Plus(geom.Translation2d{X: c.StartError, Y: -c.StartError}),
		Rotation:    start.Rotation,
	})
	d, err := drive.New(cfg, sim.ModuleIOs(), logger.Named("drive"), drive.WithClock(clock), drive.WithGyro(sim.Gyro()))
	if err != nil {
		return err
	}

	vs := newVisionSim(vision.CamerasFromConfig(cfg), c.VisionNoise, c.VisionLatency, c.Seed)
	var trace screen.Trace
	begin := now
	lastVision := now
	current := ""
	for _, s := range scenario(cfg) {
		for now.Sub(begin) < s.until {
			if s.name != current {
				logger.Infow("Scenario step", "step", s.name, "t", now.Sub(begin))
				current = s.name
			}
			s.apply(d)
			now = now.Add(cfg.LoopPeriod)
			d.RunCycle(now)

			truth := sim.TruePose()
			vs.record(now, truth)
			trace.Add(d.GetPose(), truth)
			if c.Vision && now.Sub(lastVision) >= c.VisionPeriod {
				lastVision = now
				if m, ok := vs.measure(now); ok {
					d.SubmitVision(m)
					trace.AddVision(m.Pose)
				}
			}
		}
	}
	// One more cycle so the last fix is drained.
	now = now.Add(cfg.LoopPeriod)
	d.RunCycle(now)

	est, truth := d.GetPose(), sim.TruePose()
	h := d.Health()
	fmt.Printf("estimated %s\n", est)
	fmt.Printf("truth     %s\n", truth)
	fmt.Printf("error     %.3f m, %.2f°\n",
		est.Translation.Distance(truth.Translation), est.Rotation.Minus(truth.Rotation).Degrees())
	fmt.Printf("cycles=%d vision applied=%d stale=%d rejected=%d dropped=%d\n",
		h.Cycles, h.VisionApplied, h.VisionStale, h.VisionRejected, h.VisionDropped)

	if c.Trace != "" {
		if err := trace.RenderTrace(c.Trace, cfg.FieldLengthM, cfg.FieldWidthM); err != nil {
			return err
		}
		logger.Infow("Wrote trace", "path", c.Trace)
	}
	return nil
}

type timedPose struct {
	t    time.Time
	pose geom.Pose2d
}

// visionSim plays the part of the camera pipeline: it remembers where the
// robot really was and reports noisy, delayed fixes of it.
type visionSim struct {
	cams    []vision.Camera
	latency time.Duration

	positionNoise, headingNoise distuv.Normal
	tagDistance, ambiguity      distuv.Uniform

	next    int
	history []timedPose
}

func newVisionSim(cams []vision.Camera, noiseM float64, latency time.Duration, seed int64) *visionSim {
	src := rand.NewSource(uint64(seed))
	return &visionSim{
		cams:          cams,
		latency:       latency,
		positionNoise: distuv.Normal{Sigma: noiseM, Src: src},
		headingNoise:  distuv.Normal{Sigma: noiseM / 2, Src: src},
		tagDistance:   distuv.Uniform{Min: 1, Max: 5, Src: src},
		ambiguity:     distuv.Uniform{Min: 0, Max: 0.3, Src: src},
	}
}

func (v *visionSim) record(t time.Time, truth geom.Pose2d) {
	v.history = append(v.history, timedPose{t: t, pose: truth})
	cutoff := t.Add(-v.latency - time.Second)
	i := 0
	for i < len(v.history) && v.history[i].t.Before(cutoff) {
		i++
	}
	v.history = v.history[i:]
}

// measure returns the fix a camera would deliver now, of a frame captured
// one latency ago.
func (v *visionSim) measure(now time.Time) (vision.Measurement, bool) {
	if len(v.cams) == 0 {
		return vision.Measurement{}, false
	}
	captured := now.Add(-v.latency)
	var truth *timedPose
	for i := range v.history {
		if v.history[i].t.After(captured) {
			break
		}
		truth = &v.history[i]
	}
	if truth == nil {
		return vision.Measurement{}, false
	}

	noisy := geom.NewPose2d(
		truth.pose.X()+v.positionNoise.Rand(),
		truth.pose.Y()+v.positionNoise.Rand(),
		truth.pose.Heading()+v.headingNoise.Rand(),
	)
	cam := v.cams[v.next%len(v.cams)]
	v.next++
	obs := cam.Observe(noisy, truth.t, v.tagDistance.Rand())
	obs.Ambiguity = v.ambiguity.Rand()
	return cam.Measure(obs), true
}

// Loop feeds fixes from a real-time simulation into d every visionPeriod.
func (v *visionSim) Loop(ctx context.Context, wg *sync.WaitGroup, sim *hardware.SimDrivetrain, d *drive.Drivetrain, period time.Duration) {
	defer wg.Done()
	const visionPeriod = 100 * time.Millisecond
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			v.record(now, sim.TruePose())
			if now.Sub(last) < visionPeriod {
				continue
			}
			last = now
			if m, ok := v.measure(now); ok {
				d.SubmitVision(m)
			}
		}
	}
}
