// Package screen renders drivetrain status to the robot's 128x128 RGB565
// framebuffer, and draws pose traces for offline inspection.
package screen

import (
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/fogleman/gg"
	"github.com/pkg/errors"

	"github.com/tigerbot-team/swervebot/pkg/drive"
	"github.com/tigerbot-team/swervebot/pkg/geom"
	"github.com/tigerbot-team/swervebot/pkg/swervemodule"
)

const (
	S = 128

	DefaultDevice = "/dev/fb1"
)

// Status is what the screen shows; the drive supervisor provides it.
type Status interface {
	GetPose() geom.Pose2d
	ModuleDiagnostics() []swervemodule.Diagnostics
	Health() drive.Health
}

// Battery is optional; without one no power bar is drawn.
type Battery interface {
	BatteryVoltage() float64
}

func LoopUpdatingScreen(ctx context.Context, wg *sync.WaitGroup, device string, status Status, battery Battery, logger golog.Logger) {
	defer wg.Done()
	f, err := os.OpenFile(device, os.O_RDWR, 0666)
	if err != nil {
		logger.Warnw("Failed to open screen, ignoring", "device", device, "error", err)
		return
	}
	defer f.Close()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			var blank [S * S * 2]byte
			_, _ = f.WriteAt(blank[:], 0)
			return
		case <-ticker.C:
		}
		buf := ToRGB565(Render(status, battery).Image())
		if err := writeFrame(f, buf); err != nil {
			logger.Errorw("Screen failure", "error", err)
			return
		}
	}
}

func writeFrame(f *os.File, buf []byte) error {
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	for i := 0; i < S; i++ {
		if _, err := f.Write(buf[i*S*2 : (i+1)*S*2]); err != nil {
			return err
		}
		time.Sleep(10 * time.Microsecond)
	}
	return nil
}

// Render draws one frame: pose along the top, a heading dial, the four
// modules as arrows in their chassis positions and the battery down the right.
func Render(status Status, battery Battery) *gg.Context {
	dc := gg.NewContext(S, S)
	dc.SetRGB(0, 0, 0)
	dc.Clear()

	pose := status.GetPose()
	health := status.Health()

	dc.SetRGBA(1, 0.9, 0, 1)
	dc.DrawString(fmt.Sprintf("X%5.2f Y%5.2f", pose.X(), pose.Y()), 2, 10)
	dc.DrawString(fmt.Sprintf("H%6.1f", pose.Rotation.Degrees()), 2, 22)

	// Heading dial, top right.  Screen Y is down, so anticlockwise is -angle.
	dc.Push()
	dc.Translate(S-20, 18)
	dc.DrawCircle(0, 0, 14)
	dc.Stroke()
	dc.Rotate(-pose.Heading())
	dc.DrawLine(0, 0, 12, 0)
	dc.Stroke()
	dc.Pop()

	// Modules: robot forward is up the screen.
	diags := status.ModuleDiagnostics()
	const cx, cy, spread = S / 2, S/2 + 20, 26
	offsets := [][2]float64{{-1, -1}, {1, -1}, {-1, 1}, {1, 1}} // FL FR BL BR
	for i, d := range diags {
		if i >= len(offsets) {
			break
		}
		x, y := cx+offsets[i][0]*spread, cy+offsets[i][1]*spread
		drawModule(dc, x, y, d)
	}

	if battery != nil {
		if v := battery.BatteryVoltage(); v > 0 {
			dc.Push()
			dc.Translate(S-16, 30)
			drawPowerBar(dc, v)
			dc.Pop()
		}
	}

	if health.Overruns > 0 || len(health.DegradedModules) > 0 {
		dc.Push()
		dc.Translate(10, S-12)
		DrawWarning(dc)
		dc.Pop()
	}
	return dc
}

func drawModule(dc *gg.Context, x, y float64, d swervemodule.Diagnostics) {
	dc.Push()
	defer dc.Pop()
	dc.Translate(x, y)
	if d.Degraded {
		dc.SetRGB(1, 0.2, 0)
	} else {
		dc.SetRGB(0.2, 1, 0.2)
	}
	dc.DrawCircle(0, 0, 3)
	dc.Fill()

	// Robot +X (forward) is screen up, robot +Y (left) is screen left.
	length := 4 + 12*math.Min(1, math.Abs(d.Actual.SpeedMPS)/2)
	if d.Actual.SpeedMPS < 0 {
		length = -length
	}
	dx := -math.Sin(d.Actual.Angle) * length
	dy := -math.Cos(d.Actual.Angle) * length
	dc.DrawLine(0, 0, dx, dy)
	dc.Stroke()
}

const (
	minBatteryVoltage = 11.0
	maxBatteryVoltage = 12.8
)

func drawPowerBar(dc *gg.Context, voltage float64) {
	charge := (voltage - minBatteryVoltage) / (maxBatteryVoltage - minBatteryVoltage)

	// Colour depends on charge level.
	if charge < 0.1 {
		dc.SetRGBA(1, 0.2, 0, 1)
	} else {
		dc.SetRGBA(1, 0.9, 0, 1)
	}
	dc.DrawRectangle(0, 60, 14, 6)
	for n := 1; n < 12; n++ {
		if charge >= (float64(n) / 12) {
			dc.DrawRectangle(2, 60-float64(n)*5, 10, 3)
		}
	}
	dc.Fill()
	dc.DrawString(fmt.Sprintf("%.1f", voltage), -6, 78)
}

func DrawWarning(dc *gg.Context) {
	dc.SetRGB(1, 0.2, 0)
	dc.DrawRegularPolygon(3, 0, 0, 14, 0)
	dc.Fill()
	dc.SetRGBA(0, 0, 0, 0.9)
	dc.DrawString("!", -3, 3)
}

// ToRGB565 packs img for the panel, which is mounted rotated a quarter turn.
func ToRGB565(img image.Image) []byte {
	buf := make([]byte, S*S*2)
	for y := 0; y < S; y++ {
		for x := 0; x < S; x++ {
			r, g, b, _ := img.At(x, y).RGBA() // 16-bit pre-multiplied

			rb := byte(r >> (16 - 5))
			gb := byte(g >> (16 - 6)) // Green has 6 bits
			bb := byte(b >> (16 - 5))

			buf[(S-1-y)*2+x*S*2+1] = (rb << 3) | (gb >> 3)
			buf[(S-1-y)*2+x*S*2] = bb | (gb << 5)
		}
	}
	return buf
}

// Trace accumulates estimated and true poses from a run.
type Trace struct {
	lock      sync.Mutex
	Estimated []geom.Pose2d
	Truth     []geom.Pose2d
	Vision    []geom.Pose2d
}

func (t *Trace) Add(estimated, truth geom.Pose2d) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.Estimated = append(t.Estimated, estimated)
	t.Truth = append(t.Truth, truth)
}

func (t *Trace) AddVision(p geom.Pose2d) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.Vision = append(t.Vision, p)
}

// RenderTrace draws the field outline with the truth path in grey, the
// estimate in yellow and vision fixes as red dots, and saves it as a PNG.
func (t *Trace) RenderTrace(path string, fieldLengthM, fieldWidthM float64) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	const pxPerM = 50.0
	const margin = 20.0
	w := int(fieldLengthM*pxPerM + 2*margin)
	h := int(fieldWidthM*pxPerM + 2*margin)
	dc := gg.NewContext(w, h)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	// Field frame: origin bottom left, +Y up.
	dc.Translate(margin, float64(h)-margin)
	dc.Scale(pxPerM, -pxPerM)
	dc.SetLineWidth(2)

	dc.SetRGB(0, 0, 0)
	dc.DrawRectangle(0, 0, fieldLengthM, fieldWidthM)
	dc.Stroke()

	drawPath := func(poses []geom.Pose2d) {
		for i, p := range poses {
			if i == 0 {
				dc.MoveTo(p.X(), p.Y())
			} else {
				dc.LineTo(p.X(), p.Y())
			}
		}
		dc.Stroke()
	}
	dc.SetRGB(0.6, 0.6, 0.6)
	drawPath(t.Truth)
	dc.SetRGB(0.9, 0.7, 0)
	drawPath(t.Estimated)

	dc.SetRGB(1, 0, 0)
	for _, p := range t.Vision {
		dc.DrawCircle(p.X(), p.Y(), 0.05)
		dc.Fill()
	}
	return errors.Wrapf(dc.SavePNG(path), "saving trace %s", path)
}
