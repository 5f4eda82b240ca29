// Package vision turns camera pose solutions into timestamped robot pose
// measurements for the pose estimator.
package vision

import (
	"fmt"
	"time"

	"github.com/tigerbot-team/swervebot/pkg/angle"
	"github.com/tigerbot-team/swervebot/pkg/chassis"
	"github.com/tigerbot-team/swervebot/pkg/geom"
)

const (
	// MaxAmbiguity is the highest pose ambiguity (ratio of best to
	// alternate reprojection error) that is still trusted.
	MaxAmbiguity = 0.2

	// Distance at which a single tag's confidence has halved.
	halfConfidenceDistanceM = 3.0
)

// Measurement is a robot pose on the field as seen by a camera at the time
// the frame was captured.
type Measurement struct {
	Pose       geom.Pose2d
	Timestamp  time.Time
	Confidence float64 // 0 ignores the measurement, 1 trusts it completely.
	Valid      bool
	Source     string
}

func (m Measurement) String() string {
	return fmt.Sprintf("%s@%s c=%.2f valid=%v (%s)",
		m.Pose, m.Timestamp.Format("15:04:05.000"), m.Confidence, m.Valid, m.Source)
}

// Observation is a camera-frame pose solution from a fiducial pipeline.
type Observation struct {
	FieldToCamera geom.Pose3d
	CaptureTime   time.Time
	TagDistanceM  float64
	Ambiguity     float64
	TagCount      int
}

type Camera struct {
	Name          string
	RobotToCamera geom.Transform3d
}

func CamerasFromConfig(cfg chassis.Config) []Camera {
	var cams []Camera
	for _, c := range cfg.Cameras {
		cams = append(cams, Camera{
			Name: c.Name,
			RobotToCamera: geom.Transform3d{
				Translation: geom.Translation3d{X: c.X, Y: c.Y, Z: c.Z},
				Rotation:    geom.NewRotation3d(c.Roll, c.Pitch, c.Yaw),
			},
		})
	}
	return cams
}

// Measure converts an observation from this camera into a robot pose
// measurement.
func (c Camera) Measure(obs Observation) Measurement {
	robot := obs.FieldToCamera.TransformBy(c.RobotToCamera.Inverse()).ToPose2d()
	return Measurement{
		Pose:       robot,
		Timestamp:  obs.CaptureTime,
		Confidence: Confidence(obs.TagDistanceM, obs.Ambiguity, obs.TagCount),
		Valid:      obs.TagCount > 0 && (obs.TagCount > 1 || obs.Ambiguity <= MaxAmbiguity),
		Source:     c.Name,
	}
}

// Observe is the inverse of Measure, for simulation: the observation this
// camera would report with the robot at pose.
func (c Camera) Observe(pose geom.Pose2d, captured time.Time, tagDistanceM float64) Observation {
	return Observation{
		FieldToCamera: pose.ToPose3d().TransformBy(c.RobotToCamera),
		CaptureTime:   captured,
		TagDistanceM:  tagDistanceM,
		TagCount:      1,
	}
}

// Confidence falls off with the square of tag distance and linearly with
// ambiguity.  Seeing several tags at once is treated as unambiguous.
func Confidence(tagDistanceM, ambiguity float64, tagCount int) float64 {
	if tagCount <= 0 {
		return 0
	}
	if tagCount > 1 {
		ambiguity = 0
	}
	d := tagDistanceM / halfConfidenceDistanceM
	c := (1 - angle.Clamp(ambiguity, 0, 1)) / (1 + d*d)
	return angle.Clamp(c, 0, 1)
}
