package angle

import (
	"math"

	"golang.org/x/exp/constraints"
)

// Wrap maps f into (-π, π].
func Wrap(f float64) float64 {
	d := math.Mod(f, 2*math.Pi)
	if d <= -math.Pi {
		d += 2 * math.Pi
	} else if d > math.Pi {
		d -= 2 * math.Pi
	}
	return d
}

// Nearest returns the angle equivalent to target (mod 2π) that is closest to
// current.  current is a continuous, unbounded angle; the result is too, so a
// position controller tracking it never has to cross a wrap boundary.
func Nearest(current, target float64) float64 {
	return current + Wrap(target-current)
}

// Diff is the shortest signed rotation from b to a.
func Diff(a, b float64) float64 {
	return Wrap(a - b)
}

func Clamp[T constraints.Float | constraints.Integer](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampMagnitude limits v to [-limit, limit].
func ClampMagnitude[T constraints.Float](v, limit T) T {
	return Clamp(v, -limit, limit)
}

func Lerp[T constraints.Float](a, b, t T) T {
	return a + (b-a)*t
}
