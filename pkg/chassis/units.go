package chassis

import "math"

func InchesToMeters(in float64) float64 { return in * 0.0254 }

func FeetToMeters(ft float64) float64 { return InchesToMeters(ft * 12) }

func DegreesToRadians(d float64) float64 { return d * math.Pi / 180 }

func RadiansToDegrees(r float64) float64 { return r * 180 / math.Pi }
