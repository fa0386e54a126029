// Package conditioner turns raw sensor samples into the normalized inputs a
// game reads each frame: validate, smooth, calibrate, deadzone, scale, clamp.
package conditioner

import (
	"math"

	"github.com/mcdev12/tiltrelay/go/internal/profile"
	"github.com/mcdev12/tiltrelay/go/internal/telemetry"
)

// Calibration holds the per-group offsets subtracted from smoothed values.
type Calibration struct {
	Offsets [len(telemetry.Groups)]telemetry.Triple
}

// Smoothed is the per-group moving average; Present marks groups that have
// any history.
type Smoothed struct {
	Values  [len(telemetry.Groups)]telemetry.Triple
	Present [len(telemetry.Groups)]bool
}

// Mean returns the component-wise mean of values; false when values is empty.
func Mean(values []telemetry.Triple) (telemetry.Triple, bool) {
	if len(values) == 0 {
		return telemetry.Triple{}, false
	}
	var sum telemetry.Triple
	for _, v := range values {
		for i := range sum {
			sum[i] += v[i]
		}
	}
	n := float64(len(values))
	for i := range sum {
		sum[i] /= n
	}
	return sum, true
}

// Deadzone forces values whose magnitude is below threshold to exactly 0.
func Deadzone(v, threshold float64) float64 {
	if math.Abs(v) < threshold {
		return 0
	}
	return v
}

// ScaleClamp multiplies v by scale and clamps it to r. Non-finite results
// become 0 before clamping.
func ScaleClamp(v, scale float64, r profile.Range) float64 {
	return r.Clamp(finite(v * scale))
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// Normalize maps smoothed values to the profile's named axes. Axes whose
// group has no history read as 0 before clamping.
func Normalize(s Smoothed, cal Calibration, p profile.Profile) map[string]float64 {
	out := make(map[string]float64, len(p.Axes))
	for _, a := range p.Axes {
		r := p.AxisRange(a)
		g := a.Group()
		if !s.Present[g] {
			out[a.Name] = r.Clamp(0)
			continue
		}
		v := finite(s.Values[g][a.Component()] - cal.Offsets[g][a.Component()])
		v = Deadzone(v, p.Deadzone)
		out[a.Name] = ScaleClamp(v, p.AxisScale(a), r)
	}
	return out
}

// Zero returns the output every axis takes before any sample arrives.
func Zero(p profile.Profile) map[string]float64 {
	return Normalize(Smoothed{}, Calibration{}, p)
}
