// Package telemetry holds the sensor reading model shared by the relay, the
// session manager and the simulator.
package telemetry

import (
	"encoding/json"
	"math"
	"time"
)

// Instrument ranges for device orientation angles, in degrees.
const (
	AlphaMin = 0.0
	AlphaMax = 360.0
	BetaMin  = -180.0
	BetaMax  = 180.0
	GammaMin = -90.0
	GammaMax = 90.0
)

// Group identifies one axis group of a sample.
type Group int

const (
	GroupOrientation Group = iota
	GroupAccelerometer
	GroupGyroscope
)

// Groups lists every axis group in a fixed order.
var Groups = [...]Group{GroupOrientation, GroupAccelerometer, GroupGyroscope}

func (g Group) String() string {
	switch g {
	case GroupOrientation:
		return "orientation"
	case GroupAccelerometer:
		return "accelerometer"
	case GroupGyroscope:
		return "gyroscope"
	default:
		return "unknown"
	}
}

// ParseGroup maps a group name back to a Group.
func ParseGroup(name string) (Group, bool) {
	for _, g := range Groups {
		if g.String() == name {
			return g, true
		}
	}
	return 0, false
}

// Orientation is the device attitude in degrees.
type Orientation struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
	Gamma float64 `json:"gamma"`

	// missing marks components decoded as null or left out. Browsers
	// without a compass report alpha as null.
	missing [3]bool
}

type orientationJSON struct {
	Alpha *float64 `json:"alpha"`
	Beta  *float64 `json:"beta"`
	Gamma *float64 `json:"gamma"`
}

func (o *Orientation) UnmarshalJSON(data []byte) error {
	var raw orientationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*o = Orientation{}
	o.Alpha, o.missing[0] = component(raw.Alpha)
	o.Beta, o.missing[1] = component(raw.Beta)
	o.Gamma, o.missing[2] = component(raw.Gamma)
	return nil
}

func (o Orientation) MarshalJSON() ([]byte, error) {
	return json.Marshal(orientationJSON{
		Alpha: reported(o.Alpha, o.missing[0]),
		Beta:  reported(o.Beta, o.missing[1]),
		Gamma: reported(o.Gamma, o.missing[2]),
	})
}

// Vector3 is a three component reading (m/s² for acceleration, deg/s for rotation rate).
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`

	missing [3]bool
}

type vector3JSON struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

func (v *Vector3) UnmarshalJSON(data []byte) error {
	var raw vector3JSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = Vector3{}
	v.X, v.missing[0] = component(raw.X)
	v.Y, v.missing[1] = component(raw.Y)
	v.Z, v.missing[2] = component(raw.Z)
	return nil
}

func (v Vector3) MarshalJSON() ([]byte, error) {
	return json.Marshal(vector3JSON{
		X: reported(v.X, v.missing[0]),
		Y: reported(v.Y, v.missing[1]),
		Z: reported(v.Z, v.missing[2]),
	})
}

func component(p *float64) (float64, bool) {
	if p == nil {
		return 0, true
	}
	return *p, false
}

func reported(v float64, missing bool) *float64 {
	if missing {
		return nil
	}
	return &v
}

// Triple is the component-wise form every axis group reduces to.
type Triple [3]float64

// Sample is one telemetry reading. A nil group was not reported by the device.
type Sample struct {
	Orientation   *Orientation `json:"orientation,omitempty"`
	Accelerometer *Vector3     `json:"accelerometer,omitempty"`
	Gyroscope     *Vector3     `json:"gyroscope,omitempty"`
	CapturedAt    time.Time    `json:"-"`
}

// Group returns the components of g and whether the group is present.
func (s Sample) Group(g Group) (Triple, bool) {
	switch g {
	case GroupOrientation:
		if s.Orientation == nil {
			return Triple{}, false
		}
		return Triple{s.Orientation.Alpha, s.Orientation.Beta, s.Orientation.Gamma}, true
	case GroupAccelerometer:
		if s.Accelerometer == nil {
			return Triple{}, false
		}
		return Triple{s.Accelerometer.X, s.Accelerometer.Y, s.Accelerometer.Z}, true
	case GroupGyroscope:
		if s.Gyroscope == nil {
			return Triple{}, false
		}
		return Triple{s.Gyroscope.X, s.Gyroscope.Y, s.Gyroscope.Z}, true
	}
	return Triple{}, false
}

func (s Sample) missing(g Group) bool {
	var m [3]bool
	switch g {
	case GroupOrientation:
		m = s.Orientation.missing
	case GroupAccelerometer:
		m = s.Accelerometer.missing
	case GroupGyroscope:
		m = s.Gyroscope.missing
	}
	return m[0] || m[1] || m[2]
}

// ValidGroup reports whether group g is present, finite and inside the
// documented instrument range.
func (s Sample) ValidGroup(g Group) bool {
	t, ok := s.Group(g)
	if !ok || s.missing(g) {
		return false
	}
	for _, v := range t {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if g == GroupOrientation {
		if t[0] < AlphaMin || t[0] > AlphaMax {
			return false
		}
		if t[1] < BetaMin || t[1] > BetaMax {
			return false
		}
		if t[2] < GammaMin || t[2] > GammaMax {
			return false
		}
	}
	return true
}

// HasValidGroup reports whether at least one group survives validation.
func (s Sample) HasValidGroup() bool {
	for _, g := range Groups {
		if s.ValidGroup(g) {
			return true
		}
	}
	return false
}

// FromMillis converts a wire timestamp (milliseconds since epoch, possibly
// fractional as browsers report them) to a time with microsecond precision.
// Zero and non-finite values map to the zero time.
func FromMillis(ms float64) time.Time {
	if ms == 0 || math.IsNaN(ms) || math.IsInf(ms, 0) {
		return time.Time{}
	}
	return time.UnixMicro(int64(math.Round(ms * 1000)))
}

// Millis converts t to a wire timestamp, keeping microseconds as the
// fractional part; the zero time maps to 0.
func Millis(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMicro()) / 1000
}
