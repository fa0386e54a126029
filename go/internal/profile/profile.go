// Package profile holds the per-game conditioning records that parameterize
// the shared session manager.
package profile

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mcdev12/tiltrelay/go/internal/telemetry"
)

// MaxSmoothingWindow bounds every sample history.
const MaxSmoothingWindow = 8

var (
	ErrUnknownGame    = errors.New("unknown game")
	ErrInvalidProfile = errors.New("invalid profile")
)

// Range is a closed output interval.
type Range struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Clamp limits v to the range.
func (r Range) Clamp(v float64) float64 {
	return math.Max(r.Min, math.Min(r.Max, v))
}

// Axis binds one named game input to a single sample component.
type Axis struct {
	Name string `yaml:"name" json:"name"`
	// Source is "<group>.<component>", e.g. "orientation.gamma" or "gyroscope.z".
	Source string `yaml:"source" json:"source"`
	Invert bool   `yaml:"invert" json:"invert,omitempty"`
	// Gain multiplies the profile sensitivity for this axis. Zero means 1.
	Gain float64 `yaml:"gain" json:"gain,omitempty"`
	// Range overrides the profile output range when set.
	Range *Range `yaml:"range" json:"range,omitempty"`

	group     telemetry.Group
	component int
}

// Group returns the axis group the axis reads. Valid after Validate.
func (a Axis) Group() telemetry.Group { return a.group }

// Component returns the component index inside the group. Valid after Validate.
func (a Axis) Component() int { return a.component }

// Profile is the conditioning record selected by game id.
type Profile struct {
	ID              string  `yaml:"id" json:"id"`
	SmoothingWindow int     `yaml:"smoothing_window" json:"smoothingWindow"`
	Deadzone        float64 `yaml:"deadzone" json:"deadzone"`
	Sensitivity     float64 `yaml:"sensitivity" json:"sensitivity"`
	OutputRange     Range   `yaml:"output_range" json:"outputRange"`
	Axes            []Axis  `yaml:"axes" json:"axes"`
}

// AxisRange returns the effective output range of axis a.
func (p Profile) AxisRange(a Axis) Range {
	if a.Range != nil {
		return *a.Range
	}
	return p.OutputRange
}

// AxisScale returns the effective multiplier of axis a, sign included.
func (p Profile) AxisScale(a Axis) float64 {
	gain := a.Gain
	if gain == 0 {
		gain = 1
	}
	scale := p.Sensitivity * gain
	if a.Invert {
		scale = -scale
	}
	return scale
}

var componentNames = map[telemetry.Group][3]string{
	telemetry.GroupOrientation:   {"alpha", "beta", "gamma"},
	telemetry.GroupAccelerometer: {"x", "y", "z"},
	telemetry.GroupGyroscope:     {"x", "y", "z"},
}

func parseSource(source string) (telemetry.Group, int, error) {
	groupName, compName, ok := strings.Cut(source, ".")
	if !ok {
		return 0, 0, fmt.Errorf("source %q: want <group>.<component>", source)
	}
	g, ok := telemetry.ParseGroup(groupName)
	if !ok {
		return 0, 0, fmt.Errorf("source %q: unknown group %q", source, groupName)
	}
	for i, name := range componentNames[g] {
		if name == compName {
			return g, i, nil
		}
	}
	return 0, 0, fmt.Errorf("source %q: unknown component %q", source, compName)
}

func validRange(r Range) bool {
	return !math.IsNaN(r.Min) && !math.IsNaN(r.Max) && r.Min < r.Max
}

// Validate checks the profile and resolves axis sources. It must be called
// before the profile is handed to a conditioner.
func (p *Profile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidProfile)
	}
	if p.SmoothingWindow < 1 || p.SmoothingWindow > MaxSmoothingWindow {
		return fmt.Errorf("%w: %s: smoothing_window %d outside [1,%d]", ErrInvalidProfile, p.ID, p.SmoothingWindow, MaxSmoothingWindow)
	}
	if p.Deadzone < 0 || math.IsNaN(p.Deadzone) || math.IsInf(p.Deadzone, 0) {
		return fmt.Errorf("%w: %s: deadzone %v", ErrInvalidProfile, p.ID, p.Deadzone)
	}
	if p.Sensitivity == 0 || math.IsNaN(p.Sensitivity) || math.IsInf(p.Sensitivity, 0) {
		return fmt.Errorf("%w: %s: sensitivity %v", ErrInvalidProfile, p.ID, p.Sensitivity)
	}
	if !validRange(p.OutputRange) {
		return fmt.Errorf("%w: %s: output_range [%v,%v]", ErrInvalidProfile, p.ID, p.OutputRange.Min, p.OutputRange.Max)
	}
	if len(p.Axes) == 0 {
		return fmt.Errorf("%w: %s: no axes", ErrInvalidProfile, p.ID)
	}

	seen := make(map[string]bool, len(p.Axes))
	for i := range p.Axes {
		a := &p.Axes[i]
		if a.Name == "" {
			return fmt.Errorf("%w: %s: axis %d has no name", ErrInvalidProfile, p.ID, i)
		}
		if seen[a.Name] {
			return fmt.Errorf("%w: %s: duplicate axis %q", ErrInvalidProfile, p.ID, a.Name)
		}
		seen[a.Name] = true

		g, c, err := parseSource(a.Source)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidProfile, p.ID, err)
		}
		a.group, a.component = g, c

		if a.Range != nil && !validRange(*a.Range) {
			return fmt.Errorf("%w: %s: axis %q range [%v,%v]", ErrInvalidProfile, p.ID, a.Name, a.Range.Min, a.Range.Max)
		}
		if math.IsNaN(a.Gain) || math.IsInf(a.Gain, 0) {
			return fmt.Errorf("%w: %s: axis %q gain %v", ErrInvalidProfile, p.ID, a.Name, a.Gain)
		}
	}
	return nil
}
