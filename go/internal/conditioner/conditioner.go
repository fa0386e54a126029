package conditioner

import (
	"time"

	"github.com/mcdev12/tiltrelay/go/internal/profile"
	"github.com/mcdev12/tiltrelay/go/internal/telemetry"
)

// NormalizedInput is the game-facing snapshot derived from the latest sample.
type NormalizedInput struct {
	Values map[string]float64
	// Simulated is set when the sample came from the simulator.
	Simulated bool
	// Seq counts processed samples; 0 means nothing has been processed yet.
	Seq        uint64
	SampleTime time.Time
}

// Get returns the named axis, 0 when absent.
func (n NormalizedInput) Get(name string) float64 {
	return n.Values[name]
}

// Clone returns a copy that shares no state with n.
func (n NormalizedInput) Clone() NormalizedInput {
	c := n
	c.Values = make(map[string]float64, len(n.Values))
	for k, v := range n.Values {
		c.Values[k] = v
	}
	return c
}

// Conditioner owns the sample histories, calibration and current output of
// one session. It is not safe for concurrent use.
type Conditioner struct {
	profile     profile.Profile
	history     [len(telemetry.Groups)]*History
	calibration Calibration
	smoothed    Smoothed
	current     NormalizedInput
}

// New returns a conditioner for a validated profile.
func New(p profile.Profile) *Conditioner {
	c := &Conditioner{profile: p}
	for i := range c.history {
		c.history[i] = NewHistory(p.SmoothingWindow)
	}
	c.current = NormalizedInput{Values: Zero(p)}
	return c
}

// Profile returns the profile the conditioner was built with.
func (c *Conditioner) Profile() profile.Profile { return c.profile }

// Process runs s through the pipeline. It returns false, leaving every piece
// of state untouched, when no axis group of s is valid.
func (c *Conditioner) Process(s telemetry.Sample, simulated bool) (NormalizedInput, bool) {
	if !s.HasValidGroup() {
		return c.current.Clone(), false
	}

	for _, g := range telemetry.Groups {
		if !s.ValidGroup(g) {
			continue
		}
		t, _ := s.Group(g)
		c.history[g].Push(t)
		c.smoothed.Values[g], c.smoothed.Present[g] = c.history[g].Mean()
	}

	c.current = NormalizedInput{
		Values:     Normalize(c.smoothed, c.calibration, c.profile),
		Simulated:  simulated,
		Seq:        c.current.Seq + 1,
		SampleTime: s.CapturedAt,
	}
	return c.current.Clone(), true
}

// Calibrate stores the current smoothed values as offsets and recomputes the
// output, which zeroes every axis whose range contains 0.
func (c *Conditioner) Calibrate() NormalizedInput {
	for _, g := range telemetry.Groups {
		if c.smoothed.Present[g] {
			c.calibration.Offsets[g] = c.smoothed.Values[g]
		}
	}
	c.current.Values = Normalize(c.smoothed, c.calibration, c.profile)
	return c.current.Clone()
}

// Calibration returns the active offsets.
func (c *Conditioner) Calibration() Calibration { return c.calibration }

// Current returns the latest output.
func (c *Conditioner) Current() NormalizedInput { return c.current.Clone() }

// History returns the buffered raw values of group g, oldest first.
func (c *Conditioner) History(g telemetry.Group) []telemetry.Triple {
	return c.history[g].Values()
}

// Reset clears histories and calibration. The sequence number keeps counting.
func (c *Conditioner) Reset() {
	for _, h := range c.history {
		h.Reset()
	}
	c.calibration = Calibration{}
	c.smoothed = Smoothed{}
	c.current = NormalizedInput{Values: Zero(c.profile), Seq: c.current.Seq}
}
