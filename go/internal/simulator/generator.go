// Package simulator produces synthetic sensor samples when no phone is
// reachable, either from local keyboard/pointer input or from a scripted
// tilt waveform.
package simulator

import (
	"context"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/tiltrelay/go/internal/telemetry"
)

const gravity = 9.81

// Config tunes the generator.
type Config struct {
	// TickRate is the interval between generated samples.
	TickRate time.Duration
	// MaxTilt caps simulated beta/gamma, in degrees.
	MaxTilt float64
	// RampPerTick is how far a held key moves the tilt per tick, in degrees.
	RampPerTick float64
	// PointerScale converts pointer pixels to degrees.
	PointerScale float64
	// IdleAfter is how long after the last local event the scripted
	// waveform takes over.
	IdleAfter time.Duration
	// WavePeriod is the period of the scripted waveform.
	WavePeriod time.Duration
	// ActionRate is the yaw rate reported while the action key is held, deg/s.
	ActionRate float64
}

// DefaultConfig returns a 50 Hz generator.
func DefaultConfig() Config {
	return Config{
		TickRate:     20 * time.Millisecond,
		MaxTilt:      35,
		RampPerTick:  3,
		PointerScale: 0.25,
		IdleAfter:    3 * time.Second,
		WavePeriod:   4 * time.Second,
		ActionRate:   450,
	}
}

// Generator produces telemetry.Sample values. Next is not safe for
// concurrent use.
type Generator struct {
	config Config
	input  *LocalInput
	clock  clockwork.Clock

	start       time.Time
	last        time.Time
	beta, gamma float64
}

// NewGenerator returns a generator reading input, which may be nil for a
// purely scripted source.
func NewGenerator(config Config, input *LocalInput, clock clockwork.Clock) *Generator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.TickRate <= 0 {
		config.TickRate = DefaultConfig().TickRate
	}
	if config.MaxTilt <= 0 || config.MaxTilt > telemetry.GammaMax {
		config.MaxTilt = DefaultConfig().MaxTilt
	}
	if config.WavePeriod <= 0 {
		config.WavePeriod = DefaultConfig().WavePeriod
	}
	now := clock.Now()
	return &Generator{config: config, input: input, clock: clock, start: now, last: now}
}

// TickRate returns the configured interval.
func (g *Generator) TickRate() time.Duration { return g.config.TickRate }

// Next produces the sample for the current instant.
func (g *Generator) Next() telemetry.Sample {
	now := g.clock.Now()
	dt := now.Sub(g.last).Seconds()
	if dt <= 0 {
		dt = g.config.TickRate.Seconds()
	}
	g.last = now

	prevBeta, prevGamma := g.beta, g.gamma
	action := false

	var local snapshot
	if g.input != nil {
		local = g.input.take()
	}
	active := g.input != nil && (len(local.held) > 0 || local.dx != 0 || local.dy != 0 ||
		(!local.lastActivity.IsZero() && now.Sub(local.lastActivity) < g.config.IdleAfter))

	if active {
		g.beta = g.keyTilt(g.beta, local.held[KeyUp], local.held[KeyDown]) + local.dy*g.config.PointerScale
		g.gamma = g.keyTilt(g.gamma, local.held[KeyLeft], local.held[KeyRight]) + local.dx*g.config.PointerScale
		action = local.held[KeyAction]
	} else {
		phase := 2 * math.Pi * now.Sub(g.start).Seconds() / g.config.WavePeriod.Seconds()
		g.gamma = g.config.MaxTilt * math.Sin(phase)
		g.beta = 0.5 * g.config.MaxTilt * math.Sin(2*phase)
	}
	g.beta = clamp(g.beta, g.config.MaxTilt)
	g.gamma = clamp(g.gamma, g.config.MaxTilt)

	betaRad := g.beta * math.Pi / 180
	gammaRad := g.gamma * math.Pi / 180
	acc := telemetry.Vector3{
		X: gravity * math.Sin(gammaRad) * math.Cos(betaRad),
		Y: -gravity * math.Sin(betaRad),
		Z: gravity * math.Cos(betaRad) * math.Cos(gammaRad),
	}
	gyro := telemetry.Vector3{
		X: (g.beta - prevBeta) / dt,
		Y: (g.gamma - prevGamma) / dt,
	}
	if action {
		acc.Y += gravity
		gyro.Z = g.config.ActionRate
	}

	return telemetry.Sample{
		Orientation:   &telemetry.Orientation{Alpha: 180, Beta: g.beta, Gamma: g.gamma},
		Accelerometer: &acc,
		Gyroscope:     &gyro,
		CapturedAt:    now,
	}
}

// keyTilt moves v toward the held direction, or back toward level when
// neither or both keys are held.
func (g *Generator) keyTilt(v float64, negative, positive bool) float64 {
	target := 0.0
	switch {
	case negative && !positive:
		target = -g.config.MaxTilt
	case positive && !negative:
		target = g.config.MaxTilt
	}
	step := g.config.RampPerTick
	if math.Abs(target-v) <= step {
		return target
	}
	if target > v {
		return v + step
	}
	return v - step
}

func clamp(v, limit float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(-limit, math.Min(limit, v))
}

// Run calls emit with a new sample every tick until ctx is done.
func (g *Generator) Run(ctx context.Context, emit func(telemetry.Sample)) {
	ticker := g.clock.NewTicker(g.config.TickRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			emit(g.Next())
		}
	}
}
