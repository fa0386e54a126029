package profile

// Game ids shipped with the relay.
const (
	GameBall      = "ball"
	GameBatting   = "batting"
	GameRhythm    = "rhythm"
	GameRunner    = "runner"
	GameSpaceship = "spaceship"
	GameShooter   = "shooter"
)

var unit = Range{Min: -1, Max: 1}

func builtinProfiles() []Profile {
	return []Profile{
		{
			// Tilt maze: full deflection at ±45° of tilt.
			ID:              GameBall,
			SmoothingWindow: 5,
			Deadzone:        1.5,
			Sensitivity:     1.0 / 45,
			OutputRange:     unit,
			Axes: []Axis{
				{Name: "x", Source: "orientation.gamma"},
				{Name: "y", Source: "orientation.beta"},
			},
		},
		{
			// Swing speed comes from the yaw rate; only forward swings count.
			ID:              GameBatting,
			SmoothingWindow: 3,
			Deadzone:        20,
			Sensitivity:     1.0 / 400,
			OutputRange:     Range{Min: 0, Max: 1},
			Axes: []Axis{
				{Name: "swing", Source: "gyroscope.z"},
				{Name: "angle", Source: "orientation.beta", Gain: 400.0 / 90, Range: &unit},
			},
		},
		{
			// Short window: late judgments feel unfair.
			ID:              GameRhythm,
			SmoothingWindow: 3,
			Deadzone:        1.0,
			Sensitivity:     1.0 / 15,
			OutputRange:     unit,
			Axes: []Axis{
				{Name: "hit", Source: "accelerometer.y"},
				{Name: "shake", Source: "accelerometer.x"},
			},
		},
		{
			ID:              GameRunner,
			SmoothingWindow: 4,
			Deadzone:        3,
			Sensitivity:     1.0 / 30,
			OutputRange:     unit,
			Axes: []Axis{
				{Name: "lane", Source: "orientation.gamma"},
				{Name: "jump", Source: "accelerometer.z", Gain: 30.0 / 12, Range: &Range{Min: 0, Max: 1}},
			},
		},
		{
			ID:              GameSpaceship,
			SmoothingWindow: 8,
			Deadzone:        2,
			Sensitivity:     1.0 / 40,
			OutputRange:     unit,
			Axes: []Axis{
				{Name: "pitch", Source: "orientation.beta", Invert: true},
				{Name: "roll", Source: "orientation.gamma"},
				{Name: "yaw", Source: "gyroscope.z", Gain: 40.0 / 180},
			},
		},
		{
			ID:              GameShooter,
			SmoothingWindow: 6,
			Deadzone:        0.5,
			Sensitivity:     1.0 / 35,
			OutputRange:     unit,
			Axes: []Axis{
				{Name: "aim_x", Source: "orientation.gamma"},
				{Name: "aim_y", Source: "orientation.beta", Invert: true},
			},
		},
	}
}

// Builtin returns a registry holding the shipped game profiles.
func Builtin() (*Registry, error) {
	return NewRegistry(builtinProfiles()...)
}
