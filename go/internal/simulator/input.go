package simulator

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Key is a local control that can be held.
type Key int

const (
	KeyLeft Key = iota
	KeyRight
	KeyUp
	KeyDown
	KeyAction
)

// LocalInput collects keyboard and pointer state from whatever front end the
// game runs in. It is safe for concurrent use: the front end writes while the
// generator reads on its own tick.
type LocalInput struct {
	mu           sync.Mutex
	clock        clockwork.Clock
	held         map[Key]bool
	dx, dy       float64
	lastActivity time.Time
}

// NewLocalInput returns an empty input state.
func NewLocalInput(clock clockwork.Clock) *LocalInput {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LocalInput{clock: clock, held: make(map[Key]bool)}
}

// SetKey records a key press (down=true) or release.
func (in *LocalInput) SetKey(k Key, down bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if down {
		in.held[k] = true
	} else {
		delete(in.held, k)
	}
	in.lastActivity = in.clock.Now()
}

// MovePointer accumulates a pointer delta in pixels.
func (in *LocalInput) MovePointer(dx, dy float64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.dx += dx
	in.dy += dy
	in.lastActivity = in.clock.Now()
}

// snapshot is what the generator reads each tick.
type snapshot struct {
	held         map[Key]bool
	dx, dy       float64
	lastActivity time.Time
}

// take returns the current state and clears the pointer accumulator.
func (in *LocalInput) take() snapshot {
	in.mu.Lock()
	defer in.mu.Unlock()
	held := make(map[Key]bool, len(in.held))
	for k, v := range in.held {
		held[k] = v
	}
	s := snapshot{held: held, dx: in.dx, dy: in.dy, lastActivity: in.lastActivity}
	in.dx, in.dy = 0, 0
	return s
}
