// Package session is the client-side manager a game embeds to consume the
// relay feed. It owns the connection lifecycle, bounded reconnection, signal
// conditioning and the fallback to the input simulator.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tiltrelay/go/internal/conditioner"
	"github.com/mcdev12/tiltrelay/go/internal/observer"
	"github.com/mcdev12/tiltrelay/go/internal/profile"
	"github.com/mcdev12/tiltrelay/go/internal/simulator"
	"github.com/mcdev12/tiltrelay/go/internal/telemetry"
	"github.com/mcdev12/tiltrelay/go/internal/wire"
)

// State is the lifecycle state of a session.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateSimulating
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateSimulating:
		return "simulating"
	default:
		return "unknown"
	}
}

var ErrNotRunning = errors.New("session loop is not running")

// Config holds session settings.
type Config struct {
	// URL of the relay websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// PeerID is sent on registration and reused across reconnects.
	// Generated when empty.
	PeerID string
	// DeviceFilter restricts accepted samples to one phone. Empty accepts all.
	DeviceFilter string
	// BaseDelay is the linear backoff unit: attempt n waits n×BaseDelay.
	BaseDelay time.Duration
	// MaxReconnectAttempts is the number of consecutive failed connections
	// after which the session switches to the simulator.
	MaxReconnectAttempts int
	Simulator            simulator.Config
}

// DefaultConfig returns the settings every game shipped with.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		BaseDelay:            2 * time.Second,
		MaxReconnectAttempts: 5,
		Simulator:            simulator.DefaultConfig(),
	}
}

// Update is delivered to listeners once per processed sample.
type Update struct {
	Input  conditioner.NormalizedInput
	Sample telemetry.Sample
}

// StateChange is delivered to listeners on every transition.
type StateChange struct {
	From, To State
	// Attempt is the consecutive failure count at the time of the change.
	Attempt int
}

// Option configures a Session.
type Option func(*Session)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option { return func(s *Session) { s.dialer = d } }

// WithClock replaces the real clock.
func WithClock(c clockwork.Clock) Option { return func(s *Session) { s.clock = c } }

// WithLocalInput feeds the simulator from a keyboard/pointer front end.
func WithLocalInput(in *simulator.LocalInput) Option { return func(s *Session) { s.input = in } }

type eventKind int

const (
	eventDialed eventKind = iota
	eventFrame
	eventClosed
)

type event struct {
	kind    eventKind
	gen     uint64
	channel Channel
	data    []byte
	err     error
}

type commandKind int

const (
	commandCalibrate commandKind = iota
	commandRetry
)

type command struct {
	kind  commandKind
	reply chan conditioner.NormalizedInput
}

// Session is one game's view of the relay feed.
type Session struct {
	config Config
	dialer Dialer
	clock  clockwork.Clock
	input  *simulator.LocalInput

	// Owned by the Run goroutine.
	cond       *conditioner.Conditioner
	state      State
	attempts   int
	gen        uint64
	channel    Channel
	retryTimer clockwork.Timer
	ticker     clockwork.Ticker
	generator  *simulator.Generator

	mu          sync.RWMutex
	snapshot    conditioner.NormalizedInput
	publicState State

	updates observer.List[Update]
	states  observer.List[StateChange]

	events   chan event
	commands chan command
}

// New builds a session for one game profile. The profile is validated on a
// copy, so it need not come from a profile.Registry.
func New(config Config, p profile.Profile, opts ...Option) (*Session, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("session: empty relay url")
	}
	p.Axes = append([]profile.Axis(nil), p.Axes...)
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultConfig("").BaseDelay
	}
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = DefaultConfig("").MaxReconnectAttempts
	}
	if config.PeerID == "" {
		config.PeerID = "game-" + uuid.New().String()
	}

	s := &Session{
		config:   config,
		cond:     conditioner.New(p),
		events:   make(chan event, 64),
		commands: make(chan command),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.dialer == nil {
		s.dialer = NewWebSocketDialer()
	}
	s.snapshot = s.cond.Current()
	return s, nil
}

// PeerID returns the id the session registers with.
func (s *Session) PeerID() string { return s.config.PeerID }

// NormalizedInput returns the latest snapshot. It never blocks on the loop and
// returns zeros before the first sample.
func (s *Session) NormalizedInput() conditioner.NormalizedInput {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Clone()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.publicState
}

// OnUpdate registers fn to be called on the session goroutine once per
// processed sample, real or simulated.
func (s *Session) OnUpdate(fn func(Update)) (remove func()) {
	return s.updates.Add(fn)
}

// OnStateChange registers fn to be called on every transition.
func (s *Session) OnStateChange(fn func(StateChange)) (remove func()) {
	return s.states.Add(fn)
}

// Calibrate captures the current smoothed sample as the new baseline and
// returns the recomputed input. It waits for the Run loop.
func (s *Session) Calibrate(ctx context.Context) (conditioner.NormalizedInput, error) {
	return s.do(ctx, commandCalibrate)
}

// Retry forces a fresh connection attempt when the session is simulating.
// In any other state it does nothing.
func (s *Session) Retry(ctx context.Context) error {
	_, err := s.do(ctx, commandRetry)
	return err
}

func (s *Session) do(ctx context.Context, kind commandKind) (conditioner.NormalizedInput, error) {
	cmd := command{kind: kind, reply: make(chan conditioner.NormalizedInput, 1)}
	select {
	case s.commands <- cmd:
	case <-ctx.Done():
		return conditioner.NormalizedInput{}, fmt.Errorf("%w: %v", ErrNotRunning, ctx.Err())
	}
	select {
	case out := <-cmd.reply:
		return out, nil
	case <-ctx.Done():
		return conditioner.NormalizedInput{}, ctx.Err()
	}
}

// Run drives the session until ctx is done. Listeners are called from this
// goroutine.
func (s *Session) Run(ctx context.Context) error {
	log.Info().
		Str("peer_id", s.config.PeerID).
		Str("url", s.config.URL).
		Str("game", s.cond.Profile().ID).
		Msg("session started")

	defer s.shutdown()
	s.connect(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("peer_id", s.config.PeerID).Msg("session stopped")
			return nil
		case ev := <-s.events:
			s.handleEvent(ctx, ev)
		case <-timerChan(s.retryTimer):
			s.retryTimer = nil
			s.connect(ctx)
		case <-tickerChan(s.ticker):
			s.process(s.generator.Next(), true)
		case cmd := <-s.commands:
			cmd.reply <- s.handleCommand(ctx, cmd)
		}
	}
}

func timerChan(t clockwork.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}

func tickerChan(t clockwork.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}

func (s *Session) setState(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.mu.Lock()
	s.publicState = to
	s.mu.Unlock()

	log.Debug().
		Str("peer_id", s.config.PeerID).
		Str("from", from.String()).
		Str("to", to.String()).
		Int("attempt", s.attempts).
		Msg("session state changed")
	s.states.Notify(StateChange{From: from, To: to, Attempt: s.attempts})
}

func (s *Session) post(ctx context.Context, ev event) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// connect opens a new channel in the background; the result arrives as an
// eventDialed tagged with the current generation.
func (s *Session) connect(ctx context.Context) {
	s.setState(StateConnecting)
	s.gen++
	gen := s.gen
	url := s.config.URL

	go func() {
		ch, err := s.dialer.Dial(ctx, url)
		if ch == nil {
			s.post(ctx, event{kind: eventDialed, gen: gen, err: err})
			return
		}
		if s.post(ctx, event{kind: eventDialed, gen: gen, channel: ch}) && ctx.Err() == nil {
			return
		}
		// Run has stopped or is stopping and may never read the event.
		// Closing twice is harmless if it did.
		_ = ch.Close()
	}()
}

func (s *Session) handleEvent(ctx context.Context, ev event) {
	if ev.gen != s.gen {
		if ev.kind == eventDialed && ev.channel != nil {
			_ = ev.channel.Close()
		}
		return
	}

	switch ev.kind {
	case eventDialed:
		if ev.err != nil {
			s.fail(ev.err)
			return
		}
		s.opened(ctx, ev.channel)
	case eventFrame:
		s.handleFrame(ev.data)
	case eventClosed:
		if s.channel != nil {
			_ = s.channel.Close()
			s.channel = nil
		}
		s.fail(ev.err)
	}
}

func (s *Session) opened(ctx context.Context, ch Channel) {
	frame, err := wire.GameClientRegister(s.config.PeerID)
	if err == nil {
		err = ch.Write(frame)
	}
	if err != nil {
		_ = ch.Close()
		s.fail(fmt.Errorf("register: %w", err))
		return
	}

	s.channel = ch
	s.attempts = 0
	s.cond.Reset()
	s.publish(s.cond.Current())
	s.setState(StateConnected)

	log.Info().
		Str("peer_id", s.config.PeerID).
		Str("url", s.config.URL).
		Msg("session connected")

	gen := s.gen
	go func() {
		for {
			data, err := ch.Read()
			if err != nil {
				s.post(ctx, event{kind: eventClosed, gen: gen, err: err})
				return
			}
			if !s.post(ctx, event{kind: eventFrame, gen: gen, data: data}) {
				return
			}
		}
	}()
}

// fail records one failed connection and schedules the next attempt, or
// switches to the simulator once the ceiling is reached.
func (s *Session) fail(err error) {
	s.attempts++
	if s.attempts >= s.config.MaxReconnectAttempts {
		log.Warn().
			Err(err).
			Str("peer_id", s.config.PeerID).
			Int("attempts", s.attempts).
			Msg("reconnect attempts exhausted, switching to simulator")
		s.startSimulator()
		return
	}

	delay := time.Duration(s.attempts) * s.config.BaseDelay
	log.Warn().
		Err(err).
		Str("peer_id", s.config.PeerID).
		Int("attempt", s.attempts).
		Dur("delay", delay).
		Msg("relay connection lost, reconnecting")
	s.setState(StateReconnecting)
	s.retryTimer = s.clock.NewTimer(delay)
}

func (s *Session) startSimulator() {
	s.generator = simulator.NewGenerator(s.config.Simulator, s.input, s.clock)
	s.ticker = s.clock.NewTicker(s.generator.TickRate())
	s.setState(StateSimulating)
}

func (s *Session) stopSimulator() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	s.generator = nil
}

func (s *Session) handleFrame(data []byte) {
	if s.state != StateConnected {
		return
	}
	m, err := wire.Decode(data)
	if err != nil {
		log.Debug().Err(err).Str("peer_id", s.config.PeerID).Msg("ignoring relay frame")
		return
	}
	if m.Type != wire.TypeSensorData {
		return
	}
	if s.config.DeviceFilter != "" && m.DeviceID != s.config.DeviceFilter {
		return
	}
	s.process(m.Sample(), false)
}

func (s *Session) process(sample telemetry.Sample, simulated bool) {
	out, ok := s.cond.Process(sample, simulated)
	if !ok {
		return
	}
	s.publish(out)
	s.updates.Notify(Update{Input: out, Sample: sample})
}

func (s *Session) publish(out conditioner.NormalizedInput) {
	s.mu.Lock()
	s.snapshot = out
	s.mu.Unlock()
}

func (s *Session) handleCommand(ctx context.Context, cmd command) conditioner.NormalizedInput {
	switch cmd.kind {
	case commandCalibrate:
		out := s.cond.Calibrate()
		s.publish(out)
		log.Info().Str("peer_id", s.config.PeerID).Msg("session calibrated")
		return out
	case commandRetry:
		if s.state == StateSimulating {
			s.stopSimulator()
			s.attempts = 0
			s.connect(ctx)
		}
	}
	return s.cond.Current()
}

func (s *Session) shutdown() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.stopSimulator()
	if s.channel != nil {
		_ = s.channel.Close()
		s.channel = nil
	}
	for {
		select {
		case ev := <-s.events:
			if ev.channel != nil {
				_ = ev.channel.Close()
			}
		default:
			return
		}
	}
}
