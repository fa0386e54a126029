// Package relay is the websocket hub that phones publish sensor samples to and
// that dashboards and game clients subscribe to.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tiltrelay/go/internal/wire"
)

var ErrHubStopped = errors.New("hub is not running")

type hubEventKind int

const (
	hubAttach hubEventKind = iota
	hubFrame
	hubLeave
	hubQuery
)

type hubEvent struct {
	kind       hubEventKind
	id         uint64
	outbox     Outbox
	remoteAddr string
	frame      []byte
	query      func(*Registry)
	attached   chan uint64
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithClock replaces the real clock.
func WithClock(c clockwork.Clock) HubOption { return func(h *Hub) { h.clock = c } }

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) HubOption { return func(h *Hub) { h.metrics = m } }

// WithSink adds an EventSink.
func WithSink(s EventSink) HubOption { return func(h *Hub) { h.sinks = append(h.sinks, s) } }

// WithStatsInterval sets how often the hub logs its stats. Zero disables it.
func WithStatsInterval(d time.Duration) HubOption { return func(h *Hub) { h.statsInterval = d } }

// WithEventBuffer sets the capacity of the inbound event queue.
func WithEventBuffer(n int) HubOption { return func(h *Hub) { h.bufferSize = n } }

// Hub serializes every registry mutation through one goroutine. Read pumps
// post events to it and never touch the registry directly.
type Hub struct {
	clock         clockwork.Clock
	metrics       MetricsCollector
	sinks         []EventSink
	statsInterval time.Duration
	bufferSize    int

	registry *Registry
	events   chan hubEvent
	done     chan struct{}
}

// NewHub returns a hub; call Run to start it.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		statsInterval: 30 * time.Second,
		bufferSize:    1024,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.clock == nil {
		h.clock = clockwork.NewRealClock()
	}
	if h.metrics == nil {
		h.metrics = NoOpMetricsCollector{}
	}
	h.registry = NewRegistry(h.clock, h.metrics, h.sinks...)
	h.events = make(chan hubEvent, h.bufferSize)
	return h
}

// Run processes events until ctx is done, then unregisters every connection.
func (h *Hub) Run(ctx context.Context) error {
	log.Info().Msg("relay hub started")
	defer close(h.done)

	var tick <-chan time.Time
	if h.statsInterval > 0 {
		ticker := h.clock.NewTicker(h.statsInterval)
		defer ticker.Stop()
		tick = ticker.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			h.registry.Close()
			log.Info().Msg("relay hub stopped")
			return nil
		case ev := <-h.events:
			h.handle(ev)
		case <-tick:
			st := h.registry.Stats()
			log.Info().
				Int("connections", st.Connections).
				Int("publishers", st.Publishers).
				Int("dashboards", st.Dashboards).
				Int("games", st.Games).
				Int("devices", st.Devices).
				Uint64("messages", st.Messages).
				Uint64("lagged_dropped", st.LaggedDropped).
				Msg("relay stats")
		}
	}
}

func (h *Hub) handle(ev hubEvent) {
	switch ev.kind {
	case hubAttach:
		c := h.registry.Attach(ev.outbox, ev.remoteAddr)
		ev.attached <- c.ID
	case hubFrame:
		h.handleFrame(ev.id, ev.frame)
	case hubLeave:
		h.registry.Unregister(ev.id)
	case hubQuery:
		ev.query(h.registry)
	}
}

func (h *Hub) handleFrame(id uint64, frame []byte) {
	m, err := wire.Decode(frame)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownType) {
			log.Debug().Err(err).Uint64("connection_id", id).Msg("ignoring message")
			return
		}
		log.Warn().Err(err).Uint64("connection_id", id).Msg("malformed message")
		return
	}
	if err := h.registry.Handle(id, m); err != nil {
		log.Warn().
			Err(err).
			Uint64("connection_id", id).
			Str("type", string(m.Type)).
			Msg("message rejected")
	}
}

func (h *Hub) post(ctx context.Context, ev hubEvent) error {
	// The events buffer may still have room after Run returns.
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	select {
	case h.events <- ev:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach registers a new unclassified connection and returns its id.
func (h *Hub) Attach(ctx context.Context, outbox Outbox, remoteAddr string) (uint64, error) {
	ev := hubEvent{kind: hubAttach, outbox: outbox, remoteAddr: remoteAddr, attached: make(chan uint64, 1)}
	if err := h.post(ctx, ev); err != nil {
		return 0, err
	}
	select {
	case id := <-ev.attached:
		return id, nil
	case <-h.done:
		return 0, ErrHubStopped
	}
}

// Deliver queues an inbound frame from connection id. It reports false once
// the hub has stopped.
func (h *Hub) Deliver(id uint64, frame []byte) bool {
	return h.post(context.Background(), hubEvent{kind: hubFrame, id: id, frame: frame}) == nil
}

// Leave unregisters connection id. It is safe to call after the hub stopped.
func (h *Hub) Leave(id uint64) {
	_ = h.post(context.Background(), hubEvent{kind: hubLeave, id: id})
}

// Query runs fn on the hub goroutine and waits for it to return. fn must not
// retain the registry.
func (h *Hub) Query(ctx context.Context, fn func(*Registry)) error {
	finished := make(chan struct{})
	ev := hubEvent{kind: hubQuery, query: func(r *Registry) {
		fn(r)
		close(finished)
	}}
	if err := h.post(ctx, ev); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-h.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrHubStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a registry snapshot taken on the hub goroutine.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := h.Query(ctx, func(r *Registry) { st = r.Stats() }); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// Devices returns the registered devices sorted by id.
func (h *Hub) Devices(ctx context.Context) ([]Device, error) {
	var out []Device
	if err := h.Query(ctx, func(r *Registry) { out = r.Devices() }); err != nil {
		return nil, err
	}
	return out, nil
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} { return h.done }
