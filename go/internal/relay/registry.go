package relay

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tiltrelay/go/internal/telemetry"
	"github.com/mcdev12/tiltrelay/go/internal/wire"
)

// Role classifies a connection after it registers.
type Role int

const (
	RoleUnclassified Role = iota
	RolePublisher
	RoleDashboard
	RoleGame
)

var roles = [...]Role{RoleUnclassified, RolePublisher, RoleDashboard, RoleGame}

func (r Role) String() string {
	switch r {
	case RoleUnclassified:
		return "unclassified"
	case RolePublisher:
		return "publisher"
	case RoleDashboard:
		return "dashboard"
	case RoleGame:
		return "game"
	default:
		return "unknown"
	}
}

// Subscriber reports whether r receives sensor_data fan-out.
func (r Role) Subscriber() bool { return r == RoleDashboard || r == RoleGame }

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrMissingDeviceID   = errors.New("missing device id")
	ErrDeviceTaken       = errors.New("device id owned by another connection")
	ErrNotPublisher      = errors.New("connection is not a publisher")
)

// Connection is one live websocket peer.
type Connection struct {
	ID         uint64
	Role       Role
	PeerID     string
	RemoteAddr string
	CreatedAt  time.Time

	outbox Outbox
}

// Device is a publisher as seen by the registry. It never outlives the
// connection that owns it.
type Device struct {
	ID           string            `json:"deviceId"`
	Type         string            `json:"deviceType"`
	ConnectionID uint64            `json:"connectionId"`
	LastSample   *telemetry.Sample `json:"lastSample,omitempty"`
	LastUpdate   time.Time         `json:"lastUpdate"`
	Samples      uint64            `json:"samples"`
	JoinedAt     time.Time         `json:"joinedAt"`
}

// Meta is the registration metadata carried by a register message.
type Meta struct {
	DeviceID   string
	DeviceType string
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Connections   int       `json:"connections"`
	Unclassified  int       `json:"unclassified"`
	Publishers    int       `json:"publishers"`
	Dashboards    int       `json:"dashboards"`
	Games         int       `json:"games"`
	Devices       int       `json:"devices"`
	Messages      uint64    `json:"messages"`
	LaggedDropped uint64    `json:"laggedDropped"`
	StartedAt     time.Time `json:"startedAt"`
	UptimeSeconds float64   `json:"uptimeSeconds"`
}

// EventSink observes device lifecycle and samples. Calls happen on the hub
// goroutine, so implementations must not block.
type EventSink interface {
	DeviceJoined(d Device)
	DeviceLeft(d Device)
	SampleIngested(d Device, s telemetry.Sample)
}

// Registry holds every connection and device. It is owned by one goroutine
// and is not safe for concurrent use.
type Registry struct {
	clock   clockwork.Clock
	metrics MetricsCollector
	sinks   []EventSink

	startedAt time.Time
	nextID    uint64
	order     []uint64 // ascending, ids are allocated monotonically
	conns     map[uint64]*Connection
	devices   map[string]*Device
	owned     map[uint64]string // connection id -> device id

	messages uint64
	lagged   uint64
}

// NewRegistry returns an empty registry. A nil clock or metrics collector
// falls back to the real clock and a no-op collector.
func NewRegistry(clock clockwork.Clock, metrics MetricsCollector, sinks ...EventSink) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if metrics == nil {
		metrics = NoOpMetricsCollector{}
	}
	return &Registry{
		clock:     clock,
		metrics:   metrics,
		sinks:     sinks,
		startedAt: clock.Now(),
		conns:     make(map[uint64]*Connection),
		devices:   make(map[string]*Device),
		owned:     make(map[uint64]string),
	}
}

// Attach accepts a new unclassified connection that delivers through outbox.
func (r *Registry) Attach(outbox Outbox, remoteAddr string) *Connection {
	r.nextID++
	c := &Connection{
		ID:         r.nextID,
		Role:       RoleUnclassified,
		RemoteAddr: remoteAddr,
		CreatedAt:  r.clock.Now(),
		outbox:     outbox,
	}
	r.conns[c.ID] = c
	r.order = append(r.order, c.ID)
	r.recordConnections()

	log.Debug().
		Uint64("connection_id", c.ID).
		Str("remote_addr", remoteAddr).
		Int("total_connections", len(r.conns)).
		Msg("connection attached")
	return c
}

// Connection returns a copy of the live connection with the given id.
func (r *Registry) Connection(id uint64) (Connection, bool) {
	c, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// Handle dispatches one decoded inbound message from connection id.
func (r *Registry) Handle(id uint64, m wire.Message) error {
	r.messages++
	r.metrics.RecordMessage(string(m.Type))

	switch m.Type {
	case wire.TypeDeviceRegister:
		return r.Register(id, RolePublisher, Meta{DeviceID: m.DeviceID, DeviceType: m.DeviceType})
	case wire.TypeDashboardRegister:
		return r.Register(id, RoleDashboard, Meta{})
	case wire.TypeGameClientRegister:
		return r.Register(id, RoleGame, Meta{DeviceID: m.DeviceID})
	case wire.TypeSensorData:
		return r.Ingest(id, m.Sample())
	case wire.TypeDeviceDisconnect:
		return r.Register(id, RoleUnclassified, Meta{})
	default:
		return fmt.Errorf("%w: %q", wire.ErrUnknownType, m.Type)
	}
}

// Register binds a role and its metadata to a connection. Invalid metadata
// returns an error and leaves the connection as it was.
func (r *Registry) Register(id uint64, role Role, meta Meta) error {
	c, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownConnection, id)
	}

	switch role {
	case RolePublisher:
		if meta.DeviceID == "" {
			return fmt.Errorf("device_register: %w", ErrMissingDeviceID)
		}
		if d, taken := r.devices[meta.DeviceID]; taken && d.ConnectionID != id {
			return fmt.Errorf("%w: %s (connection %d)", ErrDeviceTaken, meta.DeviceID, d.ConnectionID)
		}
		if current, has := r.owned[id]; has && current != meta.DeviceID {
			r.retireDevice(c)
		}
		c.Role = RolePublisher
		c.PeerID = meta.DeviceID
		r.upsertDevice(c, meta)
	case RoleGame:
		if meta.DeviceID == "" {
			return fmt.Errorf("game_client_register: %w", ErrMissingDeviceID)
		}
		r.retireDevice(c)
		c.Role = RoleGame
		c.PeerID = meta.DeviceID
	case RoleDashboard:
		r.retireDevice(c)
		c.Role = RoleDashboard
		c.PeerID = ""
		r.replayDevices(c)
	case RoleUnclassified:
		r.retireDevice(c)
		c.Role = RoleUnclassified
		c.PeerID = ""
	default:
		return fmt.Errorf("unknown role %d", role)
	}
	r.recordConnections()

	log.Info().
		Uint64("connection_id", c.ID).
		Str("role", c.Role.String()).
		Str("peer_id", c.PeerID).
		Msg("connection registered")
	return nil
}

func (r *Registry) upsertDevice(c *Connection, meta Meta) {
	d, exists := r.devices[meta.DeviceID]
	if !exists {
		d = &Device{ID: meta.DeviceID, ConnectionID: c.ID, JoinedAt: r.clock.Now()}
		r.devices[d.ID] = d
		r.owned[c.ID] = d.ID
	}
	d.Type = meta.DeviceType
	r.metrics.SetDevices(len(r.devices))

	if frame, err := wire.DeviceJoined(d.ID, d.Type); err == nil {
		r.Broadcast(dashboards, frame)
	}
	if !exists {
		for _, s := range r.sinks {
			s.DeviceJoined(*d)
		}
	}
}

// retireDevice removes the device owned by c, if any, and tells dashboards.
func (r *Registry) retireDevice(c *Connection) {
	deviceID, ok := r.owned[c.ID]
	if !ok {
		return
	}
	d := r.devices[deviceID]
	delete(r.owned, c.ID)
	delete(r.devices, deviceID)
	r.metrics.SetDevices(len(r.devices))

	log.Info().
		Uint64("connection_id", c.ID).
		Str("device_id", d.ID).
		Uint64("samples", d.Samples).
		Msg("device disconnected")

	if frame, err := wire.DeviceLeft(d.ID, d.Type); err == nil {
		r.Broadcast(dashboards, frame)
	}
	for _, s := range r.sinks {
		s.DeviceLeft(*d)
	}
}

func (r *Registry) replayDevices(c *Connection) {
	for _, d := range r.Devices() {
		frame, err := wire.DeviceJoined(d.ID, d.Type)
		if err != nil {
			continue
		}
		only := func(other *Connection) bool { return other.ID == c.ID }
		r.Broadcast(only, frame)
	}
}

// Ingest stores a sample from a publisher and fans it out to every
// subscriber except the origin.
func (r *Registry) Ingest(id uint64, s telemetry.Sample) error {
	c, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownConnection, id)
	}
	if c.Role != RolePublisher {
		return fmt.Errorf("sensor_data from %s connection %d: %w", c.Role, id, ErrNotPublisher)
	}
	d := r.devices[r.owned[id]]

	now := r.clock.Now()
	if s.CapturedAt.IsZero() {
		s.CapturedAt = now
	}
	d.LastSample = &s
	d.LastUpdate = now
	d.Samples++

	frame, err := wire.SensorData(d.ID, d.Type, s)
	if err != nil {
		return err
	}
	delivered := r.Broadcast(func(other *Connection) bool {
		return other.ID != id && other.Role.Subscriber()
	}, frame)
	r.metrics.RecordFanout(delivered)

	for _, sink := range r.sinks {
		sink.SampleIngested(*d, s)
	}
	return nil
}

// Unregister removes a connection and closes its outbox. It reports whether
// the connection was live; calling it again is harmless.
func (r *Registry) Unregister(id uint64) bool {
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	r.retireDevice(c)
	delete(r.conns, id)
	i := sort.Search(len(r.order), func(i int) bool { return r.order[i] >= id })
	if i < len(r.order) && r.order[i] == id {
		r.order = append(r.order[:i], r.order[i+1:]...)
	}
	c.outbox.Close()
	r.recordConnections()

	log.Info().
		Uint64("connection_id", c.ID).
		Str("role", c.Role.String()).
		Str("peer_id", c.PeerID).
		Int("total_connections", len(r.conns)).
		Msg("connection unregistered")
	return true
}

// Broadcast sends frame to every connection matching pred, in connection id
// order, and returns how many accepted it. A failed send is logged and
// skipped. Connections whose outbox is full are unregistered once the
// fan-out completes.
func (r *Registry) Broadcast(pred func(*Connection) bool, frame []byte) int {
	var delivered int
	var lagging []uint64

	for _, id := range r.order {
		c := r.conns[id]
		if !pred(c) {
			continue
		}
		if err := c.outbox.Send(frame); err != nil {
			r.metrics.RecordSendFailure(c.Role)
			if errors.Is(err, ErrOutboxFull) {
				lagging = append(lagging, id)
			}
			log.Warn().
				Err(err).
				Uint64("connection_id", c.ID).
				Str("role", c.Role.String()).
				Msg("failed to queue frame")
			continue
		}
		delivered++
	}

	for _, id := range lagging {
		if r.Unregister(id) {
			r.lagged++
			r.metrics.RecordLaggardDropped()
		}
	}
	return delivered
}

// Devices returns a snapshot of every device sorted by id.
func (r *Registry) Devices() []Device {
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats summarizes the registry without modifying it.
func (r *Registry) Stats() Stats {
	st := Stats{
		Connections:   len(r.conns),
		Devices:       len(r.devices),
		Messages:      r.messages,
		LaggedDropped: r.lagged,
		StartedAt:     r.startedAt,
		UptimeSeconds: r.clock.Since(r.startedAt).Seconds(),
	}
	for _, c := range r.conns {
		switch c.Role {
		case RoleUnclassified:
			st.Unclassified++
		case RolePublisher:
			st.Publishers++
		case RoleDashboard:
			st.Dashboards++
		case RoleGame:
			st.Games++
		}
	}
	return st
}

// Close unregisters every connection.
func (r *Registry) Close() {
	for len(r.order) > 0 {
		r.Unregister(r.order[0])
	}
}

func (r *Registry) recordConnections() {
	var counts [len(roles)]int
	for _, c := range r.conns {
		counts[c.Role]++
	}
	for _, role := range roles {
		r.metrics.SetConnections(role, counts[role])
	}
}

func dashboards(c *Connection) bool { return c.Role == RoleDashboard }
