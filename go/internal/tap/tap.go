// Package tap mirrors relay device lifecycle and samples onto NATS subjects
// for consumers outside the relay process.
package tap

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tiltrelay/go/internal/relay"
	"github.com/mcdev12/tiltrelay/go/internal/telemetry"
	"github.com/mcdev12/tiltrelay/go/internal/wire"
)

// Publisher is the subset of *nats.Conn the tap needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config holds configuration for the NATS tap.
type Config struct {
	URL string
	// Prefix roots every subject: <prefix>.devices.<id>.joined
	Prefix string
	// Samples also publishes every sensor_data frame.
	Samples       bool
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns default tap configuration.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Prefix:        "tiltrelay",
		Samples:       true,
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// DeviceEvent is published on the joined and left subjects.
type DeviceEvent struct {
	Event        string    `json:"event"`
	DeviceID     string    `json:"deviceId"`
	DeviceType   string    `json:"deviceType"`
	ConnectionID uint64    `json:"connectionId"`
	Samples      uint64    `json:"samples"`
	JoinedAt     time.Time `json:"joinedAt"`
	At           time.Time `json:"at"`
}

// Tap implements relay.EventSink over NATS core publish, which buffers in the
// client and never blocks the hub.
type Tap struct {
	pub    Publisher
	conn   *nats.Conn
	config Config
	now    func() time.Time
}

var _ relay.EventSink = (*Tap)(nil)

// New returns a tap publishing through pub.
func New(pub Publisher, config Config) *Tap {
	if config.Prefix == "" {
		config.Prefix = DefaultConfig().Prefix
	}
	return &Tap{pub: pub, config: config, now: time.Now}
}

// Connect dials NATS and returns a tap that owns the connection.
func Connect(config Config) (*Tap, error) {
	opts := []nats.Option{
		nats.Name("tiltrelay"),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	t := New(nc, config)
	t.conn = nc
	log.Info().Str("url", nc.ConnectedUrl()).Str("prefix", t.config.Prefix).Msg("telemetry tap connected")
	return t, nil
}

// Close drains the owned connection, if any.
func (t *Tap) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Drain()
}

// Subject returns the subject for kind events of deviceID. Characters NATS
// reserves for tokens and wildcards are replaced.
func (t *Tap) Subject(deviceID, kind string) string {
	return t.config.Prefix + ".devices." + subjectToken(deviceID) + "." + kind
}

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

func (t *Tap) DeviceJoined(d relay.Device) { t.publishDevice("joined", d) }

func (t *Tap) DeviceLeft(d relay.Device) { t.publishDevice("left", d) }

func (t *Tap) SampleIngested(d relay.Device, s telemetry.Sample) {
	if !t.config.Samples {
		return
	}
	frame, err := wire.SensorData(d.ID, d.Type, s)
	if err != nil {
		log.Warn().Err(err).Str("device_id", d.ID).Msg("failed to encode sample for tap")
		return
	}
	t.publish(t.Subject(d.ID, "samples"), frame)
}

func (t *Tap) publishDevice(kind string, d relay.Device) {
	data, err := json.Marshal(DeviceEvent{
		Event:        kind,
		DeviceID:     d.ID,
		DeviceType:   d.Type,
		ConnectionID: d.ConnectionID,
		Samples:      d.Samples,
		JoinedAt:     d.JoinedAt,
		At:           t.now(),
	})
	if err != nil {
		log.Warn().Err(err).Str("device_id", d.ID).Msg("failed to encode device event")
		return
	}
	t.publish(t.Subject(d.ID, kind), data)
}

func (t *Tap) publish(subject string, data []byte) {
	if err := t.pub.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("tap publish failed")
	}
}
