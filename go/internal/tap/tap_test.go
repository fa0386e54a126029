package tap

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/tiltrelay/go/internal/relay"
	"github.com/mcdev12/tiltrelay/go/internal/telemetry"
	"github.com/mcdev12/tiltrelay/go/internal/wire"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{subject, data})
	return nil
}

func TestDeviceLifecycleSubjects(t *testing.T) {
	pub := &fakePublisher{}
	tp := New(pub, Config{Prefix: "lab"})
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tp.now = func() time.Time { return at }

	d := relay.Device{ID: "phone-1", Type: "ios", ConnectionID: 7, Samples: 12}
	tp.DeviceJoined(d)
	tp.DeviceLeft(d)

	require.Len(t, pub.msgs, 2)
	assert.Equal(t, "lab.devices.phone-1.joined", pub.msgs[0].subject)
	assert.Equal(t, "lab.devices.phone-1.left", pub.msgs[1].subject)

	var ev DeviceEvent
	require.NoError(t, json.Unmarshal(pub.msgs[1].data, &ev))
	assert.Equal(t, "left", ev.Event)
	assert.Equal(t, uint64(7), ev.ConnectionID)
	assert.Equal(t, uint64(12), ev.Samples)
	assert.True(t, ev.At.Equal(at))
}

func TestSamplesUseWireFrame(t *testing.T) {
	pub := &fakePublisher{}
	tp := New(pub, DefaultConfig())

	d := relay.Device{ID: "phone-1", Type: "android"}
	tp.SampleIngested(d, telemetry.Sample{
		Accelerometer: &telemetry.Vector3{X: 0, Y: 0, Z: 9.81},
		CapturedAt:    time.UnixMilli(4242),
	})

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "tiltrelay.devices.phone-1.samples", pub.msgs[0].subject)
	m, err := wire.Decode(pub.msgs[0].data)
	require.NoError(t, err)
	assert.Equal(t, wire.TypeSensorData, m.Type)
	assert.Equal(t, "android", m.DeviceType)
	assert.Equal(t, float64(4242), m.Timestamp)
}

func TestSamplesCanBeDisabled(t *testing.T) {
	pub := &fakePublisher{}
	tp := New(pub, Config{Samples: false})
	tp.SampleIngested(relay.Device{ID: "phone-1"}, telemetry.Sample{})
	assert.Empty(t, pub.msgs)
}

func TestSubjectEscapesReservedCharacters(t *testing.T) {
	tp := New(&fakePublisher{}, Config{Prefix: "p"})
	assert.Equal(t, "p.devices.a_b_c_d.joined", tp.Subject("a.b*c>d", "joined"))
	assert.Equal(t, "p.devices._.left", tp.Subject("", "left"))
}

func TestPublishErrorsAreSwallowed(t *testing.T) {
	tp := New(&fakePublisher{err: errors.New("nats: outbound buffer limit exceeded")}, DefaultConfig())
	assert.NotPanics(t, func() { tp.DeviceJoined(relay.Device{ID: "phone-1"}) })
	assert.NoError(t, tp.Close())
}
