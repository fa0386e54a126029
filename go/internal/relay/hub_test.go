package relay

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/tiltrelay/go/internal/wire"
)

func startHub(t *testing.T, opts ...HubOption) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub(append([]HubOption{WithClock(clockwork.NewFakeClock())}, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})
	return h, cancel
}

// mustFrame returns a func that accepts a frame builder's results directly,
// e.g. mustFrame(t)(wire.DashboardRegister()).
func mustFrame(t *testing.T) func([]byte, error) []byte {
	t.Helper()
	return func(frame []byte, err error) []byte {
		t.Helper()
		require.NoError(t, err)
		return frame
	}
}

func TestHubRoutesFramesThroughLoop(t *testing.T) {
	h, _ := startHub(t)
	ctx := context.Background()

	phoneOut, gameOut := &fakeOutbox{}, &fakeOutbox{}
	phone, err := h.Attach(ctx, phoneOut, "10.0.0.1:5000")
	require.NoError(t, err)
	game, err := h.Attach(ctx, gameOut, "10.0.0.2:5000")
	require.NoError(t, err)

	require.True(t, h.Deliver(game, mustFrame(t)(wire.GameClientRegister("game-1"))))
	require.True(t, h.Deliver(phone, mustFrame(t)(wire.DeviceRegister("phone-1", "phone"))))
	require.True(t, h.Deliver(phone, []byte(`{"oops"`)))
	require.True(t, h.Deliver(phone, []byte(`{"type":"telemetry_v2"}`)))
	require.True(t, h.Deliver(phone, []byte(`{"type":"sensor_data","deviceId":"phone-1","data":{"orientation":{"alpha":1,"beta":2,"gamma":3}},"timestamp":99}`)))

	require.Eventually(t, func() bool { return len(gameOut.messages(t)) == 1 }, time.Second, 5*time.Millisecond)
	m := gameOut.messages(t)[0]
	assert.Equal(t, wire.TypeSensorData, m.Type)
	assert.Equal(t, "phone", m.DeviceType)
	assert.Equal(t, float64(99), m.Timestamp)

	st, err := h.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Publishers)
	assert.Equal(t, 1, st.Games)
	assert.Equal(t, uint64(3), st.Messages, "malformed and unknown frames are not processed")
	assert.False(t, phoneOut.isClosed(), "malformed frames keep the connection open")

	devices, err := h.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, uint64(1), devices[0].Samples)

	h.Leave(phone)
	h.Leave(phone)
	require.Eventually(t, func() bool {
		st, err := h.Stats(ctx)
		return err == nil && st.Devices == 0 && st.Connections == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, phoneOut.isClosed())
}

func TestHubShutdownClosesConnections(t *testing.T) {
	h, cancel := startHub(t)
	ctx := context.Background()

	out := &fakeOutbox{}
	_, err := h.Attach(ctx, out, "10.0.0.1:5000")
	require.NoError(t, err)

	cancel()
	<-h.Done()
	assert.True(t, out.isClosed())

	_, err = h.Stats(ctx)
	assert.ErrorIs(t, err, ErrHubStopped)
	_, err = h.Attach(ctx, &fakeOutbox{}, "10.0.0.3:5000")
	assert.ErrorIs(t, err, ErrHubStopped)
	assert.False(t, h.Deliver(1, []byte(`{}`)))
}

type countingMetrics struct {
	NoOpMetricsCollector
	messages chan string
}

func (m *countingMetrics) RecordMessage(messageType string) { m.messages <- messageType }

func TestHubReportsMetrics(t *testing.T) {
	metrics := &countingMetrics{messages: make(chan string, 8)}
	h, _ := startHub(t, WithMetrics(metrics))
	ctx := context.Background()

	id, err := h.Attach(ctx, &fakeOutbox{}, "10.0.0.1:5000")
	require.NoError(t, err)
	require.True(t, h.Deliver(id, mustFrame(t)(wire.DashboardRegister())))

	select {
	case got := <-metrics.messages:
		assert.Equal(t, string(wire.TypeDashboardRegister), got)
	case <-time.After(time.Second):
		t.Fatal("no metric recorded")
	}
}
