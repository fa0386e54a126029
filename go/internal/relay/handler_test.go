package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/tiltrelay/go/internal/telemetry"
	"github.com/mcdev12/tiltrelay/go/internal/wire"
)

func startServer(t *testing.T) (*Service, *httptest.Server) {
	t.Helper()
	svc := NewService(DefaultConfig(), WithPrometheus(prometheus.NewRegistry()))
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = svc.Start(ctx) }()

	srv := httptest.NewServer(svc.HTTPHandler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-svc.Hub().Done()
	})
	return svc, srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// send returns a func that writes a frame builder's results to conn, e.g.
// send(t, conn)(wire.DashboardRegister()).
func send(t *testing.T, conn *websocket.Conn) func([]byte, error) {
	t.Helper()
	return func(frame []byte, err error) {
		t.Helper()
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
	}
}

// readUntil reads frames until one of type want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want wire.Type) wire.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err)
		m, err := wire.Decode(frame)
		require.NoError(t, err)
		if m.Type == want {
			return m
		}
	}
}

func waitStats(t *testing.T, svc *Service, cond func(Stats) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := svc.Hub().Stats(context.Background())
		return err == nil && cond(st)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketRoundTrip(t *testing.T) {
	svc, srv := startServer(t)

	dash := dial(t, srv, "/ws")
	game := dial(t, srv, "/ws")
	phone := dial(t, srv, "/")

	send(t, dash)(wire.DashboardRegister())
	send(t, game)(wire.GameClientRegister("game-1"))
	waitStats(t, svc, func(st Stats) bool { return st.Dashboards == 1 && st.Games == 1 })

	send(t, phone)(wire.DeviceRegister("phone-1", "ios"))
	waitStats(t, svc, func(st Stats) bool { return st.Devices == 1 })

	joined := readUntil(t, dash, wire.TypeDeviceRegister)
	assert.Equal(t, "phone-1", joined.DeviceID)
	assert.Equal(t, "ios", joined.DeviceType)

	send(t, phone)(wire.SensorData("phone-1", "", telemetry.Sample{
		Orientation: &telemetry.Orientation{Alpha: 90, Beta: 10, Gamma: -20},
		CapturedAt:  time.UnixMilli(1234),
	}))

	for _, conn := range []*websocket.Conn{dash, game} {
		m := readUntil(t, conn, wire.TypeSensorData)
		assert.Equal(t, "phone-1", m.DeviceID)
		assert.Equal(t, "ios", m.DeviceType)
		assert.Equal(t, float64(1234), m.Timestamp)
		require.NotNil(t, m.Data)
		require.NotNil(t, m.Data.Orientation)
		assert.Equal(t, -20.0, m.Data.Orientation.Gamma)
	}

	require.NoError(t, phone.Close())
	left := readUntil(t, dash, wire.TypeDeviceDisconnect)
	assert.Equal(t, "phone-1", left.DeviceID)
	waitStats(t, svc, func(st Stats) bool { return st.Devices == 0 && st.Publishers == 0 })
}

func TestMalformedFrameKeepsSocketOpen(t *testing.T) {
	svc, srv := startServer(t)
	conn := dial(t, srv, "/ws")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	send(t, conn)(wire.DashboardRegister())
	waitStats(t, svc, func(st Stats) bool { return st.Dashboards == 1 })
}

func TestJSONRoutes(t *testing.T) {
	svc, srv := startServer(t)
	phone := dial(t, srv, "/ws")
	send(t, phone)(wire.DeviceRegister("phone-1", "android"))
	waitStats(t, svc, func(st Stats) bool { return st.Devices == 1 })

	get := func(path string) (*http.Response, []byte) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, body
	}

	resp, body := get("/stats")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var st Stats
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, 1, st.Publishers)
	assert.Equal(t, 1, st.Devices)

	resp, body = get("/api/devices")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var devices struct {
		Devices []Device `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(body, &devices))
	require.Len(t, devices.Devices, 1)
	assert.Equal(t, "phone-1", devices.Devices[0].ID)
	assert.Equal(t, "android", devices.Devices[0].Type)

	resp, body = get("/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, body = get("/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "tiltrelay_hub_devices 1")
	assert.Contains(t, string(body), `tiltrelay_hub_messages_total{type="device_register"} 1`)
}
