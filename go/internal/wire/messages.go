// Package wire defines the JSON messages exchanged between phones, the relay,
// dashboards and game clients.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mcdev12/tiltrelay/go/internal/telemetry"
)

// Type is the message discriminator carried in the "type" field
type Type string

const (
	TypeDeviceRegister     Type = "device_register"
	TypeDashboardRegister  Type = "dashboard_register"
	TypeGameClientRegister Type = "game_client_register"
	TypeSensorData         Type = "sensor_data"
	TypeDeviceDisconnect   Type = "device_disconnect"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

// Message is the single envelope used for every message type. Fields that a
// type does not use are left empty.
type Message struct {
	Type       Type              `json:"type"`
	DeviceID   string            `json:"deviceId,omitempty"`
	DeviceType string            `json:"deviceType,omitempty"`
	Data       *telemetry.Sample `json:"data,omitempty"`
	Timestamp  float64           `json:"timestamp,omitempty"` // ms since epoch, may be fractional
}

// Sample returns the payload of a sensor_data message with its capture time set.
func (m Message) Sample() telemetry.Sample {
	if m.Data == nil {
		return telemetry.Sample{CapturedAt: telemetry.FromMillis(m.Timestamp)}
	}
	s := *m.Data
	s.CapturedAt = telemetry.FromMillis(m.Timestamp)
	return s
}

// Decode parses one frame. Frames that are not JSON objects or lack a type
// return ErrMalformed; unrecognized types return the decoded message together
// with ErrUnknownType so callers can log and ignore them.
func Decode(frame []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch m.Type {
	case TypeDeviceRegister, TypeDashboardRegister, TypeGameClientRegister, TypeSensorData, TypeDeviceDisconnect:
		return m, nil
	case "":
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return m, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
}

// Encode marshals any message.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return data, nil
}

// SensorData builds the sensor_data frame the relay fans out.
func SensorData(deviceID, deviceType string, s telemetry.Sample) ([]byte, error) {
	return Encode(Message{
		Type:       TypeSensorData,
		DeviceID:   deviceID,
		DeviceType: deviceType,
		Data:       &s,
		Timestamp:  telemetry.Millis(s.CapturedAt),
	})
}

// DeviceJoined builds the device_register notification sent to dashboards.
func DeviceJoined(deviceID, deviceType string) ([]byte, error) {
	return Encode(Message{Type: TypeDeviceRegister, DeviceID: deviceID, DeviceType: deviceType})
}

// DeviceLeft builds the device_disconnect notification sent to dashboards.
func DeviceLeft(deviceID, deviceType string) ([]byte, error) {
	return Encode(Message{Type: TypeDeviceDisconnect, DeviceID: deviceID, DeviceType: deviceType})
}

// GameClientRegister builds the registration a game session sends on open.
func GameClientRegister(peerID string) ([]byte, error) {
	return Encode(Message{Type: TypeGameClientRegister, DeviceID: peerID})
}

// DashboardRegister builds a dashboard registration.
func DashboardRegister() ([]byte, error) {
	return Encode(Message{Type: TypeDashboardRegister})
}

// DeviceRegister builds the registration a phone sends on open.
func DeviceRegister(deviceID, deviceType string) ([]byte, error) {
	return Encode(Message{Type: TypeDeviceRegister, DeviceID: deviceID, DeviceType: deviceType})
}
