package telemetry

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidGroup(t *testing.T) {
	s := Sample{
		Orientation:   &Orientation{Alpha: 370, Beta: 0, Gamma: 0},
		Accelerometer: &Vector3{X: 1, Y: 2, Z: math.NaN()},
		Gyroscope:     &Vector3{X: 1, Y: 2, Z: 3},
	}

	assert.False(t, s.ValidGroup(GroupOrientation), "alpha out of range")
	assert.False(t, s.ValidGroup(GroupAccelerometer), "NaN component")
	assert.True(t, s.ValidGroup(GroupGyroscope))
	assert.True(t, s.HasValidGroup())

	s.Gyroscope.X = math.Inf(1)
	assert.False(t, s.HasValidGroup())
}

func TestOrientationBounds(t *testing.T) {
	cases := []struct {
		o     Orientation
		valid bool
	}{
		{Orientation{Alpha: 0, Beta: -180, Gamma: -90}, true},
		{Orientation{Alpha: 360, Beta: 180, Gamma: 90}, true},
		{Orientation{Alpha: -0.1, Beta: 0, Gamma: 0}, false},
		{Orientation{Alpha: 0, Beta: 180.5, Gamma: 0}, false},
		{Orientation{Alpha: 0, Beta: 0, Gamma: -90.01}, false},
	}
	for _, c := range cases {
		o := c.o
		assert.Equal(t, c.valid, Sample{Orientation: &o}.ValidGroup(GroupOrientation), "%+v", c.o)
	}
}

func TestMissingGroupIsInvalid(t *testing.T) {
	assert.False(t, Sample{}.HasValidGroup())
	_, ok := Sample{}.Group(GroupGyroscope)
	assert.False(t, ok)
}

func TestMillisRoundTrip(t *testing.T) {
	assert.True(t, FromMillis(0).IsZero())
	assert.Equal(t, 0.0, Millis(FromMillis(0)))
	assert.Equal(t, 1234.0, Millis(FromMillis(1234)))
	assert.Equal(t, time.UnixMilli(1234), FromMillis(1234))
}

func TestFractionalMillis(t *testing.T) {
	at := FromMillis(1712345678901.5)
	assert.Equal(t, time.UnixMilli(1712345678901).Add(500*time.Microsecond), at)
	assert.Equal(t, 1712345678901.5, Millis(at))

	assert.True(t, FromMillis(math.NaN()).IsZero())
	assert.True(t, FromMillis(math.Inf(1)).IsZero())
}

func TestNullComponentsAreMissing(t *testing.T) {
	var s Sample
	require.NoError(t, json.Unmarshal([]byte(`{"orientation":{"alpha":null,"beta":10,"gamma":20},"accelerometer":{"x":1,"y":2},"gyroscope":{"x":1,"y":2,"z":3}}`), &s))

	require.NotNil(t, s.Orientation)
	assert.Equal(t, 10.0, s.Orientation.Beta)
	assert.False(t, s.ValidGroup(GroupOrientation), "null alpha is not a reading of 0")
	assert.False(t, s.ValidGroup(GroupAccelerometer), "omitted z")
	assert.True(t, s.ValidGroup(GroupGyroscope))

	out, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"orientation":{"alpha":null,"beta":10,"gamma":20},"accelerometer":{"x":1,"y":2,"z":null},"gyroscope":{"x":1,"y":2,"z":3}}`, string(out))
}

func TestLiteralGroupsHaveAllComponents(t *testing.T) {
	s := Sample{Orientation: &Orientation{Alpha: 0, Beta: 0, Gamma: 0}}
	assert.True(t, s.ValidGroup(GroupOrientation))

	out, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"orientation":{"alpha":0,"beta":0,"gamma":0}}`, string(out))
}
