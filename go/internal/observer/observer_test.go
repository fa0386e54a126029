package observer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifyInRegistrationOrder(t *testing.T) {
	var l List[int]
	var got []string

	l.Add(func(v int) { got = append(got, "a") })
	l.Add(func(v int) { got = append(got, "b") })
	l.Add(func(v int) { got = append(got, "c") })

	l.Notify(1)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestRemove(t *testing.T) {
	var l List[string]
	calls := 0
	remove := l.Add(func(string) { calls++ })

	l.Notify("x")
	remove()
	remove()
	l.Notify("y")

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, l.Len())
}

func TestListenerMayUnregisterItself(t *testing.T) {
	var l List[int]
	var remove func()
	calls := 0
	remove = l.Add(func(int) {
		calls++
		remove()
	})

	l.Notify(1)
	l.Notify(2)
	assert.Equal(t, 1, calls)
}
