package archive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/tiltrelay/go/internal/relay"
)

type memoryStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	openErr  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{sessions: make(map[uuid.UUID]*Session)}
}

func (m *memoryStore) Open(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.sessions[s.ID] = &s
	return nil
}

func (m *memoryStore) Finish(_ context.Context, id uuid.UUID, leftAt time.Time, samples uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.LeftAt = &leftAt
	s.Samples = samples
	return nil
}

func (m *memoryStore) all() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	return out
}

func runRecorder(t *testing.T, r *Recorder) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestRecorderArchivesDeviceSession(t *testing.T) {
	store := newMemoryStore()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	r := NewRecorder(store, 8, clock)
	runRecorder(t, r)

	d := relay.Device{ID: "phone-1", Type: "ios", ConnectionID: 3, JoinedAt: clock.Now()}
	r.DeviceJoined(d)
	clock.Advance(time.Minute)
	d.Samples = 1200
	r.DeviceLeft(d)

	require.Eventually(t, func() bool {
		all := store.all()
		return len(all) == 1 && all[0].LeftAt != nil
	}, time.Second, 5*time.Millisecond)

	s := store.all()[0]
	assert.Equal(t, "phone-1", s.DeviceID)
	assert.Equal(t, "ios", s.DeviceType)
	assert.Equal(t, uint64(3), s.ConnectionID)
	assert.Equal(t, uint64(1200), s.Samples)
	assert.Equal(t, time.Minute, s.LeftAt.Sub(s.JoinedAt))
}

func TestRecorderDropsWhenFull(t *testing.T) {
	r := NewRecorder(newMemoryStore(), 2, clockwork.NewFakeClock())
	for i := 0; i < 5; i++ {
		r.DeviceJoined(relay.Device{ID: "phone-1", ConnectionID: uint64(i)})
	}
	assert.Equal(t, uint64(3), r.Dropped())
}

func TestRecorderFlushesOnShutdown(t *testing.T) {
	store := newMemoryStore()
	r := NewRecorder(store, 8, clockwork.NewFakeClock())
	r.DeviceJoined(relay.Device{ID: "phone-1", ConnectionID: 1})
	r.DeviceJoined(relay.Device{ID: "phone-2", ConnectionID: 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))
	assert.Len(t, store.all(), 2)
}

func TestRecorderSkipsLeaveAfterFailedOpen(t *testing.T) {
	store := newMemoryStore()
	store.openErr = errors.New("connection refused")
	r := NewRecorder(store, 8, clockwork.NewFakeClock())

	ctx := context.Background()
	d := relay.Device{ID: "phone-1", ConnectionID: 1}
	r.write(ctx, event{kind: eventJoined, device: d})
	r.write(ctx, event{kind: eventLeft, device: d})

	assert.Empty(t, store.all())
	assert.Empty(t, r.open)
}

func TestRecorderKeysByConnection(t *testing.T) {
	store := newMemoryStore()
	r := NewRecorder(store, 8, clockwork.NewFakeClock())
	ctx := context.Background()

	first := relay.Device{ID: "phone-1", ConnectionID: 1}
	second := relay.Device{ID: "phone-1", ConnectionID: 2}
	r.write(ctx, event{kind: eventJoined, device: first})
	r.write(ctx, event{kind: eventLeft, device: first})
	r.write(ctx, event{kind: eventJoined, device: second})

	all := store.all()
	require.Len(t, all, 2)
	var finished, live int
	for _, s := range all {
		if s.LeftAt != nil {
			finished++
		} else {
			live++
		}
	}
	assert.Equal(t, 1, finished)
	assert.Equal(t, 1, live)
}
