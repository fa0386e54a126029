package archive

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tiltrelay/go/internal/relay"
	"github.com/mcdev12/tiltrelay/go/internal/telemetry"
)

type eventKind int

const (
	eventJoined eventKind = iota
	eventLeft
)

type event struct {
	kind   eventKind
	device relay.Device
	at     time.Time
}

type sessionKey struct {
	deviceID     string
	connectionID uint64
}

// Recorder is a relay.EventSink that writes device sessions to a Store from
// its own goroutine. Events that do not fit the buffer are dropped.
type Recorder struct {
	store   Store
	clock   clockwork.Clock
	events  chan event
	dropped atomic.Uint64
	newID   func() uuid.UUID

	// Owned by Run.
	open map[sessionKey]uuid.UUID
}

var _ relay.EventSink = (*Recorder)(nil)

// NewRecorder returns a recorder buffering up to size events.
func NewRecorder(store Store, size int, clock clockwork.Clock) *Recorder {
	if size <= 0 {
		size = 1024
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Recorder{
		store:  store,
		clock:  clock,
		events: make(chan event, size),
		newID:  uuid.New,
		open:   make(map[sessionKey]uuid.UUID),
	}
}

func (r *Recorder) DeviceJoined(d relay.Device) { r.enqueue(eventJoined, d) }

func (r *Recorder) DeviceLeft(d relay.Device) { r.enqueue(eventLeft, d) }

// SampleIngested is a no-op; the sample count is written when the device
// leaves.
func (r *Recorder) SampleIngested(relay.Device, telemetry.Sample) {}

// Dropped returns how many events were lost to a full buffer.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

func (r *Recorder) enqueue(kind eventKind, d relay.Device) {
	select {
	case r.events <- event{kind: kind, device: d, at: r.clock.Now()}:
	default:
		r.dropped.Add(1)
		log.Warn().
			Str("device_id", d.ID).
			Uint64("dropped", r.dropped.Load()).
			Msg("archive buffer full, dropping device event")
	}
}

// Run writes events until ctx is done, then flushes what is already queued
// with a short deadline.
func (r *Recorder) Run(ctx context.Context) error {
	log.Info().Int("buffer", cap(r.events)).Msg("archive recorder started")
	for {
		select {
		case <-ctx.Done():
			r.flush()
			log.Info().Msg("archive recorder stopped")
			return nil
		case ev := <-r.events:
			r.write(ctx, ev)
		}
	}
}

func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-r.events:
			r.write(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, ev event) {
	d := ev.device
	key := sessionKey{deviceID: d.ID, connectionID: d.ConnectionID}

	switch ev.kind {
	case eventJoined:
		joinedAt := d.JoinedAt
		if joinedAt.IsZero() {
			joinedAt = ev.at
		}
		sess := Session{
			ID:           r.newID(),
			DeviceID:     d.ID,
			DeviceType:   d.Type,
			ConnectionID: d.ConnectionID,
			JoinedAt:     joinedAt,
		}
		if err := r.store.Open(ctx, sess); err != nil {
			log.Error().Err(err).Str("device_id", d.ID).Msg("failed to archive device join")
			return
		}
		r.open[key] = sess.ID

	case eventLeft:
		id, ok := r.open[key]
		if !ok {
			log.Debug().Str("device_id", d.ID).Msg("device left without an archived session")
			return
		}
		delete(r.open, key)
		if err := r.store.Finish(ctx, id, ev.at, d.Samples); err != nil {
			log.Error().Err(err).Str("device_id", d.ID).Msg("failed to archive device leave")
		}
	}
}
