package relay

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrOutboxFull   = errors.New("outbox full")
	ErrOutboxClosed = errors.New("outbox closed")
)

// Outbox is the bounded send side of a connection. Send and Close are only
// called from the hub goroutine.
type Outbox interface {
	Send(frame []byte) error
	Close()
}

// ChanOutbox is an Outbox backed by a buffered channel drained by a write
// pump.
type ChanOutbox struct {
	frames chan []byte
	closed bool
}

// NewChanOutbox returns an outbox holding up to size frames.
func NewChanOutbox(size int) *ChanOutbox {
	if size <= 0 {
		size = DefaultConnectionConfig().OutboxSize
	}
	return &ChanOutbox{frames: make(chan []byte, size)}
}

// Send queues frame without blocking.
func (o *ChanOutbox) Send(frame []byte) error {
	if o.closed {
		return ErrOutboxClosed
	}
	select {
	case o.frames <- frame:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Close ends the frame stream. The write pump drains what is queued first.
func (o *ChanOutbox) Close() {
	if o.closed {
		return
	}
	o.closed = true
	close(o.frames)
}

// Frames is the receive side for the write pump.
func (o *ChanOutbox) Frames() <-chan []byte { return o.frames }

// ConnectionConfig holds configuration for websocket peers.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	OutboxSize      int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default websocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  16 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		OutboxSize:      256,
		CheckOrigin: func(r *http.Request) bool {
			// Phones and dashboards are served from other origins.
			return true
		},
	}
}

// peer pumps frames between one websocket and the hub.
type peer struct {
	id     uint64
	hub    *Hub
	conn   *websocket.Conn
	outbox *ChanOutbox
	config ConnectionConfig
}

// writePump drains the outbox to the socket and keeps the peer alive with
// pings. It returns when the outbox is closed or a write fails.
func (p *peer) writePump() {
	ticker := time.NewTicker(p.config.PingInterval)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-p.outbox.Frames():
			p.conn.SetWriteDeadline(time.Now().Add(p.config.WriteTimeout))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Error().
					Err(err).
					Uint64("connection_id", p.id).
					Msg("failed to write frame")
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(p.config.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Uint64("connection_id", p.id).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump forwards every inbound frame to the hub and unregisters the
// connection when the socket fails.
func (p *peer) readPump() {
	defer func() {
		p.hub.Leave(p.id)
		p.conn.Close()
	}()

	p.conn.SetReadLimit(p.config.MaxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(p.config.ReadTimeout))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(p.config.ReadTimeout))
		return nil
	})

	for {
		_, frame, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().
					Err(err).
					Uint64("connection_id", p.id).
					Msg("unexpected websocket close")
			}
			return
		}
		if !p.hub.Deliver(p.id, frame) {
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(p.config.ReadTimeout))
	}
}
