// Package archive keeps a Postgres log of device sessions: when each phone
// joined and left the relay and how many samples it sent.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrSessionNotFound = errors.New("device session not found")

// Session is one row of device_sessions. LeftAt is nil while the device is
// connected.
type Session struct {
	ID           uuid.UUID  `json:"id"`
	DeviceID     string     `json:"deviceId"`
	DeviceType   string     `json:"deviceType"`
	ConnectionID uint64     `json:"connectionId"`
	JoinedAt     time.Time  `json:"joinedAt"`
	LeftAt       *time.Time `json:"leftAt,omitempty"`
	Samples      uint64     `json:"samples"`
}

// Store persists device sessions.
type Store interface {
	Open(ctx context.Context, s Session) error
	Finish(ctx context.Context, id uuid.UUID, leftAt time.Time, samples uint64) error
}

var schema = []string{`
CREATE TABLE IF NOT EXISTS device_sessions (
	id            UUID PRIMARY KEY,
	device_id     TEXT NOT NULL,
	device_type   TEXT NOT NULL DEFAULT '',
	connection_id BIGINT NOT NULL,
	joined_at     TIMESTAMPTZ NOT NULL,
	left_at       TIMESTAMPTZ,
	samples       BIGINT NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS device_sessions_device_id_idx ON device_sessions (device_id, joined_at DESC)`,
}

// PostgresStore is a Store on a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Migrate creates the table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate device_sessions: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() { s.pool.Close() }

// Open inserts a new session row.
func (s *PostgresStore) Open(ctx context.Context, sess Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO device_sessions (id, device_id, device_type, connection_id, joined_at, samples)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, sess.DeviceID, sess.DeviceType, int64(sess.ConnectionID), sess.JoinedAt, int64(sess.Samples))
	if err != nil {
		return fmt.Errorf("insert device session %s: %w", sess.ID, err)
	}
	return nil
}

// Finish stamps left_at and the final sample count. The row is locked first
// so a late duplicate finish cannot overwrite an earlier one.
func (s *PostgresStore) Finish(ctx context.Context, id uuid.UUID, leftAt time.Time, samples uint64) error {
	return RunInTx(ctx, s.pool, func(tx pgx.Tx) error {
		var left *time.Time
		err := tx.QueryRow(ctx, `SELECT left_at FROM device_sessions WHERE id = $1 FOR UPDATE`, id).Scan(&left)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("lock device session %s: %w", id, err)
		}
		if left != nil {
			return nil
		}
		if _, err := tx.Exec(ctx,
			`UPDATE device_sessions SET left_at = $2, samples = $3 WHERE id = $1`,
			id, leftAt, int64(samples)); err != nil {
			return fmt.Errorf("finish device session %s: %w", id, err)
		}
		return nil
	})
}

// Recent returns the latest sessions, newest first.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, device_id, device_type, connection_id, joined_at, left_at, samples
		 FROM device_sessions ORDER BY joined_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query device sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var connID, samples int64
		if err := rows.Scan(&sess.ID, &sess.DeviceID, &sess.DeviceType, &connID, &sess.JoinedAt, &sess.LeftAt, &samples); err != nil {
			return nil, fmt.Errorf("scan device session: %w", err)
		}
		sess.ConnectionID = uint64(connID)
		sess.Samples = uint64(samples)
		out = append(out, sess)
	}
	return out, rows.Err()
}
