// Package postgres implements [store.Store] on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/auricle-ai/auricle/internal/store"
	"github.com/auricle-ai/auricle/pkg/types"
)

// Schema is the SQL DDL for all engine tables. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS devices (
    id         TEXT PRIMARY KEY,
    alias      TEXT NOT NULL DEFAULT '',
    state      TEXT NOT NULL DEFAULT '0',
    last_login TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS conversation_messages (
    id         BIGSERIAL PRIMARY KEY,
    device_id  TEXT NOT NULL,
    role       TEXT NOT NULL,
    content    TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_conversation_messages_device ON conversation_messages(device_id, id);
CREATE TABLE IF NOT EXISTS pairing_codes (
    device_id    TEXT PRIMARY KEY,
    code         TEXT NOT NULL,
    prompt_audio BYTEA[] NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a [store.Store] backed by PostgreSQL.
type Store struct {
	db     DB
	closer func()
}

var _ store.Store = (*Store)(nil)

// Connect opens a pool for the given DSN and returns a Store over it. The
// caller should run [Store.Migrate] before issuing queries.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{db: pool, closer: pool.Close}, nil
}

// NewWithDB wraps an existing connection or pool.
func NewWithDB(db DB) *Store {
	return &Store{db: db}
}

// Migrate executes the [Schema] DDL.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Device implements [store.DeviceStore].
func (s *Store) Device(ctx context.Context, id string) (*store.Device, error) {
	const query = `SELECT id, alias, state, last_login, created_at FROM devices WHERE id = $1`

	var (
		d         store.Device
		lastLogin *time.Time
	)
	err := s.db.QueryRow(ctx, query, id).Scan(&d.ID, &d.Alias, &d.State, &lastLogin, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get device: %w", err)
	}
	if lastLogin != nil {
		d.LastLogin = *lastLogin
	}
	return &d, nil
}

// Bind implements [store.DeviceStore].
func (s *Store) Bind(ctx context.Context, id string) error {
	const insert = `INSERT INTO devices (id, state) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`
	if _, err := s.db.Exec(ctx, insert, id, store.StateOffline); err != nil {
		return fmt.Errorf("postgres: bind device: %w", err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM pairing_codes WHERE device_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: consume pairing code: %w", err)
	}
	return nil
}

// SetOnline implements [store.DeviceStore].
func (s *Store) SetOnline(ctx context.Context, id string, online bool) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if online {
		tag, err = s.db.Exec(ctx,
			`UPDATE devices SET state = $2, last_login = now() WHERE id = $1`,
			id, store.StateOnline)
	} else {
		tag, err = s.db.Exec(ctx,
			`UPDATE devices SET state = $2 WHERE id = $1`,
			id, store.StateOffline)
	}
	if err != nil {
		return fmt.Errorf("postgres: set online: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AppendMessages implements [store.ConversationStore].
func (s *Store) AppendMessages(ctx context.Context, deviceID string, msgs []types.Message) error {
	const insert = `INSERT INTO conversation_messages (device_id, role, content) VALUES ($1, $2, $3)`
	for _, m := range msgs {
		if _, err := s.db.Exec(ctx, insert, deviceID, m.Role, m.Content); err != nil {
			return fmt.Errorf("postgres: append message: %w", err)
		}
	}
	return nil
}

// History implements [store.ConversationStore].
func (s *Store) History(ctx context.Context, deviceID string, limit int) ([]types.Message, error) {
	query := `SELECT role, content FROM conversation_messages WHERE device_id = $1 ORDER BY id`
	args := []any{deviceID}
	if limit > 0 {
		query = `SELECT role, content FROM (
			SELECT id, role, content FROM conversation_messages
			WHERE device_id = $1 ORDER BY id DESC LIMIT $2
		) tail ORDER BY id`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: load history: %w", err)
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		var m types.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate history: %w", err)
	}
	return out, nil
}

// ClearHistory implements [store.ConversationStore].
func (s *Store) ClearHistory(ctx context.Context, deviceID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM conversation_messages WHERE device_id = $1`, deviceID); err != nil {
		return fmt.Errorf("postgres: clear history: %w", err)
	}
	return nil
}

// PairingCode implements [store.PairingStore].
func (s *Store) PairingCode(ctx context.Context, deviceID string) (*store.PairingCode, error) {
	const query = `SELECT device_id, code, prompt_audio, created_at FROM pairing_codes WHERE device_id = $1`

	var c store.PairingCode
	err := s.db.QueryRow(ctx, query, deviceID).Scan(&c.DeviceID, &c.Code, &c.PromptAudio, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get pairing code: %w", err)
	}
	return &c, nil
}

// SavePairingCode implements [store.PairingStore]. Replacing a code resets
// the cached prompt audio.
func (s *Store) SavePairingCode(ctx context.Context, code *store.PairingCode) error {
	const upsert = `
		INSERT INTO pairing_codes (device_id, code, prompt_audio)
		VALUES ($1, $2, $3)
		ON CONFLICT (device_id) DO UPDATE SET
			code = EXCLUDED.code,
			prompt_audio = EXCLUDED.prompt_audio,
			created_at = now()`

	frames := code.PromptAudio
	if frames == nil {
		frames = [][]byte{}
	}
	if _, err := s.db.Exec(ctx, upsert, code.DeviceID, code.Code, frames); err != nil {
		return fmt.Errorf("postgres: save pairing code: %w", err)
	}
	return nil
}

// CachePromptAudio implements [store.PairingStore].
func (s *Store) CachePromptAudio(ctx context.Context, deviceID string, frames [][]byte) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE pairing_codes SET prompt_audio = $2 WHERE device_id = $1`,
		deviceID, frames)
	if err != nil {
		return fmt.Errorf("postgres: cache prompt audio: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Close implements [store.Store].
func (s *Store) Close() error {
	if s.closer != nil {
		s.closer()
	}
	return nil
}
