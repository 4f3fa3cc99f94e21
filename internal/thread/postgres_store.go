package thread

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS chat_threads (
	id          TEXT PRIMARY KEY,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	message_count BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS chat_messages (
	thread_id   TEXT NOT NULL REFERENCES chat_threads(id) ON DELETE CASCADE,
	seq         BIGINT NOT NULL,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (thread_id, seq)
);`

// PostgresStore keeps thread logs in PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithPostgresLogger sets the logger used for store diagnostics.
func WithPostgresLogger(logger *slog.Logger) PostgresOption {
	return func(s *PostgresStore) { s.logger = logger }
}

// OpenPostgresStore connects to dsn and ensures the schema exists.
func OpenPostgresStore(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, unavailable("open", fmt.Errorf("parse postgres dsn: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable("open", fmt.Errorf("ping postgres: %w", err))
	}
	s := NewPostgresStore(pool, opts...)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s.logger.Info("thread store opened", "driver", "postgres")
	return s, nil
}

// NewPostgresStore wraps an existing pool. The caller owns schema setup.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{pool: pool, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the thread tables if they are missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return unavailable("migrate", err)
	}
	return nil
}

// Append inserts the message and bumps the thread row in one transaction.
// The row lock on chat_threads orders concurrent appends to the same id.
func (s *PostgresStore) Append(ctx context.Context, id ID, msg Message) error {
	if err := validateAppend(id, msg); err != nil {
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var seq int64
		err := tx.QueryRow(ctx, `
			INSERT INTO chat_threads (id, created_at, updated_at, message_count)
			VALUES ($1, $2, $2, 1)
			ON CONFLICT (id) DO UPDATE
			SET updated_at = EXCLUDED.updated_at,
			    message_count = chat_threads.message_count + 1
			RETURNING message_count`,
			string(id), msg.CreatedAt,
		).Scan(&seq)
		if err != nil {
			return fmt.Errorf("upsert thread: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO chat_messages (thread_id, seq, role, content, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			string(id), seq, string(msg.Role), msg.Content, msg.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("thread append failed", "thread_id", id, "error", err)
		return unavailable("append", err)
	}
	return nil
}

// Load returns the thread log ordered by sequence number.
func (s *PostgresStore) Load(ctx context.Context, id ID) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT role, content, created_at
		FROM chat_messages
		WHERE thread_id = $1
		ORDER BY seq`, string(id))
	if err != nil {
		return nil, unavailable("load", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var (
			m    Message
			role string
		)
		if err := row.Scan(&role, &m.Content, &m.CreatedAt); err != nil {
			return m, err
		}
		m.Role = Role(role)
		m.CreatedAt = m.CreatedAt.UTC()
		return m, nil
	})
	if err != nil {
		return nil, unavailable("load", err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}

// ListThreadIDs returns ids ordered by creation time.
func (s *PostgresStore) ListThreadIDs(ctx context.Context) ([]ID, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM chat_threads ORDER BY created_at, id`)
	if err != nil {
		return nil, unavailable("list", err)
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ID, error) {
		var id string
		err := row.Scan(&id)
		return ID(id), err
	})
	if err != nil {
		return nil, unavailable("list", err)
	}
	if ids == nil {
		ids = []ID{}
	}
	return ids, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
