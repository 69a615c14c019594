// Package postgres provides a durable ThreadStore backed by PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/capitalize-ai/session-service/internal/model"
	"github.com/capitalize-ai/session-service/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a ThreadStore persisted to PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ store.ThreadStore = (*Store)(nil)
	_ store.Pinger      = (*Store)(nil)
)

// Open creates a connection pool for databaseURL, verifies it and applies
// migrations.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse connection string: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2

	// Port 6543 is the usual transaction-mode PgBouncer port, which cannot
	// hold prepared statements.
	if config.ConnConfig.Port == 6543 && config.ConnConfig.DefaultQueryExecMode == pgx.QueryExecModeCacheStatement {
		config.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheDescribe
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("postgres: create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping database: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer func() { _ = db.Close() }()

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("postgres: migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks database reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Load returns the thread's history in append order.
func (s *Store) Load(ctx context.Context, threadID string) ([]model.Message, error) {
	if threadID == "" {
		return nil, store.ErrEmptyThreadID
	}
	return load(ctx, s.pool, threadID)
}

// Append locks the thread row and inserts msgs after the current tail, all
// in one transaction. Concurrent Appends on one thread queue on the row
// lock; other threads are unaffected.
func (s *Store) Append(ctx context.Context, threadID string, msgs []model.Message) ([]model.Message, error) {
	if err := store.CheckAppend(threadID, msgs); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return s.Load(ctx, threadID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin append: %w", err)
	}
	// Rollback after Commit is a no-op returning ErrTxClosed.
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO threads (id) VALUES ($1)
		ON CONFLICT (id) DO NOTHING`,
		threadID,
	); err != nil {
		return nil, fmt.Errorf("postgres: insert thread: %w", err)
	}

	if _, err := tx.Exec(ctx,
		"SELECT id FROM threads WHERE id = $1 FOR UPDATE", threadID,
	); err != nil {
		return nil, fmt.Errorf("postgres: lock thread: %w", err)
	}

	var tail int
	if err := tx.QueryRow(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM messages WHERE thread_id = $1", threadID,
	).Scan(&tail); err != nil {
		return nil, fmt.Errorf("postgres: read tail: %w", err)
	}

	batch := &pgx.Batch{}
	for i, m := range msgs {
		gen, err := encodeGeneration(m)
		if err != nil {
			return nil, err
		}
		batch.Queue(`
			INSERT INTO messages (thread_id, seq, id, role, content, generation, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			threadID, tail+i+1, m.ID(), string(m.Role()), m.Content(), gen, m.CreatedAt(),
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("postgres: insert messages: %w", err)
	}

	if _, err := tx.Exec(ctx, "UPDATE threads SET updated_at = now() WHERE id = $1", threadID); err != nil {
		return nil, fmt.Errorf("postgres: touch thread: %w", err)
	}

	history, err := load(ctx, tx, threadID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit append: %w", err)
	}
	return history, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func load(ctx context.Context, q querier, threadID string) ([]model.Message, error) {
	rows, err := q.Query(ctx, `
		SELECT id, role, content, generation, created_at
		FROM messages
		WHERE thread_id = $1
		ORDER BY seq ASC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: load: %w", err)
	}
	defer rows.Close()

	msgs := []model.Message{}
	for rows.Next() {
		var (
			id, role, content string
			gen               []byte
			createdAt         time.Time
		)
		if err := rows.Scan(&id, &role, &content, &gen, &createdAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		r, err := model.ParseRole(role)
		if err != nil {
			return nil, fmt.Errorf("postgres: message %s: %w", id, err)
		}
		var g *model.Generation
		if gen != nil {
			g = &model.Generation{}
			if err := json.Unmarshal(gen, g); err != nil {
				return nil, fmt.Errorf("postgres: message %s generation: %w", id, err)
			}
		}
		msgs = append(msgs, model.Restore(id, r, content, createdAt, g))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load rows: %w", err)
	}
	return msgs, nil
}

func encodeGeneration(m model.Message) ([]byte, error) {
	gen, ok := m.Generation()
	if !ok {
		return nil, nil
	}
	data, err := json.Marshal(gen)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal generation: %w", err)
	}
	return data, nil
}
