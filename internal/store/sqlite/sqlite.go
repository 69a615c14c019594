// Package sqlite provides a durable single-node ThreadStore backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/capitalize-ai/session-service/internal/model"
	"github.com/capitalize-ai/session-service/internal/store"

	_ "modernc.org/sqlite" // SQLite driver registration
)

//go:embed migrations/*.sql
var migrations embed.FS

const defaultBusyTimeout = 5000

// Config holds the SQLite store configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// BusyTimeout is the milliseconds to wait on a busy lock. Defaults to 5000.
	BusyTimeout int
}

// Store is a ThreadStore persisted to a SQLite file.
type Store struct {
	db *sql.DB
}

var (
	_ store.ThreadStore = (*Store)(nil)
	_ store.Pinger      = (*Store)(nil)
)

// Open opens (creating if needed) the database at cfg.Path and migrates it.
//
// The database uses WAL mode and a single connection; SQLite serialises
// writes, and one connection makes every Append transaction exclusive.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if cfg.BusyTimeout < 0 {
		return nil, fmt.Errorf("sqlite: busy timeout must be non-negative, got %d", cfg.BusyTimeout)
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = defaultBusyTimeout
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sqlite: create directory %s: %w", dir, err)
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
		cfg.Path, cfg.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", cfg.Path, err)
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(1)

	return &Store{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sqlite: migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("sqlite: migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Load returns the thread's history in append order.
func (s *Store) Load(ctx context.Context, threadID string) ([]model.Message, error) {
	if threadID == "" {
		return nil, store.ErrEmptyThreadID
	}
	return load(ctx, s.db, threadID)
}

// Append inserts msgs after the thread's current tail in one transaction.
func (s *Store) Append(ctx context.Context, threadID string, msgs []model.Message) ([]model.Message, error) {
	if err := store.CheckAppend(threadID, msgs); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return s.Load(ctx, threadID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO threads (id) VALUES (?)
		ON CONFLICT(id) DO UPDATE SET updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')`,
		threadID,
	); err != nil {
		return nil, fmt.Errorf("sqlite: upsert thread: %w", err)
	}

	var tail int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM messages WHERE thread_id = ?", threadID,
	).Scan(&tail); err != nil {
		return nil, fmt.Errorf("sqlite: read tail: %w", err)
	}

	for i, m := range msgs {
		gen, err := encodeGeneration(m)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (thread_id, seq, id, role, content, generation, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			threadID, tail+int64(i)+1, m.ID(), string(m.Role()), m.Content(), gen,
			m.CreatedAt().UTC().Format(time.RFC3339Nano),
		); err != nil {
			return nil, fmt.Errorf("sqlite: insert message: %w", err)
		}
	}

	history, err := load(ctx, tx, threadID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit append: %w", err)
	}
	return history, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func load(ctx context.Context, q querier, threadID string) ([]model.Message, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, role, content, generation, created_at
		FROM messages
		WHERE thread_id = ?
		ORDER BY seq ASC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load: %w", err)
	}
	defer func() { _ = rows.Close() }()

	msgs := []model.Message{}
	for rows.Next() {
		var (
			id, role, content, created string
			gen                        sql.NullString
		)
		if err := rows.Scan(&id, &role, &content, &gen, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		msg, err := decodeRow(id, role, content, gen, created)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: load rows: %w", err)
	}
	return msgs, nil
}

func encodeGeneration(m model.Message) (sql.NullString, error) {
	gen, ok := m.Generation()
	if !ok {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(gen)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("sqlite: marshal generation: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeRow(id, role, content string, gen sql.NullString, created string) (model.Message, error) {
	r, err := model.ParseRole(role)
	if err != nil {
		return model.Message{}, fmt.Errorf("sqlite: message %s: %w", id, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return model.Message{}, fmt.Errorf("sqlite: message %s created_at: %w", id, err)
	}
	var g *model.Generation
	if gen.Valid {
		g = &model.Generation{}
		if err := json.Unmarshal([]byte(gen.String), g); err != nil {
			return model.Message{}, fmt.Errorf("sqlite: message %s generation: %w", id, err)
		}
	}
	return model.Restore(id, r, content, createdAt, g), nil
}
