package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"groupchat/internal/domain"
	"groupchat/internal/domain/model"
	"groupchat/internal/domain/ports/repository"
	"groupchat/internal/infra/ids"
	"groupchat/internal/infra/metrics"
)

var (
	_ repository.MessageStore  = (*Store)(nil)
	_ repository.ProfileStore  = (*Store)(nil)
	_ repository.ProfileWriter = (*Store)(nil)
)

// Store is a single-file MessageStore and ProfileStore for local runs.
// Timestamps are kept as unix milliseconds so ordering is exact.
type Store struct {
	db  *sql.DB
	ids *ids.Generator
	log *zerolog.Logger
	now func() time.Time
}

// Open creates the database file (and directory) if needed and migrates it.
func Open(path string, logger *zerolog.Logger) (*Store, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// one writer; transactions serialize appends
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, ids: ids.NewGenerator(), log: logger, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chat_groups (
		id               TEXT PRIMARY KEY,
		last_created_at  INTEGER NOT NULL DEFAULT 0,
		last_message_id  TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id          TEXT PRIMARY KEY,
		group_id    TEXT NOT NULL REFERENCES chat_groups(id) ON DELETE CASCADE,
		sender_id   TEXT NOT NULL,
		text        TEXT NOT NULL,
		created_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_group_order ON chat_messages(group_id, created_at, id);

	CREATE TABLE IF NOT EXISTS profiles (
		user_id       TEXT PRIMARY KEY,
		display_name  TEXT NOT NULL,
		avatar_key    TEXT NOT NULL DEFAULT '',
		updated_at    INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// ReportPoolStats mirrors the postgres gauges for the sql.DB pool.
func (s *Store) ReportPoolStats() {
	st := s.db.Stats()
	metrics.SetDBPoolStats("sqlite", int32(st.OpenConnections), int32(st.Idle), int32(st.InUse))
}

func (s *Store) GetRecent(ctx context.Context, groupID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, domain.ErrInvalidArgument
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, sender_id, text, created_at FROM (
			SELECT id, group_id, sender_id, text, created_at
			  FROM chat_messages
			 WHERE group_id = ?
			 ORDER BY created_at DESC, id DESC
			 LIMIT ?
		) ORDER BY created_at ASC, id ASC`, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	out := make([]model.Message, 0, limit)
	for rows.Next() {
		var (
			m  model.Message
			ms int64
		)
		if err := rows.Scan(&m.ID, &m.GroupID, &m.SenderID, &m.Text, &ms); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (s *Store) Append(ctx context.Context, groupID, senderID, text string) (model.Message, error) {
	if groupID == "" || senderID == "" {
		return model.Message{}, fmt.Errorf("%w: %w", domain.ErrAppend, domain.ErrInvalidArgument)
	}
	msg, err := s.append(ctx, groupID, senderID, text)
	if err != nil {
		return model.Message{}, fmt.Errorf("%w: %w", domain.ErrAppend, err)
	}
	return msg, nil
}

func (s *Store) append(ctx context.Context, groupID, senderID, text string) (model.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Message{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO chat_groups (id) VALUES (?)`, groupID); err != nil {
		return model.Message{}, fmt.Errorf("ensure group: %w", err)
	}
	var (
		lastMs int64
		lastID string
	)
	if err := tx.QueryRowContext(ctx,
		`SELECT last_created_at, last_message_id FROM chat_groups WHERE id = ?`, groupID,
	).Scan(&lastMs, &lastID); err != nil {
		return model.Message{}, fmt.Errorf("read group: %w", err)
	}

	createdAt, id, err := s.ids.Next(s.now(), time.UnixMilli(lastMs).UTC(), lastID)
	if err != nil {
		return model.Message{}, fmt.Errorf("new id: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_messages (id, group_id, sender_id, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, groupID, senderID, text, createdAt.UnixMilli(),
	); err != nil {
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE chat_groups SET last_created_at = ?, last_message_id = ? WHERE id = ?`,
		createdAt.UnixMilli(), id, groupID,
	); err != nil {
		return model.Message{}, fmt.Errorf("advance group: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Message{}, fmt.Errorf("commit: %w", err)
	}
	return model.Message{ID: id, GroupID: groupID, SenderID: senderID, Text: text, CreatedAt: createdAt}, nil
}

func (s *Store) Get(ctx context.Context, userID string) (model.Profile, error) {
	var p model.Profile
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, display_name, avatar_key FROM profiles WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &p.DisplayName, &p.AvatarKey)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Profile{}, domain.ErrProfileNotFound
	}
	if err != nil {
		return model.Profile{}, err
	}
	return p, nil
}

func (s *Store) Save(ctx context.Context, p model.Profile) error {
	if p.UserID == "" {
		return domain.ErrInvalidArgument
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, display_name, avatar_key, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET display_name = excluded.display_name,
			avatar_key = excluded.avatar_key, updated_at = excluded.updated_at`,
		p.UserID, p.DisplayName, p.AvatarKey, s.now().UnixMilli())
	return err
}
