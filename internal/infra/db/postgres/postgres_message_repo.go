package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"groupchat/internal/domain"
	"groupchat/internal/domain/model"
	"groupchat/internal/domain/ports/repository"
	"groupchat/internal/infra/ids"
)

var _ repository.MessageStore = (*PostgresMessageRepo)(nil)

// PostgresMessageRepo stores group messages. Appends to one group are
// serialized by a row lock on chat_groups, which also carries the last
// (created_at, id) so ordering survives clock skew between app servers.
type PostgresMessageRepo struct {
	pool *pgxpool.Pool
	tm   repository.TransactionManager
	ids  *ids.Generator
	now  func() time.Time
}

func NewPostgresMessageRepo(pool *pgxpool.Pool, tm repository.TransactionManager) *PostgresMessageRepo {
	return &PostgresMessageRepo{pool: pool, tm: tm, ids: ids.NewGenerator(), now: time.Now}
}

func (r *PostgresMessageRepo) GetRecent(ctx context.Context, groupID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, domain.ErrInvalidArgument
	}
	const q = `
SELECT id, group_id, sender_id, text, created_at FROM (
  SELECT id, group_id, sender_id, text, created_at
    FROM chat_messages
   WHERE group_id=$1
   ORDER BY created_at DESC, id DESC
   LIMIT $2
) recent ORDER BY created_at ASC, id ASC;`
	rows, err := r.pool.Query(ctx, q, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	out := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.GroupID, &m.SenderID, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (r *PostgresMessageRepo) Append(ctx context.Context, groupID, senderID, text string) (model.Message, error) {
	if groupID == "" || senderID == "" {
		return model.Message{}, fmt.Errorf("%w: %w", domain.ErrAppend, domain.ErrInvalidArgument)
	}

	var msg model.Message
	err := r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		ex, err := getExecutor(r.pool, tx)
		if err != nil {
			return err
		}

		if _, err := ex.Exec(ctx, `INSERT INTO chat_groups (id) VALUES ($1) ON CONFLICT (id) DO NOTHING;`, groupID); err != nil {
			return fmt.Errorf("ensure group: %w", err)
		}
		var (
			lastAt time.Time
			lastID string
		)
		if err := ex.QueryRow(ctx,
			`SELECT last_created_at, last_message_id FROM chat_groups WHERE id=$1 FOR UPDATE;`, groupID,
		).Scan(&lastAt, &lastID); err != nil {
			return fmt.Errorf("lock group: %w", err)
		}

		createdAt, id, err := r.ids.Next(r.now(), lastAt.UTC(), lastID)
		if err != nil {
			return fmt.Errorf("new id: %w", err)
		}

		const ins = `
INSERT INTO chat_messages (id, group_id, sender_id, text, created_at)
VALUES ($1,$2,$3,$4,$5);`
		if _, err := ex.Exec(ctx, ins, id, groupID, senderID, text, createdAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if _, err := ex.Exec(ctx,
			`UPDATE chat_groups SET last_created_at=$2, last_message_id=$3 WHERE id=$1;`, groupID, createdAt, id,
		); err != nil {
			return fmt.Errorf("advance group: %w", err)
		}

		msg = model.Message{ID: id, GroupID: groupID, SenderID: senderID, Text: text, CreatedAt: createdAt}
		return nil
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("%w: %w", domain.ErrAppend, err)
	}
	return msg, nil
}
