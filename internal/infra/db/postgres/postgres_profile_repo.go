package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"groupchat/internal/domain"
	"groupchat/internal/domain/model"
	"groupchat/internal/domain/ports/repository"
)

var (
	_ repository.ProfileStore  = (*PostgresProfileRepo)(nil)
	_ repository.ProfileWriter = (*PostgresProfileRepo)(nil)
)

type PostgresProfileRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresProfileRepo(pool *pgxpool.Pool) *PostgresProfileRepo {
	return &PostgresProfileRepo{pool: pool}
}

func (r *PostgresProfileRepo) Get(ctx context.Context, userID string) (model.Profile, error) {
	const q = `SELECT user_id, display_name, avatar_key FROM profiles WHERE user_id=$1;`
	var p model.Profile
	if err := r.pool.QueryRow(ctx, q, userID).Scan(&p.UserID, &p.DisplayName, &p.AvatarKey); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Profile{}, domain.ErrProfileNotFound
		}
		return model.Profile{}, err
	}
	return p, nil
}

func (r *PostgresProfileRepo) Save(ctx context.Context, p model.Profile) error {
	if p.UserID == "" {
		return domain.ErrInvalidArgument
	}
	const q = `
INSERT INTO profiles (user_id, display_name, avatar_key, updated_at)
VALUES ($1,$2,$3,now())
ON CONFLICT (user_id) DO UPDATE SET
  display_name=$2, avatar_key=$3, updated_at=now();`
	_, err := r.pool.Exec(ctx, q, p.UserID, p.DisplayName, p.AvatarKey)
	return err
}
