package repository

import (
	"context"

	"groupchat/internal/domain/model"
)

// -----------------------------
// Profiles
// -----------------------------

type ProfileStore interface {
	// Get returns domain.ErrProfileNotFound for unknown users.
	Get(ctx context.Context, userID string) (model.Profile, error)
}

// ProfileWriter is implemented by stores that can be seeded.
type ProfileWriter interface {
	Save(ctx context.Context, p model.Profile) error
}
