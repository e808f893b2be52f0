package memory

import (
	"context"
	"sync"

	"groupchat/internal/domain"
	"groupchat/internal/domain/model"
	"groupchat/internal/domain/ports/repository"
)

var (
	_ repository.ProfileStore  = (*ProfileDirectory)(nil)
	_ repository.ProfileWriter = (*ProfileDirectory)(nil)
)

type ProfileDirectory struct {
	mu       sync.RWMutex
	profiles map[string]model.Profile
}

func NewProfileDirectory(seed ...model.Profile) *ProfileDirectory {
	d := &ProfileDirectory{profiles: make(map[string]model.Profile, len(seed))}
	for _, p := range seed {
		d.profiles[p.UserID] = p
	}
	return d
}

func (d *ProfileDirectory) Get(ctx context.Context, userID string) (model.Profile, error) {
	if err := ctx.Err(); err != nil {
		return model.Profile{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[userID]
	if !ok {
		return model.Profile{}, domain.ErrProfileNotFound
	}
	return p, nil
}

func (d *ProfileDirectory) Save(ctx context.Context, p model.Profile) error {
	if p.UserID == "" {
		return domain.ErrInvalidArgument
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	p.Placeholder = false
	d.profiles[p.UserID] = p
	return nil
}
