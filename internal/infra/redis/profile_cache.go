package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"groupchat/internal/domain"
	"groupchat/internal/domain/model"
	"groupchat/internal/domain/ports/repository"
	"groupchat/internal/infra/metrics"
)

var (
	_ repository.ProfileStore  = (*ProfileStoreCache)(nil)
	_ repository.ProfileWriter = (*ProfileStoreCache)(nil)
)

// ProfileStoreCache puts a shared Redis cache in front of a ProfileStore.
// Misses are not cached, so a profile created later is found.
type ProfileStoreCache struct {
	inner repository.ProfileStore
	cache RedisClient
	ttl   time.Duration
	log   *zerolog.Logger
}

func NewProfileStoreCache(inner repository.ProfileStore, cache RedisClient, ttl time.Duration, logger *zerolog.Logger) *ProfileStoreCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ProfileStoreCache{inner: inner, cache: cache, ttl: ttl, log: logger}
}

func profileKey(userID string) string { return fmt.Sprintf("profile:id:%s", userID) }

func (d *ProfileStoreCache) Get(ctx context.Context, userID string) (model.Profile, error) {
	key := profileKey(userID)
	val, err := d.cache.Get(ctx, key)
	if err == nil {
		var p model.Profile
		if json.Unmarshal([]byte(val), &p) == nil {
			metrics.IncCacheRequest("profile_redis", "hit")
			return p, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		d.log.Warn().Err(err).Str("key", key).Msg("profile cache read failed")
	}

	metrics.IncCacheRequest("profile_redis", "miss")
	p, err := d.inner.Get(ctx, userID)
	if err != nil {
		return model.Profile{}, err
	}
	if b, err := json.Marshal(p); err == nil {
		_ = d.cache.Set(ctx, key, b, d.ttl)
	}
	return p, nil
}

// Save invalidates the cached entry and writes through when inner supports it.
func (d *ProfileStoreCache) Save(ctx context.Context, p model.Profile) error {
	w, ok := d.inner.(repository.ProfileWriter)
	if !ok {
		return fmt.Errorf("%w: profile store is read-only", domain.ErrInvalidArgument)
	}
	_ = d.cache.Del(ctx, profileKey(p.UserID))
	return w.Save(ctx, p)
}
