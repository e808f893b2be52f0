// File: internal/infra/redis/lock.go
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"groupchat/internal/domain"
)

const (
	lockAttempts = 20
	lockBackoff  = 25 * time.Millisecond
)

// Locker is a best-effort mutual exclusion lock keyed in redis. The token
// returned by TryLock must be passed to Unlock.
type Locker struct {
	cli RedisClient
	ttl time.Duration
}

// NewLocker uses ttl for LockGroup. It must outlast one append plus publish.
func NewLocker(c RedisClient, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Locker{cli: c, ttl: ttl}
}

func GroupLockKey(groupID string) string {
	return fmt.Sprintf("lock:group:%s", groupID)
}

// TryLock retries briefly, then gives up with domain.ErrGroupBusy.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	var lastErr error
	for i := 0; i < lockAttempts; i++ {
		ok, err := l.cli.SetNX(ctx, key, token, ttl)
		if err == nil && ok {
			return token, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(lockBackoff):
		}
	}
	if lastErr != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrGroupBusy, lastErr)
	}
	return "", domain.ErrGroupBusy
}

// Unlock releases key only if token still owns it; an expired lock taken over
// by someone else is left alone.
func (l *Locker) Unlock(ctx context.Context, key, token string) error {
	_, err := l.cli.CompareAndDelete(ctx, key, token)
	return err
}

// LockGroup serializes appends to groupID across processes.
func (l *Locker) LockGroup(ctx context.Context, groupID string) (func(), error) {
	key := GroupLockKey(groupID)
	token, err := l.TryLock(ctx, key, l.ttl)
	if err != nil {
		return nil, err
	}
	return func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		// An unreleased lock expires after ttl.
		_ = l.Unlock(uctx, key, token)
	}, nil
}
