//go:build !integration

package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"groupchat/internal/domain"
)

// lockServer fakes the two redis commands the locker uses.
type lockServer struct {
	mu   sync.Mutex
	keys map[string]string
}

func (s *lockServer) client() *mockRedisClient {
	s.keys = map[string]string{}
	return &mockRedisClient{
		SetNXFunc: func(ctx context.Context, key string, value interface{}, exp time.Duration) (bool, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, held := s.keys[key]; held {
				return false, nil
			}
			s.keys[key] = value.(string)
			return true, nil
		},
		CADFunc: func(ctx context.Context, key, value string) (bool, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.keys[key] != value {
				return false, nil
			}
			delete(s.keys, key)
			return true, nil
		},
	}
}

func TestLocker(t *testing.T) {
	ctx := context.Background()
	key := GroupLockKey("g1")
	if key != "lock:group:g1" {
		t.Fatalf("key %q", key)
	}

	t.Run("exclusive until unlocked", func(t *testing.T) {
		srv := &lockServer{}
		l := NewLocker(srv.client(), time.Second)

		tok, err := l.TryLock(ctx, key, time.Second)
		if err != nil || tok == "" {
			t.Fatalf("TryLock: %q %v", tok, err)
		}
		if _, err := l.TryLock(ctx, key, time.Second); !errors.Is(err, domain.ErrGroupBusy) {
			t.Fatalf("second TryLock: %v", err)
		}
		if err := l.Unlock(ctx, key, tok); err != nil {
			t.Fatal(err)
		}
		if _, err := l.TryLock(ctx, key, time.Second); err != nil {
			t.Fatalf("after unlock: %v", err)
		}
	})

	t.Run("stale token does not release a new owner", func(t *testing.T) {
		srv := &lockServer{}
		l := NewLocker(srv.client(), time.Second)
		tok, _ := l.TryLock(ctx, key, time.Second)
		_ = l.Unlock(ctx, key, "stale-"+tok)
		if _, err := l.TryLock(ctx, key, time.Second); !errors.Is(err, domain.ErrGroupBusy) {
			t.Fatal("lock released by a foreign token")
		}
	})

	t.Run("waits for a short-lived holder", func(t *testing.T) {
		srv := &lockServer{}
		l := NewLocker(srv.client(), time.Second)
		tok, _ := l.TryLock(ctx, key, time.Second)
		go func() {
			time.Sleep(3 * lockBackoff)
			_ = l.Unlock(ctx, key, tok)
		}()
		if _, err := l.TryLock(ctx, key, time.Second); err != nil {
			t.Fatalf("TryLock: %v", err)
		}
	})

	t.Run("redis errors surface after retries", func(t *testing.T) {
		cli := &mockRedisClient{SetNXFunc: func(context.Context, string, interface{}, time.Duration) (bool, error) {
			return false, errors.New("down")
		}}
		_, err := NewLocker(cli, time.Second).TryLock(ctx, key, time.Second)
		if !errors.Is(err, domain.ErrGroupBusy) || err.Error() == domain.ErrGroupBusy.Error() {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("cancelled context stops waiting", func(t *testing.T) {
		srv := &lockServer{}
		l := NewLocker(srv.client(), time.Second)
		_, _ = l.TryLock(ctx, key, time.Second)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := l.TryLock(cctx, key, time.Second); !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v", err)
		}
	})
}

func TestLocker_LockGroup(t *testing.T) {
	ctx := context.Background()
	srv := &lockServer{}
	l := NewLocker(srv.client(), time.Second)

	unlock, err := l.LockGroup(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if _, held := srv.keys["lock:group:g1"]; !held {
		t.Fatal("group key not set")
	}
	if other, err := l.LockGroup(ctx, "g2"); err != nil {
		t.Fatalf("other group blocked: %v", err)
	} else {
		other()
	}
	unlock()
	if len(srv.keys) != 0 {
		t.Fatalf("keys left: %v", srv.keys)
	}
}
