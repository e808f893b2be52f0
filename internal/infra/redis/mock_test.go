//go:build !integration

package redis

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

// mockRedisClient mocks our Redis client wrapper. Publish loops back into
// the matching subscriptions so fan-out can be tested without a server.
type mockRedisClient struct {
	GetFunc       func(ctx context.Context, key string) (string, error)
	SetFunc       func(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	DelFunc       func(ctx context.Context, keys ...string) error
	PingFunc      func(ctx context.Context) error
	IncrFunc      func(ctx context.Context, key string) (int64, error)
	ExpireFunc    func(ctx context.Context, key string, expiration time.Duration) error
	SubscribeFunc func(ctx context.Context, channel string) (PubSub, error)
	CloseFunc     func() error
	SetNXFunc     func(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	CADFunc       func(ctx context.Context, key, value string) (bool, error)

	mu   sync.Mutex
	subs map[string][]*fakePubSub
}

var _ RedisClient = &mockRedisClient{}

func (m *mockRedisClient) Get(ctx context.Context, key string) (string, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	return "", redis.Nil
}

func (m *mockRedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if m.SetFunc != nil {
		return m.SetFunc(ctx, key, value, expiration)
	}
	return nil
}

func (m *mockRedisClient) Del(ctx context.Context, keys ...string) error {
	if m.DelFunc != nil {
		return m.DelFunc(ctx, keys...)
	}
	return nil
}

func (m *mockRedisClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return m.SetNXFunc(ctx, key, value, expiration)
}

func (m *mockRedisClient) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	return m.CADFunc(ctx, key, value)
}

func (m *mockRedisClient) Ping(ctx context.Context) error {
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

func (m *mockRedisClient) Incr(ctx context.Context, key string) (int64, error) {
	return m.IncrFunc(ctx, key)
}

func (m *mockRedisClient) Expire(ctx context.Context, key string, expiration time.Duration) error {
	if m.ExpireFunc != nil {
		return m.ExpireFunc(ctx, key, expiration)
	}
	return nil
}

func (m *mockRedisClient) Publish(ctx context.Context, channel string, payload interface{}) error {
	var s string
	switch v := payload.(type) {
	case []byte:
		s = string(v)
	case string:
		s = v
	}
	m.mu.Lock()
	subs := append([]*fakePubSub(nil), m.subs[channel]...)
	m.mu.Unlock()
	for _, ps := range subs {
		ps.push(&redis.Message{Channel: channel, Payload: s})
	}
	return nil
}

func (m *mockRedisClient) Subscribe(ctx context.Context, channel string) (PubSub, error) {
	if m.SubscribeFunc != nil {
		return m.SubscribeFunc(ctx, channel)
	}
	ps := &fakePubSub{ch: make(chan *redis.Message, 64)}
	m.mu.Lock()
	if m.subs == nil {
		m.subs = make(map[string][]*fakePubSub)
	}
	m.subs[channel] = append(m.subs[channel], ps)
	m.mu.Unlock()
	return ps, nil
}

func (m *mockRedisClient) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

type fakePubSub struct {
	mu     sync.Mutex
	ch     chan *redis.Message
	closed bool
}

func (p *fakePubSub) push(m *redis.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.ch <- m
	}
}

func (p *fakePubSub) Channel() <-chan *redis.Message { return p.ch }

func (p *fakePubSub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	return nil
}
