//go:build !integration

package usecase_test

import (
	"context"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"groupchat/internal/domain"
	"groupchat/internal/domain/model"
	"groupchat/internal/domain/ports/adapter"
	"groupchat/internal/domain/ports/repository"
	"groupchat/internal/infra/worker"
)

// -----------------------------
// Utilities
// -----------------------------

// newTestLogger creates a silent zerolog.Logger for use in tests.
func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id, groupID, senderID, text string, at time.Time) model.Message {
	return model.Message{ID: id, GroupID: groupID, SenderID: senderID, Text: text, CreatedAt: at}
}

func ids(ms []model.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =============================
// Executors
// =============================

// syncExec runs every task inline.
type syncExec struct{}

func (syncExec) Submit(task worker.Task) error {
	_ = task(context.Background())
	return nil
}

// queueExec holds tasks until the test runs them, so completions can be
// interleaved with deliveries deterministically.
type queueExec struct {
	mu    sync.Mutex
	tasks []worker.Task

	SubmitFunc func(task worker.Task) error
}

func (q *queueExec) Submit(task worker.Task) error {
	if q.SubmitFunc != nil {
		return q.SubmitFunc(task)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *queueExec) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// RunNext runs the oldest queued task and reports whether there was one.
func (q *queueExec) RunNext() bool {
	q.mu.Lock()
	if len(q.tasks) == 0 {
		q.mu.Unlock()
		return false
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	q.mu.Unlock()
	_ = task(context.Background())
	return true
}

// RunLast runs the newest queued task.
func (q *queueExec) RunLast() bool {
	q.mu.Lock()
	if len(q.tasks) == 0 {
		q.mu.Unlock()
		return false
	}
	task := q.tasks[len(q.tasks)-1]
	q.tasks = q.tasks[:len(q.tasks)-1]
	q.mu.Unlock()
	_ = task(context.Background())
	return true
}

func (q *queueExec) RunAll() {
	for q.RunNext() {
	}
}

// =============================
// Repositories
// =============================

// ---- Mock MessageStore ----

type MockMessageStore struct {
	mu      sync.Mutex
	Appends []string // texts, in call order
	Gets    int

	GetRecentFunc func(ctx context.Context, groupID string, limit int) ([]model.Message, error)
	AppendFunc    func(ctx context.Context, groupID, senderID, text string) (model.Message, error)
}

var _ repository.MessageStore = (*MockMessageStore)(nil)

func (m *MockMessageStore) GetRecent(ctx context.Context, groupID string, limit int) ([]model.Message, error) {
	m.mu.Lock()
	m.Gets++
	m.mu.Unlock()
	if m.GetRecentFunc != nil {
		return m.GetRecentFunc(ctx, groupID, limit)
	}
	return nil, nil
}

func (m *MockMessageStore) Append(ctx context.Context, groupID, senderID, text string) (model.Message, error) {
	m.mu.Lock()
	m.Appends = append(m.Appends, text)
	n := len(m.Appends)
	m.mu.Unlock()
	if m.AppendFunc != nil {
		return m.AppendFunc(ctx, groupID, senderID, text)
	}
	return model.Message{
		ID:        "m" + strconv.Itoa(n),
		GroupID:   groupID,
		SenderID:  senderID,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (m *MockMessageStore) AppendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Appends)
}

// ---- Mock ProfileStore ----

type MockProfileStore struct {
	mu    sync.Mutex
	Calls map[string]int

	Profiles map[string]model.Profile
	GetFunc  func(ctx context.Context, userID string) (model.Profile, error)
}

var _ repository.ProfileStore = (*MockProfileStore)(nil)

func (m *MockProfileStore) Get(ctx context.Context, userID string) (model.Profile, error) {
	m.mu.Lock()
	if m.Calls == nil {
		m.Calls = make(map[string]int)
	}
	m.Calls[userID]++
	m.mu.Unlock()
	if m.GetFunc != nil {
		return m.GetFunc(ctx, userID)
	}
	p, ok := m.Profiles[userID]
	if !ok {
		return model.Profile{}, domain.ErrProfileNotFound
	}
	return p, nil
}

func (m *MockProfileStore) CallsFor(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[userID]
}

// =============================
// Adapters
// =============================

// ---- Mock FanoutChannel ----

// MockFanout keeps the registered handlers so tests can deliver synchronously.
type MockFanout struct {
	mu       sync.Mutex
	handlers map[string]adapter.MessageHandler
	Unsubs   int

	SubscribeFunc func(ctx context.Context, groupID string, handler adapter.MessageHandler) (adapter.Subscription, error)
}

var _ adapter.FanoutChannel = (*MockFanout)(nil)

func (f *MockFanout) Subscribe(ctx context.Context, groupID string, handler adapter.MessageHandler) (adapter.Subscription, error) {
	if f.SubscribeFunc != nil {
		return f.SubscribeFunc(ctx, groupID, handler)
	}
	id := uuid.NewString()
	f.mu.Lock()
	if f.handlers == nil {
		f.handlers = make(map[string]adapter.MessageHandler)
	}
	f.handlers[id] = handler
	f.mu.Unlock()
	return &mockSub{id: id, groupID: groupID, f: f}, nil
}

// Deliver calls every live handler, like a fan-out delivering one message
// even to a session that has already unsubscribed its reader.
func (f *MockFanout) Deliver(m model.Message) {
	f.mu.Lock()
	hs := make([]adapter.MessageHandler, 0, len(f.handlers))
	for _, h := range f.handlers {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(m)
	}
}

func (f *MockFanout) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

type mockSub struct {
	id      string
	groupID string
	f       *MockFanout
	once    sync.Once
}

func (s *mockSub) ID() string      { return s.id }
func (s *mockSub) GroupID() string { return s.groupID }

func (s *mockSub) Unsubscribe() error {
	s.once.Do(func() {
		s.f.mu.Lock()
		delete(s.f.handlers, s.id)
		s.f.Unsubs++
		s.f.mu.Unlock()
	})
	return nil
}

// ---- Mock Publisher ----

type MockPublisher struct {
	mu        sync.Mutex
	Published []model.Message

	PublishFunc func(ctx context.Context, m model.Message) error
}

var _ adapter.Publisher = (*MockPublisher)(nil)

func (p *MockPublisher) Publish(ctx context.Context, m model.Message) error {
	if p.PublishFunc != nil {
		if err := p.PublishFunc(ctx, m); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Published = append(p.Published, m)
	return nil
}
