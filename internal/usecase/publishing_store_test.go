//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"testing"

	"groupchat/internal/domain"
	"groupchat/internal/domain/model"
	"groupchat/internal/usecase"
)

func TestPublishingStore_Append(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes stored message", func(t *testing.T) {
		pub := &MockPublisher{}
		s := usecase.NewPublishingStore(&MockMessageStore{}, pub, newTestLogger())

		m, err := s.Append(ctx, "g1", "u1", "hello")
		if err != nil {
			t.Fatal(err)
		}
		if len(pub.Published) != 1 || pub.Published[0] != m {
			t.Fatalf("published %+v", pub.Published)
		}
	})

	t.Run("publish failure keeps the stored message", func(t *testing.T) {
		pub := &MockPublisher{PublishFunc: func(ctx context.Context, m model.Message) error {
			return errors.New("redis down")
		}}
		s := usecase.NewPublishingStore(&MockMessageStore{}, pub, newTestLogger())

		m, err := s.Append(ctx, "g1", "u1", "hello")
		if err != nil || m.ID == "" {
			t.Fatalf("got %+v %v", m, err)
		}
	})

	t.Run("failed append is not published", func(t *testing.T) {
		pub := &MockPublisher{}
		store := &MockMessageStore{AppendFunc: func(ctx context.Context, g, u, text string) (model.Message, error) {
			return model.Message{}, domain.ErrAppend
		}}
		s := usecase.NewPublishingStore(store, pub, newTestLogger())

		if _, err := s.Append(ctx, "g1", "u1", "hello"); !errors.Is(err, domain.ErrAppend) {
			t.Fatalf("got %v", err)
		}
		if len(pub.Published) != 0 {
			t.Fatal("nothing should be published")
		}
	})
}

type MockGroupLocker struct {
	LockGroupFunc func(ctx context.Context, groupID string) (func(), error)
	Locked        []string
	Released      int
}

func (m *MockGroupLocker) LockGroup(ctx context.Context, groupID string) (func(), error) {
	if m.LockGroupFunc != nil {
		return m.LockGroupFunc(ctx, groupID)
	}
	m.Locked = append(m.Locked, groupID)
	return func() { m.Released++ }, nil
}

func TestPublishingStore_GroupLocker(t *testing.T) {
	ctx := context.Background()

	t.Run("append and publish happen under the group lock", func(t *testing.T) {
		locker := &MockGroupLocker{}
		pub := &MockPublisher{}
		pub.PublishFunc = func(ctx context.Context, m model.Message) error {
			if len(locker.Locked) != 1 || locker.Released != 0 {
				t.Errorf("published outside the lock: locked=%v released=%d", locker.Locked, locker.Released)
			}
			return nil
		}
		s := usecase.NewPublishingStore(&MockMessageStore{}, pub, newTestLogger()).WithGroupLocker(locker)

		if _, err := s.Append(ctx, "g1", "u1", "hello"); err != nil {
			t.Fatal(err)
		}
		if locker.Released != 1 || locker.Locked[0] != "g1" {
			t.Fatalf("locked=%v released=%d", locker.Locked, locker.Released)
		}
	})

	t.Run("busy lock fails the append before storing", func(t *testing.T) {
		store := &MockMessageStore{}
		locker := &MockGroupLocker{LockGroupFunc: func(context.Context, string) (func(), error) {
			return nil, domain.ErrGroupBusy
		}}
		s := usecase.NewPublishingStore(store, &MockPublisher{}, newTestLogger()).WithGroupLocker(locker)

		_, err := s.Append(ctx, "g1", "u1", "hello")
		if !errors.Is(err, domain.ErrAppend) || !errors.Is(err, domain.ErrGroupBusy) {
			t.Fatalf("got %v", err)
		}
		if store.AppendCount() != 0 {
			t.Fatal("store reached without the lock")
		}
	})
}
