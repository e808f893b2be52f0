// File: internal/usecase/publishing_store.go
package usecase

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"groupchat/internal/domain"
	"groupchat/internal/domain/model"
	"groupchat/internal/domain/ports/adapter"
	"groupchat/internal/domain/ports/repository"
	"groupchat/internal/infra/logging"
)

// Compile-time check
var _ repository.MessageStore = (*PublishingStore)(nil)

// PublishingStore publishes every successful append on the group's fan-out.
// Append and publish run under a per-group lock so subscribers observe
// messages in append order.
type PublishingStore struct {
	inner  repository.MessageStore
	pub    adapter.Publisher
	log    *zerolog.Logger
	locker GroupLocker

	locks sync.Map // groupID -> *sync.Mutex
}

// GroupLocker extends the per-group lock to other processes sharing the
// same fan-out.
type GroupLocker interface {
	LockGroup(ctx context.Context, groupID string) (unlock func(), err error)
}

func NewPublishingStore(inner repository.MessageStore, pub adapter.Publisher, logger *zerolog.Logger) *PublishingStore {
	return &PublishingStore{inner: inner, pub: pub, log: logger}
}

// WithGroupLocker makes appends also hold l. Set it before first use.
func (s *PublishingStore) WithGroupLocker(l GroupLocker) *PublishingStore {
	s.locker = l
	return s
}

func (s *PublishingStore) GetRecent(ctx context.Context, groupID string, limit int) ([]model.Message, error) {
	return s.inner.GetRecent(ctx, groupID, limit)
}

// Append returns the stored message even when publishing fails: the message
// exists, and a retry would create a second one. Late subscribers still see
// it through history.
func (s *PublishingStore) Append(ctx context.Context, groupID, senderID, text string) (model.Message, error) {
	mu := s.groupLock(groupID)
	mu.Lock()
	defer mu.Unlock()

	if s.locker != nil {
		unlock, err := s.locker.LockGroup(ctx, groupID)
		if err != nil {
			return model.Message{}, fmt.Errorf("%w: %w", domain.ErrAppend, err)
		}
		defer unlock()
	}

	msg, err := s.inner.Append(ctx, groupID, senderID, text)
	if err != nil {
		return model.Message{}, err
	}
	if err := s.pub.Publish(ctx, msg); err != nil {
		logging.With(ctx, s.log).Error().Err(err).
			Str("group_id", groupID).
			Str("message_id", msg.ID).
			Msg("publish appended message failed")
	}
	return msg, nil
}

func (s *PublishingStore) groupLock(groupID string) *sync.Mutex {
	if v, ok := s.locks.Load(groupID); ok {
		return v.(*sync.Mutex)
	}
	v, _ := s.locks.LoadOrStore(groupID, &sync.Mutex{})
	return v.(*sync.Mutex)
}
