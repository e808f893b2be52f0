// File: internal/usecase/chat_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"groupchat/internal/domain"
	"groupchat/internal/domain/model"
	"groupchat/internal/domain/ports/adapter"
	"groupchat/internal/domain/ports/repository"
	"groupchat/internal/infra/logging"
	"groupchat/internal/infra/metrics"
)

// Compile-time check
var _ ChatUseCase = (*chatUC)(nil)

type ChatUseCase interface {
	// Open subscribes to the group, then loads recent history. A history
	// failure still returns a usable session together with an ErrHistoryLoad error.
	Open(ctx context.Context, groupID, userID string) (*ChatSession, error)
	Recent(ctx context.Context, groupID string, limit int) ([]model.Message, error)
	Post(ctx context.Context, groupID, userID, text string) (model.Message, error)
	Profile(ctx context.Context, userID string) (model.Profile, model.AvatarDirective)
}

type chatUC struct {
	store    repository.MessageStore
	fanout   adapter.FanoutChannel
	profiles *ProfileCache
	avatars  model.AvatarResolver
	exec     Submitter
	cfg      SessionConfig
	log      *zerolog.Logger
}

// NewChatUseCase wires sessions to store, which should publish its appends
// (see PublishingStore) on fanout.
func NewChatUseCase(store repository.MessageStore, fanout adapter.FanoutChannel, profiles *ProfileCache,
	avatars model.AvatarResolver, exec Submitter, cfg SessionConfig, logger *zerolog.Logger) *chatUC {
	return &chatUC{
		store:    store,
		fanout:   fanout,
		profiles: profiles,
		avatars:  avatars,
		exec:     exec,
		cfg:      cfg.withDefaults(),
		log:      logger,
	}
}

func (c *chatUC) Open(ctx context.Context, groupID, userID string) (*ChatSession, error) {
	defer logging.TraceDuration(c.log, "ChatUC.Open")()

	groupID, userID = strings.TrimSpace(groupID), strings.TrimSpace(userID)
	if groupID == "" || userID == "" {
		return nil, domain.ErrInvalidArgument
	}

	s := newChatSession(ctx, groupID, userID, c.store, c.profiles, c.avatars, c.exec, c.cfg, c.log)

	// Subscribe before loading so nothing appended in between is missed;
	// the overlap is removed by id.
	sub, err := c.fanout.Subscribe(ctx, groupID, s.handleIncoming)
	if err != nil {
		s.cancel()
		return nil, fmt.Errorf("subscribe group %s: %w", groupID, err)
	}
	s.sub = sub
	s.unwatch = c.profiles.Watch(s.onProfile)
	metrics.SessionOpened()
	s.log.Debug().Str("subscription_id", sub.ID()).Msg("chat session opened")

	if err := s.loadHistory(ctx); err != nil {
		return s, err
	}
	return s, nil
}

func (c *chatUC) Recent(ctx context.Context, groupID string, limit int) ([]model.Message, error) {
	if strings.TrimSpace(groupID) == "" {
		return nil, domain.ErrInvalidArgument
	}
	if limit <= 0 || limit > c.cfg.HistoryLimit {
		limit = c.cfg.HistoryLimit
	}
	msgs, err := c.store.GetRecent(ctx, groupID, limit)
	if err != nil {
		if errors.Is(err, domain.ErrHistoryLoad) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrHistoryLoad, err)
	}
	return msgs, nil
}

// Post appends synchronously, for clients without a live session.
func (c *chatUC) Post(ctx context.Context, groupID, userID, text string) (model.Message, error) {
	if strings.TrimSpace(groupID) == "" || strings.TrimSpace(userID) == "" {
		return model.Message{}, domain.ErrInvalidArgument
	}
	if strings.TrimSpace(text) == "" {
		return model.Message{}, domain.ErrEmptyMessage
	}
	actx, cancel := context.WithTimeout(ctx, c.cfg.AppendTimeout)
	defer cancel()
	msg, err := c.store.Append(actx, groupID, userID, text)
	if err != nil {
		if errors.Is(err, domain.ErrAppend) {
			return model.Message{}, err
		}
		return model.Message{}, fmt.Errorf("%w: %w", domain.ErrAppend, err)
	}
	return msg, nil
}

// Profile returns what a renderer would show for userID right now.
func (c *chatUC) Profile(ctx context.Context, userID string) (model.Profile, model.AvatarDirective) {
	p, _ := c.profiles.Resolve(ctx, userID)
	return p, c.avatars.ResolveProfile(p)
}
