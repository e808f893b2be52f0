package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"groupchat/internal/domain"
	"groupchat/internal/domain/model"
	"groupchat/internal/domain/ports/repository"
	"groupchat/internal/infra/ids"
)

var _ repository.MessageStore = (*MessageLog)(nil)

// MessageLog is the in-memory reference MessageStore: one ordered slice per group.
type MessageLog struct {
	mu     sync.RWMutex
	groups map[string][]model.Message
	ids    *ids.Generator

	// Now is the clock used for CreatedAt; replaced in tests.
	Now func() time.Time
}

func NewMessageLog() *MessageLog {
	return &MessageLog{
		groups: make(map[string][]model.Message),
		ids:    ids.NewGenerator(),
		Now:    time.Now,
	}
}

func (l *MessageLog) GetRecent(ctx context.Context, groupID string, limit int) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, domain.ErrInvalidArgument
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	log := l.groups[groupID]
	if len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := make([]model.Message, len(log))
	copy(out, log)
	return out, nil
}

func (l *MessageLog) Append(ctx context.Context, groupID, senderID, text string) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, fmt.Errorf("%w: %w", domain.ErrAppend, err)
	}
	if groupID == "" || senderID == "" {
		return model.Message{}, fmt.Errorf("%w: %w", domain.ErrAppend, domain.ErrInvalidArgument)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	log := l.groups[groupID]
	var last model.Message
	if n := len(log); n > 0 {
		last = log[n-1]
	}
	now, id, err := l.ids.Next(l.Now(), last.CreatedAt, last.ID)
	if err != nil {
		return model.Message{}, fmt.Errorf("%w: %w", domain.ErrAppend, err)
	}
	msg := model.Message{
		ID:        id,
		GroupID:   groupID,
		SenderID:  senderID,
		Text:      text,
		CreatedAt: now,
	}
	l.groups[groupID] = append(log, msg)
	return msg, nil
}

// Len reports the number of messages stored for a group.
func (l *MessageLog) Len(groupID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.groups[groupID])
}
