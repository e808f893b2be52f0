package adapter

import (
	"context"

	"groupchat/internal/domain/model"
)

// MessageHandler receives fan-out deliveries for one group.
type MessageHandler func(model.Message)

// Subscription is the ownership token for a fan-out subscription.
type Subscription interface {
	ID() string
	GroupID() string
	// Unsubscribe is idempotent. Once it returns the handler is not invoked again.
	Unsubscribe() error
}

// FanoutChannel delivers every message appended to a group to all current subscribers,
// at least once and in the group's append order.
type FanoutChannel interface {
	Subscribe(ctx context.Context, groupID string, handler MessageHandler) (Subscription, error)
}

// Publisher pushes a canonical message onto its group's fan-out.
type Publisher interface {
	Publish(ctx context.Context, msg model.Message) error
}
