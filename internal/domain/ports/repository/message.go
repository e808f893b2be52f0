package repository

import (
	"context"

	"groupchat/internal/domain/model"
)

// -----------------------------
// Messages
// -----------------------------

// MessageStore is the durable, append-only message log, one ordered log per group.
type MessageStore interface {
	// GetRecent returns at most limit of the newest messages, oldest-first.
	GetRecent(ctx context.Context, groupID string, limit int) ([]model.Message, error)
	// Append assigns id and timestamp and persists the message.
	// Failures wrap domain.ErrAppend. Each call creates a new canonical message.
	Append(ctx context.Context, groupID, senderID, text string) (model.Message, error)
}
