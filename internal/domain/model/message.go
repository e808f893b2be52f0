package model

import (
	"time"
)

// Message is the canonical record of a group chat message.
// ID and CreatedAt are assigned by the message store; nothing in the chat core mutates it afterwards.
type Message struct {
	ID        string    `json:"id"`
	GroupID   string    `json:"group_id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Less orders messages by (CreatedAt, ID).
func (m Message) Less(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

type EntryState string

const (
	EntryPending   EntryState = "pending"
	EntryConfirmed EntryState = "confirmed"
	EntryFailed    EntryState = "failed"
)

// OptimisticEntry is the client-local echo of a message that has been submitted
// but whose canonical copy has not been observed yet. Never persisted.
type OptimisticEntry struct {
	LocalID        string
	GroupID        string
	SenderID       string
	Text           string
	CreatedAtLocal time.Time
	State          EntryState
	Err            error
}

func NewOptimisticEntry(localID, groupID, senderID, text string) *OptimisticEntry {
	return &OptimisticEntry{
		LocalID:        localID,
		GroupID:        groupID,
		SenderID:       senderID,
		Text:           text,
		CreatedAtLocal: time.Now(),
		State:          EntryPending,
	}
}

// Matches reports whether m is a plausible canonical copy of this entry:
// same sender and text, created within window of the local timestamp.
func (e *OptimisticEntry) Matches(m Message, window time.Duration) bool {
	if e.State != EntryPending || e.SenderID != m.SenderID || e.Text != m.Text {
		return false
	}
	if window <= 0 {
		return true
	}
	d := m.CreatedAt.Sub(e.CreatedAtLocal)
	if d < 0 {
		d = -d
	}
	return d <= window
}

func (e *OptimisticEntry) Confirm() {
	e.State = EntryConfirmed
	e.Err = nil
}

func (e *OptimisticEntry) Fail(err error) {
	e.State = EntryFailed
	e.Err = err
}

func (e *OptimisticEntry) Reset() {
	e.State = EntryPending
	e.Err = nil
}
