package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator issues ULIDs that sort by timestamp and, within one millisecond,
// by issue order. Safe for concurrent use.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
}

func NewGenerator() *Generator {
	return &Generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *Generator) New(t time.Time) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), g.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Next returns a key (createdAt, id) that sorts strictly after (lastAt, lastID)
// under the (CreatedAt, ID) message order. createdAt is now truncated to the
// millisecond, clamped so it never goes backwards.
func (g *Generator) Next(now, lastAt time.Time, lastID string) (time.Time, string, error) {
	createdAt := now.UTC().Truncate(time.Millisecond)
	if createdAt.Before(lastAt) {
		createdAt = lastAt
	}
	id, err := g.New(createdAt)
	if err != nil {
		return time.Time{}, "", err
	}
	if createdAt.Equal(lastAt) && id <= lastID {
		// lastID came from another generator in the same millisecond
		createdAt = createdAt.Add(time.Millisecond)
		if id, err = g.New(createdAt); err != nil {
			return time.Time{}, "", err
		}
	}
	return createdAt, id, nil
}

// Time extracts the timestamp encoded in a ULID string.
func Time(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
