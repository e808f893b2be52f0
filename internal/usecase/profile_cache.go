package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"groupchat/internal/domain"
	"groupchat/internal/domain/model"
	"groupchat/internal/domain/ports/repository"
	"groupchat/internal/infra/logging"
	"groupchat/internal/infra/metrics"
	"groupchat/internal/infra/worker"
)

// Submitter runs background tasks; *worker.Pool satisfies it.
type Submitter interface {
	Submit(task worker.Task) error
}

type profileState int

const (
	profilePending profileState = iota
	profileResolved
	profileFailed
)

type profileEntry struct {
	profile model.Profile
	state   profileState
}

// ProfileCache resolves author profiles with at most one fetch per user id.
// Entries never change once settled; a failed fetch settles as a placeholder.
type ProfileCache struct {
	store       repository.ProfileStore
	exec        Submitter
	log         *zerolog.Logger
	name        string
	timeout     time.Duration
	concurrency int

	mu       sync.Mutex
	entries  map[string]*profileEntry
	watchers map[int]func(userID string)
	nextW    int
}

type ProfileCacheOptions struct {
	// Name labels cache metrics.
	Name        string
	Timeout     time.Duration
	Concurrency int
}

func NewProfileCache(store repository.ProfileStore, exec Submitter, opts ProfileCacheOptions, logger *zerolog.Logger) *ProfileCache {
	if opts.Name == "" {
		opts.Name = "profile"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &ProfileCache{
		store:       store,
		exec:        exec,
		log:         logger,
		name:        opts.Name,
		timeout:     opts.Timeout,
		concurrency: opts.Concurrency,
		entries:     make(map[string]*profileEntry),
		watchers:    make(map[int]func(string)),
	}
}

// Resolve returns the settled profile and true, or a placeholder and false while
// the (single, shared) fetch for userID is in flight.
func (c *ProfileCache) Resolve(ctx context.Context, userID string) (model.Profile, bool) {
	if userID == "" {
		return model.PlaceholderProfile(userID), true
	}
	c.mu.Lock()
	if e, ok := c.entries[userID]; ok {
		c.mu.Unlock()
		if e.state == profilePending {
			metrics.IncCacheRequest(c.name, "pending")
			return e.profile, false
		}
		metrics.IncCacheRequest(c.name, "hit")
		return e.profile, true
	}
	c.entries[userID] = &profileEntry{profile: model.PlaceholderProfile(userID), state: profilePending}
	c.mu.Unlock()
	metrics.IncCacheRequest(c.name, "miss")

	err := c.exec.Submit(func(ctx context.Context) error {
		c.fetch(ctx, userID)
		return nil
	})
	if err != nil {
		// not a fetch failure: forget the id so a later Resolve tries again
		c.mu.Lock()
		delete(c.entries, userID)
		c.mu.Unlock()
		logging.With(ctx, c.log).Warn().Err(err).Str("profile_id", userID).Msg("profile fetch not scheduled")
	}
	return model.PlaceholderProfile(userID), false
}

// Prefetch schedules one background task that fetches every unknown id with
// bounded concurrency. It never blocks on the profile store.
func (c *ProfileCache) Prefetch(ctx context.Context, userIDs []string) {
	var todo []string
	c.mu.Lock()
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, ok := c.entries[id]; ok {
			continue
		}
		c.entries[id] = &profileEntry{profile: model.PlaceholderProfile(id), state: profilePending}
		todo = append(todo, id)
	}
	c.mu.Unlock()
	if len(todo) == 0 {
		return
	}

	err := c.exec.Submit(func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.concurrency)
		for _, id := range todo {
			g.Go(func() error {
				c.fetch(gctx, id)
				return nil
			})
		}
		return g.Wait()
	})
	if err != nil {
		c.mu.Lock()
		for _, id := range todo {
			delete(c.entries, id)
		}
		c.mu.Unlock()
		logging.With(ctx, c.log).Warn().Err(err).Int("count", len(todo)).Msg("profile prefetch not scheduled")
	}
}

func (c *ProfileCache) fetch(ctx context.Context, userID string) {
	fctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	p, err := c.store.Get(fctx, userID)
	entry := &profileEntry{profile: p, state: profileResolved}
	if err != nil {
		if !errors.Is(err, domain.ErrProfileNotFound) {
			c.log.Debug().Err(err).Str("profile_id", userID).Msg("profile fetch failed; caching placeholder")
		}
		entry = &profileEntry{profile: model.PlaceholderProfile(userID), state: profileFailed}
	} else {
		entry.profile.UserID = userID
		entry.profile.Placeholder = false
	}

	c.mu.Lock()
	c.entries[userID] = entry
	watchers := make([]func(string), 0, len(c.watchers))
	for _, fn := range c.watchers {
		watchers = append(watchers, fn)
	}
	c.mu.Unlock()

	for _, fn := range watchers {
		fn(userID)
	}
}

// Watch registers fn to be called after each fetch settles. The returned func
// unregisters it; fn may still be running when it returns.
func (c *ProfileCache) Watch(fn func(userID string)) (cancel func()) {
	c.mu.Lock()
	id := c.nextW
	c.nextW++
	c.watchers[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, id)
			c.mu.Unlock()
		})
	}
}
