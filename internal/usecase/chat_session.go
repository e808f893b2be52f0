// File: internal/usecase/chat_session.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"groupchat/internal/domain"
	"groupchat/internal/domain/model"
	"groupchat/internal/domain/ports/adapter"
	"groupchat/internal/domain/ports/repository"
	"groupchat/internal/infra/logging"
	"groupchat/internal/infra/metrics"
)

type ItemStatus string

const (
	ItemSent    ItemStatus = "sent"
	ItemPending ItemStatus = "pending"
	ItemFailed  ItemStatus = "failed"
)

// RenderedItem is one row of the chat view: a canonical message or a local echo.
type RenderedItem struct {
	MessageID string
	LocalID   string
	SenderID  string
	Text      string
	CreatedAt time.Time
	Status    ItemStatus
	Err       error
	Mine      bool
	Author    model.Profile
	Avatar    model.AvatarDirective
}

type SessionConfig struct {
	HistoryLimit    int
	ReconcileWindow time.Duration
	AppendTimeout   time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if c.ReconcileWindow <= 0 {
		c.ReconcileWindow = 5 * time.Second
	}
	if c.AppendTimeout <= 0 {
		c.AppendTimeout = 10 * time.Second
	}
	return c
}

// ChatSession is one user's live view of one group. It merges loaded history,
// fan-out deliveries and the user's own optimistic sends into a single
// duplicate-free, ordered timeline.
//
// All mutable state sits behind mu. Background completions (appends, profile
// fetches, deliveries) re-enter through it and are ignored once the session
// is closed.
type ChatSession struct {
	id      string
	groupID string
	userID  string

	store    repository.MessageStore
	profiles *ProfileCache
	avatars  model.AvatarResolver
	exec     Submitter
	cfg      SessionConfig
	log      *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sub     adapter.Subscription
	unwatch func()
	updates chan struct{}
	once    sync.Once

	mu         sync.Mutex
	closed     bool
	history    []model.Message
	seen       map[string]struct{}
	pending    []*model.OptimisticEntry // pending and failed, submission order
	echoed     map[string]*model.OptimisticEntry // message id -> entry confirmed by text, awaiting its own result
	nextLocal  int
	historyErr error
}

func newChatSession(ctx context.Context, groupID, userID string, store repository.MessageStore, profiles *ProfileCache,
	avatars model.AvatarResolver, exec Submitter, cfg SessionConfig, logger *zerolog.Logger) *ChatSession {
	id := uuid.NewString()
	sctx := logging.WithSessID(logging.WithGroupID(logging.WithUserID(context.WithoutCancel(ctx), userID), groupID), id)
	sctx, cancel := context.WithCancel(sctx)
	return &ChatSession{
		id:       id,
		groupID:  groupID,
		userID:   userID,
		store:    store,
		profiles: profiles,
		avatars:  avatars,
		exec:     exec,
		cfg:      cfg.withDefaults(),
		log:      logging.With(sctx, logger),
		ctx:      sctx,
		cancel:   cancel,
		updates:  make(chan struct{}, 1),
		seen:     make(map[string]struct{}),
		echoed:   make(map[string]*model.OptimisticEntry),
	}
}

func (s *ChatSession) ID() string      { return s.id }
func (s *ChatSession) GroupID() string { return s.groupID }
func (s *ChatSession) UserID() string  { return s.userID }

// Updates signals that Rendered may have changed. Signals coalesce.
func (s *ChatSession) Updates() <-chan struct{} { return s.updates }

// Done is closed once the session is closed.
func (s *ChatSession) Done() <-chan struct{} { return s.ctx.Done() }

func (s *ChatSession) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// Send echoes text locally and appends it in the background.
// It returns the entry's local id; the outcome shows up in Rendered.
func (s *ChatSession) Send(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", domain.ErrEmptyMessage
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", domain.ErrSessionClosed
	}
	s.nextLocal++
	localID := "L" + strconv.Itoa(s.nextLocal)
	s.pending = append(s.pending, model.NewOptimisticEntry(localID, s.groupID, s.userID, text))
	s.mu.Unlock()

	metrics.IncOptimistic("pending")
	s.notify()
	s.submitAppend(localID, text)
	return localID, nil
}

// Retry re-submits a failed entry under the same local id.
func (s *ChatSession) Retry(localID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	e := s.entryLocked(localID)
	if e == nil {
		s.mu.Unlock()
		return domain.ErrUnknownLocalID
	}
	if e.State != model.EntryFailed {
		s.mu.Unlock()
		return domain.ErrEntryNotFailed
	}
	e.Reset()
	e.CreatedAtLocal = time.Now()
	text := e.Text
	s.mu.Unlock()

	metrics.IncOptimistic("retried")
	s.notify()
	s.submitAppend(localID, text)
	return nil
}

// Discard drops a failed entry from the view.
func (s *ChatSession) Discard(localID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	e := s.entryLocked(localID)
	if e == nil {
		s.mu.Unlock()
		return domain.ErrUnknownLocalID
	}
	if e.State != model.EntryFailed {
		s.mu.Unlock()
		return domain.ErrEntryNotFailed
	}
	s.removeLocked(e)
	s.mu.Unlock()

	metrics.IncOptimistic("discarded")
	s.notify()
	return nil
}

// submitAppend runs the store append on the pool. The append is not tied to
// the session lifetime: closing the view does not unsend a message.
func (s *ChatSession) submitAppend(localID, text string) {
	err := s.exec.Submit(func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, s.cfg.AppendTimeout)
		defer cancel()

		start := time.Now()
		msg, err := s.store.Append(actx, s.groupID, s.userID, text)
		metrics.ObserveAppend(time.Since(start).Milliseconds(), err == nil)
		if err != nil {
			s.appendFailed(localID, err)
			return nil
		}
		s.appendSucceeded(localID, msg)
		return nil
	})
	if err != nil {
		s.appendFailed(localID, err)
	}
}

func (s *ChatSession) appendFailed(localID string, err error) {
	if !errors.Is(err, domain.ErrAppend) {
		err = fmt.Errorf("%w: %w", domain.ErrAppend, err)
	}
	s.log.Warn().Err(err).Str("local_id", localID).Msg("append failed")

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	e := s.entryLocked(localID)
	if e == nil {
		// Taken by an echo of an identical text that was not its own.
		if e = s.releaseEchoedLocked(localID); e == nil {
			s.mu.Unlock()
			return
		}
	}
	if e.State != model.EntryPending {
		s.mu.Unlock()
		return
	}
	e.Fail(err)
	s.mu.Unlock()

	metrics.IncOptimistic("failed")
	s.notify()
}

func (s *ChatSession) appendSucceeded(localID string, msg model.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	// The result names its entry, so text matching is skipped. An echo of msg
	// may already have confirmed an older twin; that twin goes back to
	// pending until its own result arrives.
	for id, e := range s.echoed {
		if e.LocalID == localID {
			delete(s.echoed, id)
		}
	}
	restored := false
	if twin, ok := s.echoed[msg.ID]; ok {
		delete(s.echoed, msg.ID)
		twin.Reset()
		s.restoreLocked(twin)
		restored = true
	}
	inserted := s.applyLocked(msg, false)
	confirmed := false
	if e := s.entryLocked(localID); e != nil && e.State == model.EntryPending {
		e.Confirm()
		s.removeLocked(e)
		confirmed = true
	}
	s.mu.Unlock()

	if confirmed {
		metrics.IncOptimistic("confirmed")
	}
	if inserted {
		s.profiles.Resolve(s.ctx, msg.SenderID)
	}
	if inserted || confirmed || restored {
		s.notify()
	}
}

// handleIncoming is the fan-out handler.
func (s *ChatSession) handleIncoming(msg model.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	inserted := s.applyLocked(msg, true)
	s.mu.Unlock()

	if inserted {
		s.profiles.Resolve(s.ctx, msg.SenderID)
		s.notify()
	}
}

// applyLocked merges one canonical message. It is the only way messages
// enter history. When reconcile is set, the user's own message confirms the
// oldest matching pending entry. Reports whether history changed.
func (s *ChatSession) applyLocked(msg model.Message, reconcile bool) bool {
	if msg.GroupID != s.groupID {
		s.log.Debug().Str("message_id", msg.ID).Str("other_group", msg.GroupID).Msg("message for another group ignored")
		return false
	}
	if _, dup := s.seen[msg.ID]; dup {
		metrics.IncIncoming("duplicate")
		s.log.Debug().Str("message_id", msg.ID).Msg("duplicate delivery ignored")
		return false
	}

	i := sort.Search(len(s.history), func(i int) bool { return msg.Less(s.history[i]) })
	s.history = append(s.history, model.Message{})
	copy(s.history[i+1:], s.history[i:])
	s.history[i] = msg
	s.seen[msg.ID] = struct{}{}
	metrics.IncIncoming("inserted")

	if reconcile && msg.SenderID == s.userID {
		s.confirmOldestLocked(msg)
	}
	return true
}

func (s *ChatSession) confirmOldestLocked(msg model.Message) {
	var oldest *model.OptimisticEntry
	for _, e := range s.pending {
		if !e.Matches(msg, s.cfg.ReconcileWindow) {
			continue
		}
		if oldest == nil || e.CreatedAtLocal.Before(oldest.CreatedAtLocal) {
			oldest = e
		}
	}
	if oldest == nil {
		return
	}
	oldest.Confirm()
	s.removeLocked(oldest)
	s.echoed[msg.ID] = oldest
	metrics.IncOptimistic("confirmed")
}

func (s *ChatSession) entryLocked(localID string) *model.OptimisticEntry {
	for _, e := range s.pending {
		if e.LocalID == localID {
			return e
		}
	}
	return nil
}

// releaseEchoedLocked forgets the text-based confirmation of localID and
// returns the entry, restored to the trailer as pending. Nil if there was none.
func (s *ChatSession) releaseEchoedLocked(localID string) *model.OptimisticEntry {
	for id, e := range s.echoed {
		if e.LocalID != localID {
			continue
		}
		delete(s.echoed, id)
		e.Reset()
		s.restoreLocked(e)
		return e
	}
	return nil
}

// restoreLocked puts e back into the trailer in submission order.
func (s *ChatSession) restoreLocked(e *model.OptimisticEntry) {
	if s.entryLocked(e.LocalID) != nil {
		return
	}
	seq := localSeq(e.LocalID)
	i := sort.Search(len(s.pending), func(i int) bool { return seq < localSeq(s.pending[i].LocalID) })
	s.pending = append(s.pending, nil)
	copy(s.pending[i+1:], s.pending[i:])
	s.pending[i] = e
}

func localSeq(localID string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(localID, "L"))
	return n
}

func (s *ChatSession) removeLocked(target *model.OptimisticEntry) {
	for i, e := range s.pending {
		if e == target {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// ReloadHistory loads the recent window again and merges it. Messages already
// shown stay; the load error, if any, replaces the previous one.
func (s *ChatSession) ReloadHistory(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return domain.ErrSessionClosed
	}
	return s.loadHistory(ctx)
}

func (s *ChatSession) loadHistory(ctx context.Context) error {
	msgs, err := s.store.GetRecent(ctx, s.groupID, s.cfg.HistoryLimit)
	if err != nil {
		if !errors.Is(err, domain.ErrHistoryLoad) {
			err = fmt.Errorf("%w: %w", domain.ErrHistoryLoad, err)
		}
		s.mu.Lock()
		if !s.closed {
			s.historyErr = err
		}
		s.mu.Unlock()
		s.log.Warn().Err(err).Msg("history load failed")
		s.notify()
		return err
	}

	senders := make(map[string]struct{})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	s.historyErr = nil
	for _, m := range msgs {
		if s.applyLocked(m, true) {
			senders[m.SenderID] = struct{}{}
		}
	}
	s.mu.Unlock()

	ids := make([]string, 0, len(senders))
	for id := range senders {
		ids = append(ids, id)
	}
	s.profiles.Prefetch(s.ctx, ids)
	s.notify()
	return nil
}

// HistoryErr is the last history load error, nil after a successful load.
func (s *ChatSession) HistoryErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyErr
}

// History returns the canonical messages, oldest first.
func (s *ChatSession) History() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.history))
	copy(out, s.history)
	return out
}

// Pending returns copies of the unconfirmed entries in submission order.
func (s *ChatSession) Pending() []model.OptimisticEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.OptimisticEntry, 0, len(s.pending))
	for _, e := range s.pending {
		out = append(out, *e)
	}
	return out
}

// Rendered is history followed by pending and failed entries. Authors that
// are not resolved yet render with a placeholder profile.
func (s *ChatSession) Rendered() []RenderedItem {
	s.mu.Lock()
	history := make([]model.Message, len(s.history))
	copy(history, s.history)
	pending := make([]model.OptimisticEntry, 0, len(s.pending))
	for _, e := range s.pending {
		pending = append(pending, *e)
	}
	s.mu.Unlock()

	items := make([]RenderedItem, 0, len(history)+len(pending))
	for _, m := range history {
		items = append(items, RenderedItem{
			MessageID: m.ID,
			SenderID:  m.SenderID,
			Text:      m.Text,
			CreatedAt: m.CreatedAt,
			Status:    ItemSent,
			Mine:      m.SenderID == s.userID,
		})
	}
	for _, e := range pending {
		status := ItemPending
		if e.State == model.EntryFailed {
			status = ItemFailed
		}
		items = append(items, RenderedItem{
			LocalID:   e.LocalID,
			SenderID:  e.SenderID,
			Text:      e.Text,
			CreatedAt: e.CreatedAtLocal,
			Status:    status,
			Err:       e.Err,
			Mine:      true,
		})
	}

	authors := make(map[string]model.Profile)
	for i := range items {
		id := items[i].SenderID
		p, ok := authors[id]
		if !ok {
			p, _ = s.profiles.Resolve(s.ctx, id)
			authors[id] = p
		}
		items[i].Author = p
		items[i].Avatar = s.avatars.ResolveProfile(p)
	}
	return items
}

func (s *ChatSession) onProfile(userID string) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.notify()
	}
}

// Close releases the subscription and profile listener. Safe to call twice.
// After it returns no delivery or background completion changes the session.
func (s *ChatSession) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel()
		if s.unwatch != nil {
			s.unwatch()
		}
		if s.sub != nil {
			err = s.sub.Unsubscribe()
		}
		metrics.SessionClosed()
		s.log.Debug().Msg("chat session closed")
	})
	return err
}
