package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"groupchat/internal/domain"
	"groupchat/internal/domain/model"
	"groupchat/internal/domain/ports/adapter"
	"groupchat/internal/infra/metrics"
)

var (
	_ adapter.FanoutChannel = (*Broker)(nil)
	_ adapter.Publisher     = (*Broker)(nil)
)

const defaultQueueSize = 256

// Broker is the in-process FanoutChannel. Each subscription owns an ordered queue
// drained by its own goroutine, so a slow reader never reorders or drops messages
// for the others. Publishes to one group are serialized.
//
// A reader whose queue stays full past the publisher's deadline misses that
// message; Publish reports it and the session recovers through a history reload.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
	queue  int
	log    *zerolog.Logger
}

type topic struct {
	mu   sync.Mutex
	subs map[string]*subscription
}

func NewBroker(logger *zerolog.Logger) *Broker {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Broker{
		topics: make(map[string]*topic),
		queue:  defaultQueueSize,
		log:    logger,
	}
}

func (b *Broker) topic(groupID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[groupID]
	if !ok {
		t = &topic{subs: make(map[string]*subscription)}
		b.topics[groupID] = t
	}
	return t
}

func (b *Broker) Subscribe(ctx context.Context, groupID string, handler adapter.MessageHandler) (adapter.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if groupID == "" || handler == nil {
		return nil, domain.ErrInvalidArgument
	}
	s := &subscription{
		id:      uuid.NewString(),
		groupID: groupID,
		handler: handler,
		queue:   make(chan model.Message, b.queue),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
		broker:  b,
	}
	t := b.topic(groupID)
	t.mu.Lock()
	t.subs[s.id] = s
	t.mu.Unlock()

	go s.deliver()
	return s, nil
}

// Publish enqueues msg for every current subscriber of its group, in call order.
// Subscribers with room are served first; full queues are then waited on until ctx ends.
func (b *Broker) Publish(ctx context.Context, msg model.Message) error {
	t := b.topic(msg.GroupID)
	t.mu.Lock()
	defer t.mu.Unlock()

	var full []*subscription
	for _, s := range t.subs {
		select {
		case s.queue <- msg:
		case <-s.done:
		default:
			full = append(full, s)
		}
	}
	dropped := 0
	for _, s := range full {
		if !s.enqueue(ctx, msg) {
			dropped++
			b.log.Warn().Str("subscription_id", s.id).Str("group_id", msg.GroupID).
				Str("message_id", msg.ID).Msg("subscriber lagging, message not queued")
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%d lagging subscriber(s) missed %s: %w", dropped, msg.ID, ctx.Err())
	}
	return nil
}

// Subscribers reports the number of live subscriptions for a group.
func (b *Broker) Subscribers(groupID string) int {
	t := b.topic(groupID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

type subscription struct {
	id      string
	groupID string
	handler adapter.MessageHandler
	queue   chan model.Message
	done    chan struct{}
	exited  chan struct{}
	once    sync.Once
	broker  *Broker
}

// enqueue waits for room until ctx ends, then makes one last attempt.
func (s *subscription) enqueue(ctx context.Context, msg model.Message) bool {
	select {
	case s.queue <- msg:
		return true
	case <-s.done:
		return true
	case <-ctx.Done():
	}
	select {
	case s.queue <- msg:
		return true
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *subscription) ID() string      { return s.id }
func (s *subscription) GroupID() string { return s.groupID }

// Unsubscribe must not be called from inside the subscription's own handler.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		close(s.done)
		t := s.broker.topic(s.groupID)
		t.mu.Lock()
		delete(t.subs, s.id)
		t.mu.Unlock()
	})
	<-s.exited
	return nil
}

func (s *subscription) deliver() {
	defer close(s.exited)
	for {
		// done wins over a ready queue
		select {
		case <-s.done:
			return
		default:
		}
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			s.call(msg)
		}
	}
}

func (s *subscription) call(msg model.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			s.broker.log.Error().
				Str("group_id", s.groupID).
				Str("subscription_id", s.id).
				Interface("panic", rec).
				Msg("fanout handler panic")
		}
	}()
	s.handler(msg)
	metrics.IncFanoutDelivery("memory")
}
