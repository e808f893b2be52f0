package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"groupchat/internal/domain/model"
	"groupchat/internal/domain/ports/adapter"
	"groupchat/internal/infra/metrics"
)

var (
	_ adapter.FanoutChannel = (*Fanout)(nil)
	_ adapter.Publisher     = (*Fanout)(nil)
)

// Fanout carries appended messages between server processes over Redis pub/sub.
// Delivery is at-least-once only while connected; sessions recover gaps by
// reloading history.
type Fanout struct {
	cli RedisClient
	log *zerolog.Logger
}

func NewFanout(cli RedisClient, logger *zerolog.Logger) *Fanout {
	return &Fanout{cli: cli, log: logger}
}

func GroupChannel(groupID string) string {
	return fmt.Sprintf("chat:group:%s", groupID)
}

func (f *Fanout) Publish(ctx context.Context, msg model.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return f.cli.Publish(ctx, GroupChannel(msg.GroupID), b)
}

func (f *Fanout) Subscribe(ctx context.Context, groupID string, handler adapter.MessageHandler) (adapter.Subscription, error) {
	ps, err := f.cli.Subscribe(ctx, GroupChannel(groupID))
	if err != nil {
		return nil, err
	}
	s := &subscription{
		id:      uuid.NewString(),
		groupID: groupID,
		ps:      ps,
		handler: handler,
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
		log:     f.log,
	}
	go s.run()
	return s, nil
}

type subscription struct {
	id      string
	groupID string
	ps      PubSub
	handler adapter.MessageHandler
	log     *zerolog.Logger

	once   sync.Once
	done   chan struct{}
	exited chan struct{}
}

func (s *subscription) ID() string      { return s.id }
func (s *subscription) GroupID() string { return s.groupID }

// Unsubscribe must not be called from the subscription's own handler.
func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
		<-s.exited
	})
	return err
}

func (s *subscription) run() {
	defer close(s.exited)
	ch := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var msg model.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				s.log.Warn().Err(err).Str("channel", m.Channel).Msg("drop malformed fan-out payload")
				continue
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.call(msg)
		}
	}
}

func (s *subscription) call(msg model.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error().Interface("panic", rec).Str("group_id", s.groupID).Msg("fan-out handler panic")
		}
	}()
	s.handler(msg)
	metrics.IncFanoutDelivery("redis")
}
