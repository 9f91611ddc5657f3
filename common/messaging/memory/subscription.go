package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/imagepipe/imagepipe/common/logging"
	"github.com/imagepipe/imagepipe/common/messaging"
	"github.com/imagepipe/imagepipe/common/middleware"
)

// subscription is one mailbox plus the goroutine that drains it.
type subscription struct {
	broker  *Broker
	group   *group
	handler messaging.MessageHandler
	logger  *logging.Logger

	mu      sync.Mutex
	mailbox []*messaging.Message
	stopped bool

	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSubscription(b *Broker, g *group, handler messaging.MessageHandler) *subscription {
	return &subscription{
		broker:  b,
		group:   g,
		handler: handler,
		logger:  b.logger.With(logging.Subject(g.subject), logging.Group(g.name)),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (s *subscription) enqueue(msg *messaging.Message) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.broker.pending.Add(-1)
		return
	}
	s.mailbox = append(s.mailbox, msg)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) pop() *messaging.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || len(s.mailbox) == 0 {
		return nil
	}
	msg := s.mailbox[0]
	s.mailbox[0] = nil
	s.mailbox = s.mailbox[1:]
	return msg
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		for msg := s.pop(); msg != nil; msg = s.pop() {
			s.handle(msg)
			s.broker.pending.Add(-1)
		}
	}
}

func (s *subscription) handle(msg *messaging.Message) {
	ctx := middleware.RequestIDFromMetadata(context.Background(), msg.Metadata)

	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "Handler panicked", "panic", fmt.Sprint(r))
		}
	}()

	if err := s.handler(ctx, msg); err != nil {
		s.logger.ErrorContext(ctx, "Handler error", logging.Error(err))
	}
}

// Unsubscribe stops delivery and drops anything left in the mailbox.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		dropped := len(s.mailbox)
		s.mailbox = nil
		s.mu.Unlock()

		s.broker.pending.Add(int64(-dropped))
		s.broker.remove(s)
		close(s.done)
	})
	return nil
}

func (s *subscription) Subject() string {
	return s.group.subject
}

func (s *subscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}
