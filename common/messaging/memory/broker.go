// Package memory provides an in-process implementation of the messaging
// interfaces. Every subscription (or queue group member) owns an unbounded
// mailbox drained by its own goroutine, so a slow or failing subscriber never
// delays its siblings.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/imagepipe/imagepipe/common/logging"
	"github.com/imagepipe/imagepipe/common/messaging"
	"github.com/imagepipe/imagepipe/common/middleware"
)

var (
	// ErrClosed is returned when publishing to a closed or draining broker.
	ErrClosed = errors.New("memory broker closed")

	// ErrNoResponders is returned by Request when nothing subscribes to the subject.
	ErrNoResponders = errors.New("no responders available for request")

	// ErrTimeout is returned by Request when no reply arrives in time.
	ErrTimeout = errors.New("request timed out")
)

// Broker is an in-process messaging.Client.
type Broker struct {
	logger *logging.Logger

	mu     sync.Mutex
	groups []*group
	closed bool

	pending atomic.Int64
	inbox   atomic.Uint64
}

// group is one delivery target for a subject pattern. Plain subscriptions
// form an anonymous group of one member.
type group struct {
	subject string
	name    string
	members []*subscription
	next    int
}

// NewBroker returns an empty broker. A nil logger discards handler errors.
func NewBroker(logger *logging.Logger) *Broker {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Broker{logger: logger.With(logging.Service("memory-broker"))}
}

// Publish sends data to every group subscribed to subject.
func (b *Broker) Publish(ctx context.Context, subject string, data []byte) error {
	return b.PublishMsg(ctx, &messaging.Message{Subject: subject, Data: data})
}

// PublishMsg delivers one copy of msg to each matching group. Within a queue
// group members are picked round-robin.
func (b *Broker) PublishMsg(ctx context.Context, msg *messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg == nil || msg.Subject == "" {
		return fmt.Errorf("publish: empty subject")
	}
	_, err := b.deliver(ctx, msg)
	return err
}

func (b *Broker) deliver(ctx context.Context, msg *messaging.Message) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}

	delivered := 0
	for _, g := range b.groups {
		if len(g.members) == 0 || !messaging.SubjectMatches(g.subject, msg.Subject) {
			continue
		}
		member := g.members[g.next%len(g.members)]
		g.next++

		b.pending.Add(1)
		member.enqueue(copyMessage(ctx, msg))
		delivered++
	}
	return delivered, nil
}

// Request publishes data with a private reply subject and waits for the
// first response.
func (b *Broker) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*messaging.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inbox := "_INBOX.memory." + strconv.FormatUint(b.inbox.Add(1), 10)
	replies := make(chan *messaging.Message, 1)

	sub, err := b.Subscribe(inbox, func(_ context.Context, msg *messaging.Message) error {
		select {
		case replies <- msg:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	n, err := b.deliver(ctx, &messaging.Message{Subject: subject, Data: data, Reply: inbox})
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNoResponders
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-replies:
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe registers a fan-out subscription: it receives every message.
func (b *Broker) Subscribe(subject string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	return b.subscribe(subject, "", handler)
}

// QueueSubscribe joins the named group for subject. Each message reaches one
// member of the group; every distinct group gets its own copy.
func (b *Broker) QueueSubscribe(subject, queue string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	if queue == "" {
		return nil, fmt.Errorf("queue subscribe %s: empty group name", subject)
	}
	return b.subscribe(subject, queue, handler)
}

func (b *Broker) subscribe(subject, queue string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	if subject == "" {
		return nil, fmt.Errorf("subscribe: empty subject")
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", subject)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	var g *group
	if queue != "" {
		for _, existing := range b.groups {
			if existing.subject == subject && existing.name == queue {
				g = existing
				break
			}
		}
	}
	if g == nil {
		g = &group{subject: subject, name: queue}
		b.groups = append(b.groups, g)
	}

	s := newSubscription(b, g, handler)
	g.members = append(g.members, s)
	go s.run()

	return s, nil
}

func (b *Broker) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g := s.group
	for i, m := range g.members {
		if m == s {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	if len(g.members) > 0 {
		return
	}
	for i, existing := range b.groups {
		if existing == g {
			b.groups = append(b.groups[:i], b.groups[i+1:]...)
			break
		}
	}
}

// WaitIdle blocks until every delivered message has been handled or dropped,
// or ctx is done.
func (b *Broker) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for b.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops all subscriptions immediately. Undelivered messages are dropped.
func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	var subs []*subscription
	for _, g := range b.groups {
		subs = append(subs, g.members...)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return nil
}

// Drain rejects new publishes, lets mailboxes empty, then closes.
func (b *Broker) Drain() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := b.WaitIdle(ctx)

	_ = b.Close()
	return err
}

// IsConnected reports whether the broker still accepts messages.
func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// copyMessage gives each subscriber its own message and metadata map.
func copyMessage(ctx context.Context, msg *messaging.Message) *messaging.Message {
	out := *msg
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}
	if len(msg.Metadata) > 0 {
		out.Metadata = make(map[string]string, len(msg.Metadata))
		for k, v := range msg.Metadata {
			out.Metadata[k] = v
		}
	}
	if reqID := middleware.GetRequestID(ctx); reqID != "" && out.Header(middleware.RequestIDHeader) == "" {
		if out.Metadata == nil {
			out.Metadata = make(map[string]string, 1)
		}
		out.Metadata[middleware.RequestIDHeader] = reqID
	}
	return &out
}

var _ messaging.Client = (*Broker)(nil)
