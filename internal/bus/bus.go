// Package bus is the in-process message bus between the transports, the
// real-time hub and the agent runtime. A Bus is created at server start,
// injected into the components that need it, and closed at shutdown.
package bus

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/aixgo-dev/agentrelay/agent"
)

// Event types.
const (
	// EventNewMessage carries a user message that the agent should answer.
	EventNewMessage = "new_message"
	// EventMessageDeleted announces a removed message.
	EventMessageDeleted = "message_deleted"
	// EventChannelCleared announces a channel whose log was emptied.
	EventChannelCleared = "channel_cleared"
	// EventChannelDeleted announces a removed channel.
	EventChannelDeleted = "channel_deleted"
)

// ErrClosed is returned when publishing to or subscribing on a closed bus.
var ErrClosed = errors.New("bus closed")

// Event is one bus notification.
type Event struct {
	Type      string
	ChannelID string
	Message   *agent.Message

	// SessionID is set when the event originates from a session.
	SessionID string
}

// Handler consumes events. It runs on a goroutine owned by its subscription,
// one event at a time.
type Handler func(ctx context.Context, ev Event)

type subscription struct {
	id      uint64
	types   map[string]bool
	ch      chan Event
	handler Handler

	// quit is closed before the subscription is removed so a publisher
	// blocked on ch lets go of the read lock.
	quit chan struct{}
}

func (s *subscription) wants(t string) bool {
	return len(s.types) == 0 || s.types[t]
}

// Bus fans events out to subscribers. It is safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool

	buffer int
	logger *zap.Logger
	wg     sync.WaitGroup

	// stopping is closed at the start of Close, before the write lock is
	// taken, to release publishers blocked on a full buffer.
	stopping chan struct{}
	stopOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a bus whose subscriptions buffer up to buffer events.
func New(buffer int, logger *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = 128
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		subs:     make(map[uint64]*subscription),
		buffer:   buffer,
		logger:   logger,
		stopping: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Subscribe registers h for the given event types, or for all events when
// none are given. The returned function removes the subscription.
func (b *Bus) Subscribe(h Handler, types ...string) (unsubscribe func(), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		ch:      make(chan Event, b.buffer),
		handler: h,
		types:   make(map[string]bool, len(types)),
		quit:    make(chan struct{}),
	}
	for _, t := range types {
		sub.types[t] = true
	}
	b.subs[sub.id] = sub

	b.wg.Add(1)
	go b.run(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(sub.quit)
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[sub.id]; ok {
				delete(b.subs, sub.id)
				close(sub.ch)
			}
		})
	}, nil
}

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	for ev := range sub.ch {
		b.dispatch(sub, ev)
	}
}

func (b *Bus) dispatch(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked",
				zap.String("event", ev.Type),
				zap.Uint64("subscription", sub.id),
				zap.Any("panic", r))
		}
	}()
	sub.handler(b.ctx, ev)
}

// Publish delivers ev to every interested subscriber. It blocks while a
// subscriber's buffer is full, until ctx is done or the bus starts closing.
// A subscriber that unsubscribes meanwhile is skipped.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	for _, sub := range b.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		if len(sub.ch) >= cap(sub.ch)*8/10 {
			b.logger.Warn("bus subscription buffer nearly full",
				zap.Uint64("subscription", sub.id),
				zap.Int("buffered", len(sub.ch)),
				zap.Int("capacity", cap(sub.ch)))
		}
		select {
		case sub.ch <- ev:
		case <-sub.quit:
		case <-b.stopping:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops accepting events and waits for subscribers to drain their
// buffers. If ctx ends first, handler contexts are cancelled and Close
// keeps waiting for the handlers to return.
func (b *Bus) Close(ctx context.Context) error {
	b.stopOnce.Do(func() { close(b.stopping) })
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.cancel()
		return nil
	case <-ctx.Done():
		b.cancel()
		<-done
		return ctx.Err()
	}
}
