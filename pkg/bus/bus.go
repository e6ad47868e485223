package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when publishing to a closed bus.
var ErrClosed = errors.New("message bus closed")

// Subscriber is a named tap on a message stream. Multiple subscribers can
// independently consume the same published messages (fan-out).
type Subscriber struct {
	Name string
	ch   chan interface{} // receives copies of published messages
}

// MessageBus carries inbound events from gateways to the agent loop and
// replies from the orchestrator to the channel manager.
//
// Inbound publishing never blocks: gateways poll on their own cadence and a
// full queue drops its oldest event. Outbound publishing blocks until there is
// room, because a dropped reply would break the one-reply-per-task rule.
type MessageBus struct {
	inbound   chan InboundEvent
	outbound  chan ReplyPayload
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}

	inboundSubs  []*Subscriber
	outboundSubs []*Subscriber
	systemSubs   []*Subscriber

	dropped atomic.Int64
}

// NewMessageBus creates a bus with the given queue sizes (0 = 100).
func NewMessageBus(inboundSize, outboundSize int) *MessageBus {
	if inboundSize <= 0 {
		inboundSize = 100
	}
	if outboundSize <= 0 {
		outboundSize = 100
	}
	return &MessageBus{
		inbound:  make(chan InboundEvent, inboundSize),
		outbound: make(chan ReplyPayload, outboundSize),
		done:     make(chan struct{}),
	}
}

// --- Fan-out subscriptions ---

// SubscribeInboundTap creates a named subscriber that receives copies of all
// inbound events. The returned channel is buffered; slow consumers drop.
func (mb *MessageBus) SubscribeInboundTap(name string) <-chan interface{} {
	return mb.subscribe(&mb.inboundSubs, name)
}

// SubscribeOutboundTap creates a named subscriber for outbound replies.
func (mb *MessageBus) SubscribeOutboundTap(name string) <-chan interface{} {
	return mb.subscribe(&mb.outboundSubs, name)
}

// SubscribeSystem creates a named subscriber for system events.
func (mb *MessageBus) SubscribeSystem(name string) <-chan interface{} {
	return mb.subscribe(&mb.systemSubs, name)
}

func (mb *MessageBus) subscribe(list *[]*Subscriber, name string) <-chan interface{} {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	sub := &Subscriber{Name: name, ch: make(chan interface{}, 64)}
	if mb.closed {
		close(sub.ch)
		return sub.ch
	}
	*list = append(*list, sub)
	return sub.ch
}

// PublishSystem publishes a system event to all system subscribers.
func (mb *MessageBus) PublishSystem(event SystemEvent) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}
	fanOut(mb.systemSubs, event)
}

func fanOut(subs []*Subscriber, msg interface{}) {
	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		default: // drop if subscriber is slow
		}
	}
}

// --- Inbound ---

// PublishInbound enqueues an event without blocking. When the queue is full
// the oldest event is dropped. It reports false if the bus is closed or the
// event could not be queued.
func (mb *MessageBus) PublishInbound(msg InboundEvent) bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return false
	}
	fanOut(mb.inboundSubs, msg)

	select {
	case mb.inbound <- msg:
		return true
	default:
	}
	// Channel full: drop oldest and retry once.
	select {
	case <-mb.inbound:
		mb.dropped.Add(1)
	default:
	}
	select {
	case mb.inbound <- msg:
		return true
	default:
		mb.dropped.Add(1)
		return false
	}
}

// ConsumeInbound blocks until an event is available or ctx is done.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundEvent, bool) {
	select {
	case msg, ok := <-mb.inbound:
		return msg, ok
	case <-ctx.Done():
		return InboundEvent{}, false
	}
}

// DroppedInbound returns the number of inbound events dropped on overflow.
func (mb *MessageBus) DroppedInbound() int64 {
	return mb.dropped.Load()
}

// --- Outbound ---

// PublishOutbound enqueues a reply, waiting for room if the queue is full.
func (mb *MessageBus) PublishOutbound(ctx context.Context, msg ReplyPayload) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	mb.mu.RLock()
	if mb.closed {
		mb.mu.RUnlock()
		return ErrClosed
	}
	fanOut(mb.outboundSubs, msg)
	mb.mu.RUnlock()

	select {
	case mb.outbound <- msg:
		return nil
	case <-mb.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeOutbound blocks until a reply is available or ctx is done.
func (mb *MessageBus) ConsumeOutbound(ctx context.Context) (ReplyPayload, bool) {
	select {
	case msg := <-mb.outbound:
		return msg, true
	case <-mb.done:
		// Drain what is already queued before reporting closure.
		select {
		case msg := <-mb.outbound:
			return msg, true
		default:
			return ReplyPayload{}, false
		}
	case <-ctx.Done():
		return ReplyPayload{}, false
	}
}

// Close stops the bus. Queued outbound replies remain consumable.
func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		mb.mu.Lock()
		mb.closed = true
		for _, sub := range mb.inboundSubs {
			close(sub.ch)
		}
		for _, sub := range mb.outboundSubs {
			close(sub.ch)
		}
		for _, sub := range mb.systemSubs {
			close(sub.ch)
		}
		close(mb.done)
		close(mb.inbound)
		mb.mu.Unlock()
	})
}
