// Package agent is the single consumer of inbound messages: it filters,
// stores attachments, classifies and hands each event to the orchestrator.
package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sipeed/wabot/pkg/attachments"
	"github.com/sipeed/wabot/pkg/bus"
	"github.com/sipeed/wabot/pkg/capability"
	"github.com/sipeed/wabot/pkg/domain"
	"github.com/sipeed/wabot/pkg/events"
	"github.com/sipeed/wabot/pkg/intent"
	"github.com/sipeed/wabot/pkg/logger"
	"github.com/sipeed/wabot/pkg/reply"
)

// Dispatcher runs a classified event. Implemented by the orchestrator.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev bus.InboundEvent, in intent.Intent) string
}

// Contacts remembers who the bot has talked to.
type Contacts interface {
	// Observe records an inbound message and reports whether the
	// first-contact greeting is still owed.
	Observe(channel domain.ChannelType, chatID, name string) (bool, error)
	MarkGreeted(channel domain.ChannelType, chatID string) error
}

// AttachmentSaver stores inbound files. Implemented by attachments.Store.
type AttachmentSaver interface {
	Save(ownerID string, b attachments.Blob) (*attachments.Handle, error)
}

type Deps struct {
	Bus        *bus.MessageBus
	Classifier *intent.Classifier
	Dispatcher Dispatcher
	Formatter  *reply.Formatter
	Files      AttachmentSaver
	// Contacts and Events are optional.
	Contacts   Contacts
	Events     domain.EventBus
}

type Options struct {
	ACL         domain.AccessControlList
	Greeting    string
	DedupWindow time.Duration
}

// Loop consumes the inbound queue.
type Loop struct {
	deps Deps
	opts Options

	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func New(deps Deps, opts Options) (*Loop, error) {
	if deps.Bus == nil || deps.Classifier == nil || deps.Dispatcher == nil || deps.Formatter == nil || deps.Files == nil {
		return nil, errors.New("agent: bus, classifier, dispatcher, formatter and files are required")
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 2 * time.Minute
	}
	return &Loop{
		deps: deps,
		opts: opts,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}, nil
}

// Run consumes events until ctx is done or the bus closes.
func (l *Loop) Run(ctx context.Context) error {
	logger.InfoC("agent", "Agent loop started")
	for {
		ev, ok := l.deps.Bus.ConsumeInbound(ctx)
		if !ok {
			logger.InfoC("agent", "Agent loop stopped")
			return nil
		}
		l.Handle(ctx, ev)
	}
}

// Handle processes one inbound event. It returns the created task id, or "".
func (l *Loop) Handle(ctx context.Context, ev bus.InboundEvent) string {
	if reason := l.filter(ev); reason != "" {
		l.publish(domain.EventMessageDropped, ev, reason)
		logger.DebugCF("agent", "Message dropped", map[string]interface{}{
			"channel":      ev.Channel,
			"conversation": ev.ConversationID,
			"reason":       reason,
		})
		return ""
	}
	l.publish(domain.EventMessageReceived, ev, "")

	route := reply.RouteOf(ev)
	l.greet(ctx, ev, route)

	if err := ev.AttachmentError(); err != nil && ev.Blob == nil {
		l.rejectFile(ctx, route, err)
		return ""
	}
	if ev.Blob != nil {
		h, err := l.deps.Files.Save(ev.ID, *ev.Blob)
		if err != nil {
			l.rejectFile(ctx, route, err)
			return ""
		}
		ev = ev.WithAttachment(h)
	}

	in := l.deps.Classifier.Classify(ev.Text, ev.HasAttachment())
	logger.DebugCF("agent", "Message classified", map[string]interface{}{
		"conversation": ev.ConversationID,
		"intent":       in.Name,
		"rule":         in.RuleID,
	})
	return l.deps.Dispatcher.Dispatch(ctx, ev, in)
}

// filter returns a non-empty drop reason for events that must not be
// processed.
func (l *Loop) filter(ev bus.InboundEvent) string {
	if ev.Text == "" && ev.Blob == nil && ev.Attachment == nil && ev.AttachmentError() == nil {
		return "empty"
	}
	if !l.opts.ACL.IsAllowed(ev.ConversationID, ev.SenderID) {
		return "denied"
	}
	if ev.ID != "" && l.duplicate(ev.Channel+"/"+ev.ID) {
		return "duplicate"
	}
	return ""
}

func (l *Loop) duplicate(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	for k, at := range l.seen {
		if now.Sub(at) > l.opts.DedupWindow {
			delete(l.seen, k)
		}
	}
	if _, ok := l.seen[key]; ok {
		return true
	}
	l.seen[key] = now
	return false
}

func (l *Loop) greet(ctx context.Context, ev bus.InboundEvent, route reply.Route) {
	if l.deps.Contacts == nil {
		return
	}
	channel := domain.ChannelType(ev.Channel)
	owed, err := l.deps.Contacts.Observe(channel, ev.ConversationID, ev.SenderName)
	if err != nil {
		logger.WarnCF("agent", "Contact store update failed", map[string]interface{}{
			"conversation": ev.ConversationID,
			"error":        err,
		})
		return
	}
	if !owed || l.opts.Greeting == "" {
		return
	}
	if err := l.deps.Bus.PublishOutbound(ctx, l.deps.Formatter.Text(route, l.opts.Greeting)); err != nil {
		logger.WarnCF("agent", "Greeting not queued", map[string]interface{}{
			"conversation": ev.ConversationID,
			"error":        err,
		})
		return
	}
	if err := l.deps.Contacts.MarkGreeted(channel, ev.ConversationID); err != nil {
		logger.WarnCF("agent", "Could not record greeting", map[string]interface{}{
			"conversation": ev.ConversationID,
			"error":        err,
		})
	}
}

func (l *Loop) rejectFile(ctx context.Context, route reply.Route, err error) {
	msg := "I couldn't read that file."
	if errors.Is(err, attachments.ErrTooLarge) {
		msg = "That file is too big for me."
	}
	payload, _ := l.deps.Formatter.Failure(route, "", capability.Fail(capability.UnreadableFile, msg, err))
	if err := l.deps.Bus.PublishOutbound(ctx, payload); err != nil {
		logger.WarnCF("agent", "Reply not queued", map[string]interface{}{"error": err})
	}
}

func (l *Loop) publish(t domain.EventType, ev bus.InboundEvent, reason string) {
	if l.deps.Events == nil {
		return
	}
	l.deps.Events.Publish(domain.NewEvent(t, domain.EntityID(ev.ID), events.MessageEventData{
		MessageID:      ev.ID,
		Channel:        ev.Channel,
		ConversationID: ev.ConversationID,
		From:           ev.SenderName,
		Preview:        events.Preview(ev.Text, 80),
		HasAttachment:  ev.HasAttachment() || ev.Blob != nil,
		Reason:         reason,
		Timestamp:      ev.ReceivedAt,
	}))
}
