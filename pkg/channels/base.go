// Package channels holds the session gateways (WhatsApp Web, Telegram,
// Discord, Slack, console) and the Manager that owns their lifecycle and
// serializes outbound replies.
package channels

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/wabot/pkg/bus"
	"github.com/sipeed/wabot/pkg/logger"
)

// Channel is a session gateway.
//
// Start connects and launches the gateway's receive loop; it returns once
// the gateway can send. Send delivers one reply and may be retried by the
// Manager. Stop must be safe to call on a gateway that never started.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.ReplyPayload) error
	IsRunning() bool
}

var (
	ErrNotRunning = errors.New("channel not running")
	ErrBadChatID  = errors.New("invalid chat id")
)

// permanentError marks a send failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the Manager gives up without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || errors.Is(err, ErrBadChatID)
}

// BaseChannel carries what every gateway shares: its name, the bus, the
// per-channel allow list and the running flag.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom []string
	running   atomic.Bool
}

func NewBaseChannel(name string, mb *bus.MessageBus, allowFrom []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       mb,
		allowFrom: allowFrom,
	}
}

func (c *BaseChannel) Name() string { return c.name }

func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

func (c *BaseChannel) setRunning(v bool) { c.running.Store(v) }

// IsAllowed checks the sender against the channel's allow list. An empty
// list admits everyone. Entries match the sender id, the sender name or the
// conversation id, case-insensitively.
func (c *BaseChannel) IsAllowed(senderID, senderName, conversationID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	for _, allowed := range c.allowFrom {
		allowed = strings.TrimPrefix(strings.TrimSpace(allowed), "@")
		if allowed == "" {
			continue
		}
		for _, candidate := range []string{senderID, senderName, conversationID} {
			if candidate != "" && strings.EqualFold(candidate, allowed) {
				return true
			}
		}
	}
	return false
}

// HandleMessage fills in the gateway defaults and publishes ev on the
// inbound queue. It never blocks. It reports whether the event was queued.
func (c *BaseChannel) HandleMessage(ev bus.InboundEvent) bool {
	if !c.IsAllowed(ev.SenderID, ev.SenderName, ev.ConversationID) {
		logger.DebugCF(c.name, "Message from sender outside allow list dropped", map[string]interface{}{
			"sender":       ev.SenderID,
			"conversation": ev.ConversationID,
		})
		return false
	}
	ev.Channel = c.name
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	if ev.SenderID == "" {
		ev.SenderID = ev.ConversationID
	}
	if !c.bus.PublishInbound(ev) {
		logger.WarnCF(c.name, "Inbound queue rejected message", map[string]interface{}{
			"conversation": ev.ConversationID,
			"message_id":   ev.ID,
		})
		return false
	}
	return true
}
