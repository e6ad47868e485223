// Event bridge: wires the message bus into the WebSocket hub. Inbound
// messages, queued replies and every domain event fan out to connected
// clients through bus tap subscriptions.
package api

import (
	"context"

	"github.com/sipeed/wabot/pkg/bus"
	"github.com/sipeed/wabot/pkg/domain"
	"github.com/sipeed/wabot/pkg/events"
	"github.com/sipeed/wabot/pkg/logger"
)

const previewLen = 200

// EventBridge connects the message bus to the WebSocket hub.
type EventBridge struct {
	bus *bus.MessageBus
	hub *WSHub
}

// NewEventBridge forwards domain events onto the bus system stream so that
// slow WebSocket clients never hold up the synchronous event dispatch.
func NewEventBridge(mb *bus.MessageBus, eb domain.EventBus, hub *WSHub) *EventBridge {
	if mb != nil && eb != nil {
		eb.SubscribeAll(func(e domain.Event) {
			env := events.FromDomain(e)
			mb.PublishSystem(bus.SystemEvent{
				Type:   env.Type,
				Source: env.Source,
				Data:   env.Data,
				At:     env.Timestamp,
			})
		})
	}
	return &EventBridge{bus: mb, hub: hub}
}

// Run starts the forwarding goroutines and returns. They stop when ctx is
// cancelled or the bus is closed.
func (eb *EventBridge) Run(ctx context.Context) {
	if eb.bus == nil {
		return
	}
	inboundTap := eb.bus.SubscribeInboundTap("event-bridge")
	outboundTap := eb.bus.SubscribeOutboundTap("event-bridge")
	systemTap := eb.bus.SubscribeSystem("event-bridge")

	go eb.forward(ctx, "inbound", inboundTap)
	go eb.forward(ctx, "outbound", outboundTap)
	go eb.forward(ctx, "system", systemTap)
	logger.DebugC("events", "Event bridge started")
}

func (eb *EventBridge) forward(ctx context.Context, name string, tap <-chan interface{}) {
	for {
		select {
		case <-ctx.Done():
			logger.DebugCF("events", "Event bridge stopped", map[string]interface{}{"stream": name})
			return
		case raw, ok := <-tap:
			if !ok {
				return
			}
			if ev, ok := toEnvelope(raw); ok {
				eb.hub.Broadcast(ev)
			}
		}
	}
}

func toEnvelope(raw interface{}) (events.Event, bool) {
	switch msg := raw.(type) {
	case bus.InboundEvent:
		return events.New("message.inbound", msg.Channel, events.MessageEventData{
			MessageID:      msg.ID,
			Channel:        msg.Channel,
			ConversationID: msg.ConversationID,
			From:           msg.SenderName,
			Preview:        events.Preview(msg.Text, previewLen),
			HasAttachment:  msg.HasAttachment(),
			Timestamp:      msg.ReceivedAt,
		}), true
	case bus.ReplyPayload:
		data := events.ReplyEventData{
			Channel:        msg.Channel,
			ConversationID: msg.ConversationID,
			TaskID:         msg.TaskID,
			Preview:        events.Preview(msg.Text, previewLen),
		}
		if msg.File != nil {
			data.FileName = msg.File.FileName
		}
		return events.New("reply.queued", "orchestrator", data), true
	case bus.SystemEvent:
		ev := events.New(msg.Type, msg.Source, msg.Data)
		if !msg.At.IsZero() {
			ev.Timestamp = msg.At
		}
		return ev, true
	}
	return events.Event{}, false
}
