package domain

import "time"

// ---------------------------------------------------------------------------
// Domain event system
// ---------------------------------------------------------------------------

// EventType classifies domain events for routing and filtering.
type EventType string

// Event names are prefixed by the context that emits them.
const (
	// Gateway events
	EventChannelConnected    EventType = "channel.connected"
	EventChannelDisconnected EventType = "channel.disconnected"
	EventChannelError        EventType = "channel.error"
	EventMessageReceived     EventType = "channel.message.received"
	EventMessageDropped      EventType = "channel.message.dropped"

	// Task lifecycle events (emitted by the orchestrator)
	EventTaskQueued    EventType = "task.queued"
	EventTaskStarted   EventType = "task.started"
	EventTaskSucceeded EventType = "task.succeeded"
	EventTaskFailed    EventType = "task.failed"
	EventTaskTimedOut  EventType = "task.timed_out"
	EventTaskCancelled EventType = "task.cancelled"
	EventTaskRejected  EventType = "task.rejected"
	EventTaskLateDrop  EventType = "task.late_result_discarded"

	// Reply delivery events (emitted by the channel manager)
	EventReplySent        EventType = "reply.sent"
	EventReplyUndelivered EventType = "reply.undelivered"

	// Attachment store events
	EventAttachmentSaved    EventType = "attachment.saved"
	EventAttachmentReleased EventType = "attachment.released"
	EventAttachmentExpired  EventType = "attachment.expired"

	// Conversation events
	EventContactFirstSeen EventType = "conversation.contact.first_seen"

	// System-level events
	EventSystemStartup  EventType = "system.startup"
	EventSystemShutdown EventType = "system.shutdown"
)

// IsTaskTerminal reports whether the event marks a task reaching a terminal state.
func (t EventType) IsTaskTerminal() bool {
	switch t {
	case EventTaskSucceeded, EventTaskFailed, EventTaskTimedOut, EventTaskCancelled:
		return true
	}
	return false
}

// Event is the interface all domain events implement.
type Event interface {
	// EventType returns the classified event type.
	EventType() EventType
	// OccurredAt returns when the event happened.
	OccurredAt() time.Time
	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() EntityID
	// Payload returns the event-specific data.
	Payload() interface{}
}

// BaseEvent provides a reusable implementation of the Event interface.
type BaseEvent struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	AggID     EntityID    `json:"aggregate_id"`
	EventData interface{} `json:"data,omitempty"`
}

func (e BaseEvent) EventType() EventType    { return e.Type }
func (e BaseEvent) OccurredAt() time.Time   { return e.Timestamp }
func (e BaseEvent) AggregateID() EntityID   { return e.AggID }
func (e BaseEvent) Payload() interface{}    { return e.EventData }

// NewEvent creates a new domain event.
func NewEvent(eventType EventType, aggregateID EntityID, data interface{}) BaseEvent {
	return BaseEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		AggID:     aggregateID,
		EventData: data,
	}
}

// ---------------------------------------------------------------------------
// Event bus
// ---------------------------------------------------------------------------

// EventHandler processes a domain event. Handlers should be idempotent.
type EventHandler func(Event)

// EventBus dispatches domain events to registered handlers.
type EventBus interface {
	// Publish dispatches an event to all registered handlers.
	Publish(event Event)
	// Subscribe registers a handler for a specific event type.
	Subscribe(eventType EventType, handler EventHandler)
	// SubscribeAll registers a handler that receives every event.
	SubscribeAll(handler EventHandler)
	// Close shuts down the event bus.
	Close()
}
