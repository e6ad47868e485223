// Package events defines the typed payloads carried by domain events and the
// envelope pushed to dashboard clients. No ad-hoc map[string]interface{}
// payloads.
package events

import (
	"time"

	"github.com/sipeed/wabot/pkg/domain"
)

// --- Event Envelope ---

// Event is the universal envelope for events leaving the process (websocket).
type Event struct {
	// Type identifies the event (e.g., "task.started", "reply.sent")
	Type string `json:"type"`

	// Source identifies who emitted the event
	Source string `json:"source"`

	// Timestamp is when the event was emitted
	Timestamp time.Time `json:"timestamp"`

	// Data is the typed payload
	Data interface{} `json:"data"`
}

// New creates a timestamped event.
func New(eventType, source string, data interface{}) Event {
	return Event{
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// FromDomain wraps a domain event in the envelope. The source is the part of
// the type before the first dot.
func FromDomain(e domain.Event) Event {
	t := string(e.EventType())
	source := t
	for i := 0; i < len(t); i++ {
		if t[i] == '.' {
			source = t[:i]
			break
		}
	}
	return Event{
		Type:      t,
		Source:    source,
		Timestamp: e.OccurredAt(),
		Data:      e.Payload(),
	}
}

// --- Typed Payloads ---

// TaskEventData is a snapshot of a task at a lifecycle transition.
type TaskEventData struct {
	TaskID         string    `json:"task_id"`
	ConversationID string    `json:"conversation_id"`
	Channel        string    `json:"channel"`
	SenderID       string    `json:"sender_id,omitempty"`
	Intent         string    `json:"intent"`
	Cost           string    `json:"cost"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	ErrorCategory  string    `json:"error_category,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
	DurationMs     int64     `json:"duration_ms,omitempty"`
}

// ReplyEventData is the payload for reply delivery events.
type ReplyEventData struct {
	Channel        string `json:"channel"`
	ConversationID string `json:"conversation_id"`
	TaskID         string `json:"task_id,omitempty"`
	Preview        string `json:"preview,omitempty"` // truncated text
	FileName       string `json:"file_name,omitempty"`
	Attempts       int    `json:"attempts"`
	Error          string `json:"error,omitempty"`
}

// MessageEventData is the payload for inbound message events.
type MessageEventData struct {
	MessageID      string    `json:"message_id,omitempty"`
	Channel        string    `json:"channel"`
	ConversationID string    `json:"conversation_id"`
	From           string    `json:"from,omitempty"`
	Preview        string    `json:"preview"` // truncated content
	HasAttachment  bool      `json:"has_attachment,omitempty"`
	Reason         string    `json:"reason,omitempty"` // for dropped messages
	Timestamp      time.Time `json:"timestamp"`
}

// ChannelEventData is the payload for gateway connection events.
type ChannelEventData struct {
	Channel string `json:"channel"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// AttachmentEventData is the payload for attachment lifecycle events.
type AttachmentEventData struct {
	HandleID  string `json:"handle_id"`
	OwnerID   string `json:"owner_id"`
	FileName  string `json:"file_name"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

// SystemEventData is the payload for system lifecycle events.
type SystemEventData struct {
	Version       string `json:"version,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	Capabilities  int    `json:"capabilities,omitempty"`
	AbandonedTask int    `json:"abandoned_tasks,omitempty"`
	Message       string `json:"message,omitempty"`
}

// Preview truncates s to n runes with an ellipsis.
func Preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
