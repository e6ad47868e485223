// Package conversation defines the Conversation aggregate: what the bot
// remembers about a chat between messages (whether the contact is known,
// whether the first-contact greeting went out, when it last replied).
package conversation

import (
	"github.com/sipeed/wabot/pkg/domain"
)

// Conversation is the aggregate root for per-chat state.
type Conversation struct {
	domain.AggregateRoot

	// Key is "<channel>:<conversation id>", e.g. "whatsapp:Alice".
	Key         string             `json:"key"`
	ChannelType domain.ChannelType `json:"channel_type"`
	ChatID      string             `json:"chat_id"`
	DisplayName string             `json:"display_name,omitempty"`

	Greeted bool `json:"greeted"`

	Metrics Metrics `json:"metrics"`

	CreatedAt    domain.Timestamp `json:"created_at"`
	LastActiveAt domain.Timestamp `json:"last_active_at"`
	LastReplyAt  domain.Timestamp `json:"last_reply_at"`
}

// Metrics tracks simple per-conversation counters.
type Metrics struct {
	Messages      int `json:"messages"`
	TasksStarted  int `json:"tasks_started"`
	TasksRejected int `json:"tasks_rejected"`
}

// Key builds the canonical conversation key.
func Key(channel domain.ChannelType, chatID string) string {
	return string(channel) + ":" + chatID
}

// New creates a Conversation and records a first-seen event.
func New(channel domain.ChannelType, chatID, displayName string) *Conversation {
	now := domain.Now()
	c := &Conversation{
		Key:          Key(channel, chatID),
		ChannelType:  channel,
		ChatID:       chatID,
		DisplayName:  displayName,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	c.SetID(domain.EntityID(c.Key))
	c.RecordEvent(domain.NewEvent(domain.EventContactFirstSeen, c.ID(), map[string]string{
		"conversation": c.Key,
		"name":         displayName,
	}))
	return c
}

// Touch records an inbound message.
func (c *Conversation) Touch() {
	c.Metrics.Messages++
	c.LastActiveAt = domain.Now()
}

// NeedsGreeting reports whether the first-contact greeting is still owed.
func (c *Conversation) NeedsGreeting() bool {
	return !c.Greeted
}

// MarkGreeted records that the greeting went out.
func (c *Conversation) MarkGreeted() {
	c.Greeted = true
}

// MarkReplied stamps the last reply time.
func (c *Conversation) MarkReplied() {
	c.LastReplyAt = domain.Now()
}

// ---------------------------------------------------------------------------
// Repository interface
// ---------------------------------------------------------------------------

// Repository defines persistence for Conversation aggregates.
type Repository interface {
	FindByKey(key string) (*Conversation, error)
	Save(c *Conversation) error
	FindAll() ([]*Conversation, error)
}

// ---------------------------------------------------------------------------
// Domain errors
// ---------------------------------------------------------------------------

type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrNotFound Error = "conversation not found"
	ErrEmptyKey Error = "conversation key cannot be empty"
)
