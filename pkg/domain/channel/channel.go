// Package channel defines the state the channel Manager keeps for each
// session gateway (WhatsApp Web, Telegram, Discord, Slack, console).
package channel

import (
	"github.com/sipeed/wabot/pkg/domain"
	"github.com/sipeed/wabot/pkg/events"
)

// ---------------------------------------------------------------------------
// Channel aggregate root
// ---------------------------------------------------------------------------

// Channel tracks one gateway's connection state and delivery counters.
type Channel struct {
	domain.AggregateRoot

	Name string             `json:"name"`
	Type domain.ChannelType `json:"type"`

	Status domain.ConnectionStatus `json:"status"`
	Error  string                  `json:"error,omitempty"`

	Metrics Metrics `json:"metrics"`

	CreatedAt domain.Timestamp `json:"created_at"`
	UpdatedAt domain.Timestamp `json:"updated_at"`
}

// Metrics tracks channel usage statistics.
type Metrics struct {
	MessagesReceived int64            `json:"messages_received"`
	MessagesSent     int64            `json:"messages_sent"`
	SendFailures     int64            `json:"send_failures"`
	ErrorCount       int64            `json:"error_count"`
	LastActivityAt   domain.Timestamp `json:"last_activity_at"`
	ConnectedSince   domain.Timestamp `json:"connected_since"`
}

// New creates a disconnected Channel. The name doubles as the id.
func New(name string, channelType domain.ChannelType) *Channel {
	now := domain.Now()
	ch := &Channel{
		Name:      name,
		Type:      channelType,
		Status:    domain.StatusDisconnected,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ch.SetID(domain.EntityID(name))
	return ch
}

// MarkConnecting is set while a gateway starts up (e.g. waiting for a QR
// scan).
func (ch *Channel) MarkConnecting() {
	ch.Status = domain.StatusConnecting
	ch.UpdatedAt = domain.Now()
}

// MarkConnected transitions the channel to connected state.
func (ch *Channel) MarkConnected() {
	now := domain.Now()
	ch.Status = domain.StatusConnected
	ch.Error = ""
	ch.Metrics.ConnectedSince = now
	ch.UpdatedAt = now
	ch.record(domain.EventChannelConnected)
}

// MarkDisconnected transitions the channel to disconnected state.
func (ch *Channel) MarkDisconnected() {
	if ch.Status == domain.StatusDisconnected {
		return
	}
	ch.Status = domain.StatusDisconnected
	ch.UpdatedAt = domain.Now()
	ch.record(domain.EventChannelDisconnected)
}

// MarkError records a failed start or a lost connection.
func (ch *Channel) MarkError(err string) {
	ch.Status = domain.StatusError
	ch.Error = err
	ch.Metrics.ErrorCount++
	ch.UpdatedAt = domain.Now()
	ch.record(domain.EventChannelError)
}

func (ch *Channel) RecordMessageSent() {
	ch.Metrics.MessagesSent++
	ch.touch()
}

func (ch *Channel) RecordMessageReceived() {
	ch.Metrics.MessagesReceived++
	ch.touch()
}

// RecordSendFailure counts a reply that was given up on.
func (ch *Channel) RecordSendFailure() {
	ch.Metrics.SendFailures++
	ch.touch()
}

// IsConnected reports whether the gateway is up.
func (ch *Channel) IsConnected() bool {
	return ch.Status == domain.StatusConnected
}

func (ch *Channel) touch() {
	now := domain.Now()
	ch.Metrics.LastActivityAt = now
	ch.UpdatedAt = now
}

func (ch *Channel) record(t domain.EventType) {
	ch.RecordEvent(domain.NewEvent(t, ch.ID(), events.ChannelEventData{
		Channel: ch.Name,
		Status:  string(ch.Status),
		Error:   ch.Error,
	}))
}

// Snapshot returns a copy without pending events, safe to hand to readers.
func (ch *Channel) Snapshot() Channel {
	cp := Channel{
		Name:      ch.Name,
		Type:      ch.Type,
		Status:    ch.Status,
		Error:     ch.Error,
		Metrics:   ch.Metrics,
		CreatedAt: ch.CreatedAt,
		UpdatedAt: ch.UpdatedAt,
	}
	cp.SetID(ch.ID())
	return cp
}
