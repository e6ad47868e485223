package bus

import (
	"errors"
	"time"

	"github.com/sipeed/wabot/pkg/attachments"
)

// InboundEvent is one message delivered by a session gateway. It is treated
// as immutable once published; the agent loop derives a copy that carries the
// saved attachment handle.
type InboundEvent struct {
	ID             string            `json:"id"`
	Channel        string            `json:"channel"`
	ConversationID string            `json:"conversation_id"`
	SenderID       string            `json:"sender_id"`
	SenderName     string            `json:"sender_name,omitempty"`
	Text           string            `json:"text"`
	ReceivedAt     time.Time         `json:"received_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	// Blob is the raw file as downloaded by the gateway, if any.
	Blob *attachments.Blob `json:"-"`
	// Attachment is set once the Blob has been persisted.
	Attachment *attachments.Handle `json:"attachment,omitempty"`
}

// HasAttachment reports whether the event carries a file.
func (e InboundEvent) HasAttachment() bool {
	return e.Attachment != nil || (e.Blob != nil && len(e.Blob.Data) > 0)
}

// WithAttachment returns a copy of the event bound to a stored handle.
func (e InboundEvent) WithAttachment(h *attachments.Handle) InboundEvent {
	e.Attachment = h
	e.Blob = nil
	return e
}

// MetaAttachmentError is set by a gateway when the message carried a file it
// could not download. The value is AttachmentTooLarge or AttachmentUnreadable.
const (
	MetaAttachmentError  = "attachment_error"
	AttachmentTooLarge   = "too_large"
	AttachmentUnreadable = "unreadable"
)

var errAttachmentUnreadable = errors.New("attachment could not be downloaded")

// AttachmentError returns the download failure reported by the gateway, or
// nil.
func (e InboundEvent) AttachmentError() error {
	switch e.Metadata[MetaAttachmentError] {
	case "":
		return nil
	case AttachmentTooLarge:
		return attachments.ErrTooLarge
	default:
		return errAttachmentUnreadable
	}
}

// MarkAttachmentError records a failed download on the event.
func (e *InboundEvent) MarkAttachmentError(err error) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	if errors.Is(err, attachments.ErrTooLarge) {
		e.Metadata[MetaAttachmentError] = AttachmentTooLarge
		return
	}
	e.Metadata[MetaAttachmentError] = AttachmentUnreadable
}

// SessionKey identifies the conversation across channels.
func (e InboundEvent) SessionKey() string {
	return e.Channel + ":" + e.ConversationID
}

// ErrEmptyReply is returned by ReplyPayload.Validate when neither text nor a
// file is present.
var ErrEmptyReply = errors.New("reply has neither text nor file")

// ReplyPayload is one outbound reply. At least one of Text or File is set.
type ReplyPayload struct {
	Channel        string              `json:"channel"`
	ConversationID string              `json:"conversation_id"`
	TaskID         string              `json:"task_id,omitempty"`
	Text           string              `json:"text,omitempty"`
	File           *attachments.Handle `json:"file,omitempty"`
}

// Validate enforces the text-or-file invariant.
func (p ReplyPayload) Validate() error {
	if p.Text == "" && p.File == nil {
		return ErrEmptyReply
	}
	return nil
}

// SystemEvent is a typed event flowing through the bus for observability.
// Domain events reach dashboard clients this way.
type SystemEvent struct {
	Type   string      `json:"type"`   // e.g. "task.started", "reply.sent"
	Source string      `json:"source"` // e.g. "task", "reply"
	Data   interface{} `json:"data"`
	At     time.Time   `json:"at"`
}
