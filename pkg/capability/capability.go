// Package capability defines the uniform contract every bot capability
// implements and the immutable registry that maps intents to handlers.
package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sipeed/wabot/pkg/attachments"
)

// CostClass tells the orchestrator where a handler may run.
type CostClass string

const (
	// Instant handlers run on the consumer path under a short guard.
	Instant CostClass = "instant"
	// Short handlers run on the worker pool.
	Short CostClass = "short"
	// Long handlers run on the worker pool and occupy the conversation's
	// long-task slot.
	Long CostClass = "long"
)

// Valid reports whether c is a known class.
func (c CostClass) Valid() bool {
	switch c {
	case Instant, Short, Long:
		return true
	}
	return false
}

// DefaultMaxDuration returns the class default used when a descriptor sets none.
func (c CostClass) DefaultMaxDuration() time.Duration {
	switch c {
	case Instant:
		return 3 * time.Second
	case Short:
		return 45 * time.Second
	case Long:
		return 3 * time.Minute
	}
	return 0
}

// Args are the named arguments extracted by the classifier.
type Args map[string]string

// Get returns the argument value or "".
func (a Args) Get(key string) string {
	if a == nil {
		return ""
	}
	return a[key]
}

// FileSaver stores handler-produced files so they can be sent as replies.
type FileSaver interface {
	Save(ownerID string, b attachments.Blob) (*attachments.Handle, error)
}

// Request is the input handed to a handler.
type Request struct {
	TaskID         string
	ConversationID string
	SenderID       string
	Args           Args
	// Attachment is the inbound file, if any. Read-only.
	Attachment *attachments.Handle
	// Files stores output files. Owner ids should be the TaskID.
	Files FileSaver
}

// Result is what a handler produces on success.
type Result struct {
	Text string
	File *attachments.Handle
}

// Empty reports whether the result carries nothing to send.
func (r Result) Empty() bool {
	return r.Text == "" && r.File == nil
}

// Handler is the narrow interface every capability implements.
type Handler interface {
	Handle(ctx context.Context, req Request) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (Result, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// FailureCategory classifies a reported handler failure.
type FailureCategory string

const (
	InvalidInput        FailureCategory = "invalid_input"
	NotFound            FailureCategory = "not_found"
	UnreadableFile      FailureCategory = "unreadable_file"
	Unsupported         FailureCategory = "unsupported"
	UpstreamUnavailable FailureCategory = "upstream_unavailable"
	QuotaExceeded       FailureCategory = "quota_exceeded"
	Internal            FailureCategory = "internal"
)

// Failure is a handler error carrying a category and a message that is safe
// to show the user. Err is for the operator log only.
type Failure struct {
	Category FailureCategory
	Message  string
	Err      error
}

// Fail builds a *Failure.
func Fail(category FailureCategory, message string, cause error) *Failure {
	return &Failure{Category: category, Message: message, Err: cause}
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Category, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Category, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// AsFailure extracts a *Failure from err's chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// FormatFunc renders a successful result into reply text. Returning "" keeps
// the raw result text.
type FormatFunc func(req Request, res Result) string

// Descriptor binds an intent to its handler and scheduling metadata.
type Descriptor struct {
	Intent            string        `json:"intent"`
	Summary           string        `json:"summary"`
	Usage             string        `json:"usage,omitempty"`
	Cost              CostClass     `json:"cost"`
	MaxDuration       time.Duration `json:"max_duration"`
	AcceptsAttachment bool          `json:"accepts_attachment"`
	Handler           Handler       `json:"-"`
	Format            FormatFunc    `json:"-"`
}
