package reply

import (
	"context"
	"errors"

	"github.com/sipeed/wabot/pkg/capability"
)

// Category is the user-facing error class of a task outcome.
type Category string

const (
	ClassificationMiss Category = "classification_miss"
	ConfigurationError Category = "configuration_error"
	HandlerFailure     Category = "handler_failure"
	HandlerTimeout     Category = "handler_timeout"
	TransportFailure   Category = "transport_failure"
	ResourceBusy       Category = "resource_busy"
	Cancelled          Category = "cancelled"
	ShuttingDown       Category = "shutting_down"
	Unknown            Category = "unknown"
)

// Categories lists every category the formatter must handle.
func Categories() []Category {
	return []Category{
		ClassificationMiss, ConfigurationError, HandlerFailure, HandlerTimeout,
		TransportFailure, ResourceBusy, Cancelled, ShuttingDown, Unknown,
	}
}

var (
	ErrUnrecognized = errors.New("message did not match any intent")
	ErrNoHandler    = capability.ErrNotFound
	ErrTimeout      = errors.New("handler exceeded its max duration")
	ErrBusy         = errors.New("a long task is already running for this conversation")
	ErrCancelled    = errors.New("task cancelled by user")
	ErrShuttingDown = errors.New("task interrupted by shutdown")
	ErrTransport    = errors.New("reply could not be delivered")
	ErrEmptyResult  = errors.New("handler returned an empty result")
)

// CategoryOf classifies err. Unknown faults are handler failures.
func CategoryOf(err error) Category {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnrecognized):
		return ClassificationMiss
	case errors.Is(err, ErrNoHandler):
		return ConfigurationError
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return HandlerTimeout
	case errors.Is(err, ErrBusy):
		return ResourceBusy
	case errors.Is(err, ErrShuttingDown):
		return ShuttingDown
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, ErrTransport):
		return TransportFailure
	default:
		return HandlerFailure
	}
}
