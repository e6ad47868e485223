// Package reply turns task outcomes into outbound payloads. Users only ever
// see the short messages defined here; error detail goes to the operator log.
package reply

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sipeed/wabot/pkg/attachments"
	"github.com/sipeed/wabot/pkg/bus"
	"github.com/sipeed/wabot/pkg/capability"
	"github.com/sipeed/wabot/pkg/logger"
)

// Route addresses a reply.
type Route struct {
	Channel        string
	ConversationID string
	TaskID         string
}

// RouteOf builds a Route from an inbound event.
func RouteOf(ev bus.InboundEvent) Route {
	return Route{Channel: ev.Channel, ConversationID: ev.ConversationID}
}

// WithTask returns a copy of r bound to a task id.
func (r Route) WithTask(id string) Route {
	r.TaskID = id
	return r
}

var categoryMessages = map[Category]string{
	ClassificationMiss: "Sorry, I didn't understand that. Send \"help\" to see what I can do.",
	ConfigurationError: "Sorry, that feature isn't available right now.",
	HandlerFailure:     "Sorry, something went wrong while handling that.",
	HandlerTimeout:     "Sorry, that took too long. Please try again later.",
	TransportFailure:   "Sorry, I couldn't deliver that reply.",
	ResourceBusy:       "I'm still working on your previous request. Please wait for it to finish.",
	Cancelled:          "Okay, I cancelled it.",
	ShuttingDown:       "Sorry, I'm restarting and had to stop that. Please send it again in a minute.",
	Unknown:            "Sorry, something went wrong.",
}

var failureMessages = map[capability.FailureCategory]string{
	capability.InvalidInput:        "That doesn't look right.",
	capability.NotFound:            "I couldn't find that.",
	capability.UnreadableFile:      "I couldn't read that file.",
	capability.Unsupported:         "That isn't supported.",
	capability.UpstreamUnavailable: "The service I need is unavailable right now. Please try again later.",
	capability.QuotaExceeded:       "I've hit my usage limit for that. Please try again later.",
	capability.Internal:            "Sorry, something went wrong while handling that.",
}

// Formatter builds reply payloads.
type Formatter struct {
	signature string
	help      string
}

// Option configures a Formatter.
type Option func(*Formatter)

// WithSignature prefixes every text reply, e.g. "🤖". Gateways use the same
// marker to recognize the bot's own messages.
func WithSignature(sig string) Option {
	return func(f *Formatter) { f.signature = strings.TrimSpace(sig) }
}

// NewFormatter builds a formatter whose help text lists descs.
func NewFormatter(descs []capability.Descriptor, opts ...Option) *Formatter {
	f := &Formatter{help: buildHelp(descs)}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Success formats a handler result using the descriptor's Format hook when set.
func (f *Formatter) Success(route Route, desc capability.Descriptor, req capability.Request, res capability.Result) bus.ReplyPayload {
	text := res.Text
	if desc.Format != nil {
		if s := desc.Format(req, res); s != "" {
			text = s
		}
	}
	if text == "" && res.File == nil {
		text = "Done."
	}
	return f.payload(route, text, res.File)
}

// Failure maps err to a user-facing reply and returns its category. The
// technical detail is logged here, never sent.
func (f *Formatter) Failure(route Route, intent string, err error) (bus.ReplyPayload, Category) {
	cat := CategoryOf(err)
	if cat == "" {
		cat = Unknown
	}

	text, ok := categoryMessages[cat]
	if !ok {
		text = categoryMessages[Unknown]
	}
	if cat == HandlerFailure {
		if fail, ok := capability.AsFailure(err); ok {
			if fail.Message != "" {
				text = fail.Message
			} else if msg, ok := failureMessages[fail.Category]; ok {
				text = msg
			}
		}
	}

	fields := map[string]interface{}{
		"conversation": route.ConversationID,
		"task_id":      route.TaskID,
		"intent":       intent,
		"category":     string(cat),
		"error":        err,
	}
	if cat == ConfigurationError {
		logger.ErrorCF("reply", "Intent has no registered handler", fields)
	} else {
		logger.WarnCF("reply", "Task failed", fields)
	}
	return f.payload(route, text, nil), cat
}

// Help is the fallback reply for unrecognized messages.
func (f *Formatter) Help(route Route) bus.ReplyPayload {
	return f.payload(route, categoryMessages[ClassificationMiss]+"\n\n"+f.help, nil)
}

// HelpText is the bare command list, for the help capability.
func (f *Formatter) HelpText() string { return f.help }

// Busy is sent when a second long task is rejected.
func (f *Formatter) Busy(route Route, running string) bus.ReplyPayload {
	text := categoryMessages[ResourceBusy]
	if running != "" {
		text = fmt.Sprintf("I'm still working on your %s request. Please wait for it to finish, or send \"cancel\".", strings.ReplaceAll(running, "_", " "))
	}
	return f.payload(route, text, nil)
}

// Cancelled confirms a user cancellation.
func (f *Formatter) Cancelled(route Route) bus.ReplyPayload {
	return f.payload(route, categoryMessages[Cancelled], nil)
}

// NothingToCancel answers a cancel request with nothing in flight.
func (f *Formatter) NothingToCancel(route Route) bus.ReplyPayload {
	return f.payload(route, "There's nothing running to cancel.", nil)
}

// Text wraps free text, e.g. the first-contact greeting.
func (f *Formatter) Text(route Route, text string) bus.ReplyPayload {
	return f.payload(route, text, nil)
}

func (f *Formatter) payload(route Route, text string, file *attachments.Handle) bus.ReplyPayload {
	if text != "" && f.signature != "" {
		text = f.signature + " " + text
	}
	return bus.ReplyPayload{
		Channel:        route.Channel,
		ConversationID: route.ConversationID,
		TaskID:         route.TaskID,
		Text:           text,
		File:           file,
	}
}

func buildHelp(descs []capability.Descriptor) string {
	sorted := append([]capability.Descriptor(nil), descs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Intent < sorted[j].Intent })

	var b strings.Builder
	b.WriteString("Here's what I can do:")
	for _, d := range sorted {
		b.WriteString("\n• ")
		if d.Usage != "" {
			b.WriteString(d.Usage)
		} else {
			b.WriteString(strings.ReplaceAll(d.Intent, "_", " "))
		}
		if d.Summary != "" {
			b.WriteString(" - ")
			b.WriteString(d.Summary)
		}
		if d.AcceptsAttachment {
			b.WriteString(" (send with a file)")
		}
	}
	return b.String()
}
