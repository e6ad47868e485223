package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sipeed/wabot/pkg/attachments"
	"github.com/sipeed/wabot/pkg/bus"
	"github.com/sipeed/wabot/pkg/domain"
	"github.com/sipeed/wabot/pkg/domain/channel"
	"github.com/sipeed/wabot/pkg/events"
	"github.com/sipeed/wabot/pkg/logger"
	"github.com/sipeed/wabot/pkg/orchestration"
)

const defaultSendTimeout = 30 * time.Second

// FileReleaser frees reply files once they have been handed to a gateway.
// Implemented by attachments.Store.
type FileReleaser interface {
	Release(h *attachments.Handle) error
}

type ManagerOptions struct {
	Retry       orchestration.RetryPolicy
	SendTimeout time.Duration
	// Files and Events are optional.
	Files  FileReleaser
	Events domain.EventBus
}

// Manager owns the gateways. One goroutine consumes the outbound queue, so
// one send completes before the next begins.
type Manager struct {
	bus  *bus.MessageBus
	opts ManagerOptions

	mu       sync.RWMutex
	channels map[string]Channel
	states   map[string]*channel.Channel

	sleep func(ctx context.Context, d time.Duration) error
}

func NewManager(mb *bus.MessageBus, opts ManagerOptions) *Manager {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = orchestration.DefaultRetryPolicy()
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	m := &Manager{
		bus:      mb,
		opts:     opts,
		channels: make(map[string]Channel),
		states:   make(map[string]*channel.Channel),
		sleep:    sleepCtx,
	}
	if opts.Events != nil {
		opts.Events.Subscribe(domain.EventMessageReceived, m.countReceived)
	}
	return m
}

// RegisterChannel adds a gateway. Registering a name twice replaces the
// earlier gateway.
func (m *Manager) RegisterChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
	m.states[ch.Name()] = channel.New(ch.Name(), domain.ChannelType(ch.Name()))
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// EnabledChannels returns the registered gateway names, sorted.
func (m *Manager) EnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartAll starts every gateway concurrently. A gateway that fails to start
// is logged and marked in error; StartAll fails only if none started.
func (m *Manager) StartAll(ctx context.Context) error {
	names := m.EnabledChannels()
	if len(names) == 0 {
		return errors.New("no channels registered")
	}

	var (
		g       errgroup.Group
		mu      sync.Mutex
		started int
	)
	for _, name := range names {
		ch, _ := m.GetChannel(name)
		g.Go(func() error {
			m.update(name, (*channel.Channel).MarkConnecting)
			logger.InfoCF("channels", "Starting channel", map[string]interface{}{"channel": name})
			if err := ch.Start(ctx); err != nil {
				logger.ErrorCF("channels", "Channel failed to start", map[string]interface{}{
					"channel": name,
					"error":   err.Error(),
				})
				m.update(name, func(c *channel.Channel) { c.MarkError(err.Error()) })
				return nil
			}
			m.update(name, (*channel.Channel).MarkConnected)
			mu.Lock()
			started++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if started == 0 {
		return fmt.Errorf("none of %d channels started", len(names))
	}
	logger.InfoCF("channels", "Channels started", map[string]interface{}{
		"started": started,
		"total":   len(names),
	})
	return nil
}

// StopAll stops every gateway. Errors are logged and the first is returned.
func (m *Manager) StopAll(ctx context.Context) error {
	var first error
	for _, name := range m.EnabledChannels() {
		ch, _ := m.GetChannel(name)
		if err := ch.Stop(ctx); err != nil {
			logger.WarnCF("channels", "Channel stop failed", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
			if first == nil {
				first = err
			}
		}
		m.update(name, (*channel.Channel).MarkDisconnected)
	}
	return first
}

// Run consumes the outbound queue until ctx is done or the bus is closed
// and drained.
func (m *Manager) Run(ctx context.Context) {
	for {
		msg, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		m.deliver(ctx, msg)
	}
}

// deliver sends one reply with retries. The reply file, if any, is released
// afterwards whether or not the send succeeded.
func (m *Manager) deliver(ctx context.Context, msg bus.ReplyPayload) {
	defer m.release(msg.File)

	ch, ok := m.GetChannel(msg.Channel)
	if !ok {
		m.undelivered(msg, 0, fmt.Errorf("unknown channel %q", msg.Channel))
		return
	}

	var (
		err      error
		attempts int
	)
	limit := m.opts.Retry.Attempts()
	for attempts = 1; attempts <= limit; attempts++ {
		if !ch.IsRunning() {
			err = ErrNotRunning
		} else {
			sendCtx, cancel := context.WithTimeout(ctx, m.opts.SendTimeout)
			err = ch.Send(sendCtx, msg)
			cancel()
		}
		if err == nil || IsPermanent(err) || attempts == limit {
			break
		}
		logger.DebugCF("channels", "Send failed, retrying", map[string]interface{}{
			"channel": msg.Channel,
			"attempt": attempts,
			"error":   err.Error(),
		})
		if m.sleep(ctx, m.opts.Retry.Delay(attempts)) != nil {
			break
		}
	}

	if err != nil {
		m.undelivered(msg, attempts, err)
		return
	}
	m.update(msg.Channel, (*channel.Channel).RecordMessageSent)
	m.publish(domain.EventReplySent, msg, attempts, nil)
	logger.DebugCF("channels", "Reply sent", map[string]interface{}{
		"channel":      msg.Channel,
		"conversation": msg.ConversationID,
		"task_id":      msg.TaskID,
		"attempts":     attempts,
	})
}

func (m *Manager) undelivered(msg bus.ReplyPayload, attempts int, err error) {
	m.update(msg.Channel, (*channel.Channel).RecordSendFailure)
	m.publish(domain.EventReplyUndelivered, msg, attempts, err)
	logger.ErrorCF("channels", "Reply undelivered", map[string]interface{}{
		"channel":      msg.Channel,
		"conversation": msg.ConversationID,
		"task_id":      msg.TaskID,
		"attempts":     attempts,
		"error":        err.Error(),
	})
}

func (m *Manager) release(h *attachments.Handle) {
	if h == nil || m.opts.Files == nil {
		return
	}
	if err := m.opts.Files.Release(h); err != nil {
		logger.WarnCF("channels", "Failed to release reply file", map[string]interface{}{
			"handle": h.ID,
			"error":  err.Error(),
		})
	}
}

func (m *Manager) publish(t domain.EventType, msg bus.ReplyPayload, attempts int, err error) {
	if m.opts.Events == nil {
		return
	}
	data := events.ReplyEventData{
		Channel:        msg.Channel,
		ConversationID: msg.ConversationID,
		TaskID:         msg.TaskID,
		Preview:        events.Preview(msg.Text, 80),
		Attempts:       attempts,
	}
	if msg.File != nil {
		data.FileName = msg.File.FileName
	}
	if err != nil {
		data.Error = err.Error()
	}
	m.opts.Events.Publish(domain.NewEvent(t, domain.EntityID(msg.TaskID), data))
}

func (m *Manager) countReceived(e domain.Event) {
	data, ok := e.Payload().(events.MessageEventData)
	if !ok {
		return
	}
	m.update(data.Channel, (*channel.Channel).RecordMessageReceived)
}

// update applies fn to the named channel state and publishes whatever
// events it recorded.
func (m *Manager) update(name string, fn func(*channel.Channel)) {
	m.mu.Lock()
	state, ok := m.states[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	fn(state)
	pending := state.PullEvents()
	m.mu.Unlock()

	if m.opts.Events == nil {
		return
	}
	for _, e := range pending {
		m.opts.Events.Publish(e)
	}
}

// Channels returns a snapshot of every gateway's state, sorted by name.
func (m *Manager) Channels() []channel.Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]channel.Channel, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetStatus summarizes the gateways for the status endpoint.
func (m *Manager) GetStatus() map[string]interface{} {
	status := make(map[string]interface{})
	for _, st := range m.Channels() {
		ch, _ := m.GetChannel(st.Name)
		status[st.Name] = map[string]interface{}{
			"status":            string(st.Status),
			"running":           ch != nil && ch.IsRunning(),
			"error":             st.Error,
			"messages_received": st.Metrics.MessagesReceived,
			"messages_sent":     st.Metrics.MessagesSent,
			"send_failures":     st.Metrics.SendFailures,
		}
	}
	return status
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
