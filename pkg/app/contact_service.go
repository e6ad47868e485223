package app

import (
	"errors"
	"sync"

	"github.com/sipeed/wabot/pkg/domain"
	"github.com/sipeed/wabot/pkg/domain/conversation"
	"github.com/sipeed/wabot/pkg/events"
)

// ---------------------------------------------------------------------------
// Contact application service
// ---------------------------------------------------------------------------

// ContactService keeps the Conversation aggregates current: it records
// inbound messages, the first-contact greeting and task counters.
type ContactService struct {
	repo     conversation.Repository
	eventBus domain.EventBus
	mu       sync.Mutex
}

// NewContactService creates a new contact application service.
func NewContactService(repo conversation.Repository, eventBus domain.EventBus) *ContactService {
	return &ContactService{
		repo:     repo,
		eventBus: eventBus,
	}
}

// Observe records an inbound message, creating the conversation on first
// contact. It reports whether the greeting is still owed.
func (s *ContactService) Observe(channel domain.ChannelType, chatID, name string) (bool, error) {
	s.mu.Lock()
	c, err := s.observe(channel, chatID, name)
	s.mu.Unlock()
	if err != nil {
		return false, err
	}

	s.publishEvents(c)
	return c.NeedsGreeting(), nil
}

func (s *ContactService) observe(channel domain.ChannelType, chatID, name string) (*conversation.Conversation, error) {
	c, err := s.repo.FindByKey(conversation.Key(channel, chatID))
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		c = conversation.New(channel, chatID, name)
	case err != nil:
		return nil, err
	}
	c.Touch()
	if name != "" {
		c.DisplayName = name
	}
	if err := s.repo.Save(c); err != nil {
		return nil, err
	}
	return c, nil
}

// MarkGreeted records that the greeting went out.
func (s *ContactService) MarkGreeted(channel domain.ChannelType, chatID string) error {
	return s.update(conversation.Key(channel, chatID), (*conversation.Conversation).MarkGreeted)
}

// Track keeps per-conversation task counters and reply times from the
// lifecycle events on bus.
func (s *ContactService) Track(bus domain.EventBus) {
	bus.Subscribe(domain.EventTaskQueued, s.count(func(m *conversation.Metrics) { m.TasksStarted++ }))
	bus.Subscribe(domain.EventTaskRejected, s.count(func(m *conversation.Metrics) { m.TasksRejected++ }))
	bus.Subscribe(domain.EventReplySent, func(e domain.Event) {
		data, ok := e.Payload().(events.ReplyEventData)
		if !ok {
			return
		}
		key := conversation.Key(domain.ChannelType(data.Channel), data.ConversationID)
		_ = s.update(key, (*conversation.Conversation).MarkReplied)
	})
}

func (s *ContactService) count(f func(*conversation.Metrics)) domain.EventHandler {
	return func(e domain.Event) {
		data, ok := e.Payload().(events.TaskEventData)
		if !ok {
			return
		}
		key := conversation.Key(domain.ChannelType(data.Channel), data.ConversationID)
		_ = s.update(key, func(c *conversation.Conversation) { f(&c.Metrics) })
	}
}

// ListContacts returns every known conversation.
func (s *ContactService) ListContacts() ([]*conversation.Conversation, error) {
	return s.repo.FindAll()
}

func (s *ContactService) update(key string, mutate func(*conversation.Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.repo.FindByKey(key)
	if err != nil {
		return err
	}
	mutate(c)
	return s.repo.Save(c)
}

func (s *ContactService) publishEvents(c *conversation.Conversation) {
	if s.eventBus == nil {
		return
	}
	for _, event := range c.PullEvents() {
		s.eventBus.Publish(event)
	}
}
