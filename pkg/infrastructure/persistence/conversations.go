package persistence

import (
	"sort"

	"github.com/sipeed/wabot/pkg/domain"
	"github.com/sipeed/wabot/pkg/domain/conversation"
	"github.com/sipeed/wabot/pkg/logger"
)

// ConversationRepository is the filesystem-backed implementation of
// conversation.Repository. It doubles as the contact store that remembers
// who already received the first-contact greeting.
type ConversationRepository struct {
	store *JSONStore[conversation.Conversation]
}

// NewConversationRepository opens (or creates) the store under dir.
func NewConversationRepository(dir string) (*ConversationRepository, error) {
	store, err := NewJSONStore[conversation.Conversation](dir)
	if err != nil {
		return nil, err
	}
	skipped, err := store.Load()
	if err != nil {
		return nil, err
	}
	for _, c := range store.All() {
		c.SetID(domain.EntityID(c.Key))
	}
	if skipped > 0 {
		logger.WarnCF("persistence", "Skipped unreadable contact files", map[string]interface{}{
			"dir":     dir,
			"skipped": skipped,
		})
	}
	return &ConversationRepository{store: store}, nil
}

func (r *ConversationRepository) FindByKey(key string) (*conversation.Conversation, error) {
	if key == "" {
		return nil, conversation.ErrEmptyKey
	}
	c, ok := r.store.Get(key)
	if !ok {
		return nil, conversation.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *ConversationRepository) Save(c *conversation.Conversation) error {
	if c.Key == "" {
		return conversation.ErrEmptyKey
	}
	cp := *c
	cp.PullEvents()
	return r.store.Put(c.Key, &cp)
}

// FindAll returns every conversation, most recently active first.
func (r *ConversationRepository) FindAll() ([]*conversation.Conversation, error) {
	stored := r.store.All()
	all := make([]*conversation.Conversation, len(stored))
	for i, c := range stored {
		cp := *c
		all[i] = &cp
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].LastActiveAt.After(all[j].LastActiveAt.Time)
	})
	return all, nil
}

func (r *ConversationRepository) Count() int { return r.store.Count() }

// Compile-time verification
var _ conversation.Repository = (*ConversationRepository)(nil)
