package conversation

import (
	"testing"

	"github.com/sipeed/wabot/pkg/domain"
)

func TestNewConversationRecordsFirstSeen(t *testing.T) {
	c := New(domain.ChannelWhatsApp, "Alice", "Alice")
	if c.Key != "whatsapp:Alice" {
		t.Fatalf("unexpected key %q", c.Key)
	}
	if c.ID() != domain.EntityID("whatsapp:Alice") {
		t.Errorf("id should equal key, got %q", c.ID())
	}
	events := c.PullEvents()
	if len(events) != 1 || events[0].EventType() != domain.EventContactFirstSeen {
		t.Fatalf("expected one first-seen event, got %v", events)
	}
	if c.HasPendingEvents() {
		t.Error("events should be cleared after pull")
	}
}

func TestGreetingOnlyOnce(t *testing.T) {
	c := New(domain.ChannelTelegram, "42", "")
	if !c.NeedsGreeting() {
		t.Fatal("new conversation should need greeting")
	}
	c.MarkGreeted()
	if c.NeedsGreeting() {
		t.Error("greeting should be sent once")
	}
	c.Touch()
	c.Touch()
	if c.Metrics.Messages != 2 {
		t.Errorf("messages = %d, want 2", c.Metrics.Messages)
	}
}
