package app

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/wabot/pkg/bus"
	"github.com/sipeed/wabot/pkg/config"
)

type stubGateway struct {
	mu      sync.Mutex
	running bool
	sent    []bus.ReplyPayload
}

func (g *stubGateway) Name() string { return "stub" }

func (g *stubGateway) Start(context.Context) error {
	g.mu.Lock()
	g.running = true
	g.mu.Unlock()
	return nil
}

func (g *stubGateway) Stop(context.Context) error {
	g.mu.Lock()
	g.running = false
	g.mu.Unlock()
	return nil
}

func (g *stubGateway) Send(_ context.Context, msg bus.ReplyPayload) error {
	g.mu.Lock()
	g.sent = append(g.sent, msg)
	g.mu.Unlock()
	return nil
}

func (g *stubGateway) IsRunning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

func (g *stubGateway) replies() []bus.ReplyPayload {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]bus.ReplyPayload(nil), g.sent...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Attachments.Dir = filepath.Join(dir, "attachments")
	cfg.Storage.ArchivePath = filepath.Join(dir, "tasks.db")
	cfg.Storage.ContactsDir = filepath.Join(dir, "contacts")
	cfg.Providers.OpenAI.APIKey = ""
	cfg.Providers.Default = ""
	return cfg
}

func TestNewCapabilitiesWithoutLLM(t *testing.T) {
	reg, formatter, err := NewCapabilities(config.Default(), nil, "", nil)
	require.NoError(t, err)

	for _, name := range []string{"help", "flip_coin", "weather", "csv_to_text", "remove_background"} {
		_, err := reg.Lookup(name)
		assert.NoError(t, err, name)
	}
	assert.Contains(t, formatter.HelpText(), "flip")
}

func TestSignatureJoinsWhatsAppFilter(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.Signature = "-- wabot"
	c, err := NewContainer(cfg, "test")
	require.NoError(t, err)
	defer c.Close()

	assert.Contains(t, cfg.Channels.WhatsApp.Signatures, "-- wabot")
	assert.Nil(t, c.API, "dashboard is off by default")
	assert.NotNil(t, c.Archive)
}

func TestAppendUnique(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, appendUnique([]string{"a", "b"}, "a"))
	assert.Equal(t, []string{"a", "b"}, appendUnique([]string{"a"}, "b"))
}

func TestRunAnswersAndShutsDown(t *testing.T) {
	c, err := NewContainer(testConfig(t), "test")
	require.NoError(t, err)
	defer c.Close()

	gw := &stubGateway{}
	c.Channels.RegisterChannel(gw)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, gw.IsRunning, 2*time.Second, 10*time.Millisecond)
	require.True(t, c.Bus.PublishInbound(bus.InboundEvent{
		ID:             "m-1",
		Channel:        "stub",
		ConversationID: "Alice",
		SenderID:       "alice",
		Text:           "flip a coin",
		ReceivedAt:     time.Now(),
	}))

	require.Eventually(t, func() bool { return len(gw.replies()) > 0 }, 5*time.Second, 10*time.Millisecond)
	got := gw.replies()[0]
	assert.Equal(t, "Alice", got.ConversationID)
	assert.Regexp(t, `Heads|Tails`, got.Text)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, gw.IsRunning())

	recent, err := c.Archive.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, recent)
	assert.Equal(t, "flip_coin", recent[0].Intent)
}
