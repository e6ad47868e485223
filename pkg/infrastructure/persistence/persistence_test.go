package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/wabot/pkg/domain"
	"github.com/sipeed/wabot/pkg/domain/conversation"
	"github.com/sipeed/wabot/pkg/events"
	"github.com/sipeed/wabot/pkg/infrastructure/eventbus"
)

func TestConversationRepositoryPersists(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewConversationRepository(dir)
	require.NoError(t, err)

	_, err = repo.FindByKey("whatsapp:Alice / Bob")
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	c := conversation.New(domain.ChannelWhatsApp, "Alice / Bob", "Alice")
	c.MarkGreeted()
	require.NoError(t, repo.Save(c))
	require.NoError(t, repo.Save(conversation.New(domain.ChannelTelegram, "42", "")))

	// a stray file must not break loading
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o600))

	reopened, err := NewConversationRepository(dir)
	require.NoError(t, err)
	got, err := reopened.FindByKey("whatsapp:Alice / Bob")
	require.NoError(t, err)
	assert.False(t, got.NeedsGreeting())
	assert.Equal(t, domain.EntityID("whatsapp:Alice / Bob"), got.ID())
	assert.Equal(t, 2, reopened.Count())

	all, err := reopened.FindAll()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = repo.FindByKey("")
	assert.ErrorIs(t, err, conversation.ErrEmptyKey)
}

func TestConversationRepositoryReturnsCopies(t *testing.T) {
	repo, err := NewConversationRepository(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, repo.Save(conversation.New(domain.ChannelConsole, "me", "")))

	c, err := repo.FindByKey("console:me")
	require.NoError(t, err)
	c.MarkGreeted()

	again, err := repo.FindByKey("console:me")
	require.NoError(t, err)
	assert.True(t, again.NeedsGreeting(), "unsaved changes must not leak into the store")
}

func openArchive(t *testing.T) *TaskArchive {
	t.Helper()
	a, err := OpenTaskArchive(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func task(id, status string, created time.Time, finished bool) events.TaskEventData {
	d := events.TaskEventData{
		TaskID:         id,
		ConversationID: "Alice",
		Channel:        "whatsapp",
		Intent:         "weather",
		Cost:           "short",
		Status:         status,
		CreatedAt:      created,
	}
	if finished {
		d.FinishedAt = created.Add(time.Second)
		d.DurationMs = 1000
	}
	return d
}

func TestTaskArchiveLifecycle(t *testing.T) {
	a := openArchive(t)
	ctx := context.Background()
	t0 := time.Now().Add(-time.Minute).Truncate(time.Millisecond)

	require.NoError(t, a.Record(ctx, task("t1", "queued", t0, false)))
	require.NoError(t, a.Record(ctx, task("t1", "succeeded", t0, true)))
	// a late snapshot never reopens a finished task
	require.NoError(t, a.Record(ctx, task("t1", "running", t0, false)))

	got, err := a.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", got.Status)
	assert.Equal(t, int64(1000), got.DurationMs)
	assert.True(t, got.CreatedAt.Equal(t0))

	_, err = a.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTaskArchiveAbandonOpen(t *testing.T) {
	a := openArchive(t)
	ctx := context.Background()
	t0 := time.Now().Add(-time.Minute)

	require.NoError(t, a.Record(ctx, task("done", "failed", t0, true)))
	require.NoError(t, a.Record(ctx, task("open1", "running", t0, false)))
	require.NoError(t, a.Record(ctx, task("open2", "queued", t0.Add(time.Second), false)))

	abandoned, err := a.AbandonOpen(ctx)
	require.NoError(t, err)
	require.Len(t, abandoned, 2)
	assert.Equal(t, "open1", abandoned[0].TaskID)

	got, err := a.Get(ctx, "open2")
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, got.Status)

	again, err := a.AbandonOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestTaskArchivePurgeAndRecent(t *testing.T) {
	a := openArchive(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, a.Record(ctx, task("old", "succeeded", now.Add(-48*time.Hour), true)))
	require.NoError(t, a.Record(ctx, task("old-open", "running", now.Add(-48*time.Hour), false)))
	require.NoError(t, a.Record(ctx, task("new", "succeeded", now, true)))

	n, err := a.PurgeOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recent, err := a.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "new", recent[0].TaskID)
}

func TestTaskArchiveFollowsEventBus(t *testing.T) {
	a := openArchive(t)
	b := eventbus.New()
	a.Subscribe(b)

	d := task("t9", "queued", time.Now(), false)
	b.Publish(domain.NewEvent(domain.EventTaskQueued, "t9", d))
	b.Publish(domain.NewEvent(domain.EventReplySent, "r1", events.ReplyEventData{TaskID: "t9"}))
	d.Status, d.FinishedAt = "timed_out", time.Now()
	b.Publish(domain.NewEvent(domain.EventTaskTimedOut, "t9", d))
	require.NoError(t, a.Flush(context.Background()))

	got, err := a.Get(context.Background(), "t9")
	require.NoError(t, err)
	assert.Equal(t, "timed_out", got.Status)
}

func TestTaskArchiveSkipsEventsWithoutTaskID(t *testing.T) {
	a := openArchive(t)
	b := eventbus.New()
	a.Subscribe(b)

	rejected := task("", "", time.Now(), false)
	rejected.ErrorCategory = "resource_busy"
	b.Publish(domain.NewEvent(domain.EventTaskRejected, "", rejected))
	require.NoError(t, a.Flush(context.Background()))

	recent, err := a.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, recent)

	abandoned, err := a.AbandonOpen(context.Background())
	require.NoError(t, err)
	assert.Empty(t, abandoned)
}

func TestTaskArchiveCloseFinishesQueuedWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	a, err := OpenTaskArchive(path)
	require.NoError(t, err)
	b := eventbus.New()
	a.Subscribe(b)

	for _, id := range []string{"a1", "a2", "a3"} {
		b.Publish(domain.NewEvent(domain.EventTaskQueued, id, task(id, "queued", time.Now(), false)))
	}
	require.NoError(t, a.Close())

	// Publishing after Close is a no-op, not a panic.
	b.Publish(domain.NewEvent(domain.EventTaskQueued, "late", task("late", "queued", time.Now(), false)))
	assert.Equal(t, uint64(0), b.Stats()["panics"])
	assert.NoError(t, a.Flush(context.Background()))

	again, err := OpenTaskArchive(path)
	require.NoError(t, err)
	defer again.Close()
	recent, err := again.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, recent, 3)
	assert.Zero(t, a.Dropped())
}

func TestRunRetentionStopsWithContext(t *testing.T) {
	a := openArchive(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunRetention(ctx, "@hourly", time.Hour) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunRetention did not stop")
	}

	assert.Error(t, a.RunRetention(context.Background(), "not cron", time.Hour))
}
