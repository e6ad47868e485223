package attachments

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/sipeed/wabot/pkg/domain"
	"github.com/sipeed/wabot/pkg/events"
	"github.com/sipeed/wabot/pkg/infrastructure/eventbus"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, ttl time.Duration, opts ...Option) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	opts = append(opts, WithClock(clock.Now))
	s, err := NewStore(t.TempDir(), ttl, opts...)
	require.NoError(t, err)
	return s, clock
}

func TestSaveAndRelease(t *testing.T) {
	s, _ := newTestStore(t, time.Minute)

	h, err := s.Save("evt-1", Blob{FileName: "report.csv", Data: []byte("a,b\n1,2\n")})
	require.NoError(t, err)
	assert.FileExists(t, h.LocalPath)
	assert.Equal(t, "report.csv", h.FileName)
	assert.Equal(t, int64(8), h.SizeBytes)
	assert.Equal(t, "text/plain", h.MimeType)
	assert.Equal(t, filepath.Join(s.Root(), "evt-1"), filepath.Dir(h.LocalPath))

	require.NoError(t, s.Release(h))
	assert.NoFileExists(t, h.LocalPath)
	_, ok := s.Get(h.ID)
	assert.False(t, ok)

	// Releasing twice is not an error.
	require.NoError(t, s.Release(h))
	require.NoError(t, s.Release(nil))
}

func TestSaveRejectsBadInput(t *testing.T) {
	s, _ := newTestStore(t, time.Minute, WithMaxBytes(4))

	_, err := s.Save("", Blob{Data: []byte("x")})
	assert.ErrorIs(t, err, ErrNoOwner)

	_, err = s.Save("evt", Blob{})
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = s.Save("evt", Blob{Data: []byte("too large")})
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestSaveSanitizesNames(t *testing.T) {
	s, _ := newTestStore(t, time.Minute)
	h, err := s.Save("../../etc", Blob{FileName: "../../passwd", MimeType: "text/plain; charset=utf-8", Data: []byte("x")})
	require.NoError(t, err)

	rel, err := filepath.Rel(s.Root(), h.LocalPath)
	require.NoError(t, err)
	assert.NotContains(t, rel, "..")
	assert.Equal(t, "text/plain", h.MimeType)
}

func TestConcurrentSavesNeverCollide(t *testing.T) {
	s, _ := newTestStore(t, time.Minute)

	const n = 32
	paths := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := s.Save("same-owner", Blob{FileName: "photo.jpg", Data: []byte{0xff, 0xd8, 0xff}})
			if err == nil {
				paths <- h.LocalPath
			}
		}()
	}
	wg.Wait()
	close(paths)

	seen := map[string]bool{}
	for p := range paths {
		assert.False(t, seen[p], "duplicate path %s", p)
		seen[p] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, s.Len())
}

func TestSweepDeletesExpiredHandles(t *testing.T) {
	s, clock := newTestStore(t, time.Minute)

	old, err := s.Save("evt-old", Blob{Data: []byte("old")})
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	fresh, err := s.Save("evt-new", Blob{Data: []byte("new")})
	require.NoError(t, err)

	assert.Equal(t, 0, s.Sweep(clock.Now()))

	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, s.Sweep(clock.Now()))
	assert.NoFileExists(t, old.LocalPath)
	assert.FileExists(t, fresh.LocalPath)

	// A swept handle can still be released without error.
	require.NoError(t, s.Release(old))
}

func TestExtendDefersSweep(t *testing.T) {
	s, clock := newTestStore(t, time.Minute)
	h, err := s.Save("evt", Blob{Data: []byte("x")})
	require.NoError(t, err)

	s.Extend(h, clock.Now().Add(5*time.Minute))
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 0, s.Sweep(clock.Now()))

	// Extend never shortens.
	s.Extend(h, clock.Now())
	clock.Advance(4 * time.Minute)
	assert.Equal(t, 1, s.Sweep(clock.Now()))
}

func TestLifecycleEvents(t *testing.T) {
	eb := eventbus.New()
	var seen []domain.EventType
	var payloads []events.AttachmentEventData
	eb.SubscribeAll(func(e domain.Event) {
		seen = append(seen, e.EventType())
		payloads = append(payloads, e.Payload().(events.AttachmentEventData))
	})
	s, clock := newTestStore(t, time.Minute, WithEvents(eb))

	kept, err := s.Save("m1", Blob{FileName: "a.txt", Data: []byte("a")})
	require.NoError(t, err)
	_, err = s.Save("m2", Blob{FileName: "b.txt", Data: []byte("b")})
	require.NoError(t, err)
	require.NoError(t, s.Release(kept))
	require.NoError(t, s.Release(kept))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, s.Sweep(clock.Now()))

	assert.Equal(t, []domain.EventType{
		domain.EventAttachmentSaved,
		domain.EventAttachmentSaved,
		domain.EventAttachmentReleased,
		domain.EventAttachmentExpired,
	}, seen)
	assert.Equal(t, "a.txt", payloads[2].FileName)
	assert.Equal(t, "m2", payloads[3].OwnerID)
}

func TestPurgeOrphans(t *testing.T) {
	s, _ := newTestStore(t, time.Minute)
	live, err := s.Save("live", Blob{Data: []byte("x")})
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), "stale-owner"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "stale-owner", "f"), []byte("x"), 0o600))

	n, err := s.PurgeOrphans()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.FileExists(t, live.LocalPath)
}

func TestRunRejectsInvalidSchedule(t *testing.T) {
	s, _ := newTestStore(t, time.Minute)
	err := s.Run(context.Background(), "not a cron")
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	s, err := NewStore(t.TempDir(), time.Minute)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, DefaultSweepSchedule) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// TestPropertySweepInvariant verifies that after a sweep at time T no live
// handle has an expiry at or before T.
func TestPropertySweepInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		s, err := NewStore(t.TempDir(), time.Minute, WithClock(clock.Now))
		if err != nil {
			rt.Fatalf("NewStore: %v", err)
		}

		n := rapid.IntRange(1, 15).Draw(rt, "handles")
		var saved []*Handle
		for i := 0; i < n; i++ {
			step := rapid.IntRange(0, 90).Draw(rt, "step_seconds")
			clock.Advance(time.Duration(step) * time.Second)
			h, err := s.Save("owner", Blob{Data: []byte{byte(i + 1)}})
			if err != nil {
				rt.Fatalf("Save: %v", err)
			}
			saved = append(saved, h)
		}

		at := clock.Now().Add(time.Duration(rapid.IntRange(0, 120).Draw(rt, "sweep_offset")) * time.Second)
		s.Sweep(at)

		for _, h := range saved {
			_, live := s.Get(h.ID)
			if h.Expired(at) && live {
				rt.Fatalf("handle %s expired at %v but still live after sweep at %v", h.ID, h.ExpiresAt, at)
			}
			if !h.Expired(at) && !live {
				rt.Fatalf("handle %s not expired but was swept", h.ID)
			}
		}
	})
}
