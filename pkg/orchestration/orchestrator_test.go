package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sipeed/wabot/pkg/attachments"
	"github.com/sipeed/wabot/pkg/bus"
	"github.com/sipeed/wabot/pkg/capability"
	"github.com/sipeed/wabot/pkg/domain"
	"github.com/sipeed/wabot/pkg/infrastructure/eventbus"
	"github.com/sipeed/wabot/pkg/intent"
	"github.com/sipeed/wabot/pkg/reply"
)

// recorder is an Emitter that keeps every reply.
type recorder struct {
	mu      sync.Mutex
	replies []bus.ReplyPayload
	ch      chan bus.ReplyPayload
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan bus.ReplyPayload, 256)}
}

func (r *recorder) PublishOutbound(_ context.Context, p bus.ReplyPayload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.replies = append(r.replies, p)
	r.mu.Unlock()
	r.ch <- p
	return nil
}

func (r *recorder) next(t *testing.T) bus.ReplyPayload {
	t.Helper()
	select {
	case p := <-r.ch:
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a reply")
		return bus.ReplyPayload{}
	}
}

func (r *recorder) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case p := <-r.ch:
		t.Fatalf("unexpected reply: %+v", p)
	case <-time.After(d):
	}
}

func (r *recorder) byTask() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[string]int{}
	for _, p := range r.replies {
		counts[p.TaskID]++
	}
	return counts
}

type harness struct {
	o      *Orchestrator
	rec    *recorder
	store  *attachments.Store
	format *reply.Formatter

	evMu   sync.Mutex
	events []domain.EventType
}

func newHarness(t *testing.T, opts Options, descs ...capability.Descriptor) *harness {
	t.Helper()
	reg, err := capability.NewRegistry(descs)
	require.NoError(t, err)
	store, err := attachments.NewStore(t.TempDir(), time.Minute)
	require.NoError(t, err)

	h := &harness{rec: newRecorder(), store: store, format: reply.NewFormatter(descs)}
	eb := eventbus.New()
	eb.SubscribeAll(func(e domain.Event) {
		h.evMu.Lock()
		h.events = append(h.events, e.EventType())
		h.evMu.Unlock()
	})

	h.o, err = New(Deps{
		Registry:  reg,
		Formatter: h.format,
		Emitter:   h.rec,
		Files:     store,
		Events:    eb,
	}, opts)
	require.NoError(t, err)
	return h
}

func (h *harness) sawEvent(t domain.EventType) bool {
	h.evMu.Lock()
	defer h.evMu.Unlock()
	for _, e := range h.events {
		if e == t {
			return true
		}
	}
	return false
}

func event(conv string) bus.InboundEvent {
	return bus.InboundEvent{
		ID:             uuid.NewString(),
		Channel:        "console",
		ConversationID: conv,
		SenderID:       conv,
		ReceivedAt:     time.Now(),
	}
}

func named(name string) intent.Intent {
	return intent.Intent{Name: name, RuleID: name + ".test"}
}

// gated blocks until gate is closed or its context ends.
func gated(gate <-chan struct{}) capability.Handler {
	return capability.HandlerFunc(func(ctx context.Context, req capability.Request) (capability.Result, error) {
		select {
		case <-gate:
			return capability.Result{Text: "done " + req.TaskID}, nil
		case <-ctx.Done():
			return capability.Result{}, ctx.Err()
		}
	})
}

func TestFlipCoinInstantWithinGuard(t *testing.T) {
	defer goleak.VerifyNone(t)

	flip := capability.HandlerFunc(func(context.Context, capability.Request) (capability.Result, error) {
		return capability.Result{Text: "Heads"}, nil
	})
	h := newHarness(t, Options{InstantGuard: 500 * time.Millisecond},
		capability.Descriptor{Intent: "flip_coin", Cost: capability.Instant, Handler: flip})

	start := time.Now()
	id := h.o.Dispatch(context.Background(), event("alice"), named("flip_coin"))
	elapsed := time.Since(start)
	require.NotEmpty(t, id)
	assert.Less(t, elapsed, 500*time.Millisecond)

	p := h.rec.next(t)
	assert.Equal(t, "Heads", p.Text)
	assert.Nil(t, p.File)
	assert.Equal(t, id, p.TaskID)

	task, ok := h.o.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusSucceeded, task.Status)
	h.o.Wait()
}

func TestInstantGuardBoundsSlowHandler(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := make(chan struct{})
	stuck := capability.HandlerFunc(func(context.Context, capability.Request) (capability.Result, error) {
		<-gate
		return capability.Result{Text: "late"}, nil
	})
	h := newHarness(t, Options{InstantGuard: 50 * time.Millisecond},
		capability.Descriptor{Intent: "joke", Cost: capability.Instant, Handler: stuck})

	start := time.Now()
	id := h.o.Dispatch(context.Background(), event("bob"), named("joke"))
	assert.Less(t, time.Since(start), time.Second)

	p := h.rec.next(t)
	assert.Contains(t, p.Text, "took too long")
	task, _ := h.o.Get(id)
	assert.Equal(t, StatusTimedOut, task.Status)

	close(gate)
	h.o.Wait()
	h.rec.expectNone(t, 50*time.Millisecond)
	assert.Equal(t, 1, h.o.Stats().LateDiscarded)
}

func TestUnrecognizedRepliesWithHelp(t *testing.T) {
	h := newHarness(t, Options{})
	id := h.o.Dispatch(context.Background(), event("carol"), intent.Intent{Name: intent.Unrecognized})
	assert.Empty(t, id)
	p := h.rec.next(t)
	assert.Contains(t, p.Text, "help")
	assert.Equal(t, 1, h.o.Stats().Unrecognized)
}

func TestMissingHandlerIsConfigurationError(t *testing.T) {
	h := newHarness(t, Options{})
	store := h.store
	att, err := store.Save("evt", attachments.Blob{Data: []byte("x")})
	require.NoError(t, err)

	ev := event("dave")
	ev.Attachment = att
	id := h.o.Dispatch(context.Background(), ev, named("teleport"))
	assert.Empty(t, id)

	p := h.rec.next(t)
	want, _ := h.format.Failure(reply.Route{}, "teleport", reply.ErrNoHandler)
	assert.Equal(t, want.Text, p.Text)
	assert.Equal(t, 0, store.Len(), "attachment of an unanswered event is released")
}

func TestBusyThenSuccess(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := make(chan struct{})
	h := newHarness(t, Options{},
		capability.Descriptor{Intent: "remove_background", Cost: capability.Long, Handler: gated(gate), MaxDuration: 5 * time.Second})
	ctx := context.Background()

	first := h.o.Dispatch(ctx, event("erin"), named("remove_background"))
	require.NotEmpty(t, first)

	second := h.o.Dispatch(ctx, event("erin"), named("remove_background"))
	assert.Empty(t, second)
	busy := h.rec.next(t)
	assert.Contains(t, busy.Text, "still working")
	assert.True(t, h.sawEvent(domain.EventTaskRejected))

	other := h.o.Dispatch(ctx, event("frank"), named("remove_background"))
	assert.NotEmpty(t, other, "other conversations are not blocked")

	close(gate)
	got := map[string]bool{}
	got[h.rec.next(t).TaskID] = true
	got[h.rec.next(t).TaskID] = true
	assert.True(t, got[first])
	assert.True(t, got[other])

	third := h.o.Dispatch(ctx, event("erin"), named("remove_background"))
	assert.NotEmpty(t, third)
	assert.Equal(t, third, h.rec.next(t).TaskID)

	h.o.Wait()
	assert.Equal(t, 1, h.o.Stats().Rejected)
}

func TestTimeoutDiscardsLateResult(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := make(chan struct{})
	stubborn := capability.HandlerFunc(func(_ context.Context, req capability.Request) (capability.Result, error) {
		<-gate
		f, err := req.Files.Save(req.TaskID, attachments.Blob{FileName: "out.txt", Data: []byte("late")})
		if err != nil {
			return capability.Result{}, err
		}
		return capability.Result{Text: "finally", File: f}, nil
	})
	h := newHarness(t, Options{},
		capability.Descriptor{Intent: "convert_file", Cost: capability.Short, Handler: stubborn, MaxDuration: 50 * time.Millisecond})

	start := time.Now()
	id := h.o.Dispatch(context.Background(), event("gina"), named("convert_file"))
	require.NotEmpty(t, id)

	p := h.rec.next(t)
	elapsed := time.Since(start)
	assert.Contains(t, p.Text, "took too long")
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	close(gate)
	h.o.Wait()
	h.rec.expectNone(t, 100*time.Millisecond)

	task, _ := h.o.Get(id)
	assert.Equal(t, StatusTimedOut, task.Status)
	assert.Equal(t, string(reply.HandlerTimeout), task.ErrorCategory)
	assert.Equal(t, 1, h.o.Stats().LateDiscarded)
	assert.Equal(t, 0, h.store.Len(), "late output file is released")
	assert.True(t, h.sawEvent(domain.EventTaskLateDrop))
}

func TestExactlyOneReplyPerTask(t *testing.T) {
	defer goleak.VerifyNone(t)

	mixed := capability.HandlerFunc(func(ctx context.Context, req capability.Request) (capability.Result, error) {
		switch req.Args.Get("mode") {
		case "fail":
			return capability.Result{}, capability.Fail(capability.InvalidInput, "bad input", nil)
		case "error":
			return capability.Result{}, errors.New("raw failure")
		case "panic":
			panic("boom")
		case "slow":
			time.Sleep(80 * time.Millisecond)
			return capability.Result{Text: "slow"}, nil
		case "empty":
			return capability.Result{}, nil
		}
		return capability.Result{Text: "ok"}, nil
	})
	h := newHarness(t, Options{Workers: 3},
		capability.Descriptor{Intent: "work", Cost: capability.Short, Handler: mixed, MaxDuration: 40 * time.Millisecond},
		capability.Descriptor{Intent: "quick", Cost: capability.Instant, Handler: mixed})

	modes := []string{"ok", "fail", "error", "panic", "slow", "empty"}
	var ids []string
	for i := 0; i < 36; i++ {
		in := named("work")
		if i%4 == 0 {
			in = named("quick")
		}
		in.Args = map[string]string{"mode": modes[i%len(modes)]}
		id := h.o.Dispatch(context.Background(), event(fmt.Sprintf("conv-%d", i%5)), in)
		require.NotEmpty(t, id)
		ids = append(ids, id)
	}
	h.o.Wait()

	counts := h.rec.byTask()
	for _, id := range ids {
		assert.Equal(t, 1, counts[id], "task %s", id)
		task, ok := h.o.Get(id)
		require.True(t, ok)
		assert.True(t, task.Status.Terminal(), "task %s is %s", id, task.Status)
	}
	assert.Len(t, counts, len(ids))
	assert.Empty(t, h.o.Active())
}

func TestCancelLongTask(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := make(chan struct{})
	defer close(gate)
	h := newHarness(t, Options{},
		capability.Descriptor{Intent: "remove_background", Cost: capability.Long, Handler: gated(gate), MaxDuration: 5 * time.Second})
	ctx := context.Background()

	id := h.o.Dispatch(ctx, event("hank"), named("remove_background"))
	require.NotEmpty(t, id)

	assert.Empty(t, h.o.Dispatch(ctx, event("hank"), named(intent.Cancel)))
	p := h.rec.next(t)
	assert.Equal(t, h.format.Cancelled(reply.Route{}).Text, p.Text)
	assert.Equal(t, id, p.TaskID)

	h.o.Wait()
	task, _ := h.o.Get(id)
	assert.Equal(t, StatusCancelled, task.Status)

	assert.Empty(t, h.o.Dispatch(ctx, event("hank"), named(intent.Cancel)))
	assert.Equal(t, h.format.NothingToCancel(reply.Route{}).Text, h.rec.next(t).Text)
	assert.False(t, h.o.Cancel(id), "finished tasks cannot be cancelled")
	h.rec.expectNone(t, 50*time.Millisecond)
}

func TestPanicIsIsolated(t *testing.T) {
	defer goleak.VerifyNone(t)

	boom := capability.HandlerFunc(func(context.Context, capability.Request) (capability.Result, error) {
		panic("nil map write")
	})
	ok := capability.HandlerFunc(func(context.Context, capability.Request) (capability.Result, error) {
		return capability.Result{Text: "fine"}, nil
	})
	h := newHarness(t, Options{},
		capability.Descriptor{Intent: "weather", Cost: capability.Short, Handler: boom},
		capability.Descriptor{Intent: "joke", Cost: capability.Instant, Handler: ok})

	id := h.o.Dispatch(context.Background(), event("ivy"), named("weather"))
	p := h.rec.next(t)
	assert.NotContains(t, p.Text, "nil map")
	h.o.Wait()

	task, _ := h.o.Get(id)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, string(reply.HandlerFailure), task.ErrorCategory)
	assert.Equal(t, 1, h.o.Stats().Panics)

	h.o.Dispatch(context.Background(), event("ivy"), named("joke"))
	assert.Equal(t, "fine", h.rec.next(t).Text)
	h.o.Wait()
}

func TestAttachmentLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	echo := capability.HandlerFunc(func(_ context.Context, req capability.Request) (capability.Result, error) {
		if req.Attachment == nil {
			return capability.Result{}, capability.Fail(capability.InvalidInput, "send a file", nil)
		}
		f, err := req.Files.Save(req.TaskID, attachments.Blob{FileName: "copy.txt", Data: []byte("converted")})
		if err != nil {
			return capability.Result{}, err
		}
		return capability.Result{File: f}, nil
	})
	h := newHarness(t, Options{FileGrace: 10 * time.Minute},
		capability.Descriptor{Intent: "convert_file", Cost: capability.Short, Handler: echo, AcceptsAttachment: true})

	in, err := h.store.Save("evt-1", attachments.Blob{FileName: "in.txt", Data: []byte("raw")})
	require.NoError(t, err)
	ev := event("jo")
	ev.Attachment = in

	h.o.Dispatch(context.Background(), ev, named("convert_file"))
	p := h.rec.next(t)
	require.NotNil(t, p.File)
	h.o.Wait()

	_, live := h.store.Get(in.ID)
	assert.False(t, live, "input released after reply")
	out, live := h.store.Get(p.File.ID)
	require.True(t, live, "output kept for the gateway")
	assert.True(t, out.ExpiresAt.After(time.Now().Add(9*time.Minute)))
}

func TestWorkerPoolBound(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := make(chan struct{})
	h := newHarness(t, Options{Workers: 1},
		capability.Descriptor{Intent: "weather", Cost: capability.Short, Handler: gated(gate), MaxDuration: 5 * time.Second})
	ctx := context.Background()

	a := h.o.Dispatch(ctx, event("k1"), named("weather"))
	b := h.o.Dispatch(ctx, event("k2"), named("weather"))

	require.Eventually(t, func() bool {
		ta, _ := h.o.Get(a)
		tb, _ := h.o.Get(b)
		running := 0
		for _, s := range []Status{ta.Status, tb.Status} {
			if s == StatusRunning {
				running++
			}
		}
		return running == 1 && len(h.o.Active()) == 2
	}, time.Second, 5*time.Millisecond)

	close(gate)
	h.rec.next(t)
	h.rec.next(t)
	h.o.Wait()
}

func TestPruneForgetsFinishedTasks(t *testing.T) {
	h := newHarness(t, Options{Retention: time.Minute},
		capability.Descriptor{Intent: "joke", Cost: capability.Instant, Handler: capability.HandlerFunc(
			func(context.Context, capability.Request) (capability.Result, error) {
				return capability.Result{Text: "ha"}, nil
			})})

	id := h.o.Dispatch(context.Background(), event("lee"), named("joke"))
	h.o.Wait()

	assert.Equal(t, 0, h.o.Prune(time.Now()))
	assert.Equal(t, 1, h.o.Prune(time.Now().Add(2*time.Minute)))
	_, ok := h.o.Get(id)
	assert.False(t, ok)
	assert.Equal(t, 0, h.o.Status()["conversations"])
}

func TestPruneKeepsConversationBetweenLookupAndRegistration(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, Options{},
		capability.Descriptor{Intent: "joke", Cost: capability.Short, Handler: capability.HandlerFunc(
			func(context.Context, capability.Request) (capability.Result, error) {
				return capability.Result{Text: "ha"}, nil
			})})

	key := event("lee").SessionKey()
	conv, ok := h.o.acquire(key, capability.Descriptor{Intent: "joke", Cost: capability.Short})
	require.True(t, ok)

	// A prune landing between acquire and newTask must not split the key
	// across two conversations.
	h.o.Prune(time.Now().Add(time.Hour))
	assert.Same(t, conv, h.o.conversation(key))

	id := h.o.Dispatch(context.Background(), event("lee"), named("joke"))
	h.o.Wait()
	h.o.unpin(conv)
	task, _ := h.o.Get(id)
	assert.Equal(t, StatusSucceeded, task.Status)

	h.o.Prune(time.Now().Add(time.Hour))
	assert.Equal(t, 0, h.o.Status()["conversations"])
}

func TestShutdownStopsTasksPastDrainDeadline(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := make(chan struct{})
	defer close(gate)
	h := newHarness(t, Options{},
		capability.Descriptor{Intent: "remove_background", Cost: capability.Long, Handler: gated(gate), MaxDuration: time.Minute})

	id := h.o.Dispatch(context.Background(), event("max"), named("remove_background"))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.o.Shutdown(ctx), context.DeadlineExceeded)

	task, _ := h.o.Get(id)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, string(reply.ShuttingDown), task.ErrorCategory)
	assert.Equal(t, 1, h.rec.byTask()[id])

	p := h.rec.next(t)
	assert.Equal(t, id, p.TaskID)
	assert.Contains(t, p.Text, "restarting")
	assert.NotContains(t, p.Text, "cancelled")
}

func TestShutdownDrainsFinishingTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := make(chan struct{})
	h := newHarness(t, Options{},
		capability.Descriptor{Intent: "remove_background", Cost: capability.Long, Handler: gated(gate), MaxDuration: time.Minute})

	id := h.o.Dispatch(context.Background(), event("max"), named("remove_background"))
	time.AfterFunc(50*time.Millisecond, func() { close(gate) })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.o.Shutdown(ctx))
	h.o.Wait()

	task, _ := h.o.Get(id)
	assert.Equal(t, StatusSucceeded, task.Status)
	assert.Contains(t, h.rec.next(t).Text, "done "+id)

	late := h.o.Dispatch(context.Background(), event("max"), named("remove_background"))
	h.o.Wait()
	task, _ = h.o.Get(late)
	assert.Equal(t, string(reply.ShuttingDown), task.ErrorCategory)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 3, p.Attempts())
	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, 500*time.Millisecond, p.Delay(1))
	assert.Equal(t, time.Second, p.Delay(2))
	assert.Equal(t, 2*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(10))
	assert.Equal(t, 1, RetryPolicy{}.Attempts())
}
