// Package orchestration runs classified intents as tasks.
//
// It answers:
//   - Does this run inline or on the worker pool?
//   - Is the conversation already busy with a long task?
//   - What happens when a handler fails, panics or overruns?
//   - How is exactly one reply per task guaranteed?
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/wabot/pkg/attachments"
	"github.com/sipeed/wabot/pkg/bus"
	"github.com/sipeed/wabot/pkg/capability"
	"github.com/sipeed/wabot/pkg/domain"
	"github.com/sipeed/wabot/pkg/intent"
	"github.com/sipeed/wabot/pkg/logger"
	"github.com/sipeed/wabot/pkg/reply"
)

var errShutdown = fmt.Errorf("orchestrator shutting down: %w", reply.ErrShuttingDown)

// Emitter accepts outbound replies. *bus.MessageBus implements it.
type Emitter interface {
	PublishOutbound(ctx context.Context, msg bus.ReplyPayload) error
}

// FileStore is the subset of *attachments.Store the orchestrator needs.
type FileStore interface {
	capability.FileSaver
	Release(h *attachments.Handle) error
	Extend(h *attachments.Handle, until time.Time)
}

// Options tunes the orchestrator. Zero values take defaults.
type Options struct {
	// Workers bounds concurrently running short/long tasks.
	Workers int
	// InstantGuard caps how long an instant handler may hold the consumer.
	InstantGuard time.Duration
	// Retention keeps finished tasks visible to Get/List.
	Retention time.Duration
	// FileGrace extends an output file's expiry after its reply is emitted.
	FileGrace time.Duration
	// EmitTimeout bounds how long a reply may wait for room on the bus.
	EmitTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.InstantGuard <= 0 {
		o.InstantGuard = 3 * time.Second
	}
	if o.Retention <= 0 {
		o.Retention = 15 * time.Minute
	}
	if o.FileGrace <= 0 {
		o.FileGrace = 2 * time.Minute
	}
	if o.EmitTimeout <= 0 {
		o.EmitTimeout = 30 * time.Second
	}
	return o
}

// Deps are the collaborators the orchestrator is constructed with.
type Deps struct {
	Registry  *capability.Registry
	Formatter *reply.Formatter
	Emitter   Emitter
	Files     FileStore
	// Events may be nil.
	Events domain.EventBus
}

// Orchestrator dispatches intents and owns every task's lifecycle.
type Orchestrator struct {
	registry  *capability.Registry
	formatter *reply.Formatter
	emitter   Emitter
	files     FileStore
	events    domain.EventBus
	opts      Options

	sem chan struct{}

	mu    sync.Mutex // guards tasks and convs maps only
	tasks map[string]*taskState
	convs map[string]*conversation

	base     context.Context
	shutdown context.CancelCauseFunc
	wg       sync.WaitGroup // supervisors and late-result collectors
	running  sync.WaitGroup // supervisors only

	now func() time.Time

	statsMu sync.Mutex
	stats   Stats
}

// Stats are cumulative counters.
type Stats struct {
	Dispatched    int `json:"dispatched"`
	Rejected      int `json:"rejected"`
	LateDiscarded int `json:"late_discarded"`
	Panics        int `json:"panics"`
	Unrecognized  int `json:"unrecognized"`
	Misconfigured int `json:"misconfigured"`
}

// New creates an orchestrator.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Registry == nil || deps.Formatter == nil || deps.Emitter == nil || deps.Files == nil {
		return nil, errors.New("orchestration: registry, formatter, emitter and files are required")
	}
	opts = opts.withDefaults()
	base, cancel := context.WithCancelCause(context.Background())
	return &Orchestrator{
		registry:  deps.Registry,
		formatter: deps.Formatter,
		emitter:   deps.Emitter,
		files:     deps.Files,
		events:    deps.Events,
		opts:      opts,
		sem:       make(chan struct{}, opts.Workers),
		tasks:     make(map[string]*taskState),
		convs:     make(map[string]*conversation),
		base:      base,
		shutdown:  cancel,
		now:       time.Now,
	}, nil
}

// --- Dispatch ---

// Dispatch handles one classified event and returns the id of the task it
// created, or "" when the event was answered without a task (help, busy,
// configuration error, cancel).
//
// Instant tasks run before Dispatch returns, bounded by the instant guard.
// Short and long tasks run on the worker pool; Dispatch never waits for them.
func (o *Orchestrator) Dispatch(_ context.Context, ev bus.InboundEvent, in intent.Intent) string {
	route := reply.RouteOf(ev)
	id := o.dispatch(ev, in, route)
	if id == "" && ev.Attachment != nil {
		o.release(ev.Attachment)
	}
	return id
}

func (o *Orchestrator) dispatch(ev bus.InboundEvent, in intent.Intent, route reply.Route) string {
	if !in.Recognized() {
		o.count(func(s *Stats) { s.Unrecognized++ })
		o.emit(route, o.formatter.Help(route))
		return ""
	}

	if in.Name == intent.Cancel {
		o.cancelConversation(ev.SessionKey(), route)
		return ""
	}

	desc, err := o.registry.Lookup(in.Name)
	if err != nil {
		o.count(func(s *Stats) { s.Misconfigured++ })
		payload, _ := o.formatter.Failure(route, in.Name, err)
		o.emit(route, payload)
		return ""
	}

	key := ev.SessionKey()
	conv, ok := o.acquire(key, desc)
	if !ok {
		o.reject(ev, route, desc, conv)
		return ""
	}

	ts := o.newTask(ev, in, desc, conv, key)
	o.count(func(s *Stats) { s.Dispatched++ })

	if desc.Cost == capability.Instant {
		o.wg.Add(1)
		o.running.Add(1)
		o.supervise(ts, false)
		return ts.task.ID
	}

	o.publish(domain.EventTaskQueued, ts.snapshot())
	o.wg.Add(1)
	o.running.Add(1)
	go o.supervise(ts, true)
	return ts.task.ID
}

// acquire returns the pinned conversation entry and, for long tasks, claims
// its slot. ok is false when the slot is taken. The caller unpins through
// newTask or reject.
func (o *Orchestrator) acquire(key string, desc capability.Descriptor) (*conversation, bool) {
	conv := o.pin(key)
	if desc.Cost != capability.Long {
		return conv, true
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	if conv.long != nil {
		return conv, false
	}
	// Reserve with a placeholder; newTask replaces it under the same lock.
	conv.long = &taskState{}
	return conv, true
}

func (o *Orchestrator) conversation(key string) *conversation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conversationLocked(key)
}

func (o *Orchestrator) conversationLocked(key string) *conversation {
	c, ok := o.convs[key]
	if !ok {
		c = &conversation{}
		o.convs[key] = c
	}
	return c
}

// pin keeps Prune from dropping the conversation until unpin, so every task
// of one key shares one conversation and its reply ordering.
func (o *Orchestrator) pin(key string) *conversation {
	o.mu.Lock()
	defer o.mu.Unlock()
	c := o.conversationLocked(key)
	c.pins++
	return c
}

func (o *Orchestrator) unpin(c *conversation) {
	o.mu.Lock()
	c.pins--
	o.mu.Unlock()
}

func (o *Orchestrator) newTask(ev bus.InboundEvent, in intent.Intent, desc capability.Descriptor, conv *conversation, key string) *taskState {
	now := o.now()
	maxDur := desc.MaxDuration
	if desc.Cost == capability.Instant && o.opts.InstantGuard < maxDur {
		maxDur = o.opts.InstantGuard
	}

	id := uuid.NewString()
	ts := &taskState{
		desc:  desc,
		input: ev.Attachment,
		conv:  conv,
		key:   key,
		task: Task{
			ID:             id,
			ConversationID: ev.ConversationID,
			Channel:        ev.Channel,
			SenderID:       ev.SenderID,
			Intent:         in.Name,
			Args:           in.Args,
			Cost:           desc.Cost,
			Status:         StatusQueued,
			CreatedAt:      now,
			Deadline:       now.Add(maxDur),
		},
	}
	ts.req = capability.Request{
		TaskID:         id,
		ConversationID: ev.ConversationID,
		SenderID:       ev.SenderID,
		Args:           capability.Args(in.Args),
		Attachment:     ev.Attachment,
		Files:          o.files,
	}

	ctx, cancel := context.WithCancelCause(o.base)
	ctx, stop := context.WithDeadlineCause(ctx, ts.task.Deadline, reply.ErrTimeout)
	ts.ctx, ts.cancel, ts.stop = ctx, cancel, stop

	if desc.Cost == capability.Long {
		conv.mu.Lock()
		conv.long = ts
		conv.mu.Unlock()
	}

	o.mu.Lock()
	o.tasks[id] = ts
	conv.pins--
	o.mu.Unlock()

	logger.DebugCF("orchestrator", "Task created", map[string]interface{}{
		"task_id":      id,
		"intent":       in.Name,
		"rule":         in.RuleID,
		"cost":         string(desc.Cost),
		"conversation": key,
		"deadline":     ts.task.Deadline.Format(time.RFC3339),
	})
	return ts
}

func (o *Orchestrator) reject(ev bus.InboundEvent, route reply.Route, desc capability.Descriptor, conv *conversation) {
	defer o.unpin(conv)
	running := ""
	conv.mu.Lock()
	if conv.long != nil {
		running = conv.long.snapshot().Intent
	}
	conv.mu.Unlock()

	o.count(func(s *Stats) { s.Rejected++ })
	logger.InfoCF("orchestrator", "Long task rejected, conversation busy", map[string]interface{}{
		"conversation": ev.SessionKey(),
		"intent":       desc.Intent,
		"running":      running,
	})
	o.publish(domain.EventTaskRejected, Task{
		ConversationID: ev.ConversationID,
		Channel:        ev.Channel,
		SenderID:       ev.SenderID,
		Intent:         desc.Intent,
		Cost:           desc.Cost,
		CreatedAt:      o.now(),
		ErrorCategory:  string(reply.ResourceBusy),
	})
	o.emit(route, o.formatter.Busy(route, running))
}

// --- Execution ---

// supervise drives one task to a terminal state. pooled tasks first wait for
// a worker slot.
func (o *Orchestrator) supervise(ts *taskState, pooled bool) {
	defer o.wg.Done()
	defer o.running.Done()

	if pooled {
		select {
		case o.sem <- struct{}{}:
		case <-ts.ctx.Done():
			o.finish(ts, outcome{err: context.Cause(ts.ctx)})
			return
		}
	}
	held := pooled
	releaseSlot := func() {
		if held {
			<-o.sem
			held = false
		}
	}
	defer releaseSlot()

	// Never start a handler whose context has already ended.
	if ts.ctx.Err() != nil {
		o.finish(ts, outcome{err: context.Cause(ts.ctx)})
		return
	}

	ts.mu.Lock()
	ts.task.Status = StatusRunning
	ts.task.StartedAt = o.now()
	ts.mu.Unlock()
	o.publish(domain.EventTaskStarted, ts.snapshot())

	results := make(chan outcome, 1)
	go func() {
		results <- o.invoke(ts)
	}()

	select {
	case out := <-results:
		releaseSlot()
		o.finish(ts, out)
	case <-ts.ctx.Done():
		releaseSlot()
		o.finish(ts, outcome{err: context.Cause(ts.ctx)})
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.discardLate(ts, <-results)
		}()
	}
}

// invoke calls the handler, converting a panic into an internal failure.
func (o *Orchestrator) invoke(ts *taskState) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			o.count(func(s *Stats) { s.Panics++ })
			logger.ErrorCF("orchestrator", "Handler panicked", map[string]interface{}{
				"task_id": ts.req.TaskID,
				"intent":  ts.desc.Intent,
				"panic":   fmt.Sprint(r),
				"stack":   string(debug.Stack()),
			})
			out = outcome{err: capability.Fail(capability.Internal, "", fmt.Errorf("handler panic: %v", r))}
		}
	}()
	res, err := ts.desc.Handler.Handle(ts.ctx, ts.req)
	if err == nil && res.Empty() {
		err = reply.ErrEmptyResult
	}
	return outcome{res: res, err: err}
}

// finish performs the single terminal transition of a task and emits its
// reply. A second call for the same task is a late result.
func (o *Orchestrator) finish(ts *taskState, out outcome) {
	conv := ts.conv
	conv.emitMu.Lock()
	defer conv.emitMu.Unlock()

	ts.mu.Lock()
	if ts.task.Status.Terminal() {
		ts.mu.Unlock()
		o.discardLate(ts, out)
		return
	}

	// A handler that gave up because its context ended reports the reason
	// the context ended, not its own wrapping of it.
	if out.err != nil && ts.ctx.Err() != nil {
		out.err = context.Cause(ts.ctx)
	}

	route := reply.Route{Channel: ts.task.Channel, ConversationID: ts.task.ConversationID, TaskID: ts.task.ID}
	var (
		payload bus.ReplyPayload
		evType  domain.EventType
	)
	if out.err == nil {
		payload = o.formatter.Success(route, ts.desc, ts.req, out.res)
		ts.task.Status = StatusSucceeded
		ts.task.Result = payload.Text
		if out.res.File != nil {
			ts.task.ResultFile = out.res.File.FileName
		}
		evType = domain.EventTaskSucceeded
	} else {
		var cat reply.Category
		payload, cat = o.formatter.Failure(route, ts.task.Intent, out.err)
		ts.task.Error = out.err.Error()
		ts.task.ErrorCategory = string(cat)
		switch cat {
		case reply.HandlerTimeout:
			ts.task.Status, evType = StatusTimedOut, domain.EventTaskTimedOut
		case reply.Cancelled:
			ts.task.Status, evType = StatusCancelled, domain.EventTaskCancelled
			payload = o.formatter.Cancelled(route)
		default:
			ts.task.Status, evType = StatusFailed, domain.EventTaskFailed
		}
	}
	ts.task.FinishedAt = o.now()
	snap := ts.task
	ts.mu.Unlock()

	ts.stop()
	ts.cancel(nil)

	conv.mu.Lock()
	if conv.long == ts {
		conv.long = nil
	}
	conv.mu.Unlock()

	o.emit(route, payload)

	if payload.File != nil {
		o.files.Extend(payload.File, o.now().Add(o.opts.FileGrace))
	}
	if ts.input != nil && (payload.File == nil || payload.File.ID != ts.input.ID) {
		o.release(ts.input)
	}

	logger.InfoCF("orchestrator", "Task finished", map[string]interface{}{
		"task_id":     snap.ID,
		"intent":      snap.Intent,
		"status":      string(snap.Status),
		"category":    snap.ErrorCategory,
		"duration_ms": snap.Duration(snap.FinishedAt).Milliseconds(),
	})
	o.publish(evType, snap)
}

// discardLate drops a result that arrived after the task already finished.
func (o *Orchestrator) discardLate(ts *taskState, out outcome) {
	o.count(func(s *Stats) { s.LateDiscarded++ })
	logger.InfoCF("orchestrator", "Late result discarded", map[string]interface{}{
		"task_id": ts.req.TaskID,
		"intent":  ts.desc.Intent,
		"error":   out.err,
	})
	if out.res.File != nil {
		o.release(out.res.File)
	}
	o.publish(domain.EventTaskLateDrop, ts.snapshot())
}

// --- Cancellation ---

// Cancel requests cancellation of a non-terminal task. The task emits its
// single "cancelled" reply once the supervisor observes it. Cancellation is
// cooperative: the handler may keep running, and its result is discarded.
func (o *Orchestrator) Cancel(taskID string) bool {
	o.mu.Lock()
	ts, ok := o.tasks[taskID]
	o.mu.Unlock()
	if !ok || ts.cancel == nil {
		return false
	}
	if ts.snapshot().Status.Terminal() {
		return false
	}
	ts.cancel(reply.ErrCancelled)
	return true
}

func (o *Orchestrator) cancelConversation(key string, route reply.Route) {
	conv := o.conversation(key)
	conv.mu.Lock()
	ts := conv.long
	conv.mu.Unlock()

	if ts == nil || ts.cancel == nil || !o.Cancel(ts.req.TaskID) {
		o.emit(route, o.formatter.NothingToCancel(route))
		return
	}
	logger.InfoCF("orchestrator", "Task cancel requested", map[string]interface{}{
		"task_id":      ts.req.TaskID,
		"conversation": key,
	})
}

// --- Emission ---

func (o *Orchestrator) emit(route reply.Route, payload bus.ReplyPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.EmitTimeout)
	defer cancel()
	if err := o.emitter.PublishOutbound(ctx, payload); err != nil {
		logger.ErrorCF("orchestrator", "Reply could not be queued", map[string]interface{}{
			"conversation": route.ConversationID,
			"task_id":      route.TaskID,
			"error":        err,
		})
		if payload.File != nil {
			o.release(payload.File)
		}
	}
}

func (o *Orchestrator) release(h *attachments.Handle) {
	if err := o.files.Release(h); err != nil {
		logger.WarnCF("orchestrator", "Failed to release attachment", map[string]interface{}{
			"attachment": h.ID,
			"error":      err,
		})
	}
}

func (o *Orchestrator) publish(t domain.EventType, task Task) {
	if o.events == nil {
		return
	}
	o.events.Publish(domain.NewEvent(t, domain.EntityID(task.ID), task.EventData()))
}

func (o *Orchestrator) count(f func(*Stats)) {
	o.statsMu.Lock()
	f(&o.stats)
	o.statsMu.Unlock()
}

// --- Queries ---

// Get returns a copy of a task.
func (o *Orchestrator) Get(id string) (Task, bool) {
	o.mu.Lock()
	ts, ok := o.tasks[id]
	o.mu.Unlock()
	if !ok {
		return Task{}, false
	}
	return ts.snapshot(), true
}

// List returns up to limit tasks, newest first. limit <= 0 returns all.
func (o *Orchestrator) List(limit int) []Task {
	out := o.collect(func(Task) bool { return true })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Active returns queued and running tasks, newest first.
func (o *Orchestrator) Active() []Task {
	return o.collect(func(t Task) bool { return !t.Status.Terminal() })
}

func (o *Orchestrator) collect(keep func(Task) bool) []Task {
	o.mu.Lock()
	states := make([]*taskState, 0, len(o.tasks))
	for _, ts := range o.tasks {
		states = append(states, ts)
	}
	o.mu.Unlock()

	out := make([]Task, 0, len(states))
	for _, ts := range states {
		if t := ts.snapshot(); keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Status returns a snapshot of the orchestrator state.
func (o *Orchestrator) Status() map[string]interface{} {
	counts := map[Status]int{}
	for _, t := range o.List(0) {
		counts[t.Status]++
	}
	o.mu.Lock()
	convs := len(o.convs)
	o.mu.Unlock()
	o.statsMu.Lock()
	stats := o.stats
	o.statsMu.Unlock()

	return map[string]interface{}{
		"workers":         o.opts.Workers,
		"workers_busy":    len(o.sem),
		"conversations":   convs,
		"tasks_queued":    counts[StatusQueued],
		"tasks_running":   counts[StatusRunning],
		"tasks_succeeded": counts[StatusSucceeded],
		"tasks_failed":    counts[StatusFailed],
		"tasks_timed_out": counts[StatusTimedOut],
		"tasks_cancelled": counts[StatusCancelled],
		"stats":           stats,
	}
}

// Stats returns the cumulative counters.
func (o *Orchestrator) Stats() Stats {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	return o.stats
}

// --- Retention ---

// Prune forgets terminal tasks finished before now-Retention and idle
// conversations. It returns the number of tasks removed.
func (o *Orchestrator) Prune(now time.Time) int {
	cutoff := now.Add(-o.opts.Retention)

	o.mu.Lock()
	defer o.mu.Unlock()

	removed := 0
	busy := make(map[*conversation]bool)
	for id, ts := range o.tasks {
		t := ts.snapshot()
		if t.Status.Terminal() && t.FinishedAt.Before(cutoff) {
			delete(o.tasks, id)
			removed++
			continue
		}
		busy[ts.conv] = true
	}
	for key, conv := range o.convs {
		if busy[conv] || conv.pins > 0 {
			continue
		}
		conv.mu.Lock()
		if conv.long == nil {
			delete(o.convs, key)
		}
		conv.mu.Unlock()
	}
	return removed
}

// Run prunes on a ticker until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	interval := o.opts.Retention / 2
	switch {
	case interval > time.Minute:
		interval = time.Minute
	case interval < time.Second:
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := o.Prune(o.now()); n > 0 {
				logger.DebugCF("orchestrator", "Pruned finished tasks", map[string]interface{}{"count": n})
			}
		}
	}
}

// --- Lifecycle ---

// Wait blocks until every supervisor and abandoned handler has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown lets in-flight tasks run until ctx ends, then cancels whatever is
// left. Cut-off tasks fail with a "restarting" reply rather than a
// cancellation. It returns ctx.Err() when any task had to be cut off.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if waitFor(&o.running, ctx.Done()) {
		o.shutdown(errShutdown)
		return nil
	}
	logger.WarnCF("orchestrator", "Drain deadline reached, stopping tasks", map[string]interface{}{
		"active": len(o.Active()),
	})
	o.shutdown(errShutdown)

	// Supervisors react to cancellation at once; the only wait left is the
	// reply emit.
	grace, cancel := context.WithTimeout(context.Background(), o.opts.EmitTimeout)
	defer cancel()
	waitFor(&o.running, grace.Done())
	return ctx.Err()
}

// waitFor reports whether wg reached zero before stop fired.
func waitFor(wg *sync.WaitGroup, stop <-chan struct{}) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-stop:
		return false
	}
}
