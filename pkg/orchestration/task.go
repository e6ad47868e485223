package orchestration

import (
	"context"
	"sync"
	"time"

	"github.com/sipeed/wabot/pkg/attachments"
	"github.com/sipeed/wabot/pkg/capability"
	"github.com/sipeed/wabot/pkg/events"
)

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// Task is one unit of dispatched work. Only the orchestrator mutates it;
// callers receive copies.
type Task struct {
	ID             string               `json:"id"`
	ConversationID string               `json:"conversation_id"`
	Channel        string               `json:"channel"`
	SenderID       string               `json:"sender_id,omitempty"`
	Intent         string               `json:"intent"`
	Args           map[string]string    `json:"args,omitempty"`
	Cost           capability.CostClass `json:"cost"`
	Status         Status               `json:"status"`
	CreatedAt      time.Time            `json:"created_at"`
	StartedAt      time.Time            `json:"started_at,omitempty"`
	FinishedAt     time.Time            `json:"finished_at,omitempty"`
	Deadline       time.Time            `json:"deadline"`
	Result         string               `json:"result,omitempty"`
	ResultFile     string               `json:"result_file,omitempty"`
	Error          string               `json:"error,omitempty"`
	ErrorCategory  string               `json:"error_category,omitempty"`
}

// Duration is the wall time from creation to finish (or now).
func (t Task) Duration(now time.Time) time.Duration {
	if !t.FinishedAt.IsZero() {
		return t.FinishedAt.Sub(t.CreatedAt)
	}
	return now.Sub(t.CreatedAt)
}

// EventData converts the task to its event payload.
func (t Task) EventData() events.TaskEventData {
	d := events.TaskEventData{
		TaskID:         t.ID,
		ConversationID: t.ConversationID,
		Channel:        t.Channel,
		SenderID:       t.SenderID,
		Intent:         t.Intent,
		Cost:           string(t.Cost),
		Status:         string(t.Status),
		Error:          t.Error,
		ErrorCategory:  t.ErrorCategory,
		CreatedAt:      t.CreatedAt,
		StartedAt:      t.StartedAt,
		FinishedAt:     t.FinishedAt,
	}
	if !t.FinishedAt.IsZero() {
		d.DurationMs = t.FinishedAt.Sub(t.CreatedAt).Milliseconds()
	}
	return d
}

// outcome is what a handler goroutine sends back on its result channel.
type outcome struct {
	res capability.Result
	err error
}

// taskState is the orchestrator's private record of a task.
type taskState struct {
	mu   sync.Mutex
	task Task

	desc  capability.Descriptor
	req   capability.Request
	input *attachments.Handle
	conv  *conversation
	key   string

	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   context.CancelFunc
}

func (ts *taskState) snapshot() Task {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := ts.task
	return t
}

// conversation holds the per-conversation lock and long-task slot.
type conversation struct {
	mu   sync.Mutex
	long *taskState
	// pins counts dispatches between lookup and task registration. Guarded
	// by Orchestrator.mu; Prune keeps pinned conversations.
	pins int

	// emitMu orders terminal transitions so replies leave in the order
	// tasks finished.
	emitMu sync.Mutex
}
