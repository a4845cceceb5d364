// Package task tracks background jobs: one tool invocation each,
// queued by the background_task tool and executed by the Worker. Tasks
// live in task:<id> hashes with a sections hash and an execution event
// log, indexed by tasks:active / tasks:done / tasks:archived and per
// owner.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/reeveworks/reeve-agent/internal/events"
	"github.com/reeveworks/reeve-agent/internal/llm"
	"github.com/reeveworks/reeve-agent/internal/store"
)

// Task status values. Queued and running tasks are active; completed,
// errored, and cancelled are terminal; archived is post-terminal.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusErrored   = "errored"
	StatusCancelled = "cancelled"
	StatusArchived  = "archived"
)

var (
	// ErrNotFound is returned when a task id does not exist.
	ErrNotFound = errors.New("task: not found")
	// ErrBadTransition is returned when an operation is not legal for
	// the task's current status.
	ErrBadTransition = errors.New("task: bad status transition")
)

// Task is the loaded view of one background job.
type Task struct {
	ID        string            `json:"id"`
	Owner     string            `json:"owner,omitempty"`
	Tool      string            `json:"tool"`
	Arguments string            `json:"arguments,omitempty"`
	Status    string            `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
	StartedAt time.Time         `json:"startedAt,omitzero"`
	EndedAt   time.Time         `json:"endedAt,omitzero"`
	Result    string            `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	Messages  int               `json:"messages,omitempty"`
	ToolCalls int               `json:"toolCalls,omitempty"`
	TokensIn  int               `json:"tokensIn,omitempty"`
	TokensOut int               `json:"tokensOut,omitempty"`
	Sections  map[string]string `json:"sections,omitempty"`
}

// Terminal reports whether the task finished (completed, errored, or
// cancelled).
func (t *Task) Terminal() bool {
	return isTerminal(t.Status)
}

func isTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusErrored, StatusCancelled:
		return true
	}
	return false
}

// Ledger persists tasks through the keyed store.
type Ledger struct {
	store  store.Store
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

// Options configures a task Ledger. The bus is optional.
type Options struct {
	Bus *events.Bus
	Now func() time.Time
}

// New creates a task Ledger backed by st.
func New(st store.Store, logger *slog.Logger, opts Options) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ledger{
		store:  st,
		bus:    opts.Bus,
		logger: logger.With("component", "tasks"),
		now:    opts.Now,
	}
}

const (
	activeTasks   = "tasks:active"
	doneTasks     = "tasks:done"
	archivedTasks = "tasks:archived"
)

func taskKey(id string) string       { return "task:" + id }
func sectionsKey(id string) string   { return "task:" + id + ":sections" }
func eventsKey(id string) string     { return "task:" + id + ":events" }
func ownerTasks(owner string) string { return "owner:" + owner + ":tasks" }

// CreateTask queues a new task for one tool invocation. owner ties the
// task back to the conversation or caller that spawned it.
func (l *Ledger) CreateTask(ctx context.Context, owner, tool, argsJSON string) (*Task, error) {
	if tool == "" {
		return nil, fmt.Errorf("task needs a tool name")
	}
	now := l.now()
	t := &Task{
		ID:        newID(),
		Owner:     owner,
		Tool:      tool,
		Arguments: argsJSON,
		Status:    StatusQueued,
		CreatedAt: now,
	}

	err := l.store.Multi(ctx, func(b store.Batch) error {
		b.HSet(taskKey(t.ID), map[string]string{
			"owner":     owner,
			"tool":      tool,
			"arguments": argsJSON,
			"status":    StatusQueued,
			"createdAt": formatTime(now),
		})
		b.ZAdd(activeTasks, msScore(now), t.ID)
		if owner != "" {
			b.ZAdd(ownerTasks(owner), msScore(now), t.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	l.logger.Info("task queued", "task_id", t.ID, "tool", tool, "owner", owner)
	l.publishStatus(t.ID, StatusQueued)
	return t, nil
}

// GetTask loads one task with its sections.
func (l *Ledger) GetTask(ctx context.Context, id string) (*Task, error) {
	fields, err := l.store.HGetAll(ctx, taskKey(id))
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}

	t := &Task{
		ID:        id,
		Owner:     fields["owner"],
		Tool:      fields["tool"],
		Arguments: fields["arguments"],
		Status:    fields["status"],
		CreatedAt: parseTime(fields["createdAt"]),
		StartedAt: parseTime(fields["startedAt"]),
		EndedAt:   parseTime(fields["endedAt"]),
		Result:    fields["result"],
		Error:     fields["error"],
	}
	t.Messages, _ = strconv.Atoi(fields["messages"])
	t.ToolCalls, _ = strconv.Atoi(fields["toolCalls"])
	t.TokensIn, _ = strconv.Atoi(fields["tokensIn"])
	t.TokensOut, _ = strconv.Atoi(fields["tokensOut"])

	sections, err := l.store.HGetAll(ctx, sectionsKey(id))
	if err != nil {
		return nil, fmt.Errorf("load task %s sections: %w", id, err)
	}
	if len(sections) > 0 {
		t.Sections = sections
	}
	return t, nil
}

// RecordEvent appends ev to the task's execution log and folds it into
// the counters. The first recorded activity moves a queued task to
// running. Terminal and archived tasks refuse further events.
func (l *Ledger) RecordEvent(ctx context.Context, id string, ev events.Event) error {
	t, err := l.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != StatusQueued && t.Status != StatusRunning {
		return fmt.Errorf("task %s is %s: %w", id, t.Status, ErrBadTransition)
	}

	encoded, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	starting := t.Status == StatusQueued
	now := l.now()
	err = l.store.Multi(ctx, func(b store.Batch) error {
		b.RPush(eventsKey(id), string(encoded))
		if starting {
			b.HSet(taskKey(id), map[string]string{
				"status":    StatusRunning,
				"startedAt": formatTime(now),
			})
		}
		switch ev.Kind {
		case events.KindToolCall:
			b.HIncrBy(taskKey(id), "toolCalls", 1)
		case events.KindLLMCallComplete:
			b.HIncrBy(taskKey(id), "messages", 1)
			if result, ok := ev.Data["result"].(*llm.Result); ok && result != nil && result.Usage != nil {
				b.HIncrBy(taskKey(id), "tokensIn", int64(result.Usage.PromptTokens))
				b.HIncrBy(taskKey(id), "tokensOut", int64(result.Usage.CompletionTokens))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record event for task %s: %w", id, err)
	}

	if starting {
		l.publishStatus(id, StatusRunning)
	}
	return nil
}

// SetSection writes one named content section on the task.
func (l *Ledger) SetSection(ctx context.Context, id, name, content string) error {
	t, err := l.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if isTerminal(t.Status) || t.Status == StatusArchived {
		return fmt.Errorf("task %s is %s: %w", id, t.Status, ErrBadTransition)
	}
	return l.store.HSet(ctx, sectionsKey(id), map[string]string{name: content})
}

// Events returns the task's execution log in append order. A positive
// limit returns only the most recent entries.
func (l *Ledger) Events(ctx context.Context, id string, limit int) ([]events.Event, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := l.store.LRange(ctx, eventsKey(id), start, -1)
	if err != nil {
		return nil, fmt.Errorf("load events for task %s: %w", id, err)
	}
	out := make([]events.Event, 0, len(raw))
	for _, item := range raw {
		var ev events.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("decode event in task %s: %w", id, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// CompleteTask moves an active task to completed with its result.
func (l *Ledger) CompleteTask(ctx context.Context, id, result string) error {
	return l.finish(ctx, id, StatusCompleted, map[string]string{"result": result})
}

// FailTask moves an active task to errored with the failure message.
func (l *Ledger) FailTask(ctx context.Context, id, errMsg string) error {
	return l.finish(ctx, id, StatusErrored, map[string]string{"error": errMsg})
}

// CancelTask moves a not-yet-terminal task to cancelled. The Worker
// additionally stops the execution if it is in flight.
func (l *Ledger) CancelTask(ctx context.Context, id string) error {
	return l.finish(ctx, id, StatusCancelled, nil)
}

// finish performs a terminal transition: the status write and the
// active→done index move land in one transaction.
func (l *Ledger) finish(ctx context.Context, id, status string, extra map[string]string) error {
	t, err := l.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != StatusQueued && t.Status != StatusRunning {
		return fmt.Errorf("task %s is %s: %w", id, t.Status, ErrBadTransition)
	}

	now := l.now()
	fields := map[string]string{
		"status":  status,
		"endedAt": formatTime(now),
	}
	for k, v := range extra {
		fields[k] = v
	}

	err = l.store.Multi(ctx, func(b store.Batch) error {
		b.HSet(taskKey(id), fields)
		b.ZRem(activeTasks, id)
		b.ZAdd(doneTasks, msScore(now), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("finish task %s: %w", id, err)
	}

	l.logger.Info("task finished", "task_id", id, "status", status)
	l.publishStatus(id, status)
	return nil
}

// ArchiveTask moves a terminal task out of the done index. Archiving
// an archived task is a no-op; an active task refuses.
func (l *Ledger) ArchiveTask(ctx context.Context, id string) error {
	t, err := l.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == StatusArchived {
		return nil
	}
	if !t.Terminal() {
		return fmt.Errorf("task %s is %s: %w", id, t.Status, ErrBadTransition)
	}

	now := l.now()
	err = l.store.Multi(ctx, func(b store.Batch) error {
		b.HSet(taskKey(id), map[string]string{"status": StatusArchived})
		b.ZRem(doneTasks, id)
		b.ZAdd(archivedTasks, msScore(now), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive task %s: %w", id, err)
	}
	l.publishStatus(id, StatusArchived)
	return nil
}

// DeleteTask removes a terminal or archived task and all its records.
func (l *Ledger) DeleteTask(ctx context.Context, id string) error {
	t, err := l.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !t.Terminal() && t.Status != StatusArchived {
		return fmt.Errorf("task %s is %s: %w", id, t.Status, ErrBadTransition)
	}

	return l.store.Multi(ctx, func(b store.Batch) error {
		b.Del(taskKey(id))
		b.Del(sectionsKey(id))
		b.Del(eventsKey(id))
		b.ZRem(doneTasks, id)
		b.ZRem(archivedTasks, id)
		if t.Owner != "" {
			b.ZRem(ownerTasks(t.Owner), id)
		}
		return nil
	})
}

// ListQuery filters ListTasks. Zero Limit means 20.
type ListQuery struct {
	Owner  string
	Status string
	Limit  int
	Offset int
}

// listCandidateWindow bounds how many ids each index contributes.
const listCandidateWindow = 200

// ListTasks returns tasks newest first, filtered by owner and status,
// with offset/limit pagination.
func (l *Ledger) ListTasks(ctx context.Context, q ListQuery) ([]*Task, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	var ids []string
	if q.Owner != "" {
		var err error
		ids, err = l.store.ZRevRange(ctx, ownerTasks(q.Owner), 0, listCandidateWindow-1)
		if err != nil {
			return nil, fmt.Errorf("scan owner index: %w", err)
		}
	} else {
		seen := make(map[string]bool)
		for _, index := range []string{activeTasks, doneTasks, archivedTasks} {
			members, err := l.store.ZRevRange(ctx, index, 0, listCandidateWindow-1)
			if err != nil {
				return nil, fmt.Errorf("scan %s: %w", index, err)
			}
			for _, id := range members {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
	}

	var matched []*Task
	for _, id := range ids {
		t, err := l.GetTask(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if q.Status != "" && t.Status != q.Status {
			continue
		}
		matched = append(matched, t)
	}

	sortTasksNewestFirst(matched)
	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func sortTasksNewestFirst(tasks []*Task) {
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0 && tasks[j].CreatedAt.After(tasks[j-1].CreatedAt); j-- {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
		}
	}
}

// RequeueOrphans returns running tasks to queued and reports their
// ids. The worker calls it on startup, when nothing can actually be
// executing: a running status there is a leftover from an interrupted
// process.
func (l *Ledger) RequeueOrphans(ctx context.Context) ([]string, error) {
	ids, err := l.store.ZRangeByScore(ctx, activeTasks, 0, msScore(l.now()))
	if err != nil {
		return nil, fmt.Errorf("scan active tasks: %w", err)
	}
	var requeued []string
	for _, id := range ids {
		t, err := l.GetTask(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return requeued, err
		}
		if t.Status != StatusRunning {
			continue
		}
		if err := l.store.HSet(ctx, taskKey(id), map[string]string{"status": StatusQueued}); err != nil {
			return requeued, fmt.Errorf("requeue task %s: %w", id, err)
		}
		requeued = append(requeued, id)
		l.publishStatus(id, StatusQueued)
	}
	return requeued, nil
}

// NextQueued returns the oldest queued task, or nil when none waits.
func (l *Ledger) NextQueued(ctx context.Context) (*Task, error) {
	ids, err := l.store.ZRangeByScore(ctx, activeTasks, 0, msScore(l.now()))
	if err != nil {
		return nil, fmt.Errorf("scan active tasks: %w", err)
	}
	for _, id := range ids {
		t, err := l.GetTask(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if t.Status == StatusQueued {
			return t, nil
		}
	}
	return nil, nil
}

func (l *Ledger) publishStatus(id, status string) {
	l.bus.Publish(events.Event{
		Timestamp: l.now(),
		Source:    events.SourceTask,
		Kind:      events.KindTaskStatus,
		Data:      map[string]any{"task_id": id, "status": status},
	})
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func msScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
