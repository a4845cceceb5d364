package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/reeveworks/reeve-agent/internal/events"
	"github.com/reeveworks/reeve-agent/internal/tools"
)

// DefaultPollInterval is how often the worker scans for queued tasks
// between catch-up drains.
const DefaultPollInterval = 2 * time.Second

// Worker claims queued tasks and executes them through the tool
// registry, one at a time. The registry it runs against must not
// contain background_task, so tasks cannot spawn tasks.
type Worker struct {
	ledger   *Ledger
	registry *tools.Registry
	logger   *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	inFlight map[string]context.CancelFunc
}

// NewWorker creates a worker polling every interval (zero means
// DefaultPollInterval).
func NewWorker(ledger *Ledger, registry *tools.Registry, logger *slog.Logger, interval time.Duration) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Worker{
		ledger:   ledger,
		registry: registry,
		logger:   logger.With("component", "taskworker"),
		interval: interval,
		stopCh:   make(chan struct{}),
		inFlight: make(map[string]context.CancelFunc),
	}
}

// Start begins claiming tasks. Running tasks left over from an
// interrupted process are requeued first.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	requeued, err := w.ledger.RequeueOrphans(ctx)
	if err != nil {
		w.logger.Warn("requeue orphaned tasks", "error", err)
	} else if len(requeued) > 0 {
		w.logger.Info("requeued orphaned tasks", "count", len(requeued))
	}

	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Debug("task worker started", "poll_interval", w.interval)
}

// Stop lets the in-flight task finish, then halts the worker.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("task worker stopped")
}

// Cancel marks the task cancelled and aborts its execution if it is in
// flight.
func (w *Worker) Cancel(ctx context.Context, id string) error {
	if err := w.ledger.CancelTask(ctx, id); err != nil {
		return err
	}
	w.mu.Lock()
	if cancel, ok := w.inFlight[id]; ok {
		cancel()
	}
	w.mu.Unlock()
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	w.drain(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain runs queued tasks until the queue is empty or the worker stops.
func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-w.stopCh:
			return
		default:
		}

		t, err := w.ledger.NextQueued(ctx)
		if err != nil {
			w.logger.Warn("scan queued tasks", "error", err)
			return
		}
		if t == nil {
			return
		}
		w.run(ctx, t)
	}
}

func (w *Worker) run(ctx context.Context, t *Task) {
	taskCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.inFlight[t.ID] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.inFlight, t.ID)
		w.mu.Unlock()
		cancel()
	}()

	if t.Owner != "" {
		taskCtx = tools.WithConversationID(taskCtx, t.Owner)
	}

	payload := events.ToolCallPayload{
		ID:       t.ID,
		Function: events.FunctionCall{Name: t.Tool, Arguments: t.Arguments},
	}
	if err := w.ledger.RecordEvent(taskCtx, t.ID, events.ToolCall(events.SourceTask, payload)); err != nil {
		// Cancelled between claim and start.
		if !errors.Is(err, ErrBadTransition) {
			w.logger.Warn("record task start", "task_id", t.ID, "error", err)
		}
		return
	}

	w.logger.Info("task running", "task_id", t.ID, "tool", t.Tool)
	start := time.Now()
	out, execErr := w.registry.Execute(taskCtx, t.Tool, t.Arguments)
	elapsed := time.Since(start)

	if execErr != nil {
		if taskCtx.Err() != nil {
			if current, err := w.ledger.GetTask(ctx, t.ID); err == nil && current.Status == StatusCancelled {
				w.logger.Info("task cancelled", "task_id", t.ID, "tool", t.Tool)
				return
			}
		}
		if err := w.ledger.RecordEvent(ctx, t.ID, events.ToolCallComplete(events.SourceTask, payload, "error: "+execErr.Error())); err != nil && !errors.Is(err, ErrBadTransition) {
			w.logger.Warn("record task result", "task_id", t.ID, "error", err)
		}
		if err := w.ledger.FailTask(ctx, t.ID, execErr.Error()); err != nil && !errors.Is(err, ErrBadTransition) {
			w.logger.Warn("finish task", "task_id", t.ID, "error", err)
		}
		w.logger.Warn("task failed",
			"task_id", t.ID,
			"tool", t.Tool,
			"duration_ms", elapsed.Milliseconds(),
			"error", execErr,
		)
		return
	}

	if err := w.ledger.RecordEvent(ctx, t.ID, events.ToolCallComplete(events.SourceTask, payload, out)); err != nil && !errors.Is(err, ErrBadTransition) {
		w.logger.Warn("record task result", "task_id", t.ID, "error", err)
	}
	if err := w.ledger.CompleteTask(ctx, t.ID, out); err != nil {
		if !errors.Is(err, ErrBadTransition) {
			w.logger.Warn("finish task", "task_id", t.ID, "error", err)
		}
		return
	}
	w.logger.Info("task completed",
		"task_id", t.ID,
		"tool", t.Tool,
		"duration_ms", elapsed.Milliseconds(),
	)
}
