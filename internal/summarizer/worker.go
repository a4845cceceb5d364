package summarizer

import (
	"context"
	"log/slog"
	"time"

	"github.com/reeveworks/reeve-agent/internal/ledger"
)

// DefaultSweepInterval is how often the worker looks for idle
// conversations between sweeps.
const DefaultSweepInterval = time.Minute

// Worker periodically closes conversations that have gone idle. The
// actual close (and digest generation) happens inside the ledger; the
// worker only supplies the clock tick.
type Worker struct {
	ledger   *ledger.Ledger
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// WorkerOptions configures the sweep worker.
type WorkerOptions struct {
	// Interval between sweeps. Zero means DefaultSweepInterval.
	Interval time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewWorker creates an idle-close worker. Call Start to begin sweeping.
func NewWorker(lg *ledger.Ledger, logger *slog.Logger, opts WorkerOptions) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Worker{
		ledger:   lg,
		logger:   logger.With("component", "sweep"),
		interval: opts.Interval,
		now:      opts.Now,
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop. It sweeps immediately to catch
// conversations that went idle while the process was down, then on
// every interval tick.
func (w *Worker) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(workerCtx)
}

// Stop cancels the worker and waits for its goroutine to exit.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("idle sweep stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	closed, err := w.ledger.CloseIfIdle(ctx, w.now())
	if err != nil {
		w.logger.Error("idle sweep failed", "error", err)
		return
	}
	if len(closed) > 0 {
		w.logger.Info("closed idle conversations", "count", len(closed))
	}
}
