// Package health keeps a live readiness picture of the external
// services Reeve leans on: the Ollama daemon, the MQTT broker, and
// whatever else gets registered. Each watched service runs a probe
// loop in two phases. While the service has never answered, probes
// retry with exponential backoff, so a dependency that is still
// starting up is caught quickly without being hammered. Once it has
// answered, or the startup budget runs out, the loop settles into
// steady polling and logs ready/down transitions. The health endpoint
// reports the current snapshot.
package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks one service. A nil return means reachable. The
// context carries the probe timeout.
type ProbeFunc func(ctx context.Context) error

// Schedule controls probe timing for a single watcher.
type Schedule struct {
	// InitialDelay is the wait after the first failed startup probe.
	// Each further failure multiplies it, up to MaxDelay.
	InitialDelay time.Duration

	// MaxDelay caps the startup backoff.
	MaxDelay time.Duration

	// Multiplier grows the startup delay after each failure.
	Multiplier float64

	// StartupAttempts bounds the backoff phase. A service that never
	// answers within the budget is left to the polling phase.
	StartupAttempts int

	// PollEvery is the probe cadence once the startup phase is over.
	PollEvery time.Duration

	// ProbeTimeout bounds a single probe call.
	ProbeTimeout time.Duration
}

// DefaultSchedule retries at 2s, 4s, 8s and so on up to a 60s cap
// during startup, then polls once a minute.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay:    2 * time.Second,
		MaxDelay:        time.Minute,
		Multiplier:      2,
		StartupAttempts: 10,
		PollEvery:       time.Minute,
		ProbeTimeout:    10 * time.Second,
	}
}

// Status is a point-in-time view of one watched service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	CheckedAt time.Time `json:"checkedAt,omitzero"`
	Error     string    `json:"error,omitempty"`
}

// Watcher runs the probe loop for one service.
type Watcher struct {
	name   string
	probe  ProbeFunc
	sched  Schedule
	logger *slog.Logger

	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	checkedAt time.Time
}

// Ready reports whether the service answered its most recent probe.
func (w *Watcher) Ready() bool {
	return w.ready.Load()
}

// Status returns the current view of the service.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := Status{
		Name:      w.name,
		Ready:     w.ready.Load(),
		CheckedAt: w.checkedAt,
	}
	if w.lastErr != nil {
		st.Error = w.lastErr.Error()
	}
	return st
}

// Stop cancels the probe loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	// Startup: back off until the service answers or the attempt
	// budget runs out. Either way the loop settles into steady
	// polling below.
	delay := w.sched.InitialDelay
	for attempt := 1; ; attempt++ {
		err := w.check(ctx)
		if err == nil {
			w.ready.Store(true)
			w.logger.Info("service reachable", "service", w.name, "attempts", attempt)
			break
		}
		if attempt >= w.sched.StartupAttempts {
			w.logger.Warn("service unreachable at startup",
				"service", w.name,
				"attempts", attempt,
				"error", err,
			)
			break
		}
		w.logger.Debug("startup probe failed",
			"service", w.name,
			"attempt", attempt,
			"retry_in", delay.String(),
			"error", err,
		)
		if !sleep(ctx, delay) {
			return
		}
		delay = time.Duration(float64(delay) * w.sched.Multiplier)
		if delay > w.sched.MaxDelay {
			delay = w.sched.MaxDelay
		}
	}

	ticker := time.NewTicker(w.sched.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.check(ctx)
			wasReady := w.ready.Load()
			switch {
			case wasReady && err != nil:
				w.ready.Store(false)
				w.logger.Warn("service lost", "service", w.name, "error", err)
			case !wasReady && err == nil:
				w.ready.Store(true)
				w.logger.Info("service recovered", "service", w.name)
			case !wasReady:
				w.logger.Debug("service still unreachable", "service", w.name, "error", err)
			}
		}
	}
}

// check runs one probe under the timeout and records the outcome.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.sched.ProbeTimeout)
	defer cancel()
	err := w.probe(probeCtx)

	w.mu.Lock()
	w.lastErr = err
	w.checkedAt = time.Now()
	w.mu.Unlock()
	return err
}

// sleep waits for d unless ctx ends first. Reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Monitor owns one watcher per service name.
type Monitor struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewMonitor creates an empty monitor. Register services with Watch.
func NewMonitor(logger *slog.Logger) *Monitor {
	return &Monitor{
		watchers: make(map[string]*Watcher),
		logger:   logger.With("component", "health"),
	}
}

// Watch starts probing a service in a background goroutine that runs
// until ctx ends or Stop is called. Zero Schedule fields fall back to
// the defaults. Panics on an empty name or a nil probe.
func (m *Monitor) Watch(ctx context.Context, name string, probe ProbeFunc, sched Schedule) *Watcher {
	if name == "" {
		panic("health: empty watcher name")
	}
	if probe == nil {
		panic("health: nil probe for " + name)
	}

	def := DefaultSchedule()
	if sched.InitialDelay <= 0 {
		sched.InitialDelay = def.InitialDelay
	}
	if sched.MaxDelay <= 0 {
		sched.MaxDelay = def.MaxDelay
	}
	if sched.Multiplier <= 0 {
		sched.Multiplier = def.Multiplier
	}
	if sched.StartupAttempts <= 0 {
		sched.StartupAttempts = def.StartupAttempts
	}
	if sched.PollEvery <= 0 {
		sched.PollEvery = def.PollEvery
	}
	if sched.ProbeTimeout <= 0 {
		sched.ProbeTimeout = def.ProbeTimeout
	}

	runCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:   name,
		probe:  probe,
		sched:  sched,
		logger: m.logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(runCtx)

	m.mu.Lock()
	m.watchers[name] = w
	m.mu.Unlock()

	return w
}

// Snapshot returns the current status of every watched service,
// keyed by name.
func (m *Monitor) Snapshot() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Stop shuts down every watcher and waits for their goroutines.
func (m *Monitor) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
