// Package watchdog detects a stalled level feed, drives reconnection and keeps
// the degraded indicator in sync with feed health.
package watchdog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultThreshold = time.Second
	DefaultInterval  = time.Second
)

// State is the freshness of the level feed as of the last tick.
type State int

const (
	Fresh State = iota
	Stale
)

func (s State) String() string {
	if s == Stale {
		return "stale"
	}
	return "fresh"
}

// Policy decides how often a stale feed is reopened.
type Policy string

const (
	// EveryTick reopens on every stale tick until a frame arrives.
	EveryTick Policy = "every_tick"
	// OnTransition reopens once per fresh-to-stale transition.
	OnTransition Policy = "on_transition"
)

// ParsePolicy validates a policy name. The empty string selects EveryTick.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return EveryTick, nil
	case EveryTick, OnTransition:
		return p, nil
	default:
		return "", fmt.Errorf("unknown reopen policy %q (want %s or %s)", s, EveryTick, OnTransition)
	}
}

// Source reports when the last good frame arrived.
type Source interface {
	LastFrameTime() time.Time
}

// Reopener replaces the level connection.
type Reopener interface {
	Reopen()
}

// Indicator is the single degraded-state notice. Show and Hide report whether
// they changed anything.
type Indicator interface {
	ShowIndicator() bool
	HideIndicator() bool
}

// Observer is notified of state transitions and reopen attempts.
type Observer interface {
	StateChanged(state State, lastFrame, at time.Time)
	Reopened(at time.Time)
}

// Observers fans notifications out to several observers.
type Observers []Observer

func (o Observers) StateChanged(state State, lastFrame, at time.Time) {
	for _, obs := range o {
		if obs != nil {
			obs.StateChanged(state, lastFrame, at)
		}
	}
}

func (o Observers) Reopened(at time.Time) {
	for _, obs := range o {
		if obs != nil {
			obs.Reopened(at)
		}
	}
}

// Options configures a Watchdog.
type Options struct {
	Source    Source
	Reopener  Reopener
	Indicator Indicator
	Threshold time.Duration    // Default 1s
	Interval  time.Duration    // Default 1s
	Policy    Policy           // Default EveryTick
	Now       func() time.Time // Default time.Now
	Logger    *zap.Logger
	Observer  Observer
}

// Watchdog is a recurring task comparing the last frame time against a
// threshold. Evaluation is level-triggered: every tick looks at the current
// state, not at what changed.
type Watchdog struct {
	source    Source
	reopener  Reopener
	indicator Indicator
	threshold time.Duration
	interval  time.Duration
	policy    Policy
	now       func() time.Time
	logger    *zap.Logger
	observer  Observer

	tickMu sync.Mutex // serialises ticks

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped watchdog.
func New(opts Options) *Watchdog {
	w := &Watchdog{
		source:    opts.Source,
		reopener:  opts.Reopener,
		indicator: opts.Indicator,
		threshold: opts.Threshold,
		interval:  opts.Interval,
		policy:    opts.Policy,
		now:       opts.Now,
		logger:    opts.Logger,
		observer:  opts.Observer,
	}
	if w.threshold <= 0 {
		w.threshold = DefaultThreshold
	}
	if w.interval <= 0 {
		w.interval = DefaultInterval
	}
	if w.policy == "" {
		w.policy = EveryTick
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	if w.observer == nil {
		w.observer = Observers(nil)
	}
	return w
}

// Evaluate classifies the feed at the given instant without side effects.
func (w *Watchdog) Evaluate(now time.Time) State {
	if now.Sub(w.source.LastFrameTime()) >= w.threshold {
		return Stale
	}
	return Fresh
}

// Tick runs one evaluation at the current time.
func (w *Watchdog) Tick() State {
	return w.TickAt(w.now())
}

// TickAt runs one evaluation as of now. A stale tick requests a reopen (per
// policy) and ensures the indicator is shown; a fresh tick removes it.
func (w *Watchdog) TickAt(now time.Time) State {
	w.tickMu.Lock()
	defer w.tickMu.Unlock()

	state := w.Evaluate(now)
	last := w.source.LastFrameTime()

	w.mu.Lock()
	prev := w.state
	w.state = state
	w.mu.Unlock()

	if state == Stale {
		if w.policy == EveryTick || prev != Stale {
			w.logger.Debug("reopening level stream", zap.Duration("since_last_frame", now.Sub(last)))
			w.reopener.Reopen()
			w.observer.Reopened(now)
		}
		if w.indicator.ShowIndicator() {
			w.logger.Warn("no update from the mixer", zap.Time("last_frame", last))
		}
	} else if w.indicator.HideIndicator() {
		w.logger.Info("level feed recovered", zap.Duration("outage", now.Sub(last)))
	}

	if state != prev {
		w.observer.StateChanged(state, last, now)
	}
	return state
}

// State returns the result of the most recent tick (Fresh before the first).
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start runs the watchdog until Stop is called or ctx is done. Calling Start
// on a running watchdog does nothing.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	w.mu.Unlock()

	w.logger.Debug("watchdog started",
		zap.Duration("interval", w.interval),
		zap.Duration("threshold", w.threshold),
		zap.String("policy", string(w.policy)))

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Tick()
			}
		}
	}()
}

// Stop halts the recurring task and waits for an in-flight tick to finish.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.logger.Debug("watchdog stopped")
}

// Running reports whether the recurring task is active.
func (w *Watchdog) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}
