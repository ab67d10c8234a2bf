package watchdog

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeFeed struct {
	mu      sync.Mutex
	last    time.Time
	reopens int32
}

func (f *fakeFeed) LastFrameTime() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeFeed) frameAt(at time.Time) {
	f.mu.Lock()
	f.last = at
	f.mu.Unlock()
}

func (f *fakeFeed) Reopen() { atomic.AddInt32(&f.reopens, 1) }

func (f *fakeFeed) reopenCount() int { return int(atomic.LoadInt32(&f.reopens)) }

// errorArea mimics the display: a list of notices where the indicator may
// appear at most once if callers behave.
type errorArea struct {
	mu      sync.Mutex
	notices []string
}

func (e *errorArea) ShowIndicator() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, n := range e.notices {
		if n == "no-vu-update" {
			return false
		}
	}
	e.notices = append(e.notices, "no-vu-update")
	return true
}

func (e *errorArea) HideIndicator() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, n := range e.notices {
		if n == "no-vu-update" {
			e.notices = append(e.notices[:i], e.notices[i+1:]...)
			return true
		}
	}
	return false
}

func (e *errorArea) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.notices)
}

type transition struct {
	state State
	at    time.Time
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []transition
	reopens     int
}

func (r *recordingObserver) StateChanged(state State, _ time.Time, at time.Time) {
	r.mu.Lock()
	r.transitions = append(r.transitions, transition{state, at})
	r.mu.Unlock()
}

func (r *recordingObserver) Reopened(time.Time) {
	r.mu.Lock()
	r.reopens++
	r.mu.Unlock()
}

func newTestWatchdog(feed *fakeFeed, area *errorArea, policy Policy, obs Observer) *Watchdog {
	return New(Options{
		Source:    feed,
		Reopener:  feed,
		Indicator: area,
		Policy:    policy,
		Observer:  obs,
	})
}

func TestThresholdBoundary(t *testing.T) {
	feed := &fakeFeed{last: t0}
	area := &errorArea{}
	w := newTestWatchdog(feed, area, EveryTick, nil)

	if got := w.Evaluate(t0.Add(999 * time.Millisecond)); got != Fresh {
		t.Fatalf("Evaluate at T0+999ms = %v, want fresh", got)
	}
	if got := w.TickAt(t0.Add(999 * time.Millisecond)); got != Fresh {
		t.Fatalf("tick at T0+999ms = %v, want fresh", got)
	}
	if feed.reopenCount() != 0 || area.count() != 0 {
		t.Fatalf("fresh tick: reopens=%d indicators=%d", feed.reopenCount(), area.count())
	}

	if got := w.TickAt(t0.Add(1000 * time.Millisecond)); got != Stale {
		t.Fatalf("tick at T0+1000ms = %v, want stale", got)
	}
	if feed.reopenCount() != 1 || area.count() != 1 {
		t.Fatalf("stale tick: reopens=%d indicators=%d", feed.reopenCount(), area.count())
	}
}

func TestStaleFeedScenario(t *testing.T) {
	feed := &fakeFeed{last: t0}
	area := &errorArea{}
	w := newTestWatchdog(feed, area, EveryTick, nil)

	if got := w.TickAt(t0.Add(1000 * time.Millisecond)); got != Stale {
		t.Fatalf("tick at 1000ms = %v, want stale", got)
	}
	if area.count() != 1 {
		t.Fatalf("indicator count = %d, want 1", area.count())
	}
	if feed.reopenCount() != 1 {
		t.Fatalf("reopens = %d, want 1", feed.reopenCount())
	}

	feed.frameAt(t0.Add(1500 * time.Millisecond))

	if got := w.TickAt(t0.Add(2000 * time.Millisecond)); got != Fresh {
		t.Fatalf("tick at 2000ms = %v, want fresh", got)
	}
	if area.count() != 0 {
		t.Fatalf("indicator still shown after recovery")
	}
	if feed.reopenCount() != 1 {
		t.Fatalf("fresh tick reopened the stream")
	}
}

func TestIndicatorUniqueAcrossStaleTicks(t *testing.T) {
	feed := &fakeFeed{last: t0}
	area := &errorArea{}
	w := newTestWatchdog(feed, area, EveryTick, nil)

	for i := 1; i <= 7; i++ {
		w.TickAt(t0.Add(time.Duration(i) * time.Second))
	}
	if area.count() != 1 {
		t.Fatalf("indicator count = %d after 7 stale ticks, want 1", area.count())
	}
	if feed.reopenCount() != 7 {
		t.Fatalf("reopens = %d, want one per stale tick", feed.reopenCount())
	}
}

func TestOnTransitionPolicy(t *testing.T) {
	feed := &fakeFeed{last: t0}
	area := &errorArea{}
	w := newTestWatchdog(feed, area, OnTransition, nil)

	for i := 1; i <= 5; i++ {
		w.TickAt(t0.Add(time.Duration(i) * time.Second))
	}
	if feed.reopenCount() != 1 {
		t.Fatalf("reopens = %d, want 1 for one outage", feed.reopenCount())
	}
	if area.count() != 1 {
		t.Fatalf("indicator count = %d", area.count())
	}

	feed.frameAt(t0.Add(5500 * time.Millisecond))
	w.TickAt(t0.Add(6 * time.Second))
	w.TickAt(t0.Add(7 * time.Second))
	w.TickAt(t0.Add(8 * time.Second))

	if feed.reopenCount() != 2 {
		t.Fatalf("reopens = %d, want 2 after second outage", feed.reopenCount())
	}
}

func TestRecoveryAfterStale(t *testing.T) {
	feed := &fakeFeed{last: t0}
	area := &errorArea{}
	obs := &recordingObserver{}
	w := newTestWatchdog(feed, area, EveryTick, obs)

	w.TickAt(t0.Add(3 * time.Second))
	w.TickAt(t0.Add(4 * time.Second))
	if w.State() != Stale {
		t.Fatalf("state = %v", w.State())
	}

	now := t0.Add(4200 * time.Millisecond)
	feed.frameAt(now)
	if got := w.TickAt(t0.Add(5 * time.Second)); got != Fresh {
		t.Fatalf("tick after frame = %v", got)
	}
	if area.count() != 0 {
		t.Fatal("indicator not removed")
	}

	want := []transition{{Stale, t0.Add(3 * time.Second)}, {Fresh, t0.Add(5 * time.Second)}}
	if len(obs.transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", obs.transitions, want)
	}
	for i := range want {
		if obs.transitions[i].state != want[i].state || !obs.transitions[i].at.Equal(want[i].at) {
			t.Fatalf("transition %d = %+v, want %+v", i, obs.transitions[i], want[i])
		}
	}
	if obs.reopens != 2 {
		t.Fatalf("observer reopens = %d", obs.reopens)
	}
}

func TestFreshTicksLeaveIndicatorAlone(t *testing.T) {
	feed := &fakeFeed{last: t0}
	area := &errorArea{}
	obs := &recordingObserver{}
	w := newTestWatchdog(feed, area, EveryTick, obs)

	for i := 0; i < 3; i++ {
		feed.frameAt(t0.Add(time.Duration(i) * time.Second))
		w.TickAt(t0.Add(time.Duration(i)*time.Second + 500*time.Millisecond))
	}
	if area.count() != 0 || feed.reopenCount() != 0 || len(obs.transitions) != 0 {
		t.Fatalf("fresh feed caused side effects: indicator=%d reopens=%d transitions=%d",
			area.count(), feed.reopenCount(), len(obs.transitions))
	}
}

func TestTickLogsOutage(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	feed := &fakeFeed{last: t0}
	w := New(Options{
		Source:    feed,
		Reopener:  feed,
		Indicator: &errorArea{},
		Logger:    zap.New(core),
	})

	w.TickAt(t0.Add(2 * time.Second))
	w.TickAt(t0.Add(3 * time.Second))
	feed.frameAt(t0.Add(3500 * time.Millisecond))
	w.TickAt(t0.Add(4 * time.Second))

	if n := logs.FilterMessage("no update from the mixer").Len(); n != 1 {
		t.Fatalf("outage warnings = %d, want 1", n)
	}
	if n := logs.FilterMessage("level feed recovered").Len(); n != 1 {
		t.Fatalf("recovery logs = %d, want 1", n)
	}
}

func TestCustomThreshold(t *testing.T) {
	feed := &fakeFeed{last: t0}
	area := &errorArea{}
	w := New(Options{Source: feed, Reopener: feed, Indicator: area, Threshold: 250 * time.Millisecond})
	if got := w.TickAt(t0.Add(249 * time.Millisecond)); got != Fresh {
		t.Fatalf("got %v", got)
	}
	if feed.reopenCount() != 0 || area.count() != 0 {
		t.Fatalf("reopens=%d indicators=%d before threshold", feed.reopenCount(), area.count())
	}
	if got := w.TickAt(t0.Add(250 * time.Millisecond)); got != Stale {
		t.Fatalf("got %v", got)
	}
	if feed.reopenCount() != 1 {
		t.Fatalf("reopens = %d, want 1", feed.reopenCount())
	}
}

func TestStartStop(t *testing.T) {
	feed := &fakeFeed{last: t0}
	area := &errorArea{}
	w := New(Options{
		Source:    feed,
		Reopener:  feed,
		Indicator: area,
		Interval:  5 * time.Millisecond,
		Now:       func() time.Time { return t0.Add(time.Hour) },
	})

	w.Start(context.Background())
	w.Start(context.Background())
	if !w.Running() {
		t.Fatal("not running after Start")
	}

	deadline := time.Now().Add(3 * time.Second)
	for feed.reopenCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d reopens", feed.reopenCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	w.Stop()
	if w.Running() {
		t.Fatal("running after Stop")
	}
	stopped := feed.reopenCount()
	time.Sleep(30 * time.Millisecond)
	if feed.reopenCount() != stopped {
		t.Fatal("ticks continued after Stop")
	}
	if area.count() != 1 {
		t.Fatalf("indicator count = %d", area.count())
	}

	w.Stop()
}

func TestParsePolicy(t *testing.T) {
	tests := map[string]Policy{
		"":               EveryTick,
		"every_tick":     EveryTick,
		" On_Transition": OnTransition,
	}
	for in, want := range tests {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParsePolicy("sometimes"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestStateString(t *testing.T) {
	if Fresh.String() != "fresh" || Stale.String() != "stale" {
		t.Fatalf("got %q %q", Fresh, Stale)
	}
}
