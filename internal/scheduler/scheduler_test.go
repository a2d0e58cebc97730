package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

var t0 = time.Date(2026, 6, 10, 2, 50, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func counting(n *atomic.Int64) func(context.Context) (any, error) {
	return func(context.Context) (any, error) {
		n.Add(1)
		return nil, nil
	}
}

func TestNewRejectsBadTasks(t *testing.T) {
	noop := func(context.Context) (any, error) { return nil, nil }
	if _, err := New(nil, []Task{{Name: "a", Schedule: "not a cron", Run: noop}}, Options{}); err == nil {
		t.Fatalf("expected invalid schedule error")
	}
	dup := []Task{{Name: "a", Schedule: "* * * * *", Run: noop}, {Name: "a", Schedule: "* * * * *", Run: noop}}
	if _, err := New(nil, dup, Options{}); err == nil {
		t.Fatalf("expected duplicate task error")
	}
	if _, err := New(nil, []Task{{Name: "a", Schedule: "* * * * *"}}, Options{}); err == nil {
		t.Fatalf("expected missing run func error")
	}
}

func TestTickRunsOnlyDueTasks(t *testing.T) {
	clock := &fakeClock{now: t0}
	var sweeps, daily atomic.Int64
	s, err := New(clock, []Task{
		{Name: "safety-sweep", Schedule: "*/15 * * * *", Run: counting(&sweeps)},
		{Name: "expiration", Schedule: "0 3 * * *", Run: counting(&daily)},
	}, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	if started := s.Tick(ctx, t0.Add(5*time.Minute)); len(started) != 0 {
		t.Fatalf("02:55 started %v", started)
	}
	if started := s.Tick(ctx, t0.Add(10*time.Minute)); len(started) != 2 {
		t.Fatalf("03:00 started %v", started)
	}
	s.Wait()
	if sweeps.Load() != 1 || daily.Load() != 1 {
		t.Fatalf("runs after 03:00: sweep=%d daily=%d", sweeps.Load(), daily.Load())
	}

	if started := s.Tick(ctx, t0.Add(15*time.Minute)); len(started) != 0 {
		t.Fatalf("03:05 started %v", started)
	}
	if started := s.Tick(ctx, t0.Add(25*time.Minute)); len(started) != 1 || started[0] != "safety-sweep" {
		t.Fatalf("03:15 started %v", started)
	}
	s.Wait()
	if sweeps.Load() != 2 || daily.Load() != 1 {
		t.Fatalf("runs after 03:15: sweep=%d daily=%d", sweeps.Load(), daily.Load())
	}
}

func TestTickHonoursLocation(t *testing.T) {
	tbilisi := time.FixedZone("UTC+4", 4*3600)
	clock := &fakeClock{now: time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)}
	var runs atomic.Int64
	s, err := New(clock, []Task{{Name: "renewal", Schedule: "0 3 * * *", Run: counting(&runs)}}, Options{Location: tbilisi})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	// 03:00 at UTC+4 is 23:00 UTC the previous day.
	if started := s.Tick(context.Background(), time.Date(2026, 6, 10, 22, 59, 0, 0, time.UTC)); len(started) != 0 {
		t.Fatalf("22:59 UTC started %v", started)
	}
	if started := s.Tick(context.Background(), time.Date(2026, 6, 10, 23, 0, 0, 0, time.UTC)); len(started) != 1 {
		t.Fatalf("23:00 UTC started %v", started)
	}
	s.Wait()
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	clock := &fakeClock{now: t0}
	release := make(chan struct{})
	entered := make(chan struct{}, 4)
	var runs atomic.Int64
	s, err := New(clock, []Task{{Name: "reconcile", Schedule: "* * * * *", Run: func(context.Context) (any, error) {
		runs.Add(1)
		entered <- struct{}{}
		<-release
		return nil, nil
	}}}, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	if started := s.Tick(ctx, t0.Add(time.Minute)); len(started) != 1 {
		t.Fatalf("first tick started %v", started)
	}
	<-entered
	if started := s.Tick(ctx, t0.Add(2*time.Minute)); len(started) != 0 {
		t.Fatalf("overlapping tick started %v", started)
	}
	if _, err := s.Trigger(ctx, "reconcile"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("trigger while running = %v", err)
	}
	close(release)
	s.Wait()

	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}
	status := s.Status()
	if len(status) != 1 || status[0].Skipped != 2 || status[0].Runs != 1 || status[0].Running {
		t.Fatalf("status = %+v", status)
	}

	// The skipped slot is not queued; the next due tick runs normally.
	if started := s.Tick(ctx, t0.Add(3*time.Minute)); len(started) != 1 {
		t.Fatalf("tick after release started %v", started)
	}
	s.Wait()
}

func TestTriggerRunsImmediately(t *testing.T) {
	s, err := New(&fakeClock{now: t0}, []Task{{Name: "expiration", Schedule: "0 3 * * *", Run: func(context.Context) (any, error) {
		return "swept", nil
	}}, {Name: "broken", Schedule: "0 3 * * *", Run: func(context.Context) (any, error) {
		return nil, errors.New("db down")
	}}}, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	result, err := s.Trigger(context.Background(), "expiration")
	if err != nil || result != "swept" {
		t.Fatalf("trigger = %v, %v", result, err)
	}
	if _, err := s.Trigger(context.Background(), "nope"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("unknown trigger = %v", err)
	}
	if _, err := s.Trigger(context.Background(), "broken"); err == nil {
		t.Fatalf("expected task error")
	}
	for _, st := range s.Status() {
		if st.Name == "broken" && st.LastError != "db down" {
			t.Fatalf("last error = %q", st.LastError)
		}
	}
}

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	released []string
}

func (l *fakeLocker) TryLock(_ context.Context, key string, _ time.Duration) (func(context.Context), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func(context.Context) {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		l.released = append(l.released, key)
	}, true, nil
}

func TestLockerGuardsRuns(t *testing.T) {
	locker := &fakeLocker{held: map[string]bool{"task:renewal": true}}
	var runs atomic.Int64
	s, err := New(&fakeClock{now: t0}, []Task{
		{Name: "renewal", Schedule: "0 3 * * *", Run: counting(&runs)},
		{Name: "expiration", Schedule: "0 3 * * *", Run: counting(&runs)},
	}, Options{Locker: locker})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := s.Trigger(context.Background(), "renewal"); !errors.Is(err, ErrLocked) {
		t.Fatalf("locked trigger = %v", err)
	}
	if _, err := s.Trigger(context.Background(), "expiration"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}
	locker.mu.Lock()
	defer locker.mu.Unlock()
	if len(locker.released) != 1 || locker.released[0] != "task:expiration" {
		t.Fatalf("released = %v", locker.released)
	}
}

func TestStartStop(t *testing.T) {
	clock := &fakeClock{now: t0}
	var runs atomic.Int64
	s, err := New(clock, []Task{{Name: "reconcile", Schedule: "* * * * *", Run: counting(&runs)}}, Options{MaxSleep: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	s.Start(ctx)
	if !s.IsRunning() {
		t.Fatalf("expected running")
	}

	clock.Set(t0.Add(time.Minute))
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("task never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Stop()
	s.Wait()
	if s.IsRunning() {
		t.Fatalf("expected stopped")
	}
	before := runs.Load()
	clock.Set(t0.Add(10 * time.Minute))
	time.Sleep(30 * time.Millisecond)
	if runs.Load() != before {
		t.Fatalf("task ran after Stop: %d -> %d", before, runs.Load())
	}
	s.Stop()
}
