// Package scheduler runs named maintenance tasks on cron schedules. It is an
// ordinary object: construct it with a clock, start and stop it, or drive it
// by hand with Tick.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/propmarket/promotions/internal/metrics"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrUnknownTask is returned by Trigger for a name that was never registered.
	ErrUnknownTask = errors.New("scheduler: unknown task")
	// ErrAlreadyRunning means the task is still running from an earlier start.
	ErrAlreadyRunning = errors.New("scheduler: task already running")
	// ErrLocked means another replica holds the task's lock.
	ErrLocked = errors.New("scheduler: task locked by another instance")
)

const (
	defaultLockTTL  = 5 * time.Minute
	defaultMaxSleep = 30 * time.Second
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// Locker guards a task across replicas.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context), acquired bool, err error)
}

// Task is one scheduled job.
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) (any, error)
}

// Options tunes a Scheduler.
type Options struct {
	// Location interprets cron schedules. Defaults to UTC.
	Location *time.Location
	// Locker, when set, makes each run take a distributed lock first.
	Locker  Locker
	LockTTL time.Duration
	// MaxSleep bounds how long the loop sleeps between clock checks.
	MaxSleep time.Duration
}

// TaskStatus is a snapshot of one task for operators.
type TaskStatus struct {
	Name         string        `json:"name"`
	Schedule     string        `json:"schedule"`
	Running      bool          `json:"running"`
	NextRun      time.Time     `json:"next_run"`
	LastRun      *time.Time    `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration_ns,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	Runs         int64         `json:"runs"`
	Skipped      int64         `json:"skipped"`
}

type entry struct {
	task     Task
	schedule cron.Schedule
	running  atomic.Bool

	// guarded by Scheduler.mu
	next         time.Time
	lastRun      *time.Time
	lastDuration time.Duration
	lastError    string
	runs         int64
	skipped      int64
}

// Scheduler dispatches due tasks, skipping a task whose previous run has not finished.
type Scheduler struct {
	clock    Clock
	loc      *time.Location
	locker   Locker
	lockTTL  time.Duration
	maxSleep time.Duration

	mu      sync.Mutex
	entries []*entry
	byName  map[string]*entry
	cancel  context.CancelFunc
	done    chan struct{}

	inflight sync.WaitGroup
}

// New validates the schedules and returns a stopped scheduler.
func New(clock Clock, tasks []Task, opts Options) (*Scheduler, error) {
	if clock == nil {
		clock = SystemClock
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.MaxSleep <= 0 {
		opts.MaxSleep = defaultMaxSleep
	}
	s := &Scheduler{
		clock:    clock,
		loc:      opts.Location,
		locker:   opts.Locker,
		lockTTL:  opts.LockTTL,
		maxSleep: opts.MaxSleep,
		byName:   make(map[string]*entry, len(tasks)),
	}
	now := clock.Now()
	for _, task := range tasks {
		if task.Name == "" || task.Run == nil {
			return nil, errors.Newf("scheduler: task %q needs a name and a run func", task.Name)
		}
		if _, dup := s.byName[task.Name]; dup {
			return nil, errors.Newf("scheduler: duplicate task %q", task.Name)
		}
		schedule, err := cron.ParseStandard(task.Schedule)
		if err != nil {
			return nil, errors.Wrapf(err, "scheduler: task %q schedule %q", task.Name, task.Schedule)
		}
		e := &entry{task: task, schedule: schedule}
		e.next = e.schedule.Next(now.In(s.loc))
		s.entries = append(s.entries, e)
		s.byName[task.Name] = e
	}
	return s, nil
}

// Start launches the dispatch loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	now := s.clock.Now()
	for _, e := range s.entries {
		e.next = e.schedule.Next(now.In(s.loc))
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
	log.Infof("scheduler started (%d tasks, tz=%s)", len(s.entries), s.loc)
}

// Stop halts the loop and cancels running tasks' context. It does not wait for
// them; use Wait for that.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info("scheduler stopped")
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Wait blocks until every started task run has returned.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		wait := s.untilNext(s.clock.Now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
		s.Tick(ctx, s.clock.Now())
	}
}

func (s *Scheduler) untilNext(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	wait := s.maxSleep
	for _, e := range s.entries {
		if d := e.next.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// Tick starts every task due at now and returns their names. Each due task
// runs in its own goroutine; a task still running from a previous start is
// skipped rather than queued.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []string {
	var due []*entry
	s.mu.Lock()
	for _, e := range s.entries {
		if e.next.IsZero() || now.Before(e.next) {
			continue
		}
		e.next = e.schedule.Next(now.In(s.loc))
		due = append(due, e)
	}
	s.mu.Unlock()

	started := make([]string, 0, len(due))
	for _, e := range due {
		if !e.running.CompareAndSwap(false, true) {
			s.markSkipped(e, "overlap")
			continue
		}
		s.inflight.Add(1)
		go func(e *entry) {
			defer s.inflight.Done()
			defer e.running.Store(false)
			_, _ = s.execute(ctx, e)
		}(e)
		started = append(started, e.task.Name)
	}
	return started
}

// Trigger runs a task immediately and waits for it, honouring the overlap and
// distributed guards.
func (s *Scheduler) Trigger(ctx context.Context, name string) (any, error) {
	s.mu.Lock()
	e, ok := s.byName[name]
	s.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTask, "%q", name)
	}
	if !e.running.CompareAndSwap(false, true) {
		s.markSkipped(e, "overlap")
		return nil, ErrAlreadyRunning
	}
	s.inflight.Add(1)
	defer s.inflight.Done()
	defer e.running.Store(false)
	return s.execute(ctx, e)
}

func (s *Scheduler) execute(ctx context.Context, e *entry) (any, error) {
	name := e.task.Name
	logger := log.WithField("task", name)

	if s.locker != nil {
		release, acquired, err := s.locker.TryLock(ctx, "task:"+name, s.lockTTL)
		if err != nil {
			metrics.SchedulerRunsTotal.WithLabelValues(name, "lock_error").Inc()
			logger.WithError(err).Warn("scheduler: lock unavailable, skipping run")
			return nil, errors.Wrap(err, "scheduler: acquire lock")
		}
		if !acquired {
			s.markSkipped(e, "locked")
			return nil, ErrLocked
		}
		defer release(context.WithoutCancel(ctx))
	}

	start := s.clock.Now()
	began := time.Now()
	result, err := e.task.Run(ctx)
	metrics.ObserveSchedulerRun(name, began, err)
	elapsed := time.Since(began)

	s.mu.Lock()
	e.runs++
	e.lastRun = &start
	e.lastDuration = elapsed
	e.lastError = ""
	if err != nil {
		e.lastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		logger.WithError(err).Error("scheduler: task failed")
	} else {
		logger.WithField("duration", elapsed.String()).Debug("scheduler: task finished")
	}
	return result, err
}

func (s *Scheduler) markSkipped(e *entry, reason string) {
	metrics.SchedulerRunsTotal.WithLabelValues(e.task.Name, "skipped").Inc()
	s.mu.Lock()
	e.skipped++
	s.mu.Unlock()
	log.WithFields(log.Fields{"task": e.task.Name, "reason": reason}).Info("scheduler: run skipped")
}

// Status returns a snapshot of every task ordered by name.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.entries))
	for _, e := range s.entries {
		st := TaskStatus{
			Name:         e.task.Name,
			Schedule:     e.task.Schedule,
			Running:      e.running.Load(),
			NextRun:      e.next,
			LastDuration: e.lastDuration,
			LastError:    e.lastError,
			Runs:         e.runs,
			Skipped:      e.skipped,
		}
		if e.lastRun != nil {
			last := *e.lastRun
			st.LastRun = &last
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tasks lists the registered task names.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		names = append(names, e.task.Name)
	}
	sort.Strings(names)
	return names
}
