package handlers

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/propmarket/promotions/internal/scheduler"
)

const (
	taskStatusRunning = "running"
	taskStatusSuccess = "success"
	taskStatusFailed  = "failed"
	taskStatusSkipped = "skipped"
)

// Task is one manually triggered background job.
type Task struct {
	TaskID     string     `json:"task_id"`
	Name       string     `json:"task"`
	CreatedBy  string     `json:"created_by,omitempty"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	Result     any        `json:"result,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

// TaskStore keeps recent manual tasks in memory. Finished tasks expire after
// ttl and the oldest finished ones are evicted beyond maxTasks.
type TaskStore struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	order    []string
	ttl      time.Duration
	maxTasks int
	nextID   uint64
	now      func() time.Time
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore(ttl time.Duration, maxTasks int) *TaskStore {
	return &TaskStore{
		tasks:    make(map[string]*Task),
		order:    make([]string, 0),
		ttl:      ttl,
		maxTasks: maxTasks,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Create registers a running task.
func (s *TaskStore) Create(name, createdBy string) Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	taskID := s.newTaskIDLocked(name, now)
	task := &Task{
		TaskID:    taskID,
		Name:      name,
		CreatedBy: strings.TrimSpace(createdBy),
		Status:    taskStatusRunning,
		CreatedAt: now,
	}
	s.tasks[taskID] = task
	s.order = append(s.order, taskID)
	s.cleanupExpiredLocked(now)
	s.enforceMaxTasksLocked()

	return cloneTask(task)
}

// Get returns a copy of the task.
func (s *TaskStore) Get(taskID string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cleanupExpiredLocked(s.now())
	s.enforceMaxTasksLocked()

	task, ok := s.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return cloneTask(task), true
}

// Finish records the outcome. A run refused by the overlap or lock guard is
// marked skipped. Finishing twice is a no-op.
func (s *TaskStore) Finish(taskID string, result any, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok || task.FinishedAt != nil {
		return false
	}
	finishedAt := s.now()
	task.FinishedAt = &finishedAt
	task.Result = result
	switch {
	case err == nil:
		task.Status = taskStatusSuccess
	case errors.Is(err, scheduler.ErrAlreadyRunning), errors.Is(err, scheduler.ErrLocked):
		task.Status = taskStatusSkipped
		task.LastError = err.Error()
	default:
		task.Status = taskStatusFailed
		task.LastError = err.Error()
	}
	s.cleanupExpiredLocked(finishedAt)
	s.enforceMaxTasksLocked()

	return true
}

func (s *TaskStore) cleanupExpiredLocked(now time.Time) {
	if s.ttl <= 0 || len(s.order) == 0 {
		return
	}

	kept := make([]string, 0, len(s.order))
	for _, taskID := range s.order {
		task, ok := s.tasks[taskID]
		if !ok {
			continue
		}
		if task.FinishedAt != nil && now.Sub(*task.FinishedAt) >= s.ttl {
			delete(s.tasks, taskID)
			continue
		}
		kept = append(kept, taskID)
	}
	s.order = kept
}

func (s *TaskStore) enforceMaxTasksLocked() {
	if s.maxTasks <= 0 {
		return
	}
	for len(s.tasks) > s.maxTasks {
		index := s.oldestFinishedIndexLocked()
		if index < 0 {
			// Running tasks stay even when over maxTasks.
			return
		}
		taskID := s.order[index]
		delete(s.tasks, taskID)
		s.order = append(s.order[:index], s.order[index+1:]...)
	}
}

func (s *TaskStore) oldestFinishedIndexLocked() int {
	for i, taskID := range s.order {
		task, ok := s.tasks[taskID]
		if ok && task.FinishedAt != nil {
			return i
		}
	}
	return -1
}

func (s *TaskStore) newTaskIDLocked(name string, now time.Time) string {
	s.nextID++
	return fmt.Sprintf("%s-%d-%d", strings.ReplaceAll(name, "_", "-"), now.UnixNano(), s.nextID)
}

func cloneTask(src *Task) Task {
	if src == nil {
		return Task{}
	}
	cloned := *src
	if src.FinishedAt != nil {
		finishedAt := *src.FinishedAt
		cloned.FinishedAt = &finishedAt
	}
	return cloned
}
