package handlers

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/propmarket/promotions/internal/scheduler"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// Manually triggerable tasks.
const (
	TaskReconcile  = scheduler.TaskReconcile
	TaskExpiration = scheduler.TaskExpiration
	TaskRenewal    = scheduler.TaskRenewal
)

// TaskHandler runs scheduler tasks on demand and reports their progress.
type TaskHandler struct {
	scheduler *scheduler.Scheduler
	taskStore *TaskStore
	ctx       context.Context
}

// NewTaskHandler constructs a TaskHandler. Tasks run under ctx, not the request.
func NewTaskHandler(s *scheduler.Scheduler, store *TaskStore, ctx context.Context) *TaskHandler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &TaskHandler{scheduler: s, taskStore: store, ctx: ctx}
}

// Start returns a handler that triggers the named task in the background.
func (h *TaskHandler) Start(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.scheduler == nil || h.taskStore == nil {
			respondUnavailable(c, "scheduler unavailable")
			return
		}
		if !lo.Contains(h.scheduler.Tasks(), name) {
			c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "task not registered"}})
			return
		}

		task := h.taskStore.Create(name, getAdminUsername(c))
		go h.run(task.TaskID, name)

		c.JSON(http.StatusOK, gin.H{
			"task_id": task.TaskID,
			"task":    task.Name,
			"status":  task.Status,
		})
	}
}

func (h *TaskHandler) run(taskID, name string) {
	defer func() {
		if recovered := recover(); recovered != nil {
			stack := strings.TrimSpace(string(debug.Stack()))
			log.Errorf("admin task panic (task=%s id=%s): %v\n%s", name, taskID, recovered, stack)
			h.taskStore.Finish(taskID, nil, errors.Newf("panic: %v", recovered))
		}
	}()
	result, err := h.scheduler.Trigger(h.ctx, name)
	h.taskStore.Finish(taskID, result, err)
}

// Get reports a task's status and, once finished, its result.
func (h *TaskHandler) Get(c *gin.Context) {
	if h.taskStore == nil {
		respondUnavailable(c, "task store unavailable")
		return
	}
	taskID := strings.TrimSpace(c.Param("task_id"))
	task, ok := h.taskStore.Get(taskID)
	if taskID == "" || !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "task not found"}})
		return
	}
	c.JSON(http.StatusOK, task)
}
