package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/propmarket/promotions/internal/scheduler"
	log "github.com/sirupsen/logrus"
)

// SchedulerHandler starts, stops and inspects the background scheduler.
type SchedulerHandler struct {
	scheduler *scheduler.Scheduler
	ctx       context.Context
}

// NewSchedulerHandler constructs a SchedulerHandler. A started loop runs under ctx.
func NewSchedulerHandler(s *scheduler.Scheduler, ctx context.Context) *SchedulerHandler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &SchedulerHandler{scheduler: s, ctx: ctx}
}

// Status returns the loop state and a snapshot of every task.
func (h *SchedulerHandler) Status(c *gin.Context) {
	if h.scheduler == nil {
		respondUnavailable(c, "scheduler unavailable")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"running": h.scheduler.IsRunning(),
		"tasks":   h.scheduler.Status(),
	})
}

// Start launches the loop if it is not running.
func (h *SchedulerHandler) Start(c *gin.Context) {
	if h.scheduler == nil {
		respondUnavailable(c, "scheduler unavailable")
		return
	}
	h.scheduler.Start(h.ctx)
	log.WithField("admin", getAdminUsername(c)).Info("scheduler started by admin")
	c.JSON(http.StatusOK, gin.H{"running": h.scheduler.IsRunning()})
}

// Stop halts the loop. Runs already in flight finish on their own.
func (h *SchedulerHandler) Stop(c *gin.Context) {
	if h.scheduler == nil {
		respondUnavailable(c, "scheduler unavailable")
		return
	}
	h.scheduler.Stop()
	log.WithField("admin", getAdminUsername(c)).Info("scheduler stopped by admin")
	c.JSON(http.StatusOK, gin.H{"running": h.scheduler.IsRunning()})
}
