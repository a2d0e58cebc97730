package admin

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/propmarket/promotions/internal/config"
	"github.com/propmarket/promotions/internal/entitlement"
	"github.com/propmarket/promotions/internal/http/api/admin/handlers"
	"github.com/propmarket/promotions/internal/ierr"
	"github.com/propmarket/promotions/internal/ledger"
	"github.com/propmarket/promotions/internal/pricing"
	"github.com/propmarket/promotions/internal/scheduler"
	"github.com/propmarket/promotions/internal/security"
	"github.com/propmarket/promotions/internal/settings"
	"gorm.io/gorm"
)

const (
	taskTTL      = time.Hour
	taskMaxTasks = 200
)

// Deps are the services behind the admin routes.
type Deps struct {
	DB           *gorm.DB
	JWT          config.JWTConfig
	Scheduler    *scheduler.Scheduler
	Ledger       *ledger.Ledger
	Catalog      *pricing.Catalog
	Entitlements *entitlement.Store
	Settings     *settings.Store
	// Context outlives requests; manual tasks and the scheduler loop run under it.
	Context context.Context
}

// RegisterAdminRoutes registers the back-office routes behind admin JWTs.
func RegisterAdminRoutes(r *gin.Engine, deps Deps) {
	if r == nil || deps.DB == nil {
		return
	}
	baseCtx := deps.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	adminGroup := r.Group("/v0/admin")
	adminGroup.Use(adminAuthMiddleware(deps.JWT))
	adminGroup.Use(adminPermissionMiddleware())

	adminGroup.GET("/permissions", handlers.ListPermissions)

	taskHandler := handlers.NewTaskHandler(deps.Scheduler, handlers.NewTaskStore(taskTTL, taskMaxTasks), baseCtx)
	adminGroup.POST("/reconcile", taskHandler.Start(handlers.TaskReconcile))
	adminGroup.POST("/expiration-sweep", taskHandler.Start(handlers.TaskExpiration))
	adminGroup.POST("/renewal", taskHandler.Start(handlers.TaskRenewal))
	adminGroup.GET("/tasks/:task_id", taskHandler.Get)

	schedulerHandler := handlers.NewSchedulerHandler(deps.Scheduler, baseCtx)
	adminGroup.GET("/scheduler", schedulerHandler.Status)
	adminGroup.POST("/scheduler/start", schedulerHandler.Start)
	adminGroup.POST("/scheduler/stop", schedulerHandler.Stop)

	serviceHandler := handlers.NewServiceHandler(deps.Entitlements)
	adminGroup.GET("/properties/:id/services", serviceHandler.PropertyServices)
	adminGroup.GET("/services/expired-counts", serviceHandler.ExpiredCounts)

	ledgerHandler := handlers.NewLedgerHandler(deps.Ledger)
	adminGroup.GET("/accounts/:id/ledger-check", ledgerHandler.Check)
	adminGroup.POST("/accounts/:id/adjustments", ledgerHandler.Adjust)
	adminGroup.POST("/transactions/:id/refund", ledgerHandler.Refund)

	pricingHandler := handlers.NewPricingHandler(deps.Catalog)
	adminGroup.PUT("/pricing/:service_type", pricingHandler.Update)

	settingsHandler := handlers.NewSettingsHandler(deps.DB, deps.Settings)
	adminGroup.PUT("/settings/:key", settingsHandler.Put)
}

// adminAuthMiddleware validates admin JWTs. Admin tokens are signed with the
// admin secret, falling back to the account secret when none is configured.
func adminAuthMiddleware(jwtCfg config.JWTConfig) gin.HandlerFunc {
	secret := strings.TrimSpace(jwtCfg.AdminSecret)
	if secret == "" {
		secret = jwtCfg.Secret
	}
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if authHeader == "" || token == authHeader || strings.TrimSpace(token) == "" {
			abortAdmin(c, http.StatusUnauthorized, "missing admin token")
			return
		}
		claims, errJWT := security.ParseAdminToken(secret, strings.TrimSpace(token))
		if errJWT != nil {
			abortAdmin(c, http.StatusUnauthorized, "invalid admin token")
			return
		}
		c.Set("adminID", claims.AdminID)
		c.Set("adminUsername", claims.Username)
		c.Set("adminPermissions", claims.Permissions)
		c.Next()
	}
}

func abortAdmin(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": ierr.Body{Code: ierr.CodeUnauthorized, Message: message}})
}
