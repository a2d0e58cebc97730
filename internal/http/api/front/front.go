package front

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/propmarket/promotions/internal/config"
	"github.com/propmarket/promotions/internal/entitlement"
	"github.com/propmarket/promotions/internal/http/api/front/handlers"
	"github.com/propmarket/promotions/internal/ierr"
	"github.com/propmarket/promotions/internal/ledger"
	"github.com/propmarket/promotions/internal/models"
	"github.com/propmarket/promotions/internal/pricing"
	"github.com/propmarket/promotions/internal/purchase"
	"github.com/propmarket/promotions/internal/reconcile"
	"github.com/propmarket/promotions/internal/security"
	"gorm.io/gorm"
)

// Deps are the services behind the front-end routes.
type Deps struct {
	DB           *gorm.DB
	JWT          config.JWTConfig
	Catalog      *pricing.Catalog
	Purchases    *purchase.Orchestrator
	Ledger       *ledger.Ledger
	TopUps       *reconcile.TopUps
	Entitlements *entitlement.Store
}

// RegisterFrontRoutes registers public and authenticated front-end routes.
func RegisterFrontRoutes(r *gin.Engine, deps Deps) {
	if r == nil || deps.DB == nil {
		return
	}

	front := r.Group("/v0/front")

	pricingHandler := handlers.NewPricingHandler(deps.Catalog)
	front.GET("/pricing", pricingHandler.List)

	authed := front.Group("")
	authed.Use(accountAuthMiddleware(deps.DB, deps.JWT))

	purchaseHandler := handlers.NewPurchaseHandler(deps.Purchases)
	authed.POST("/purchases", purchaseHandler.Create)
	authed.POST("/purchases/quote", purchaseHandler.Quote)

	balanceHandler := handlers.NewBalanceHandler(deps.Ledger, deps.TopUps)
	authed.GET("/balance", balanceHandler.Get)
	authed.GET("/transactions", balanceHandler.Transactions)
	authed.POST("/balance/top-up", balanceHandler.TopUp)

	propertyHandler := handlers.NewPropertyServicesHandler(deps.DB, deps.Entitlements)
	authed.GET("/properties/:id/services", propertyHandler.List)
}

// accountAuthMiddleware validates account JWTs and loads the account into context.
func accountAuthMiddleware(db *gorm.DB, jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortAuth(c, http.StatusUnauthorized, "missing authorization header")
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			abortAuth(c, http.StatusUnauthorized, "invalid authorization format")
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			abortAuth(c, http.StatusUnauthorized, "empty token")
			return
		}

		claims, errJWT := security.ParseAccountToken(jwtCfg.Secret, token)
		if errJWT != nil {
			abortAuth(c, http.StatusUnauthorized, "invalid token")
			return
		}

		var account models.Account
		if errFind := db.WithContext(c.Request.Context()).First(&account, claims.AccountID).Error; errFind != nil {
			abortAuth(c, http.StatusUnauthorized, "account not found")
			return
		}
		if account.Disabled {
			abortAuth(c, http.StatusForbidden, "account disabled")
			return
		}

		c.Set("accountID", account.ID)
		c.Next()
	}
}

func abortAuth(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": ierr.Body{Code: ierr.CodeUnauthorized, Message: message}})
}
