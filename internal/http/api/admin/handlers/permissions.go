package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/propmarket/promotions/internal/http/api/admin/permissions"
)

// ListPermissions returns every grantable admin route.
func ListPermissions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"permissions": permissions.Definitions()})
}
