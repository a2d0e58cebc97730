package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/propmarket/promotions/internal/http/api/admin/permissions"
)

// adminPermissionMiddleware enforces permission checks for admin routes.
func adminPermissionMiddleware() gin.HandlerFunc {
	permissionMap := permissions.DefinitionMap()

	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		path := c.FullPath()
		if path == "" {
			abortAdmin(c, http.StatusForbidden, "permission denied")
			return
		}

		key := permissions.Key(c.Request.Method, path)
		if _, ok := permissionMap[key]; !ok {
			abortAdmin(c, http.StatusForbidden, "permission denied")
			return
		}

		granted, ok := readAdminPermissionsFromContext(c)
		if !ok {
			abortAdmin(c, http.StatusUnauthorized, "admin not found")
			return
		}
		if !permissions.HasPermission(permissions.ParsePermissions(granted), key) {
			abortAdmin(c, http.StatusForbidden, "permission denied")
			return
		}

		c.Next()
	}
}

// readAdminPermissionsFromContext extracts permissions from the gin context.
func readAdminPermissionsFromContext(c *gin.Context) ([]string, bool) {
	value, ok := c.Get("adminPermissions")
	if !ok {
		return nil, false
	}
	permissionsList, ok := value.([]string)
	return permissionsList, ok
}
