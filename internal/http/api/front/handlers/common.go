package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/propmarket/promotions/internal/ierr"
	log "github.com/sirupsen/logrus"
)

// getAccountID extracts the account ID from gin context.
func getAccountID(c *gin.Context) uint64 {
	val, exists := c.Get("accountID")
	if !exists {
		return 0
	}
	switch v := val.(type) {
	case uint64:
		return v
	case int64:
		return uint64(v)
	case uint:
		return uint64(v)
	case int:
		return uint64(v)
	default:
		return 0
	}
}

// respondError writes err as {"error": {code, message, hint, details}}.
func respondError(c *gin.Context, err error) {
	status := ierr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.FullPath()).Error("front: request failed")
	}
	c.JSON(status, gin.H{"error": ierr.ToBody(err)})
}

func respondBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": ierr.Body{Code: ierr.CodeValidation, Message: message}})
}

func respondUnauthorized(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{"error": ierr.Body{Code: ierr.CodeUnauthorized, Message: "unauthorized"}})
}

func parseIDParam(c *gin.Context, name string) (uint64, bool) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param(name)), 10, 64)
	if errParse != nil || id == 0 {
		respondBadRequest(c, "invalid "+name)
		return 0, false
	}
	return id, true
}
