package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/propmarket/promotions/internal/ierr"
	log "github.com/sirupsen/logrus"
)

func getAdminID(c *gin.Context) uint64 {
	val, _ := c.Get("adminID")
	id, _ := val.(uint64)
	return id
}

func getAdminUsername(c *gin.Context) string {
	val, _ := c.Get("adminUsername")
	name, _ := val.(string)
	return name
}

// respondError writes err as {"error": {code, message, hint, details}}.
func respondError(c *gin.Context, err error) {
	status := ierr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.FullPath()).Error("admin: request failed")
	}
	c.JSON(status, gin.H{"error": ierr.ToBody(err)})
}

func respondBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": ierr.Body{Code: ierr.CodeValidation, Message: message}})
}

func respondUnavailable(c *gin.Context, message string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": ierr.Body{Code: "unavailable", Message: message}})
}

func parseIDParam(c *gin.Context, name string) (uint64, bool) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param(name)), 10, 64)
	if errParse != nil || id == 0 {
		respondBadRequest(c, "invalid "+name)
		return 0, false
	}
	return id, true
}
