// Package gateway registers the payment gateway's server callback route.
package gateway

import (
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	paygw "github.com/propmarket/promotions/internal/gateway"
	"github.com/propmarket/promotions/internal/ierr"
	"github.com/propmarket/promotions/internal/reconcile"
	log "github.com/sirupsen/logrus"
)

const maxCallbackBody = 64 << 10

// RegisterGatewayRoutes registers POST /v0/gateway/callback.
func RegisterGatewayRoutes(r *gin.Engine, webhook *reconcile.Webhook) {
	if r == nil || webhook == nil {
		return
	}
	h := &callbackHandler{webhook: webhook}
	r.Group("/v0/gateway").POST("/callback", h.Callback)
}

type callbackHandler struct {
	webhook *reconcile.Webhook
}

// Callback applies one gateway notification. Only malformed requests get a
// 4xx; every processed callback answers 200 so the gateway stops retrying.
func (h *callbackHandler) Callback(c *gin.Context) {
	body, errRead := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBody))
	if errRead != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(errRead, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": ierr.Body{Code: ierr.CodeValidation, Message: "callback body too large"}})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": ierr.Body{Code: ierr.CodeValidation, Message: "read callback body"}})
		return
	}

	params, errParse := paygw.ParseCallback(c.ContentType(), body)
	if errParse != nil {
		log.WithError(errParse).Warn("gateway callback: unparseable body")
		c.JSON(http.StatusBadRequest, gin.H{"error": ierr.Body{Code: ierr.CodeValidation, Message: "malformed callback"}})
		return
	}

	result, err := h.webhook.Handle(c.Request.Context(), params)
	if err != nil {
		status := ierr.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			log.WithError(err).WithField("order_id", params["order_id"]).Error("gateway callback: processing failed")
		}
		c.JSON(status, gin.H{"error": ierr.ToBody(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": result})
}
