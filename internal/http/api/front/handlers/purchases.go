package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/propmarket/promotions/internal/purchase"
	"github.com/shopspring/decimal"
)

// PurchaseHandler spends balance on promotion services.
type PurchaseHandler struct {
	orchestrator *purchase.Orchestrator
}

// NewPurchaseHandler constructs a PurchaseHandler.
func NewPurchaseHandler(orchestrator *purchase.Orchestrator) *PurchaseHandler {
	return &PurchaseHandler{orchestrator: orchestrator}
}

// purchaseRequest is the body of a purchase or quote call.
type purchaseRequest struct {
	PropertyID uint64                 `json:"property_id"`
	Services   []purchase.LineRequest `json:"services"`
}

// quoteLineDTO is one priced line of a quote.
type quoteLineDTO struct {
	ServiceType string          `json:"service_type"`
	Days        int             `json:"days"`
	Params      string          `json:"params,omitempty"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	LineCost    decimal.Decimal `json:"line_cost"`
}

// Create buys the requested services for a property.
func (h *PurchaseHandler) Create(c *gin.Context) {
	accountID := getAccountID(c)
	if accountID == 0 {
		respondUnauthorized(c)
		return
	}

	var body purchaseRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		respondBadRequest(c, "invalid json")
		return
	}
	if body.PropertyID == 0 {
		respondBadRequest(c, "property_id is required")
		return
	}

	result, err := h.orchestrator.Purchase(c.Request.Context(), purchase.Request{
		AccountID:  accountID,
		PropertyID: body.PropertyID,
		Lines:      body.Services,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Quote prices the requested services without buying them.
func (h *PurchaseHandler) Quote(c *gin.Context) {
	var body purchaseRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		respondBadRequest(c, "invalid json")
		return
	}

	lines, total, err := h.orchestrator.Quote(c.Request.Context(), body.Services)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]quoteLineDTO, 0, len(lines))
	for _, line := range lines {
		out = append(out, quoteLineDTO{
			ServiceType: line.ServiceType,
			Days:        line.Days,
			Params:      line.Params,
			UnitPrice:   line.UnitPrice,
			LineCost:    line.LineCost,
		})
	}
	c.JSON(http.StatusOK, gin.H{"lines": out, "total_cost": total})
}
