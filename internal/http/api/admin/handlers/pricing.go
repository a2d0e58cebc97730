package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/propmarket/promotions/internal/pricing"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// PricingHandler edits the price list.
type PricingHandler struct {
	catalog *pricing.Catalog
}

// NewPricingHandler constructs a PricingHandler.
func NewPricingHandler(catalog *pricing.Catalog) *PricingHandler {
	return &PricingHandler{catalog: catalog}
}

type pricingUpdateRequest struct {
	PricePerDay *decimal.Decimal `json:"price_per_day"`
	IsActive    *bool            `json:"is_active"`
	DisplayName *string          `json:"display_name"`
	Description *string          `json:"description"`
	SortOrder   *int             `json:"sort_order"`
}

// Update changes one pricing entry. Omitted fields stay as they are.
func (h *PricingHandler) Update(c *gin.Context) {
	serviceType := strings.TrimSpace(c.Param("service_type"))
	if serviceType == "" {
		respondBadRequest(c, "invalid service_type")
		return
	}
	var body pricingUpdateRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		respondBadRequest(c, "invalid json")
		return
	}

	entry, err := h.catalog.Apply(c.Request.Context(), serviceType, pricing.Update{
		PricePerDay: body.PricePerDay,
		IsActive:    body.IsActive,
		DisplayName: body.DisplayName,
		Description: body.Description,
		SortOrder:   body.SortOrder,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	log.WithFields(log.Fields{
		"service_type": entry.ServiceType,
		"admin":        getAdminUsername(c),
	}).Info("pricing entry updated")

	c.JSON(http.StatusOK, gin.H{
		"service_type":  entry.ServiceType,
		"category":      entry.Category,
		"price_per_day": entry.PricePerDay,
		"display_name":  entry.DisplayName,
		"description":   entry.Description,
		"is_active":     entry.IsActive,
		"sort_order":    entry.SortOrder,
	})
}
