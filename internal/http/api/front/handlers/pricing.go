package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/propmarket/promotions/internal/models"
	"github.com/propmarket/promotions/internal/pricing"
	"github.com/shopspring/decimal"
)

// PricingHandler serves the public price list.
type PricingHandler struct {
	catalog *pricing.Catalog
}

// NewPricingHandler constructs a PricingHandler.
func NewPricingHandler(catalog *pricing.Catalog) *PricingHandler {
	return &PricingHandler{catalog: catalog}
}

type pricingDTO struct {
	ServiceType string                 `json:"service_type"`
	Category    models.ServiceCategory `json:"category"`
	PricePerDay decimal.Decimal        `json:"price_per_day"`
	DisplayName string                 `json:"display_name"`
	Description string                 `json:"description,omitempty"`
	Features    []string               `json:"features"`
	SortOrder   int                    `json:"sort_order"`
}

// List returns the active pricing entries in display order.
func (h *PricingHandler) List(c *gin.Context) {
	entries, err := h.catalog.Active(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]pricingDTO, 0, len(entries))
	for _, entry := range entries {
		features := []string(entry.Features)
		if features == nil {
			features = []string{}
		}
		out = append(out, pricingDTO{
			ServiceType: entry.ServiceType,
			Category:    entry.Category,
			PricePerDay: entry.PricePerDay,
			DisplayName: entry.DisplayName,
			Description: entry.Description,
			Features:    features,
			SortOrder:   entry.SortOrder,
		})
	}
	c.JSON(http.StatusOK, gin.H{"pricing": out})
}
