package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/propmarket/promotions/internal/entitlement"
	"github.com/propmarket/promotions/internal/models"
)

// ServiceHandler inspects entitlements for support and operations.
type ServiceHandler struct {
	store *entitlement.Store
	now   func() time.Time
}

// NewServiceHandler constructs a ServiceHandler.
func NewServiceHandler(store *entitlement.Store) *ServiceHandler {
	return &ServiceHandler{store: store, now: time.Now}
}

type entitlementDTO struct {
	ID                uint64     `json:"id"`
	ServiceType       string     `json:"service_type"`
	ExpiresAt         time.Time  `json:"expires_at"`
	IsActive          bool       `json:"is_active"`
	Live              bool       `json:"live"`
	AutoRenewEnabled  bool       `json:"auto_renew_enabled"`
	Params            string     `json:"params,omitempty"`
	LastTransactionID *uint64    `json:"last_transaction_id,omitempty"`
	LastRenewedAt     *time.Time `json:"last_renewed_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func newEntitlementDTO(e models.ServiceEntitlement, now time.Time) entitlementDTO {
	return entitlementDTO{
		ID:                e.ID,
		ServiceType:       e.ServiceType,
		ExpiresAt:         e.ExpiresAt,
		IsActive:          e.IsActive,
		Live:              e.ActiveAt(now),
		AutoRenewEnabled:  e.AutoRenewEnabled,
		Params:            e.Params,
		LastTransactionID: e.LastTransactionID,
		LastRenewedAt:     e.LastRenewedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}

// PropertyServices lists every entitlement of a property, lapsed ones
// included unless ?include_inactive=false.
func (h *ServiceHandler) PropertyServices(c *gin.Context) {
	propertyID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	includeInactive := true
	if raw := c.Query("include_inactive"); raw != "" {
		parsed, errParse := strconv.ParseBool(raw)
		if errParse != nil {
			respondBadRequest(c, "invalid include_inactive")
			return
		}
		includeInactive = parsed
	}

	rows, err := h.store.ListByProperty(c.Request.Context(), propertyID, includeInactive)
	if err != nil {
		respondError(c, err)
		return
	}
	now := h.now()
	out := make([]entitlementDTO, 0, len(rows))
	for _, row := range rows {
		out = append(out, newEntitlementDTO(row, now))
	}
	c.JSON(http.StatusOK, gin.H{"property_id": propertyID, "services": out})
}

// ExpiredCounts reports live, expired and awaiting-sweep counts per service type.
func (h *ServiceHandler) ExpiredCounts(c *gin.Context) {
	stats, err := h.store.ExpiredCounts(c.Request.Context(), h.now())
	if err != nil {
		respondError(c, err)
		return
	}
	if stats == nil {
		stats = []entitlement.ExpiryStat{}
	}
	c.JSON(http.StatusOK, gin.H{"services": stats})
}
