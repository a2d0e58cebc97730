package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/propmarket/promotions/internal/entitlement"
	"github.com/propmarket/promotions/internal/ierr"
	"github.com/propmarket/promotions/internal/models"
	"gorm.io/gorm"
)

// PropertyServicesHandler shows an owner the services on their property.
type PropertyServicesHandler struct {
	db    *gorm.DB
	store *entitlement.Store
	now   func() time.Time
}

// NewPropertyServicesHandler constructs a PropertyServicesHandler.
func NewPropertyServicesHandler(db *gorm.DB, store *entitlement.Store) *PropertyServicesHandler {
	return &PropertyServicesHandler{db: db, store: store, now: time.Now}
}

type serviceDTO struct {
	ServiceType      string     `json:"service_type"`
	ExpiresAt        time.Time  `json:"expires_at"`
	Active           bool       `json:"active"`
	AutoRenewEnabled bool       `json:"auto_renew_enabled"`
	Params           string     `json:"params,omitempty"`
	LastRenewedAt    *time.Time `json:"last_renewed_at,omitempty"`
}

// List returns the property's entitlements. ?include_inactive=true adds lapsed grants.
func (h *PropertyServicesHandler) List(c *gin.Context) {
	accountID := getAccountID(c)
	if accountID == 0 {
		respondUnauthorized(c)
		return
	}
	propertyID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	includeInactive, _ := strconv.ParseBool(c.Query("include_inactive"))

	ctx := c.Request.Context()
	var property models.Property
	if errFind := h.db.WithContext(ctx).First(&property, propertyID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			respondError(c, ierr.WithError(errFind).WithHint("Property not found").Mark(ierr.ErrNotFound))
			return
		}
		respondError(c, ierr.WithError(errFind).Mark(ierr.ErrDatabase))
		return
	}
	if property.OwnerAccountID != accountID {
		// Foreign listings look absent.
		respondError(c, ierr.NewErrorf("property %d not found", propertyID).Mark(ierr.ErrNotFound))
		return
	}

	rows, err := h.store.ListByProperty(ctx, propertyID, includeInactive)
	if err != nil {
		respondError(c, err)
		return
	}
	now := h.now()
	out := make([]serviceDTO, 0, len(rows))
	for _, row := range rows {
		out = append(out, serviceDTO{
			ServiceType:      row.ServiceType,
			ExpiresAt:        row.ExpiresAt,
			Active:           row.ActiveAt(now),
			AutoRenewEnabled: row.AutoRenewEnabled,
			Params:           row.Params,
			LastRenewedAt:    row.LastRenewedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"property_id": property.ID,
		"vip_tier":    property.VIPTier,
		"services":    out,
	})
}
