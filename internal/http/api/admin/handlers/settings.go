package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/propmarket/promotions/internal/config"
	"github.com/propmarket/promotions/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SettingsHandler writes runtime overrides.
type SettingsHandler struct {
	db    *gorm.DB
	store *settings.Store
}

// NewSettingsHandler constructs a SettingsHandler.
func NewSettingsHandler(db *gorm.DB, store *settings.Store) *SettingsHandler {
	return &SettingsHandler{db: db, store: store}
}

type settingRequest struct {
	Value json.RawMessage `json:"value"`
}

var intSettings = map[string]bool{
	settings.ReconcileGraceSecondsKey:      true,
	settings.ReconcileMaxPendingSecondsKey: true,
	settings.ReconcileBatchSizeKey:         true,
	settings.ReconcileMaxConcurrencyKey:    true,
}

// Put stores one known setting. Integer keys take a non-negative number;
// the signature mode takes "strict" or "permissive".
func (h *SettingsHandler) Put(c *gin.Context) {
	if h.store == nil {
		respondUnavailable(c, "settings unavailable")
		return
	}
	key := strings.TrimSpace(c.Param("key"))
	var body settingRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil || len(body.Value) == 0 {
		respondBadRequest(c, "invalid json")
		return
	}

	var value any
	switch {
	case intSettings[key]:
		var n int
		if errDecode := json.Unmarshal(body.Value, &n); errDecode != nil || n < 0 {
			respondBadRequest(c, key+" must be a non-negative integer")
			return
		}
		value = n
	case key == settings.SignatureModeKey:
		var mode string
		_ = json.Unmarshal(body.Value, &mode)
		mode = strings.ToLower(strings.TrimSpace(mode))
		if mode != config.SignatureStrict && mode != config.SignaturePermissive {
			respondBadRequest(c, key+" must be strict or permissive")
			return
		}
		value = mode
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "unknown setting"}})
		return
	}

	if errPut := h.store.Put(c.Request.Context(), h.db, key, value); errPut != nil {
		log.WithError(errPut).WithField("key", key).Error("admin: store setting failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "internal_error", "message": "store setting failed"}})
		return
	}
	log.WithFields(log.Fields{"key": key, "admin": getAdminUsername(c)}).Info("runtime setting updated")
	c.JSON(http.StatusOK, gin.H{"key": key, "value": value})
}
