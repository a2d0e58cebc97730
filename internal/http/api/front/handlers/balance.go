package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/propmarket/promotions/internal/ledger"
	"github.com/propmarket/promotions/internal/models"
	"github.com/propmarket/promotions/internal/reconcile"
	"github.com/shopspring/decimal"
)

// BalanceHandler exposes the account balance, its history and top-ups.
type BalanceHandler struct {
	ledger *ledger.Ledger
	topUps *reconcile.TopUps
}

// NewBalanceHandler constructs a BalanceHandler.
func NewBalanceHandler(l *ledger.Ledger, topUps *reconcile.TopUps) *BalanceHandler {
	return &BalanceHandler{ledger: l, topUps: topUps}
}

// transactionDTO is one ledger entry as the account owner sees it.
type transactionDTO struct {
	ID            uint64                     `json:"id"`
	Kind          models.TransactionKind     `json:"kind"`
	Status        models.TransactionStatus   `json:"status"`
	Amount        decimal.Decimal            `json:"amount"`
	SignedAmount  decimal.Decimal            `json:"signed_amount"`
	BalanceBefore decimal.Decimal            `json:"balance_before"`
	BalanceAfter  decimal.Decimal            `json:"balance_after"`
	PaymentMethod string                     `json:"payment_method,omitempty"`
	Reference     *string                    `json:"reference,omitempty"`
	Details       *models.TransactionDetails `json:"details,omitempty"`
	CreatedAt     time.Time                  `json:"created_at"`
	CompletedAt   *time.Time                 `json:"completed_at,omitempty"`
}

func newTransactionDTO(t models.Transaction) transactionDTO {
	dto := transactionDTO{
		ID:            t.ID,
		Kind:          t.Kind,
		Status:        t.Status,
		Amount:        t.Amount,
		SignedAmount:  t.SignedAmount(),
		BalanceBefore: t.BalanceBefore,
		BalanceAfter:  t.BalanceAfter,
		PaymentMethod: t.PaymentMethod,
		Reference:     t.ExternalReference,
		CreatedAt:     t.CreatedAt,
		CompletedAt:   t.CompletedAt,
	}
	details := t.Details
	if topUp, ok := details.TopUp(); ok {
		// The raw gateway echo stays in the back office.
		topUp.Payload = nil
		details = models.NewTransactionDetails(topUp)
	}
	dto.Details = &details
	return dto
}

// topUpRequest is the body of a top-up call.
type topUpRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// Get returns the current balance.
func (h *BalanceHandler) Get(c *gin.Context) {
	accountID := getAccountID(c)
	if accountID == 0 {
		respondUnauthorized(c)
		return
	}
	balance, err := h.ledger.Balance(c.Request.Context(), accountID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": accountID, "balance": balance})
}

// Transactions lists ledger entries newest first.
func (h *BalanceHandler) Transactions(c *gin.Context) {
	accountID := getAccountID(c)
	if accountID == 0 {
		respondUnauthorized(c)
		return
	}

	page := ledger.Page{
		Kind:   models.TransactionKind(strings.TrimSpace(c.Query("kind"))),
		Status: models.TransactionStatus(strings.TrimSpace(c.Query("status"))),
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, errParse := strconv.Atoi(raw)
		if errParse != nil || limit <= 0 {
			respondBadRequest(c, "invalid limit")
			return
		}
		page.Limit = limit
	}
	if raw := strings.TrimSpace(c.Query("before_id")); raw != "" {
		beforeID, errParse := strconv.ParseUint(raw, 10, 64)
		if errParse != nil {
			respondBadRequest(c, "invalid before_id")
			return
		}
		page.BeforeID = beforeID
	}

	rows, err := h.ledger.Transactions(c.Request.Context(), accountID, page)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]transactionDTO, 0, len(rows))
	for _, row := range rows {
		out = append(out, newTransactionDTO(row))
	}
	c.JSON(http.StatusOK, gin.H{"transactions": out})
}

// TopUp starts a card payment that credits the balance once confirmed.
func (h *BalanceHandler) TopUp(c *gin.Context) {
	accountID := getAccountID(c)
	if accountID == 0 {
		respondUnauthorized(c)
		return
	}
	if h.topUps == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"code": "unavailable", "message": "top-ups are not configured"}})
		return
	}

	var body topUpRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		respondBadRequest(c, "invalid json")
		return
	}

	checkout, err := h.topUps.Start(c.Request.Context(), accountID, body.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, checkout)
}
