package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/propmarket/promotions/internal/ledger"
	"github.com/propmarket/promotions/internal/models"
	"github.com/shopspring/decimal"
)

// LedgerHandler audits and corrects account balances.
type LedgerHandler struct {
	ledger *ledger.Ledger
}

// NewLedgerHandler constructs a LedgerHandler.
func NewLedgerHandler(l *ledger.Ledger) *LedgerHandler {
	return &LedgerHandler{ledger: l}
}

type adjustmentRequest struct {
	Direction models.AdjustmentDirection `json:"direction"`
	Amount    decimal.Decimal            `json:"amount"`
	Reason    string                     `json:"reason"`
}

type refundRequest struct {
	Reason string `json:"reason"`
}

// postedDTO is a ledger entry created by an admin action.
type postedDTO struct {
	ID            uint64                    `json:"id"`
	AccountID     uint64                    `json:"account_id"`
	Kind          models.TransactionKind    `json:"kind"`
	Status        models.TransactionStatus  `json:"status"`
	Amount        decimal.Decimal           `json:"amount"`
	BalanceBefore decimal.Decimal           `json:"balance_before"`
	BalanceAfter  decimal.Decimal           `json:"balance_after"`
	Details       models.TransactionDetails `json:"details"`
	CreatedAt     time.Time                 `json:"created_at"`
}

func newPostedDTO(t *models.Transaction) postedDTO {
	return postedDTO{
		ID:            t.ID,
		AccountID:     t.AccountID,
		Kind:          t.Kind,
		Status:        t.Status,
		Amount:        t.Amount,
		BalanceBefore: t.BalanceBefore,
		BalanceAfter:  t.BalanceAfter,
		Details:       t.Details,
		CreatedAt:     t.CreatedAt,
	}
}

// Check recomputes an account's balance from its completed entries.
func (h *LedgerHandler) Check(c *gin.Context) {
	accountID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	report, err := h.ledger.Verify(c.Request.Context(), accountID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Adjust posts a manual credit or debit.
func (h *LedgerHandler) Adjust(c *gin.Context) {
	accountID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var body adjustmentRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		respondBadRequest(c, "invalid json")
		return
	}
	txn, err := h.ledger.Adjust(c.Request.Context(), ledger.Adjustment{
		AccountID: accountID,
		Direction: body.Direction,
		Amount:    body.Amount,
		Reason:    body.Reason,
		AdminID:   getAdminID(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPostedDTO(txn))
}

// Refund credits back a completed purchase.
func (h *LedgerHandler) Refund(c *gin.Context) {
	transactionID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var body refundRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		respondBadRequest(c, "invalid json")
		return
	}
	txn, err := h.ledger.Refund(c.Request.Context(), transactionID, body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPostedDTO(txn))
}
