// Package ierr holds the domain error taxonomy shared by every component.
package ierr

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

// Sentinels. Wrapped causes are marked with one of these via Mark.
var (
	ErrValidation        = errors.New("validation error")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadyProcessed  = errors.New("already processed")
	ErrGateway           = errors.New("payment gateway error")
	ErrSignature         = errors.New("invalid signature")
	ErrConflict          = errors.New("conflict")
	ErrDatabase          = errors.New("database error")
)

// Machine-readable codes returned to clients.
const (
	CodeValidation        = "validation_error"
	CodeUnauthorized      = "unauthorized"
	CodeNotFound          = "not_found"
	CodeInsufficientFunds = "insufficient_funds"
	CodeAlreadyProcessed  = "already_processed"
	CodeGateway           = "gateway_error"
	CodeSignature         = "invalid_signature"
	CodeConflict          = "conflict"
	CodeInternal          = "internal_error"
)

type classification struct {
	sentinel error
	code     string
	status   int
}

// ordered: the first match wins.
var classes = []classification{
	{ErrInsufficientFunds, CodeInsufficientFunds, http.StatusPaymentRequired},
	{ErrValidation, CodeValidation, http.StatusBadRequest},
	{ErrUnauthorized, CodeUnauthorized, http.StatusForbidden},
	{ErrNotFound, CodeNotFound, http.StatusNotFound},
	{ErrAlreadyProcessed, CodeAlreadyProcessed, http.StatusConflict},
	{ErrConflict, CodeConflict, http.StatusConflict},
	{ErrSignature, CodeSignature, http.StatusUnauthorized},
	{ErrGateway, CodeGateway, http.StatusBadGateway},
	{ErrDatabase, CodeInternal, http.StatusInternalServerError},
}

// HTTPStatus maps an error to its response status.
func HTTPStatus(err error) int {
	for _, c := range classes {
		if errors.Is(err, c.sentinel) {
			return c.status
		}
	}
	return http.StatusInternalServerError
}

// Code maps an error to its machine-readable code.
func Code(err error) string {
	for _, c := range classes {
		if errors.Is(err, c.sentinel) {
			return c.code
		}
	}
	return CodeInternal
}

// InsufficientFundsError reports the numbers behind a rejected debit.
type InsufficientFundsError struct {
	Cost      decimal.Decimal
	Balance   decimal.Decimal
	Shortfall decimal.Decimal
}

// NewInsufficientFunds builds the error for a cost that exceeds balance.
func NewInsufficientFunds(cost, balance decimal.Decimal) *InsufficientFundsError {
	return &InsufficientFundsError{
		Cost:      cost,
		Balance:   balance,
		Shortfall: cost.Sub(balance),
	}
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: cost %s, balance %s, shortfall %s",
		e.Cost.StringFixed(2), e.Balance.StringFixed(2), e.Shortfall.StringFixed(2))
}

// Is lets errors.Is(err, ErrInsufficientFunds) match.
func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// Details returns the figures for the response body.
func (e *InsufficientFundsError) Details() map[string]any {
	return map[string]any{
		"cost":      e.Cost.StringFixed(2),
		"balance":   e.Balance.StringFixed(2),
		"shortfall": e.Shortfall.StringFixed(2),
	}
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsAlreadyProcessed checks if a completion lost the race or came too late.
func IsAlreadyProcessed(err error) bool { return errors.Is(err, ErrAlreadyProcessed) }

// AsInsufficientFunds extracts the typed error, if present.
func AsInsufficientFunds(err error) (*InsufficientFundsError, bool) {
	var target *InsufficientFundsError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
