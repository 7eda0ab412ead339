// Package gateway charges cards through interchangeable processors.
//
// A decline is reported as a Result with Success false and never as an
// error. Errors are reserved for transport and configuration failures,
// which callers must treat as a failed payment.
package gateway

import (
	"context"
	"errors"
	"strings"
)

// Failure codes surfaced to callers. They are advisory strings for display.
const (
	CodeCardDeclined      = "CARD_DECLINED"
	CodeInvalidCard       = "INVALID_CARD"
	CodeCVVFailure        = "CVV_FAILURE"
	CodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	CodePaymentFailed     = "PAYMENT_FAILED"
)

var (
	ErrUnknownProcessor = errors.New("gateway: unknown payment processor")
	ErrNotConfigured    = errors.New("gateway: processor is not configured")
	ErrSandboxOnly      = errors.New("gateway: direct card charges are only available in sandbox mode")
)

// Result is the outcome of a single gateway call.
type Result struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transactionId,omitempty"`
	CardRef       string `json:"-"`
	Error         string `json:"error,omitempty"`
	Code          string `json:"code,omitempty"`
}

type ChargeRequest struct {
	Token          string // single-use token from the payment widget
	Amount         float64
	Email          string
	Name           string
	Description    string
	SaveCard       bool // ask the processor for a reusable card reference
	IdempotencyKey string
}

type SavedCardRequest struct {
	CardRef        string
	Amount         float64
	Email          string
	Description    string
	IdempotencyKey string
}

type RefundRequest struct {
	TransactionID  string
	Amount         float64
	IdempotencyKey string
}

// Gateway is implemented by every card processor.
type Gateway interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (Result, error)
	ChargeSavedCard(ctx context.Context, req SavedCardRequest) (Result, error)
	Refund(ctx context.Context, req RefundRequest) (Result, error)
}

func declined(code, msg string) Result {
	if code == "" {
		code = CodePaymentFailed
	}
	if msg == "" {
		msg = UserMessage(code)
	}
	return Result{Success: false, Code: code, Error: msg}
}

// Classify maps free-form processor text onto the failure taxonomy.
func Classify(message string) string {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "insufficient"):
		return CodeInsufficientFunds
	case strings.Contains(m, "cvv"), strings.Contains(m, "cvc"), strings.Contains(m, "security code"):
		return CodeCVVFailure
	case strings.Contains(m, "invalid card"), strings.Contains(m, "card number"),
		strings.Contains(m, "expired"), strings.Contains(m, "expiration"):
		return CodeInvalidCard
	case strings.Contains(m, "declin"):
		return CodeCardDeclined
	}
	return CodePaymentFailed
}

// UserMessage is the inline text shown to a donor for a failure code.
func UserMessage(code string) string {
	switch code {
	case CodeCardDeclined:
		return "Card was declined"
	case CodeInvalidCard:
		return "Card details are invalid"
	case CodeCVVFailure:
		return "Card security code did not match"
	case CodeInsufficientFunds:
		return "Insufficient funds"
	}
	return "Payment failed. Please try again or use a different card."
}
