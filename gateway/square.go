package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"haven/pricing"
)

const (
	ProcessorSquare = "square"

	SquareLiveURL    = "https://connect.squareup.com"
	SquareSandboxURL = "https://connect.squareupsandbox.com"
	squareVersion    = "2024-01-18"
)

type SquareConfig struct {
	AccessToken string
	LocationID  string
	BaseURL     string
	Sandbox     bool
	Currency    string
	Timeout     time.Duration
}

// Square charges cards through the Square Payments API. Amounts go over the
// wire in cents.
type Square struct {
	cfg        SquareConfig
	httpClient *http.Client
}

func NewSquare(cfg SquareConfig) *Square {
	if cfg.BaseURL == "" {
		cfg.BaseURL = SquareLiveURL
		if cfg.Sandbox {
			cfg.BaseURL = SquareSandboxURL
		}
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Square{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

func (s *Square) Name() string { return ProcessorSquare }

type squareMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type squarePayment struct {
	SourceID          string      `json:"source_id"`
	IdempotencyKey    string      `json:"idempotency_key"`
	AmountMoney       squareMoney `json:"amount_money"`
	LocationID        string      `json:"location_id,omitempty"`
	CustomerID        string      `json:"customer_id,omitempty"`
	BuyerEmailAddress string      `json:"buyer_email_address,omitempty"`
	Note              string      `json:"note,omitempty"`
	Autocomplete      bool        `json:"autocomplete"`
}

type squareRefundBody struct {
	IdempotencyKey string      `json:"idempotency_key"`
	PaymentID      string      `json:"payment_id"`
	AmountMoney    squareMoney `json:"amount_money"`
}

type squareError struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
}

type squareResponse struct {
	Payment *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"payment"`
	Refund *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"refund"`
	Errors []squareError `json:"errors"`
}

func (s *Square) Charge(ctx context.Context, req ChargeRequest) (Result, error) {
	if req.Token == "" {
		return declined(CodeInvalidCard, "Missing payment token"), nil
	}
	// Card-on-file needs a Square customer; the web flow does not create one,
	// so SaveCard yields a successful charge without a CardRef.
	return s.pay(ctx, squarePayment{
		SourceID:          req.Token,
		IdempotencyKey:    keyOrNew(req.IdempotencyKey),
		AmountMoney:       squareMoney{Amount: pricing.ToCents(req.Amount), Currency: s.cfg.Currency},
		LocationID:        s.cfg.LocationID,
		BuyerEmailAddress: req.Email,
		Note:              req.Description,
		Autocomplete:      true,
	})
}

// ChargeSavedCard expects a "customer_id/card_id" reference. Anything else
// fails closed rather than attempting a charge that cannot succeed.
func (s *Square) ChargeSavedCard(ctx context.Context, req SavedCardRequest) (Result, error) {
	customerID, cardID, ok := strings.Cut(req.CardRef, "/")
	if !ok || customerID == "" || cardID == "" {
		return declined(CodePaymentFailed, "Saved card charging is not supported for this card"), nil
	}
	return s.pay(ctx, squarePayment{
		SourceID:          cardID,
		CustomerID:        customerID,
		IdempotencyKey:    keyOrNew(req.IdempotencyKey),
		AmountMoney:       squareMoney{Amount: pricing.ToCents(req.Amount), Currency: s.cfg.Currency},
		LocationID:        s.cfg.LocationID,
		BuyerEmailAddress: req.Email,
		Note:              req.Description,
		Autocomplete:      true,
	})
}

func (s *Square) Refund(ctx context.Context, req RefundRequest) (Result, error) {
	var resp squareResponse
	err := s.post(ctx, "/v2/refunds", squareRefundBody{
		IdempotencyKey: keyOrNew(req.IdempotencyKey),
		PaymentID:      req.TransactionID,
		AmountMoney:    squareMoney{Amount: pricing.ToCents(req.Amount), Currency: s.cfg.Currency},
	}, &resp)
	if err != nil {
		return Result{}, err
	}
	if len(resp.Errors) > 0 || resp.Refund == nil {
		return s.failure(resp.Errors), nil
	}
	if resp.Refund.Status == "REJECTED" || resp.Refund.Status == "FAILED" {
		return declined(CodePaymentFailed, "Refund was rejected"), nil
	}
	return Result{Success: true, TransactionID: resp.Refund.ID}, nil
}

func (s *Square) pay(ctx context.Context, body squarePayment) (Result, error) {
	if body.AmountMoney.Amount <= 0 {
		return declined(CodePaymentFailed, "Amount must be greater than zero"), nil
	}
	var resp squareResponse
	if err := s.post(ctx, "/v2/payments", body, &resp); err != nil {
		return Result{}, err
	}
	if len(resp.Errors) > 0 || resp.Payment == nil {
		return s.failure(resp.Errors), nil
	}
	switch resp.Payment.Status {
	case "COMPLETED", "APPROVED":
		return Result{Success: true, TransactionID: resp.Payment.ID}, nil
	}
	return declined(CodeCardDeclined, ""), nil
}

func (s *Square) failure(errs []squareError) Result {
	if len(errs) == 0 {
		return declined(CodePaymentFailed, "")
	}
	e := errs[0]
	switch e.Code {
	case "CARD_DECLINED", "GENERIC_DECLINE", "CARD_DECLINED_VERIFICATION_REQUIRED", "TRANSACTION_LIMIT":
		return declined(CodeCardDeclined, "")
	case "CVV_FAILURE", "INVALID_CVV":
		return declined(CodeCVVFailure, "")
	case "INSUFFICIENT_FUNDS":
		return declined(CodeInsufficientFunds, "")
	case "INVALID_CARD", "INVALID_CARD_DATA", "INVALID_EXPIRATION", "CARD_EXPIRED", "INVALID_ACCOUNT":
		return declined(CodeInvalidCard, "")
	}
	return declined(Classify(e.Detail), "")
}

func (s *Square) post(ctx context.Context, path string, body, out any) error {
	if s.cfg.AccessToken == "" {
		return ErrNotConfigured
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("square: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("square: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.AccessToken)
	req.Header.Set("Square-Version", squareVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("square: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("square: read response: %w", err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("square: unexpected status %d: %s", resp.StatusCode, truncate(raw, 200))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("square: decode response (status %d): %w", resp.StatusCode, err)
	}
	return nil
}

// Square caps idempotency_key at 45 characters.
const squareMaxKeyLen = 45

// keyOrNew returns a key Square accepts. Longer caller keys are mapped to a
// name-based UUID so a retried call still deduplicates.
func keyOrNew(key string) string {
	if key == "" {
		return uuid.New().String()
	}
	if len(key) <= squareMaxKeyLen {
		return key
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}
