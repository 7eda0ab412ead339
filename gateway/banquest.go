package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"haven/pricing"
)

const (
	ProcessorBanquest = "banquest"

	BanquestLiveURL    = "https://api.banquestgateway.com/api/v2"
	BanquestSandboxURL = "https://api.sandbox.banquestgateway.com/api/v2"
)

// BanquestConfig holds the source key credentials for the v2 REST API.
type BanquestConfig struct {
	SourceKey string
	Pin       string
	BaseURL   string
	Sandbox   bool
	Timeout   time.Duration
}

// Banquest charges cards through the Banquest gateway.
type Banquest struct {
	cfg        BanquestConfig
	httpClient *http.Client
}

func NewBanquest(cfg BanquestConfig) *Banquest {
	if cfg.BaseURL == "" {
		cfg.BaseURL = BanquestLiveURL
		if cfg.Sandbox {
			cfg.BaseURL = BanquestSandboxURL
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Banquest{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (b *Banquest) Name() string { return ProcessorBanquest }

type banquestCharge struct {
	Amount             float64         `json:"amount"`
	Source             string          `json:"source,omitempty"`
	Card               string          `json:"card,omitempty"`
	ExpiryMonth        int             `json:"expiry_month,omitempty"`
	ExpiryYear         int             `json:"expiry_year,omitempty"`
	CVV2               string          `json:"cvv2,omitempty"`
	SaveCard           bool            `json:"save_card,omitempty"`
	Email              string          `json:"email,omitempty"`
	Name               string          `json:"name,omitempty"`
	TransactionDetails banquestDetails `json:"transaction_details"`
}

type banquestDetails struct {
	Description string `json:"description,omitempty"`
	OrderNumber string `json:"order_number,omitempty"`
}

type banquestRefund struct {
	ReferenceNumber int64   `json:"reference_number"`
	Amount          float64 `json:"amount,omitempty"`
}

type banquestResponse struct {
	Status          string `json:"status"`      // Approved, Partially Approved, Declined, Error
	StatusCode      string `json:"status_code"` // A, P, D, E
	ErrorMessage    string `json:"error_message"`
	ErrorCode       string `json:"error_code"`
	ReferenceNumber int64  `json:"reference_number"`
	CardRef         string `json:"card_ref"`
	AuthCode        string `json:"auth_code"`
}

// Charge charges a single-use nonce produced by the hosted tokenization form.
func (b *Banquest) Charge(ctx context.Context, req ChargeRequest) (Result, error) {
	if req.Token == "" {
		return declined(CodeInvalidCard, "Missing payment token"), nil
	}
	source := req.Token
	if !strings.HasPrefix(source, "nonce-") && !strings.HasPrefix(source, "tkn-") {
		source = "nonce-" + source
	}
	return b.charge(ctx, banquestCharge{
		Amount:             dollars(req.Amount),
		Source:             source,
		SaveCard:           req.SaveCard,
		Email:              req.Email,
		Name:               req.Name,
		TransactionDetails: banquestDetails{Description: req.Description, OrderNumber: req.IdempotencyKey},
	})
}

// ChargeSavedCard charges a card reference returned by an earlier save_card charge.
func (b *Banquest) ChargeSavedCard(ctx context.Context, req SavedCardRequest) (Result, error) {
	if req.CardRef == "" {
		return declined(CodePaymentFailed, "No saved card reference"), nil
	}
	source := req.CardRef
	if !strings.HasPrefix(source, "tkn-") {
		source = "tkn-" + source
	}
	return b.charge(ctx, banquestCharge{
		Amount:             dollars(req.Amount),
		Source:             source,
		Email:              req.Email,
		TransactionDetails: banquestDetails{Description: req.Description, OrderNumber: req.IdempotencyKey},
	})
}

// DirectCardRequest carries raw card data. Sandbox testing only.
type DirectCardRequest struct {
	CardNumber  string
	ExpiryMonth int
	ExpiryYear  int
	CVV         string
	Amount      float64
	Email       string
	Description string
}

// ChargeCard sends raw card data and refuses to run outside sandbox mode.
func (b *Banquest) ChargeCard(ctx context.Context, req DirectCardRequest) (Result, error) {
	if !b.cfg.Sandbox {
		return Result{}, ErrSandboxOnly
	}
	return b.charge(ctx, banquestCharge{
		Amount:             dollars(req.Amount),
		Card:               req.CardNumber,
		ExpiryMonth:        req.ExpiryMonth,
		ExpiryYear:         req.ExpiryYear,
		CVV2:               req.CVV,
		Email:              req.Email,
		TransactionDetails: banquestDetails{Description: req.Description},
	})
}

func (b *Banquest) Refund(ctx context.Context, req RefundRequest) (Result, error) {
	ref, err := strconv.ParseInt(req.TransactionID, 10, 64)
	if err != nil {
		return declined(CodePaymentFailed, "Invalid transaction reference"), nil
	}
	var resp banquestResponse
	if err := b.post(ctx, "/transactions/refund", banquestRefund{ReferenceNumber: ref, Amount: dollars(req.Amount)}, &resp); err != nil {
		return Result{}, err
	}
	return b.result(resp), nil
}

func (b *Banquest) charge(ctx context.Context, body banquestCharge) (Result, error) {
	if body.Amount <= 0 {
		return declined(CodePaymentFailed, "Amount must be greater than zero"), nil
	}
	var resp banquestResponse
	if err := b.post(ctx, "/transactions/charge", body, &resp); err != nil {
		return Result{}, err
	}
	return b.result(resp), nil
}

func (b *Banquest) result(resp banquestResponse) Result {
	switch resp.StatusCode {
	case "A", "P":
		return Result{
			Success:       true,
			TransactionID: strconv.FormatInt(resp.ReferenceNumber, 10),
			CardRef:       resp.CardRef,
		}
	case "D":
		code := Classify(resp.ErrorMessage)
		if code == CodePaymentFailed {
			code = CodeCardDeclined
		}
		return declined(code, UserMessage(code))
	}
	return declined(Classify(resp.ErrorMessage), resp.ErrorMessage)
}

func (b *Banquest) post(ctx context.Context, path string, body, out any) error {
	if b.cfg.SourceKey == "" {
		return ErrNotConfigured
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("banquest: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("banquest: build request: %w", err)
	}
	req.SetBasicAuth(b.cfg.SourceKey, b.cfg.Pin)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("banquest: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("banquest: read response: %w", err)
	}
	// Declines come back as 4xx with a normal body; only unreadable
	// or server-side failures are transport errors.
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("banquest: unexpected status %d: %s", resp.StatusCode, truncate(raw, 200))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("banquest: decode response (status %d): %w", resp.StatusCode, err)
	}
	return nil
}

// dollars snaps an amount to whole cents before it goes on the wire.
func dollars(amount float64) float64 {
	return pricing.FromCents(pricing.ToCents(amount))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
