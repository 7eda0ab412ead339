package gateway

import (
	"context"
	"errors"
	"testing"
)

type namedGateway struct{ name string }

func (n namedGateway) Name() string { return n.name }
func (n namedGateway) Charge(context.Context, ChargeRequest) (Result, error) {
	return Result{Success: true}, nil
}
func (n namedGateway) ChargeSavedCard(context.Context, SavedCardRequest) (Result, error) {
	return Result{Success: true}, nil
}
func (n namedGateway) Refund(context.Context, RefundRequest) (Result, error) {
	return Result{Success: true}, nil
}

func TestRegistrySelect(t *testing.T) {
	r := NewRegistry("", namedGateway{ProcessorBanquest}, namedGateway{ProcessorSquare})

	g, err := r.Select("")
	if err != nil || g.Name() != ProcessorBanquest {
		t.Fatalf("expected banquest default, got %v %v", g, err)
	}
	g, err = r.Select("Square")
	if err != nil || g.Name() != ProcessorSquare {
		t.Fatalf("expected square, got %v %v", g, err)
	}
	if _, err := r.Select("paypal"); !errors.Is(err, ErrUnknownProcessor) {
		t.Fatalf("expected ErrUnknownProcessor, got %v", err)
	}
}

func TestRegistryKnownButNotConfigured(t *testing.T) {
	r := NewRegistry("", namedGateway{ProcessorBanquest})
	if _, err := r.Select(ProcessorSquare); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := map[string]string{
		"Insufficient Funds":      CodeInsufficientFunds,
		"CVV2 mismatch":           CodeCVVFailure,
		"Invalid card number":     CodeInvalidCard,
		"Card expired":            CodeInvalidCard,
		"Transaction declined":    CodeCardDeclined,
		"something else entirely": CodePaymentFailed,
	}
	for in, want := range cases {
		if got := Classify(in); got != want {
			t.Fatalf("Classify(%q) = %s, want %s", in, got, want)
		}
	}
}
