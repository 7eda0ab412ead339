package pay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"haven/gateway"
)

type stubCharger struct {
	got gateway.DirectCardRequest
	err error
}

func (s *stubCharger) ChargeCard(_ context.Context, req gateway.DirectCardRequest) (gateway.Result, error) {
	s.got = req
	if s.err != nil {
		return gateway.Result{}, s.err
	}
	return gateway.Result{Success: true, TransactionID: "T1"}, nil
}

func TestDirectCharge(t *testing.T) {
	c := &stubCharger{}
	h := DirectCharge(c)

	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodPost, "/api/sandbox/charge",
		strings.NewReader(`{"card_number":"4111 1111 1111 1111","expiry_month":12,"expiry_year":2030,"cvv":"123","amount":1.5}`)), nil)
	if rr.Code != http.StatusOK || c.got.CardNumber != "4111111111111111" || c.got.Amount != 1.5 {
		t.Fatalf("unexpected result %d %+v", rr.Code, c.got)
	}

	rr = httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"card_number":"4111","expiry_month":13,"amount":1}`)), nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}

	c.err = gateway.ErrSandboxOnly
	rr = httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"card_number":"4111","expiry_month":1,"amount":1}`)), nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 outside sandbox, got %d", rr.Code)
	}
}
