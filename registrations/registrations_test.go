package registrations

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/julienschmidt/httprouter"
	"gorm.io/gorm"

	"haven/db"
	"haven/gateway"
	"haven/ledger"
	"haven/models"
	"haven/notify"
	"haven/rdx"
	"haven/tickets"
)

type fakeGateway struct {
	mu      sync.Mutex
	charges []gateway.ChargeRequest
	result  gateway.Result
}

func (f *fakeGateway) Name() string { return gateway.ProcessorBanquest }

func (f *fakeGateway) Charge(_ context.Context, req gateway.ChargeRequest) (gateway.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charges = append(f.charges, req)
	return f.result, nil
}

func (f *fakeGateway) ChargeSavedCard(context.Context, gateway.SavedCardRequest) (gateway.Result, error) {
	return gateway.Result{}, nil
}

func (f *fakeGateway) Refund(context.Context, gateway.RefundRequest) (gateway.Result, error) {
	return gateway.Result{}, nil
}

func (f *fakeGateway) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.charges)
}

type fixture struct {
	h      *Handler
	gw     *fakeGateway
	store  *ledger.SQLStore
	locker *rdx.LocalLocker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:registrations_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := ledger.NewSQLStore(conn)
	ctx := context.Background()

	familyCap := 100.0
	events := []models.Event{
		{ID: "ev-gala", Slug: "gala", Title: "Gala", Date: "2025-06-20", PricePerAdult: 40, KidsPrice: 10, FamilyCap: &familyCap, IsActive: true},
		{ID: "ev-picnic", Slug: "picnic", Title: "Picnic", Date: "2025-07-04", IsActive: true},
		{ID: "ev-closed", Slug: "closed", Title: "Closed", Date: "2025-05-01", IsActive: false},
	}
	for i := range events {
		if err := store.CreateEvent(ctx, &events[i]); err != nil {
			t.Fatalf("seed event: %v", err)
		}
	}
	one := 1
	tiers := []models.EventSponsorship{
		{ID: "sp-gold", EventID: "ev-gala", Name: "Gold", Price: 500},
		{ID: "sp-wish", EventID: "ev-gala", Name: "Friend", Price: 0},
		{ID: "sp-table", EventID: "ev-gala", Name: "Table", Price: 250, MaxAvailable: &one},
		{ID: "sp-picnic", EventID: "ev-picnic", Name: "Picnic Patron", Price: 75},
	}
	for i := range tiers {
		if err := store.CreateSponsorship(ctx, &tiers[i]); err != nil {
			t.Fatalf("seed sponsorship: %v", err)
		}
	}

	gw := &fakeGateway{result: gateway.Result{Success: true, TransactionID: "TX-1"}}
	locker := rdx.NewLocalLocker()
	h := &Handler{
		Store:    store,
		Gateways: gateway.NewRegistry("", gw),
		Locker:   locker,
		Sink:     notify.LogSink{},
		Detached: notify.NewDispatcher(time.Second),
		Signer:   tickets.NewSigner("k"),
		BaseURL:  "https://example.org",
	}
	return &fixture{h: h, gw: gw, store: store, locker: locker}
}

func (f *fixture) register(t *testing.T, ctx context.Context, slug, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/events/"+slug+"/register", strings.NewReader(body)).WithContext(ctx)
	f.h.Register(rr, req, httprouter.Params{{Key: "slug", Value: slug}})
	wait, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f.h.Detached.Wait(wait)
	var out map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	return rr, out
}

func (f *fixture) rows(t *testing.T) []models.EventRegistration {
	t.Helper()
	list, err := f.store.ListRegistrations(context.Background(), ledger.RegistrationFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return list
}

func TestRegisterRejectsMalformedEmail(t *testing.T) {
	f := newFixture(t)
	rr, _ := f.register(t, context.Background(), "gala", `{"name":"Ada","email":"not-an-email","adults":1,"payment_method":"online","token":"t"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if f.gw.calls() != 0 || len(f.rows(t)) != 0 {
		t.Fatal("validation failure must not reach the gateway or the ledger")
	}
}

func TestOnlineWithoutTokenFailsBeforeGateway(t *testing.T) {
	f := newFixture(t)
	rr, out := f.register(t, context.Background(), "gala", `{"name":"Ada","email":"ada@x.org","adults":2,"payment_method":"online"}`)
	if rr.Code != http.StatusBadRequest || out["error"] != "Payment token is required" {
		t.Fatalf("expected token validation error, got %d %v", rr.Code, out)
	}
	if f.gw.calls() != 0 {
		t.Fatal("gateway must not be called without a token")
	}
}

func TestRegisterValidation(t *testing.T) {
	cases := map[string]string{
		"no adults":       `{"name":"A","email":"a@x.org","payment_method":"check"}`,
		"zero adults":     `{"name":"A","email":"a@x.org","adults":0,"payment_method":"check"}`,
		"negative kids":   `{"name":"A","email":"a@x.org","adults":1,"kids":-1,"payment_method":"check"}`,
		"missing name":    `{"email":"a@x.org","adults":1,"payment_method":"check"}`,
		"bad method":      `{"name":"A","email":"a@x.org","adults":1,"payment_method":"barter"}`,
		"negative amount": `{"name":"A","email":"a@x.org","adults":1,"payment_method":"check","custom_amount":-4}`,
	}
	for name, body := range cases {
		f := newFixture(t)
		if rr, _ := f.register(t, context.Background(), "gala", body); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rr.Code)
		}
	}
}

func TestOnlineChargeAppliesFamilyCap(t *testing.T) {
	f := newFixture(t)
	rr, out := f.register(t, context.Background(), "gala",
		`{"name":"Ada","email":"Ada@X.org","adults":3,"kids":2,"payment_method":"online","token":"tok","guests":[{"name":" Bo ","type":"adult"},{"name":""}]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if f.gw.charges[0].Amount != 100 || f.gw.charges[0].Token != "tok" {
		t.Fatalf("expected capped charge of 100, got %+v", f.gw.charges[0])
	}
	reg, err := f.store.GetRegistration(context.Background(), out["registration_id"].(string))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if reg.PaymentStatus != models.PaymentSuccess || reg.PaymentReference != "TX-1" || reg.Email != "ada@x.org" {
		t.Fatalf("unexpected registration %+v", reg)
	}
	if len(reg.Guests) != 1 || reg.Guests[0].Name != "Bo" {
		t.Fatalf("expected one trimmed guest, got %+v", reg.Guests)
	}
	if reg.TicketCode != tickets.Code(reg.ID) || !strings.Contains(out["ticket_url"].(string), "/api/registrations/"+reg.ID+"/ticket?t=") {
		t.Fatalf("expected ticket code and link, got %v", out)
	}
}

func TestSponsorshipPricing(t *testing.T) {
	f := newFixture(t)
	f.register(t, context.Background(), "gala", `{"name":"A","email":"a@x.org","adults":4,"kids":3,"sponsorship_id":"sp-gold","payment_method":"online","token":"t"}`)
	f.register(t, context.Background(), "gala", `{"name":"B","email":"b@x.org","adults":1,"sponsorship_id":"sp-wish","custom_amount":25,"payment_method":"online","token":"t"}`)
	if f.gw.calls() != 2 || f.gw.charges[0].Amount != 500 || f.gw.charges[1].Amount != 25 {
		t.Fatalf("unexpected charges %+v", f.gw.charges)
	}

	rr, _ := f.register(t, context.Background(), "gala", `{"name":"C","email":"c@x.org","adults":1,"sponsorship_id":"sp-wish","payment_method":"online","token":"t"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("pay-what-you-wish without an amount should be rejected, got %d", rr.Code)
	}
	rr, _ = f.register(t, context.Background(), "gala", `{"name":"D","email":"d@x.org","adults":1,"sponsorship_id":"sp-picnic","payment_method":"check"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("a tier from another event should be rejected, got %d", rr.Code)
	}
}

func TestCheckAndFreeSkipGateway(t *testing.T) {
	f := newFixture(t)
	_, out := f.register(t, context.Background(), "gala", `{"name":"A","email":"a@x.org","adults":1,"payment_method":"check"}`)
	if out["payment_status"] != models.PaymentPendingCheck || !strings.HasPrefix(out["payment_reference"].(string), "CHECK-") {
		t.Fatalf("unexpected check registration %v", out)
	}

	rr, _ := f.register(t, context.Background(), "gala", `{"name":"B","email":"b@x.org","adults":1,"payment_method":"free"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("free registration with a balance should be rejected, got %d", rr.Code)
	}

	_, out = f.register(t, context.Background(), "picnic", `{"name":"C","email":"c@x.org","adults":2,"payment_method":"free"}`)
	if out["payment_status"] != models.PaymentFree || !strings.HasPrefix(out["payment_reference"].(string), "FREE-") {
		t.Fatalf("unexpected free registration %v", out)
	}
	if f.gw.calls() != 0 {
		t.Fatal("offline methods must not call the gateway")
	}
	if len(f.rows(t)) != 2 {
		t.Fatalf("expected two rows, got %d", len(f.rows(t)))
	}
}

func TestDeclinePersistsFailedRow(t *testing.T) {
	f := newFixture(t)
	f.gw.result = gateway.Result{Success: false, Code: gateway.CodeInsufficientFunds, Error: "NSF"}
	rr, out := f.register(t, context.Background(), "gala", `{"name":"A","email":"a@x.org","adults":1,"payment_method":"online","token":"t"}`)
	if rr.Code != http.StatusPaymentRequired || out["error"] != "Insufficient funds" {
		t.Fatalf("expected 402 with friendly message, got %d %v", rr.Code, out)
	}
	rows := f.rows(t)
	if len(rows) != 1 || rows[0].PaymentStatus != models.PaymentFailed || rows[0].PaymentError != "NSF" {
		t.Fatalf("expected one failed row, got %+v", rows)
	}
}

func TestInactiveEventIsNotFound(t *testing.T) {
	f := newFixture(t)
	if rr, _ := f.register(t, context.Background(), "closed", `{"name":"A","email":"a@x.org","adults":1,"payment_method":"check"}`); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestSponsorshipCapacity(t *testing.T) {
	f := newFixture(t)
	body := `{"name":"A","email":"a@x.org","adults":1,"sponsorship_id":"sp-table","payment_method":"check"}`
	if rr, _ := f.register(t, context.Background(), "gala", body); rr.Code != http.StatusOK {
		t.Fatalf("first table: %d", rr.Code)
	}
	rr, out := f.register(t, context.Background(), "gala", body)
	if rr.Code != http.StatusConflict || out["error"] != "Table is sold out" {
		t.Fatalf("expected sold out, got %d %v", rr.Code, out)
	}
}

func TestSponsorshipLockHeld(t *testing.T) {
	f := newFixture(t)
	unlock, err := f.locker.Obtain(context.Background(), "sponsorship:sp-table", time.Minute, 1)
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	rr, _ := f.register(t, ctx, "gala", `{"name":"A","email":"a@x.org","adults":1,"sponsorship_id":"sp-table","payment_method":"check"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 while another registration holds the tier, got %d", rr.Code)
	}
	if len(f.rows(t)) != 0 {
		t.Fatal("nothing may be written without the lock")
	}
}

func TestMarkCheckReceived(t *testing.T) {
	f := newFixture(t)
	_, out := f.register(t, context.Background(), "gala", `{"name":"A","email":"a@x.org","adults":1,"payment_method":"check"}`)
	id := out["registration_id"].(string)
	ps := httprouter.Params{{Key: "id", Value: id}}

	rr := httptest.NewRecorder()
	f.h.MarkCheckReceived(rr, httptest.NewRequest(http.MethodPost, "/", nil), ps)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	f.h.MarkCheckReceived(rr, httptest.NewRequest(http.MethodPost, "/", nil), ps)
	if rr.Code != http.StatusConflict {
		t.Fatalf("second call should conflict, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	f.h.ListForEvent(rr, httptest.NewRequest(http.MethodGet, "/", nil), httprouter.Params{{Key: "id", Value: "ev-gala"}})
	var list struct {
		Count   int     `json:"count"`
		Summary summary `json:"summary"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &list)
	if list.Count != 1 || list.Summary.Collected != 40 || list.Summary.Adults != 1 {
		t.Fatalf("unexpected list %+v", list)
	}
}
