package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"haven/db"
	"haven/gateway"
	"haven/ledger"
	"haven/models"
	"haven/rdx"
)

type fakeGateway struct {
	mu      sync.Mutex
	calls   []gateway.SavedCardRequest
	outcome func(req gateway.SavedCardRequest) (gateway.Result, error)
}

func (f *fakeGateway) Name() string { return gateway.ProcessorBanquest }

func (f *fakeGateway) Charge(context.Context, gateway.ChargeRequest) (gateway.Result, error) {
	return gateway.Result{}, errors.New("not used")
}

func (f *fakeGateway) ChargeSavedCard(_ context.Context, req gateway.SavedCardRequest) (gateway.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.outcome != nil {
		return f.outcome(req)
	}
	return gateway.Result{Success: true, TransactionID: "TX-" + req.CardRef}, nil
}

func (f *fakeGateway) Refund(context.Context, gateway.RefundRequest) (gateway.Result, error) {
	return gateway.Result{Success: true}, nil
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newStore(t *testing.T) *ledger.SQLStore {
	t.Helper()
	dsn := fmt.Sprintf("file:billing_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return ledger.NewSQLStore(conn)
}

func newCycle(store ledger.Store, gw gateway.Gateway) *Cycle {
	return &Cycle{
		Store:    store,
		Gateways: gateway.NewRegistry("", gw),
		Locker:   rdx.NewLocalLocker(),
	}
}

func seedDue(t *testing.T, store ledger.Store, id, next, card string) {
	t.Helper()
	freq := models.FrequencyMonthly
	d := &models.Donation{
		ID:                 id,
		Amount:             20,
		IsRecurring:        true,
		RecurringFrequency: &freq,
		RecurringStatus:    models.RecurringActive,
		Name:               "Donor " + id,
		Email:              id + "@example.org",
		PaymentStatus:      models.PaymentSuccess,
		CardRef:            &card,
		NextChargeDate:     &next,
	}
	if err := store.InsertDonation(context.Background(), d); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestNextMonthlyDate(t *testing.T) {
	cases := []struct{ anchor, today, want string }{
		{"2025-01-31", "2025-01-31", "2025-02-28"},
		{"2024-01-31", "2024-01-31", "2024-02-29"},
		{"2025-03-31", "2025-03-31", "2025-04-30"},
		{"2025-01-15", "2025-01-31", "2025-02-15"},
		{"2025-12-15", "2025-12-15", "2026-01-15"},
	}
	for _, c := range cases {
		got, err := NextMonthlyDate(c.anchor, c.today)
		if err != nil {
			t.Fatalf("%s/%s: %v", c.anchor, c.today, err)
		}
		if got != c.want {
			t.Fatalf("NextMonthlyDate(%s, %s) = %s, want %s", c.anchor, c.today, got, c.want)
		}
	}
	if _, err := NextMonthlyDate("31/01/2025", "2025-01-31"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRunAdvancesDateOnSuccess(t *testing.T) {
	store := newStore(t)
	gw := &fakeGateway{}
	seedDue(t, store, "d1", "2025-01-31", "card-1")

	tally, err := newCycle(store, gw).Run(context.Background(), "2025-01-31")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if tally.Processed != 1 || tally.Successful != 1 || tally.Failed != 0 {
		t.Fatalf("unexpected tally %+v", tally)
	}

	d, err := store.GetDonation(context.Background(), "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.NextChargeDate == nil || *d.NextChargeDate != "2025-02-28" {
		t.Fatalf("expected 2025-02-28, got %v", d.NextChargeDate)
	}
	if d.PaymentStatus != models.PaymentSuccess || d.PaymentReference != "TX-card-1" || d.PaymentError != "" {
		t.Fatalf("unexpected donation state %+v", d)
	}
	if d.RecurringStatus != models.RecurringActive {
		t.Fatalf("recurring status should stay active, got %s", d.RecurringStatus)
	}
	if gw.calls[0].IdempotencyKey != "recurring-d1-2025-01-31" {
		t.Fatalf("unexpected idempotency key %q", gw.calls[0].IdempotencyKey)
	}
}

func TestRunKeepsDateOnFailure(t *testing.T) {
	store := newStore(t)
	gw := &fakeGateway{outcome: func(gateway.SavedCardRequest) (gateway.Result, error) {
		return gateway.Result{Success: false, Code: gateway.CodeCardDeclined, Error: "Card was declined"}, nil
	}}
	seedDue(t, store, "d1", "2025-03-10", "card-1")
	cycle := newCycle(store, gw)

	tally, err := cycle.Run(context.Background(), "2025-03-10")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if tally.Failed != 1 || len(tally.Errors) != 1 {
		t.Fatalf("unexpected tally %+v", tally)
	}

	d, _ := store.GetDonation(context.Background(), "d1")
	if *d.NextChargeDate != "2025-03-10" {
		t.Fatalf("date should be untouched, got %s", *d.NextChargeDate)
	}
	if d.PaymentStatus != models.PaymentFailed || d.PaymentError != "Card was declined" {
		t.Fatalf("unexpected failure state %+v", d)
	}

	due, err := store.DueDonations(context.Background(), "2025-03-11")
	if err != nil || len(due) != 1 {
		t.Fatalf("failed donation should stay due: %v %d", err, len(due))
	}
	tally, err = cycle.Run(context.Background(), "2025-03-11")
	if err != nil || tally.Processed != 1 || gw.callCount() != 2 {
		t.Fatalf("expected a retry on the next day: %+v %v calls=%d", tally, err, gw.callCount())
	}
}

func TestRunIsolatesPerItemFailures(t *testing.T) {
	store := newStore(t)
	gw := &fakeGateway{outcome: func(req gateway.SavedCardRequest) (gateway.Result, error) {
		switch req.CardRef {
		case "card-2":
			panic("processor client exploded")
		case "card-3":
			return gateway.Result{}, errors.New("gateway: timeout")
		}
		return gateway.Result{Success: true, TransactionID: "ok"}, nil
	}}
	seedDue(t, store, "d1", "2025-05-01", "card-1")
	seedDue(t, store, "d2", "2025-05-02", "card-2")
	seedDue(t, store, "d3", "2025-05-03", "card-3")
	seedDue(t, store, "d4", "2025-05-04", "card-4")

	tally, err := newCycle(store, gw).Run(context.Background(), "2025-05-04")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if tally.Processed != 4 || tally.Successful != 2 || tally.Failed != 2 {
		t.Fatalf("unexpected tally %+v", tally)
	}
	if len(tally.Errors) != 2 {
		t.Fatalf("expected 2 error strings, got %v", tally.Errors)
	}

	d2, _ := store.GetDonation(context.Background(), "d2")
	if d2.PaymentStatus != models.PaymentFailed || *d2.NextChargeDate != "2025-05-02" {
		t.Fatalf("panicking donation should be recorded as failed: %+v", d2)
	}
	d4, _ := store.GetDonation(context.Background(), "d4")
	if *d4.NextChargeDate != "2025-06-04" {
		t.Fatalf("donation after the panic should still be charged, got %s", *d4.NextChargeDate)
	}
}

func TestRunChargesOncePerDay(t *testing.T) {
	store := newStore(t)
	gw := &fakeGateway{outcome: func(gateway.SavedCardRequest) (gateway.Result, error) {
		return gateway.Result{Success: false, Error: "Insufficient funds", Code: gateway.CodeInsufficientFunds}, nil
	}}
	seedDue(t, store, "d1", "2025-02-01", "card-1")
	cycle := newCycle(store, gw)

	if _, err := cycle.Run(context.Background(), "2025-02-01"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	tally, err := cycle.Run(context.Background(), "2025-02-01")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if tally.Skipped != 1 || gw.callCount() != 1 {
		t.Fatalf("second run on the same day must not charge again: %+v calls=%d", tally, gw.callCount())
	}
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	store := newStore(t)
	locker := rdx.NewLocalLocker()
	cycle := newCycle(store, &fakeGateway{})
	cycle.Locker = locker

	unlock, err := locker.Obtain(context.Background(), "billing:recurring:2025-02-01", time.Minute, 1)
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}
	defer unlock()
	if _, err := cycle.Run(context.Background(), "2025-02-01"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestTriggerRequiresBearerSecret(t *testing.T) {
	store := newStore(t)
	gw := &fakeGateway{}
	seedDue(t, store, "d1", "2025-01-31", "card-1")
	trigger := &Trigger{
		Cycle:  newCycle(store, gw),
		Secret: "cron-secret",
		Now:    func() time.Time { return time.Date(2025, 1, 31, 12, 0, 0, 0, time.UTC) },
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/cron/process-recurring-donations", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	trigger.Handle(rr, req, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if gw.callCount() != 0 {
		t.Fatal("no charge may happen before authorization")
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/cron/process-recurring-donations", nil)
	req.Header.Set("Authorization", "Bearer cron-secret")
	trigger.Handle(rr, req, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Success    bool     `json:"success"`
		Processed  int      `json:"processed"`
		Successful int      `json:"successful"`
		Failed     int      `json:"failed"`
		Errors     []string `json:"errors"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || body.Processed != 1 || body.Successful != 1 || body.Errors == nil {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestTriggerWithoutSecretInProduction(t *testing.T) {
	trigger := &Trigger{Cycle: newCycle(newStore(t), &fakeGateway{}), Production: true}
	rr := httptest.NewRecorder()
	trigger.Handle(rr, httptest.NewRequest(http.MethodPost, "/", nil), nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a configured secret in production, got %d", rr.Code)
	}
}

func TestTriggerOutlivesServerWriteTimeout(t *testing.T) {
	store := newStore(t)
	seedDue(t, store, "d1", "2025-01-31", "card-1")
	gw := &fakeGateway{outcome: func(req gateway.SavedCardRequest) (gateway.Result, error) {
		time.Sleep(300 * time.Millisecond)
		return gateway.Result{Success: true, TransactionID: "TX-slow"}, nil
	}}
	trigger := &Trigger{
		Cycle: newCycle(store, gw),
		Now:   func() time.Time { return time.Date(2025, 1, 31, 12, 0, 0, 0, time.UTC) },
	}

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trigger.Handle(w, r, nil)
	}))
	srv.Config.WriteTimeout = 100 * time.Millisecond
	srv.Start()
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Processed  int `json:"processed"`
		Successful int `json:"successful"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("tally lost after write timeout: %v", err)
	}
	if resp.StatusCode != http.StatusOK || body.Successful != 1 {
		t.Fatalf("unexpected %d %+v", resp.StatusCode, body)
	}
}
