package admin

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
	"gorm.io/gorm"

	"haven/db"
	"haven/ledger"
	"haven/models"
	"haven/notify"
)

type recordingSink struct {
	mu   sync.Mutex
	sent []notify.Payload
}

func (s *recordingSink) Send(_ context.Context, _ notify.Kind, p notify.Payload) (notify.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, p)
	return notify.SendResult{Success: true}, nil
}

func newStore(t *testing.T) *ledger.SQLStore {
	t.Helper()
	dsn := fmt.Sprintf("file:admin_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return ledger.NewSQLStore(conn)
}

func TestPeopleMergesDonorsAndRegistrants(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	d := models.Donation{ID: "d1", Amount: 25, Name: "Ada", Email: "ada@x.org", PaymentStatus: models.PaymentSuccess,
		RecurringStatus: models.RecurringOneTime, CreatedAt: time.Now().Add(-time.Hour)}
	if err := store.InsertDonation(ctx, &d); err != nil {
		t.Fatalf("seed donation: %v", err)
	}
	reg := models.EventRegistration{ID: "r1", EventID: "e1", Name: "Ada L.", Email: "ada@x.org", Adults: 1,
		PaymentStatus: models.PaymentFree, CreatedAt: time.Now()}
	if err := store.InsertRegistration(ctx, &reg); err != nil {
		t.Fatalf("seed registration: %v", err)
	}

	h := &Handler{Store: store}
	rr := httptest.NewRecorder()
	h.People(rr, httptest.NewRequest(http.MethodGet, "/api/admin/people?q=ada", nil), nil)
	var out struct {
		People []ledger.Person `json:"people"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.People) != 1 {
		t.Fatalf("expected one merged person, got %+v", out.People)
	}
	p := out.People[0]
	if p.DonationCount != 1 || p.DonationTotal != 25 || p.RegistrationCount != 1 || p.Name != "Ada L." {
		t.Fatalf("unexpected person %+v", p)
	}
}

func TestContactSendsAlert(t *testing.T) {
	sink := &recordingSink{}
	h := &Handler{Sink: sink, Detached: notify.NewDispatcher(time.Second), AdminEmail: "staff@example.org"}

	rr := httptest.NewRecorder()
	h.Contact(rr, httptest.NewRequest(http.MethodPost, "/api/contact",
		strings.NewReader(`{"name":"Cy","email":"Cy@Example.org","message":"Hello there"}`)), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.Detached.Wait(ctx)
	if len(sink.sent) != 1 || sink.sent[0].To != "staff@example.org" || sink.sent[0].ReplyTo != "cy@example.org" {
		t.Fatalf("unexpected alerts %+v", sink.sent)
	}
}

func TestContactValidation(t *testing.T) {
	h := &Handler{Sink: notify.LogSink{}, Detached: notify.NewDispatcher(time.Second)}
	for _, body := range []string{
		`{"email":"a@x.org","message":"hi"}`,
		`{"name":"A","email":"nope","message":"hi"}`,
		`{"name":"A","email":"a@x.org","message":"   "}`,
	} {
		rr := httptest.NewRecorder()
		h.Contact(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), nil)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, rr.Code)
		}
	}
}
