package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/julienschmidt/httprouter"
	"gorm.io/gorm"

	"haven/db"
	"haven/ledger"
	"haven/models"
)

func newHandler(t *testing.T) (*Handler, *ledger.SQLStore) {
	t.Helper()
	dsn := fmt.Sprintf("file:events_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := ledger.NewSQLStore(conn)
	h := &Handler{
		Store:        store,
		UploadDir:    t.TempDir(),
		PublicPrefix: "/static/events",
		Now:          func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	}
	return h, store
}

func call(h httprouter.Handle, method, target, body string, ps httprouter.Params) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(method, target, strings.NewReader(body)), ps)
	return rr
}

func createEvent(t *testing.T, h *Handler, body string) models.Event {
	t.Helper()
	rr := call(h.Create, http.MethodPost, "/api/admin/events", body, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Event models.Event `json:"event"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.Event
}

func TestCreateDerivesSlugAndRejectsDuplicates(t *testing.T) {
	h, _ := newHandler(t)
	ev := createEvent(t, h, `{"title":"Spring Gala 2025!","date":"2025-06-20","price_per_adult":40,"kids_price":10,"family_cap":100}`)
	if ev.Slug != "spring-gala-2025" || !ev.IsActive || ev.FamilyCap == nil || *ev.FamilyCap != 100 {
		t.Fatalf("unexpected event %+v", ev)
	}

	rr := call(h.Create, http.MethodPost, "/", `{"title":"Spring Gala 2025","date":"2025-06-21"}`, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate slug, got %d", rr.Code)
	}
}

func TestCreateValidation(t *testing.T) {
	h, _ := newHandler(t)
	cases := []string{
		`{"date":"2025-06-20"}`,
		`{"title":"x","date":"20/06/2025"}`,
		`{"title":"x","date":"2025-06-20","slug":"Not A Slug"}`,
		`{"title":"x","date":"2025-06-20","price_per_adult":-1}`,
		`{"title":"x","date":"2025-06-20","family_cap":0}`,
	}
	for _, body := range cases {
		if rr := call(h.Create, http.MethodPost, "/", body, nil); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, rr.Code)
		}
	}
}

func TestPublicListShowsActiveUpcomingFirst(t *testing.T) {
	h, _ := newHandler(t)
	createEvent(t, h, `{"title":"Later","date":"2025-09-01"}`)
	createEvent(t, h, `{"title":"Sooner","date":"2025-06-15"}`)
	createEvent(t, h, `{"title":"Past","date":"2025-01-15"}`)
	createEvent(t, h, `{"title":"Hidden","date":"2025-07-01","is_active":false}`)

	rr := call(h.List, http.MethodGet, "/api/events", "", nil)
	var resp struct {
		Events []models.Event `json:"events"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if len(resp.Events) != 2 || resp.Events[0].Slug != "sooner" || resp.Events[1].Slug != "later" {
		t.Fatalf("unexpected public list %+v", resp.Events)
	}

	rr = call(h.List, http.MethodGet, "/api/events?past=true", "", nil)
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if len(resp.Events) != 3 || resp.Events[2].Slug != "past" {
		t.Fatalf("expected past events last, got %+v", resp.Events)
	}
}

func TestGetBySlugIncludesSponsorships(t *testing.T) {
	h, _ := newHandler(t)
	ev := createEvent(t, h, `{"title":"Gala","date":"2025-06-20"}`)
	ps := httprouter.Params{{Key: "id", Value: ev.ID}}
	if rr := call(h.CreateSponsorship, http.MethodPost, "/", `{"name":"Gold","price":500,"max_available":5}`, ps); rr.Code != http.StatusCreated {
		t.Fatalf("create sponsorship: %d %s", rr.Code, rr.Body.String())
	}

	rr := call(h.Get, http.MethodGet, "/api/events/gala", "", httprouter.Params{{Key: "slug", Value: "gala"}})
	var resp struct {
		Event models.Event `json:"event"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if len(resp.Event.Sponsorships) != 1 || resp.Event.Sponsorships[0].Price != 500 {
		t.Fatalf("expected sponsorship on event, got %+v", resp.Event)
	}

	rr = call(h.Get, http.MethodGet, "/", "", httprouter.Params{{Key: "slug", Value: "nope"}})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func seedRegistration(t *testing.T, store ledger.Store, eventID string) {
	t.Helper()
	reg := models.EventRegistration{ID: "r1", EventID: eventID, Name: "A", Email: "a@x.org", Adults: 1,
		PaymentMethod: "check", PaymentStatus: models.PaymentPendingCheck, CreatedAt: time.Now()}
	if err := store.InsertRegistration(context.Background(), &reg); err != nil {
		t.Fatalf("seed registration: %v", err)
	}
}

func TestSlugFrozenAndDeleteRefusedOnceRegistered(t *testing.T) {
	h, store := newHandler(t)
	ev := createEvent(t, h, `{"title":"Gala","date":"2025-06-20"}`)
	ps := httprouter.Params{{Key: "id", Value: ev.ID}}

	if rr := call(h.Update, http.MethodPut, "/", `{"slug":"gala-2025"}`, ps); rr.Code != http.StatusOK {
		t.Fatalf("slug change before registrations: %d", rr.Code)
	}
	seedRegistration(t, store, ev.ID)

	if rr := call(h.Update, http.MethodPut, "/", `{"slug":"gala-new"}`, ps); rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 on slug change, got %d", rr.Code)
	}
	if rr := call(h.Update, http.MethodPut, "/", `{"title":"Gala Night","kids_price":5}`, ps); rr.Code != http.StatusOK {
		t.Fatalf("other fields stay editable: %d", rr.Code)
	}
	if rr := call(h.Delete, http.MethodDelete, "/", "", ps); rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 on delete, got %d", rr.Code)
	}
	got, _ := store.GetEvent(context.Background(), ev.ID)
	if got.Title != "Gala Night" || got.KidsPrice != 5 || got.Slug != "gala-2025" {
		t.Fatalf("unexpected event after update %+v", got)
	}
}

func TestDeleteRemovesEventAndTiers(t *testing.T) {
	h, store := newHandler(t)
	ev := createEvent(t, h, `{"title":"Gala","date":"2025-06-20"}`)
	ps := httprouter.Params{{Key: "id", Value: ev.ID}}
	call(h.CreateSponsorship, http.MethodPost, "/", `{"name":"Gold","price":500}`, ps)

	if rr := call(h.Delete, http.MethodDelete, "/", "", ps); rr.Code != http.StatusOK {
		t.Fatalf("delete: %d", rr.Code)
	}
	if _, err := store.GetEvent(context.Background(), ev.ID); err != ledger.ErrNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if list, _ := store.ListSponsorships(context.Background(), ev.ID); len(list) != 0 {
		t.Fatalf("tiers should go with the event, got %d", len(list))
	}
}

func TestSponsorshipMustBelongToEvent(t *testing.T) {
	h, _ := newHandler(t)
	a := createEvent(t, h, `{"title":"A","date":"2025-06-20"}`)
	b := createEvent(t, h, `{"title":"B","date":"2025-06-21"}`)
	rr := call(h.CreateSponsorship, http.MethodPost, "/", `{"name":"Gold","price":0}`, httprouter.Params{{Key: "id", Value: a.ID}})
	var resp struct {
		Sponsorship models.EventSponsorship `json:"sponsorship"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if !resp.Sponsorship.IsPayWhatYouWish() {
		t.Fatalf("price 0 should be pay-what-you-wish")
	}

	wrong := httprouter.Params{{Key: "id", Value: b.ID}, {Key: "sid", Value: resp.Sponsorship.ID}}
	if rr := call(h.UpdateSponsorship, http.MethodPut, "/", `{"price":50}`, wrong); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 across events, got %d", rr.Code)
	}
	right := httprouter.Params{{Key: "id", Value: a.ID}, {Key: "sid", Value: resp.Sponsorship.ID}}
	if rr := call(h.UpdateSponsorship, http.MethodPut, "/", `{"price":50,"max_available":3}`, right); rr.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rr.Code, rr.Body.String())
	}
	if rr := call(h.CreateSponsorship, http.MethodPost, "/", `{"name":"Neg","price":-1}`, httprouter.Params{{Key: "id", Value: a.ID}}); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative price, got %d", rr.Code)
	}
}

func TestUploadImageWritesCopyAndThumbnail(t *testing.T) {
	h, store := newHandler(t)
	ev := createEvent(t, h, `{"title":"Gala","date":"2025-06-20"}`)

	img := image.NewRGBA(image.Rect(0, 0, 2000, 1000))
	for x := 0; x < 2000; x += 7 {
		img.Set(x, x/2, color.RGBA{R: 200, A: 255})
	}
	var pic bytes.Buffer
	if err := png.Encode(&pic, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, _ := mw.CreateFormFile("image", "banner.png")
	part.Write(pic.Bytes())
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/admin/events/"+ev.ID+"/image", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	h.UploadImage(rr, req, httprouter.Params{{Key: "id", Value: ev.ID}})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	original, thumb := h.imagePaths(ev.ID)
	for _, p := range []string{original, thumb} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("missing %s: %v", filepath.Base(p), err)
		}
	}
	got, _ := store.GetEvent(context.Background(), ev.ID)
	if got.ImageURL != "/static/events/"+ev.ID+".jpg" {
		t.Fatalf("unexpected image url %q", got.ImageURL)
	}
}

func TestUploadImageRejectsNonImage(t *testing.T) {
	h, _ := newHandler(t)
	ev := createEvent(t, h, `{"title":"Gala","date":"2025-06-20"}`)
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, _ := mw.CreateFormFile("image", "notes.txt")
	part.Write([]byte("just some text, not a picture"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	h.UploadImage(rr, req, httprouter.Params{{Key: "id", Value: ev.ID}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}
