package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/julienschmidt/httprouter"

	"haven/globals"
)

func TestIssueAndAuthenticate(t *testing.T) {
	auth := &AdminAuth{Secret: []byte("test-secret")}
	token, exp, err := auth.Issue("admin", time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if time.Until(exp) < 11*time.Hour {
		t.Fatalf("expected ~12h expiry, got %v", exp)
	}

	var subject string
	h := auth.Authenticate(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		subject, _ = r.Context().Value(globals.AdminKey).(string)
		w.WriteHeader(http.StatusNoContent)
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/admin/donations", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h(rr, req, nil)
	if rr.Code != http.StatusNoContent || subject != "admin" {
		t.Fatalf("expected pass-through, got %d subject=%q", rr.Code, subject)
	}

	rr = httptest.NewRecorder()
	h(rr, httptest.NewRequest("GET", "/api/admin/donations", nil), nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
}

func TestValidateRejectsForeignTokens(t *testing.T) {
	auth := &AdminAuth{Secret: []byte("test-secret")}
	other := &AdminAuth{Secret: []byte("other")}
	token, _, _ := other.Issue("admin", time.Now())
	if auth.Valid(token) {
		t.Fatal("token signed with another secret must be rejected")
	}

	expired, _, _ := auth.Issue("admin", time.Now().Add(-24*time.Hour))
	if auth.Valid(expired) {
		t.Fatal("expired token must be rejected")
	}

	noRole, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("test-secret"))
	if auth.Valid(noRole) {
		t.Fatal("token without admin role must be rejected")
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	wrap := func(name string) func(httprouter.Handle) httprouter.Handle {
		return func(next httprouter.Handle) httprouter.Handle {
			return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
				order = append(order, name)
				next(w, r, ps)
			}
		}
	}
	h := Chain(func(http.ResponseWriter, *http.Request, httprouter.Params) { order = append(order, "handler") },
		wrap("first"), wrap("second"))
	h(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil), nil)
	if len(order) != 3 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected order %v", order)
	}
}
