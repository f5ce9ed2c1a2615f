package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

func TestVerifier_Verify(t *testing.T) {
	v := NewVerifier("s3cret")

	valid := signToken(t, "s3cret", jwt.MapClaims{
		"sub": "admin",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	id, err := v.Verify(valid)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.Subject != "admin" {
		t.Errorf("Subject = %q, want admin", id.Subject)
	}

	wrongSecret := signToken(t, "other", jwt.MapClaims{"sub": "admin"})
	if _, err := v.Verify(wrongSecret); err == nil {
		t.Error("expected error for token signed with wrong secret")
	}

	if _, err := v.Verify("not-a-jwt"); err == nil {
		t.Error("expected error for malformed token")
	}
}

func TestMiddleware_Unprotected(t *testing.T) {
	called := false
	h := Middleware(NewVerifier("x"), false, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/groups", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !called {
		t.Error("handler should be called when protection is disabled")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestMiddleware_MissingToken(t *testing.T) {
	h := Middleware(NewVerifier("s3cret"), true, discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called when token is missing")
	}))

	req := httptest.NewRequest(http.MethodGet, "/groups", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestMiddleware_ValidToken(t *testing.T) {
	secret := "s3cret"
	token := signToken(t, secret, jwt.MapClaims{"sub": "sidecar"})

	var gotSubject string
	handler := Middleware(NewVerifier(secret), true, discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = FromContext(r.Context()).Subject
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/groups", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotSubject != "sidecar" {
		t.Errorf("Subject = %q, want sidecar", gotSubject)
	}
}
