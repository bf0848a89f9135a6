package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"kasirledger/internal/checkout"
	"kasirledger/internal/domain"
	"kasirledger/internal/service"
	"kasirledger/internal/store"
	"kasirledger/internal/store/memory"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	env := newTestEnv(t)
	res := env.do(t, http.MethodGet, "/healthz", "", nil)

	if got := res.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options nosniff, got %q", got)
	}
	if got := res.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected X-Frame-Options DENY, got %q", got)
	}
	if got := res.Header().Get("Referrer-Policy"); got == "" {
		t.Fatalf("expected Referrer-Policy to be set")
	}
}

func TestCORSAllowsConfiguredOriginOnly(t *testing.T) {
	env := newTestEnv(t)
	for origin, want := range map[string]string{
		"http://127.0.0.1:3000": "http://127.0.0.1:3000",
		"https://evil.example":  "",
	} {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/checkout", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		res := httptest.NewRecorder()
		env.handler.ServeHTTP(res, req)

		if got := res.Header().Get("Access-Control-Allow-Origin"); got != want {
			t.Fatalf("origin %s: expected allow-origin %q, got %q", origin, want, got)
		}
	}
}

func TestLoginRateLimitReturns429(t *testing.T) {
	env := newTestEnv(t)
	body, _ := json.Marshal(domain.LoginRequest{Username: "admin", Password: "wrong-pass"})

	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "127.0.0.1:5000"
		res := httptest.NewRecorder()

		env.handler.ServeHTTP(res, req)

		if i < 5 && res.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d expected 401 before limit, got %d", i+1, res.Code)
		}
		if i == 5 && res.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 6 expected 429, got %d", res.Code)
		}
	}
}

func TestLoginRateLimitIgnoresForwardedHeaders(t *testing.T) {
	env := newTestEnv(t)
	body, _ := json.Marshal(domain.LoginRequest{Username: "admin", Password: "wrong-pass"})

	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.0.0.%d", i+1))
		req.Header.Set("X-Real-IP", fmt.Sprintf("10.0.1.%d", i+1))
		req.RemoteAddr = "127.0.0.1:5001"
		res := httptest.NewRecorder()

		env.handler.ServeHTTP(res, req)

		if i == 5 && res.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 6 with rotated forwarding headers expected 429, got %d", res.Code)
		}
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	env := newTestEnv(t)
	veryLong := strings.Repeat("a", (1<<20)+1024)
	body := fmt.Sprintf(`{"username":"%s","password":"x"}`, veryLong)

	res := env.do(t, http.MethodPost, "/api/v1/auth/login", "", body)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too large body, got %d", res.Code)
	}
}

func TestRejectsMalformedBearer(t *testing.T) {
	env := newTestEnv(t)
	for _, header := range []string{"Token abc", "Bearer", "Bearer not-a-jwt"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
		req.Header.Set("Authorization", header)
		res := httptest.NewRecorder()
		env.handler.ServeHTTP(res, req)
		if res.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, res.Code)
		}
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	env := newTestEnv(t)
	if res := env.do(t, http.MethodGet, "/api/v1/nope", "", nil); res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
	if res := env.do(t, http.MethodDelete, "/healthz", "", nil); res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", res.Code)
	}
}

// brokenCatalog fails catalog reads with a driver-looking error.
type brokenCatalog struct {
	store.Repository
}

func (brokenCatalog) ListProducts(context.Context) ([]domain.Product, error) {
	return nil, errors.New(`pq: relation "products" does not exist at /srv/db`)
}

func TestServerErrorsDoNotLeakDetails(t *testing.T) {
	repo := brokenCatalog{Repository: memory.New()}
	auth := NewAuthManager(testSecret, time.Hour, repo)
	svc := service.New(repo, checkout.New(repo, checkout.Policy{}), service.Options{})
	handler := New(svc, auth, "*").Handler()

	token, err := auth.sign(domain.User{ID: 1, Username: "admin", Role: domain.RoleAdmin}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.Code)
	}
	if strings.Contains(res.Body.String(), "relation") {
		t.Fatalf("response leaked driver error: %s", res.Body.String())
	}
}

func TestClassifyCheckoutFailureIsRetryable(t *testing.T) {
	status, code := classify(domain.CheckoutFailed(errors.New("disk full")))
	if status != http.StatusServiceUnavailable || code != string(domain.KindCheckoutFailed) {
		t.Fatalf("expected 503 checkout_failed, got %d %s", status, code)
	}
	status, _ = classify(domain.NewError(domain.KindCheckoutInProgress, "busy"))
	if status != http.StatusConflict {
		t.Fatalf("expected 409 for in-progress checkout, got %d", status)
	}
}

func TestParsePositiveLimitCaps(t *testing.T) {
	if got := parsePositiveLimit("9999", 50, 200); got != 200 {
		t.Fatalf("expected capped limit 200, got %d", got)
	}
	if got := parsePositiveLimit("", 50, 200); got != 50 {
		t.Fatalf("expected fallback limit 50, got %d", got)
	}
	if got := parsePositiveLimit("invalid", 50, 200); got != 50 {
		t.Fatalf("expected fallback on invalid input, got %d", got)
	}
}
