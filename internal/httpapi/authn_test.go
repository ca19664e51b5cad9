package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"haulbid.org/internal/auth"
)

func protectedEcho(t *testing.T) http.Handler {
	t.Helper()
	api := &API{}
	return api.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _ := auth.UserIDFromContext(r.Context())
		w.Header().Set("X-User", user)
		w.WriteHeader(http.StatusOK)
	}))
}

func TestWithAuthRejectsMissingToken(t *testing.T) {
	t.Setenv("HAULBID_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	handler := protectedEcho(t)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/auctions", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/auctions", nil)
	req.Header.Set("Authorization", "Basic abc")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong scheme status = %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/auctions", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d", rr.Code)
	}
}

func TestWithAuthAcceptsValidToken(t *testing.T) {
	t.Setenv("HAULBID_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	token, err := auth.GenerateToken("driver-1", nil, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	handler := protectedEcho(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/auctions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("valid token status = %d", rr.Code)
	}
	if got := rr.Header().Get("X-User"); got != "driver-1" {
		t.Fatalf("identity = %q", got)
	}
}

func TestWithAuthSkipsPublicPaths(t *testing.T) {
	handler := protectedEcho(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info", "/metrics", "/v1/auth/token", "/"} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status = %d, want pass-through", path, rr.Code)
		}
	}
}

func TestExtractBearerToken(t *testing.T) {
	if _, err := extractBearerToken(""); err == nil {
		t.Fatal("empty header must fail")
	}
	if _, err := extractBearerToken("Bearer    "); err == nil {
		t.Fatal("blank token must fail")
	}
	token, err := extractBearerToken("bearer abc123")
	if err != nil || token != "abc123" {
		t.Fatalf("case-insensitive scheme: %q, %v", token, err)
	}
}
