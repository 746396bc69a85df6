package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestVerifyRoundTrip(t *testing.T) {
	v := NewVerifier([]byte("test-secret"), "paylink")
	accountID := uuid.New()

	token, err := v.IssueToken(accountID, "pat@example.com", "+15551234567", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.AccountID != accountID {
		t.Fatalf("accountID = %s", claims.AccountID)
	}
	if claims.Email != "pat@example.com" || claims.Phone != "+15551234567" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	good := NewVerifier([]byte("good"), "paylink")
	bad := NewVerifier([]byte("bad"), "paylink")

	token, err := bad.IssueToken(uuid.New(), "", "", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, err := good.Verify(token); err == nil {
		t.Fatal("expected verification failure")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	v := NewVerifier([]byte("test-secret"), "paylink")
	token, err := v.IssueToken(uuid.New(), "", "", -time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, err := v.Verify(token); err == nil {
		t.Fatal("expected expired token rejected")
	}
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier([]byte("test-secret"), "paylink")
	accountID := uuid.New()

	var seen *Claims
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := FromContext(r.Context())
		if err != nil {
			t.Errorf("claims missing: %v", err)
		}
		seen = claims
		w.WriteHeader(http.StatusNoContent)
	}))

	token, err := v.IssueToken(accountID, "pat@example.com", "", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"valid", "Bearer " + token, http.StatusNoContent},
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-token", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/escrows", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
		})
	}
	if seen == nil || seen.AccountID != accountID {
		t.Fatalf("claims = %+v", seen)
	}
}
