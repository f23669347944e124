package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aaryangpatel/ExeterMarketPlace/core"
	"github.com/aaryangpatel/ExeterMarketPlace/identity"
)

func TestAuthJWT(t *testing.T) {
	tokens := identity.NewTokens([]byte("test-secret"), time.Hour)
	token, err := tokens.Issue(core.Identity{Subject: "a@x.edu", Email: "a@x.edu", DisplayName: "A"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	var seen string
	h := AuthJWT(tokens)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			t.Error("Claims missing from context")
			return
		}
		seen = claims.Identity().Owner()
	}))

	tests := []struct {
		name   string
		header string
		cookie string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"bad format", "Token " + token, "", http.StatusUnauthorized},
		{"invalid", "Bearer nope", "", http.StatusUnauthorized},
		{"bearer", "Bearer " + token, "", http.StatusOK},
		{"cookie", "", token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: tt.cookie})
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("Status code mismatch: got %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusOK && seen != "a@x.edu" {
				t.Errorf("Expected claims for a@x.edu, got %q", seen)
			}
		})
	}
}
