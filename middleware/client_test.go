package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aaryangpatel/ExeterMarketPlace/core"
	"github.com/aaryangpatel/ExeterMarketPlace/identity"
	"github.com/aaryangpatel/ExeterMarketPlace/session"
	"github.com/aaryangpatel/ExeterMarketPlace/views"
	"github.com/google/uuid"
)

type noItems struct{}

func (noItems) Subscribe(onChange func([]core.Item)) func() { return func() {} }
func (noItems) Create(context.Context, core.NewItem) (string, error) { return "", nil }
func (noItems) Update(context.Context, string, core.ItemPatch) error { return nil }
func (noItems) Remove(context.Context, string) error { return nil }

type noIdentity struct{ core.IdentityService }

func TestClient(t *testing.T) {
	tokens := identity.NewTokens([]byte("test-secret"), time.Hour)
	token, err := tokens.Issue(core.Identity{Subject: "a@x.edu", Email: "a@x.edu", DisplayName: "A"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tests := []struct {
		name          string
		method        string
		path          string
		clientID      string
		session       string
		wantInstances int
		wantCookie    bool
		wantSignedIn  bool
	}{
		{"first visit", http.MethodGet, "/", "", "", 0, true, false},
		{"first visit with session", http.MethodGet, "/edit-items", "", token, 0, true, true},
		{"malformed client id", http.MethodGet, "/", "not-a-uuid", "", 0, true, false},
		{"first form post", http.MethodPost, "/auth/signin", "", "", 1, true, false},
		{"federated start", http.MethodGet, "/auth/login", "", "", 1, true, false},
		{"return visit", http.MethodGet, "/", uuid.NewString(), "", 1, false, false},
		{"return visit with session", http.MethodGet, "/", uuid.NewString(), token, 1, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := views.NewRegistry(func() *views.Controller {
				return views.NewController(noItems{}, session.NewManager(noIdentity{}, core.NewSessionCell()), views.Options{})
			}, views.RegistryConfig{})
			defer registry.Shutdown()

			var signedIn bool
			h := Client(registry, tokens)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctrl, ok := ControllerFromContext(r.Context())
				if !ok {
					t.Error("Controller missing from context")
					return
				}
				if ClientIDFromContext(r.Context()) == "" {
					t.Error("Client id missing from context")
				}
				signedIn = ctrl.Session().Authenticated()
			}))

			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.clientID != "" {
				req.AddCookie(&http.Cookie{Name: ClientCookieName, Value: tt.clientID})
			}
			if tt.session != "" {
				req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: tt.session})
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if registry.Len() != tt.wantInstances {
				t.Errorf("Expected %d client instances, got %d", tt.wantInstances, registry.Len())
			}
			gotCookie := false
			for _, c := range rec.Result().Cookies() {
				if c.Name == ClientCookieName {
					gotCookie = true
				}
			}
			if gotCookie != tt.wantCookie {
				t.Errorf("client_id cookie set = %v, want %v", gotCookie, tt.wantCookie)
			}
			if signedIn != tt.wantSignedIn {
				t.Errorf("signed in = %v, want %v", signedIn, tt.wantSignedIn)
			}
		})
	}
}
