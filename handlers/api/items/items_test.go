package items

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aaryangpatel/ExeterMarketPlace/core"
	"github.com/aaryangpatel/ExeterMarketPlace/identity"
	"github.com/aaryangpatel/ExeterMarketPlace/middleware"
	"github.com/go-chi/chi/v5"
)

// mockItems records mutations made through the API.
type mockItems struct {
	mu      sync.Mutex
	created []core.NewItem
	updates []core.Fields
	removed []string
}

func (m *mockItems) Subscribe(onChange func([]core.Item)) func() { return func() {} }

func (m *mockItems) Create(ctx context.Context, item core.NewItem) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, item)
	return "new-id", nil
}

func (m *mockItems) Update(ctx context.Context, id string, patch core.ItemPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, patch.Fields())
	return nil
}

func (m *mockItems) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, id)
	return nil
}

type fixture struct {
	router http.Handler
	items  *mockItems
	tokens *identity.Tokens
}

func newFixture() *fixture {
	items := &mockItems{}
	snapshot := core.NewSnapshotCell()
	snapshot.Set([]core.Item{
		{ID: "1", Title: "Desk", Owner: "B", OwnerIdentity: "b@x.edu"},
		{ID: "2", Title: "Lamp", Owner: "A", OwnerIdentity: "a@x.edu"},
	})
	tokens := identity.NewTokens([]byte("test-secret"), time.Hour)
	h := NewHandler(items, snapshot, 1<<20)

	r := chi.NewRouter()
	r.Get("/items", h.HandleList)
	r.Get("/items/{id}", h.HandleGet)
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthJWT(tokens))
		r.Post("/items", h.HandleCreate)
		r.Patch("/items/{id}", h.HandleUpdate)
		r.Delete("/items/{id}", h.HandleDelete)
	})
	return &fixture{router: r, items: items, tokens: tokens}
}

func (f *fixture) do(t *testing.T, method, path, body string, as *core.Identity) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if as != nil {
		token, err := f.tokens.Issue(*as)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

var alice = &core.Identity{Subject: "a@x.edu", Email: "a@x.edu", DisplayName: "A", Provider: "password"}

func TestHandleList(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodGet, "/items", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Status code mismatch: got %d, want %d", rec.Code, http.StatusOK)
	}
	var items []core.Item
	if err := json.NewDecoder(rec.Body).Decode(&items); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("Expected 2 items, got %d", len(items))
	}
}

func TestHandleGet_NotFound(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodGet, "/items/missing", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleCreate(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/items", `{"title":"Chair","description":"Wood"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/items", `{"title":"Chair","description":""}`, alice)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing description, got %d", rec.Code)
	}
	if len(f.items.created) != 0 {
		t.Fatal("Invalid create reached the collection")
	}

	rec = f.do(t, http.MethodPost, "/items", `{"title":"Chair","description":"Wood"}`, alice)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Status code mismatch: got %d, want %d", rec.Code, http.StatusCreated)
	}
	got := f.items.created[0]
	if got.Owner != "A" || got.OwnerIdentity != "a@x.edu" {
		t.Errorf("Owner not taken from token: %+v", got)
	}
}

func TestHandleUpdate(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPatch, "/items/1", `{"title":"Mine"}`, alice)
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for another user's item, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPatch, "/items/2", `{"title":"Lamp","price":"5"}`, alice)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Status code mismatch: got %d, want %d", rec.Code, http.StatusNoContent)
	}
	if len(f.items.updates) != 2 {
		t.Fatalf("Expected one update per field, got %d", len(f.items.updates))
	}
	if f.items.updates[0][core.FieldPrice] != "5" || f.items.updates[1][core.FieldTitle] != "Lamp" {
		t.Errorf("Unexpected updates %v", f.items.updates)
	}

	rec = f.do(t, http.MethodPatch, "/items/2", `{"ownerIdentity":"b@x.edu"}`, alice)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a non-editable field, got %d", rec.Code)
	}
	if len(f.items.updates) != 2 {
		t.Error("Rejected patch reached the collection")
	}
}

func TestHandleUpdate_BlankTitle(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPatch, "/items/2", `{"price":"5","title":"  "}`, alice)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a blank title, got %d", rec.Code)
	}
	if len(f.items.updates) != 0 {
		t.Errorf("Expected no updates, got %v", f.items.updates)
	}
}

func TestHandleDelete(t *testing.T) {
	f := newFixture()

	if rec := f.do(t, http.MethodDelete, "/items/1", "", alice); rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/items/nope", "", alice); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/items/2", "", alice); rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", rec.Code)
	}
	if len(f.items.removed) != 1 || f.items.removed[0] != "2" {
		t.Errorf("Unexpected removals %v", f.items.removed)
	}
}
