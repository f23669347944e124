package web

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aaryangpatel/ExeterMarketPlace/collection"
	"github.com/aaryangpatel/ExeterMarketPlace/core"
	"github.com/aaryangpatel/ExeterMarketPlace/handlers/auth"
	"github.com/aaryangpatel/ExeterMarketPlace/identity"
	"github.com/aaryangpatel/ExeterMarketPlace/middleware"
	"github.com/aaryangpatel/ExeterMarketPlace/session"
	"github.com/aaryangpatel/ExeterMarketPlace/stores/memory"
	"github.com/aaryangpatel/ExeterMarketPlace/views"
	"github.com/go-chi/chi/v5"
)

// stubIdentity signs in anyone whose password is "secret1".
type stubIdentity struct{}

func (stubIdentity) FederatedURL(state string) (string, error) {
	return "", errors.New("federated sign-in is not configured")
}

func (stubIdentity) FederatedSignIn(ctx context.Context, code string) (core.Identity, error) {
	return core.Identity{}, errors.New("federated sign-in is not configured")
}

func (stubIdentity) CreateAccount(ctx context.Context, identity, secret string) (core.Identity, error) {
	return core.Identity{Subject: identity, Email: identity, Provider: "password"}, nil
}

func (stubIdentity) PasswordSignIn(ctx context.Context, identity, secret string) (core.Identity, error) {
	if secret != "secret1" {
		return core.Identity{}, errors.New("Incorrect email or password.")
	}
	return core.Identity{Subject: identity, Email: identity, DisplayName: "A", Provider: "password"}, nil
}

func (stubIdentity) SetDisplayName(ctx context.Context, id core.Identity, name string) error {
	return nil
}

func (stubIdentity) SignOut(ctx context.Context, id core.Identity) error { return nil }

type testApp struct {
	server   *httptest.Server
	registry *views.Registry
	store    core.DocumentStore
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	store := memory.NewStore()
	items := collection.NewClient(store)
	tokens := identity.NewTokens([]byte("test-secret"), time.Hour)
	registry := views.NewRegistry(func() *views.Controller {
		return views.NewController(items, session.NewManager(stubIdentity{}, core.NewSessionCell()), views.Options{Title: "Test Market"})
	}, views.RegistryConfig{})

	pages, err := NewHandler(1 << 20)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	authHandler := auth.NewHandler(tokens)

	r := chi.NewRouter()
	r.Use(middleware.Client(registry, tokens))
	pages.Routes(r)
	authHandler.Routes(r)

	app := &testApp{server: httptest.NewServer(r), registry: registry, store: store}
	t.Cleanup(func() {
		app.server.Close()
		registry.Shutdown()
		store.Close()
	})
	return app
}

func (a *testApp) browser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	return &http.Client{Jar: jar}
}

func get(t *testing.T, c *http.Client, u string) (string, string) {
	t.Helper()
	resp, err := c.Get(u)
	if err != nil {
		t.Fatalf("GET %s: %v", u, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", u, resp.StatusCode)
	}
	return resp.Request.URL.Path, string(body)
}

func postForm(t *testing.T, c *http.Client, u string, form url.Values) (string, string) {
	t.Helper()
	resp, err := c.PostForm(u, form)
	if err != nil {
		t.Fatalf("POST %s: %v", u, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.Request.URL.Path, string(body)
}

func TestRestrictedPagesRedirectAnonymous(t *testing.T) {
	app := newTestApp(t)
	c := app.browser(t)

	for _, p := range []string{"/add-item", "/edit-items"} {
		path, body := get(t, c, app.server.URL+p)
		if path != "/" {
			t.Errorf("GET %s landed on %s, want /", p, path)
		}
		if strings.Contains(body, "Add a New Item") || strings.Contains(body, "Edit Your Posts") {
			t.Errorf("GET %s rendered a restricted form", p)
		}
		if !strings.Contains(body, "Marketplace Items") {
			t.Errorf("GET %s did not render the list", p)
		}
	}
}

func TestSignInFailureShowsMessage(t *testing.T) {
	app := newTestApp(t)
	c := app.browser(t)

	path, body := postForm(t, c, app.server.URL+"/auth/signin", url.Values{"identity": {"a@x.edu"}, "secret": {"wrong"}})
	if path != "/auth" {
		t.Fatalf("Expected to stay on /auth, got %s", path)
	}
	if !strings.Contains(body, "Incorrect email or password.") {
		t.Error("Expected the provider message on the page")
	}
	if !strings.Contains(body, `value="a@x.edu"`) {
		t.Error("Expected the identity to be kept")
	}
	if strings.Contains(body, `value="wrong"`) {
		t.Error("The password must not be written back into the page")
	}
}

func TestCreateAndEditFlow(t *testing.T) {
	app := newTestApp(t)
	c := app.browser(t)

	path, body := postForm(t, c, app.server.URL+"/auth/signin", url.Values{"identity": {"a@x.edu"}, "secret": {"secret1"}})
	if path != "/" {
		t.Fatalf("Expected home after sign-in, got %s", path)
	}
	if !strings.Contains(body, "Sign Out") || !strings.Contains(body, "Edit Posts") {
		t.Fatal("Expected signed-in navigation")
	}

	_, body = get(t, c, app.server.URL+"/add-item")
	if !strings.Contains(body, "Add a New Item") {
		t.Fatal("Expected the create form")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("title", "Chair")
	mw.WriteField("description", "Wood")
	mw.Close()
	resp, err := c.Post(app.server.URL+"/add-item", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST /add-item: %v", err)
	}
	resp.Body.Close()
	if resp.Request.URL.Path != "/" {
		t.Fatalf("Expected home after create, got %s", resp.Request.URL.Path)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, body = get(t, c, app.server.URL+"/")
		if strings.Contains(body, "Chair") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Created item never appeared in the list")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(body, "Price: Free") || !strings.Contains(body, "Owner: A") {
		t.Error("Expected the free price and owner on the list")
	}

	_, body = get(t, c, app.server.URL+"/edit-items")
	if !strings.Contains(body, `value="Chair"`) {
		t.Error("Expected the own item in the edit view")
	}

	path, _ = postForm(t, c, app.server.URL+"/auth/signout", nil)
	if path != "/" {
		t.Errorf("Expected home after sign-out, got %s", path)
	}
	path, body = get(t, c, app.server.URL+"/edit-items")
	if path != "/" || strings.Contains(body, "Edit Your Posts") {
		t.Error("Expected edit view to be unreachable after sign-out")
	}
}

func TestSessionCookieRestoresNewInstance(t *testing.T) {
	app := newTestApp(t)
	c := app.browser(t)
	postForm(t, c, app.server.URL+"/auth/signin", url.Values{"identity": {"a@x.edu"}, "secret": {"secret1"}})

	// A second browser that only carries the session cookie gets its own
	// instance, signed in from the cookie.
	u, _ := url.Parse(app.server.URL)
	other := app.browser(t)
	for _, ck := range c.Jar.Cookies(u) {
		if ck.Name == middleware.SessionCookieName {
			other.Jar.SetCookies(u, []*http.Cookie{ck})
		}
	}
	path, body := get(t, other, app.server.URL+"/edit-items")
	if path != "/edit-items" {
		t.Fatalf("Expected restored session to reach /edit-items, got %s", path)
	}
	if !strings.Contains(body, "No posts to edit.") {
		t.Error("Expected the empty edit view")
	}
	if app.registry.Len() != 1 {
		t.Errorf("Expected the first visit to stay detached, got %d instances", app.registry.Len())
	}

	// Coming back with the client id cookie creates the instance, restored
	// from the same session cookie.
	path, _ = get(t, other, app.server.URL+"/edit-items")
	if path != "/edit-items" {
		t.Fatalf("Expected the new instance to reach /edit-items, got %s", path)
	}
	if app.registry.Len() != 2 {
		t.Errorf("Expected 2 client instances, got %d", app.registry.Len())
	}
}

func TestFederatedLoginUnavailable(t *testing.T) {
	app := newTestApp(t)
	c := app.browser(t)

	path, body := get(t, c, app.server.URL+"/auth/login")
	if path != "/auth" {
		t.Fatalf("Expected /auth, got %s", path)
	}
	if !strings.Contains(body, "federated sign-in is not configured") {
		t.Error("Expected the configuration message")
	}
}

func TestFieldValue(t *testing.T) {
	item := core.Item{Title: "T", Description: "D", Price: "P", Location: "L", ContactInfo: "C"}
	want := map[string]string{
		core.FieldTitle:       "T",
		core.FieldDescription: "D",
		core.FieldPrice:       "P",
		core.FieldLocation:    "L",
		core.FieldContactInfo: "C",
		core.FieldOwner:       "",
	}
	for field, v := range want {
		if got := fieldValue(item, field); got != v {
			t.Errorf("fieldValue(%s) = %q, want %q", field, got, v)
		}
	}
}
