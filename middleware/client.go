package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/aaryangpatel/ExeterMarketPlace/core"
	"github.com/aaryangpatel/ExeterMarketPlace/identity"
	"github.com/aaryangpatel/ExeterMarketPlace/views"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	ClientCookieName  = "client_id"
	SessionCookieName = "session"
)

// Client attaches the browser's client instance to the request. A first
// visit only gets a client id cookie and is rendered by a detached
// controller; the instance is created once the browser comes back with the
// cookie or submits a form. A new instance picks its session up from the
// session cookie; an instance whose cookie is gone is signed out.
func Client(registry *views.Registry, tokens *identity.Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := ""
			if c, err := r.Cookie(ClientCookieName); err == nil {
				if _, err := uuid.Parse(c.Value); err == nil {
					clientID = c.Value
				}
			}
			known := clientID != ""
			if !known {
				clientID = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     ClientCookieName,
					Value:    clientID,
					Path:     "/",
					HttpOnly: true,
					Secure:   r.Header.Get("X-Forwarded-Proto") == "https",
					SameSite: http.SameSiteLaxMode,
				})
			}

			var ctrl *views.Controller
			if known || !browsing(r) {
				ctrl, _ = registry.GetOrCreate(clientID)
			} else {
				ctrl = registry.Detached()
				defer ctrl.Close()
			}

			var claims *identity.Claims
			if c, err := r.Cookie(SessionCookieName); err == nil {
				parsed, err := tokens.Parse(c.Value)
				if err != nil {
					logrus.WithField("client_id", clientID).WithError(err).Debug("Ignoring invalid session cookie")
				} else {
					claims = parsed
				}
			}
			switch {
			case claims != nil:
				ctrl.Restore(claims.Identity())
			case ctrl.Session().Authenticated():
				ctrl.SignOut(r.Context())
			}

			ctx := context.WithValue(r.Context(), ClientIDContextKey, clientID)
			ctx = context.WithValue(ctx, ControllerContextKey, ctrl)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// browsing reports whether r only reads a page. Form posts and the
// federated sign-in round trip keep state on the instance.
func browsing(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	return !strings.HasPrefix(r.URL.Path, "/auth/")
}

// ControllerFromContext returns the client instance attached by Client.
func ControllerFromContext(ctx context.Context) (*views.Controller, bool) {
	ctrl, ok := ctx.Value(ControllerContextKey).(*views.Controller)
	return ctrl, ok
}

// ClientIDFromContext returns the client id attached by Client.
func ClientIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ClientIDContextKey).(string)
	return id
}

// SetSessionCookie stores a session token for id.
func SetSessionCookie(w http.ResponseWriter, r *http.Request, tokens *identity.Tokens, id core.Identity) error {
	token, err := tokens.Issue(id)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(tokens.TTL().Seconds()),
		HttpOnly: true,
		Secure:   r.Header.Get("X-Forwarded-Proto") == "https",
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// ClearSessionCookie removes the session token.
func ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
