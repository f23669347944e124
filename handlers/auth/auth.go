// Package auth serves the sign-in, sign-up and sign-out endpoints of the
// browser UI. Page state lives in the client instance; these handlers only
// translate the resulting route into a redirect and keep the session cookie
// in step with it.
package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/aaryangpatel/ExeterMarketPlace/identity"
	"github.com/aaryangpatel/ExeterMarketPlace/middleware"
	"github.com/aaryangpatel/ExeterMarketPlace/views"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const stateCookieName = "oauth_state"

type Handler struct {
	tokens *identity.Tokens
}

func NewHandler(tokens *identity.Tokens) *Handler {
	return &Handler{tokens: tokens}
}

// Routes registers the endpoints next to the pages. The paths are flat so
// they do not shadow the GET /auth page.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/auth/signin", h.HandleSignIn)
	r.Post("/auth/signup", h.HandleSignUp)
	r.Post("/auth/signout", h.HandleSignOut)
	r.Get("/auth/login", h.HandleLogin)
	r.Get("/auth/callback", h.HandleCallback)
	r.Get("/auth/token", h.HandleToken)
}

func controller(w http.ResponseWriter, r *http.Request) (*views.Controller, bool) {
	ctrl, ok := middleware.ControllerFromContext(r.Context())
	if !ok {
		http.Error(w, "client instance not found", http.StatusInternalServerError)
	}
	return ctrl, ok
}

// finish redirects to where the controller ended up, storing the session
// cookie when the submission signed the user in.
func (h *Handler) finish(w http.ResponseWriter, r *http.Request, ctrl *views.Controller, route views.Route, err error) {
	switch {
	case errors.Is(err, views.ErrSubmitInFlight):
		logrus.WithField("client_id", middleware.ClientIDFromContext(r.Context())).Debug("Ignoring repeated sign-in submission")
	case err != nil:
		logrus.WithField("client_id", middleware.ClientIDFromContext(r.Context())).WithError(err).Info("Sign-in failed")
	default:
		if err := middleware.SetSessionCookie(w, r, h.tokens, ctrl.Identity()); err != nil {
			logrus.WithError(err).Error("Failed to issue session token")
		}
	}
	http.Redirect(w, r, route.Path(), http.StatusSeeOther)
}

func (h *Handler) HandleSignIn(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := controller(w, r)
	if !ok {
		return
	}
	route, err := ctrl.SubmitSignIn(r.Context(), r.PostFormValue("identity"), r.PostFormValue("secret"))
	h.finish(w, r, ctrl, route, err)
}

func (h *Handler) HandleSignUp(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := controller(w, r)
	if !ok {
		return
	}
	route, err := ctrl.SubmitSignUp(r.Context(), r.PostFormValue("displayName"), r.PostFormValue("identity"), r.PostFormValue("secret"))
	h.finish(w, r, ctrl, route, err)
}

func (h *Handler) HandleSignOut(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := controller(w, r)
	if !ok {
		return
	}
	route := ctrl.SignOut(r.Context())
	middleware.ClearSessionCookie(w)
	http.Redirect(w, r, route.Path(), http.StatusSeeOther)
}

// HandleLogin starts a federated sign-in.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := controller(w, r)
	if !ok {
		return
	}

	state := uuid.NewString()
	url, err := ctrl.StartFederated(state)
	if err != nil {
		logrus.WithError(err).Warn("Federated sign-in unavailable")
		http.Redirect(w, r, views.RouteAuth.Path(), http.StatusSeeOther)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		Expires:  time.Now().Add(10 * time.Minute),
		HttpOnly: true,
		Secure:   r.Header.Get("X-Forwarded-Proto") == "https",
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// HandleCallback completes a federated sign-in. A provider error, a missing
// code or a state mismatch all count as a cancelled sign-in.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := controller(w, r)
	if !ok {
		return
	}

	code := r.FormValue("code")
	if providerErr := r.FormValue("error"); providerErr != "" {
		logrus.WithField("error", providerErr).Info("Federated provider returned an error")
		code = ""
	}
	c, err := r.Cookie(stateCookieName)
	if err != nil || c.Value == "" || c.Value != r.FormValue("state") {
		logrus.Warn("OAuth state mismatch")
		code = ""
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookieName, Value: "", Path: "/", MaxAge: -1})

	route, err := ctrl.CompleteFederated(r.Context(), code)
	h.finish(w, r, ctrl, route, err)
}

// HandleToken returns a bearer token for the signed-in session, for use with
// the JSON API.
func (h *Handler) HandleToken(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := controller(w, r)
	if !ok {
		return
	}
	if !ctrl.Session().Authenticated() {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, map[string]string{"error": "Not signed in"})
		return
	}
	token, err := h.tokens.Issue(ctrl.Identity())
	if err != nil {
		logrus.WithError(err).Error("Failed to issue token")
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"error": "Failed to issue token"})
		return
	}
	render.JSON(w, r, map[string]any{
		"token":     token,
		"expiresIn": int(h.tokens.TTL().Seconds()),
	})
}
