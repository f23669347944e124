// Package web renders the marketplace pages of a client instance.
package web

import (
	"bytes"
	"embed"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strings"

	"github.com/aaryangpatel/ExeterMarketPlace/core"
	"github.com/aaryangpatel/ExeterMarketPlace/middleware"
	"github.com/aaryangpatel/ExeterMarketPlace/views"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageFiles = map[views.Route]string{
	views.RouteHome:      "list.html",
	views.RouteAuth:      "auth.html",
	views.RouteAddItem:   "add_item.html",
	views.RouteEditItems: "edit_items.html",
}

var funcs = template.FuncMap{
	// Only image data URIs produced by the create form are trusted.
	"safeURL": func(s string) template.URL {
		if strings.HasPrefix(s, "data:image/") {
			return template.URL(s)
		}
		return ""
	},
	"fieldValue": fieldValue,
}

func fieldValue(item core.Item, field string) string {
	switch field {
	case core.FieldTitle:
		return item.Title
	case core.FieldDescription:
		return item.Description
	case core.FieldPrice:
		return item.Price
	case core.FieldLocation:
		return item.Location
	case core.FieldContactInfo:
		return item.ContactInfo
	}
	return ""
}

type page struct {
	Nav      views.Nav
	ClientID string
	List     views.ListView
	Auth     views.AuthForm
	Create   views.CreateForm
	Edit     views.EditView
}

type Handler struct {
	pages         map[views.Route]*template.Template
	maxImageBytes int64
}

func NewHandler(maxImageBytes int64) (*Handler, error) {
	base, err := template.New("layout.html").Funcs(funcs).ParseFS(templateFS, "templates/layout.html")
	if err != nil {
		return nil, err
	}
	pages := make(map[views.Route]*template.Template, len(pageFiles))
	for route, file := range pageFiles {
		t, err := base.Clone()
		if err != nil {
			return nil, err
		}
		if _, err := t.ParseFS(templateFS, "templates/"+file); err != nil {
			return nil, err
		}
		pages[route] = t
	}
	return &Handler{pages: pages, maxImageBytes: maxImageBytes}, nil
}

// Routes mounts the page handlers. Requests must already carry a client
// instance, see middleware.Client.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.HandleList)
	r.Get("/auth", h.HandleAuth)
	r.Get("/add-item", h.HandleAddItem)
	r.Post("/add-item", h.HandleCreate)
	r.Get("/edit-items", h.HandleEditItems)
	r.Post("/edit-items/{id}/field", h.HandleCommitField)
	r.Post("/edit-items/{id}/delete", h.HandleDelete)
}

func controller(w http.ResponseWriter, r *http.Request) (*views.Controller, bool) {
	ctrl, ok := middleware.ControllerFromContext(r.Context())
	if !ok {
		http.Error(w, "client instance not found", http.StatusInternalServerError)
	}
	return ctrl, ok
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, ctrl *views.Controller, p page) {
	p.Nav = ctrl.Nav()
	p.ClientID = middleware.ClientIDFromContext(r.Context())

	var buf bytes.Buffer
	if err := h.pages[p.Nav.Current].ExecuteTemplate(&buf, "layout", p); err != nil {
		logrus.WithField("route", p.Nav.Current).WithError(err).Error("Failed to render page")
		http.Error(w, "Failed to render page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

// enter navigates the client instance and redirects when the guard sends it
// elsewhere.
func enter(w http.ResponseWriter, r *http.Request, ctrl *views.Controller, route views.Route) bool {
	if got := ctrl.Navigate(route); got != route {
		http.Redirect(w, r, got.Path(), http.StatusFound)
		return false
	}
	return true
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := controller(w, r)
	if !ok {
		return
	}
	ctrl.Navigate(views.RouteHome)
	h.render(w, r, ctrl, page{List: ctrl.ListView()})
}

func (h *Handler) HandleAuth(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := controller(w, r)
	if !ok || !enter(w, r, ctrl, views.RouteAuth) {
		return
	}
	if mode := r.URL.Query().Get("mode"); mode != "" {
		ctrl.SetAuthMode(views.AuthMode(mode))
	}
	h.render(w, r, ctrl, page{Auth: ctrl.AuthForm()})
}

func (h *Handler) HandleAddItem(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := controller(w, r)
	if !ok || !enter(w, r, ctrl, views.RouteAddItem) {
		return
	}
	h.render(w, r, ctrl, page{Create: ctrl.CreateForm()})
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := controller(w, r)
	if !ok {
		return
	}

	// Leave room for the text fields around the image.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxImageBytes+1<<20)
	if err := r.ParseMultipartForm(h.maxImageBytes + 1<<20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Upload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}

	in := views.CreateInput{
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		Price:       r.FormValue("price"),
		Location:    r.FormValue("location"),
		ContactInfo: r.FormValue("contactInfo"),
	}
	if file, header, err := r.FormFile("image"); err == nil {
		data, err := io.ReadAll(io.LimitReader(file, h.maxImageBytes+1))
		file.Close()
		if err != nil {
			http.Error(w, "Failed to read image", http.StatusBadRequest)
			return
		}
		in.Image = data
		in.ImageName = header.Filename
	}

	route, err := ctrl.SubmitCreate(r.Context(), in)
	if err != nil {
		logrus.WithField("client_id", middleware.ClientIDFromContext(r.Context())).WithError(err).Debug("Create rejected")
	}
	http.Redirect(w, r, route.Path(), http.StatusSeeOther)
}

func (h *Handler) HandleEditItems(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := controller(w, r)
	if !ok || !enter(w, r, ctrl, views.RouteEditItems) {
		return
	}
	h.render(w, r, ctrl, page{Edit: ctrl.EditView()})
}

func (h *Handler) HandleCommitField(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := controller(w, r)
	if !ok || !enter(w, r, ctrl, views.RouteEditItems) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := ctrl.CommitField(r.Context(), id, r.PostFormValue("field"), r.PostFormValue("value")); err != nil {
		logrus.WithField("item_id", id).WithError(err).Debug("Commit rejected")
	}
	http.Redirect(w, r, views.RouteEditItems.Path(), http.StatusSeeOther)
}

func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := controller(w, r)
	if !ok || !enter(w, r, ctrl, views.RouteEditItems) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := ctrl.Delete(r.Context(), id); err != nil {
		logrus.WithField("item_id", id).WithError(err).Debug("Delete rejected")
	}
	http.Redirect(w, r, views.RouteEditItems.Path(), http.StatusSeeOther)
}
