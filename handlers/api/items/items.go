// Package items is the JSON API over the marketplace listings.
package items

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/aaryangpatel/ExeterMarketPlace/core"
	"github.com/aaryangpatel/ExeterMarketPlace/middleware"
	"github.com/aaryangpatel/ExeterMarketPlace/views"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

// CreateRequest is the body of a create call. Image holds the raw image
// bytes, base64 encoded in JSON.
type CreateRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Price       string `json:"price"`
	Location    string `json:"location"`
	ContactInfo string `json:"contactInfo"`
	Image       []byte `json:"image,omitempty"`
}

type Handler struct {
	items         views.Items
	snapshot      *core.Cell[[]core.Item]
	maxImageBytes int64
}

// NewHandler serves reads from snapshot, which must be kept current by a
// subscription on items.
func NewHandler(items views.Items, snapshot *core.Cell[[]core.Item], maxImageBytes int64) *Handler {
	return &Handler{items: items, snapshot: snapshot, maxImageBytes: maxImageBytes}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *core.ValidationError
		ae *core.AuthError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
	case errors.As(err, &ae):
		status = http.StatusUnauthorized
	case errors.Is(err, views.ErrNotOwned):
		status = http.StatusForbidden
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		logrus.WithError(err).Error("Item request failed")
	}
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": core.UserMessage(err)})
}

func (h *Handler) find(id string) (core.Item, bool) {
	for _, item := range h.snapshot.Get() {
		if item.ID == id {
			return item, true
		}
	}
	return core.Item{}, false
}

// owned returns the item when the caller owns it.
func (h *Handler) owned(r *http.Request, id string) (core.Item, error) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		return core.Item{}, &core.AuthError{Op: "authorize", Message: "User claims not found"}
	}
	item, ok := h.find(id)
	if !ok {
		return core.Item{}, core.ErrNotFound
	}
	if !item.OwnedBy(claims.Identity().Owner()) {
		return core.Item{}, views.ErrNotOwned
	}
	return item, nil
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	items := h.snapshot.Get()
	if items == nil {
		items = []core.Item{}
	}
	render.JSON(w, r, items)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	item, ok := h.find(chi.URLParam(r, "id"))
	if !ok {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, map[string]string{"error": "Item not found"})
		return
	}
	render.JSON(w, r, item)
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, map[string]string{"error": "User claims not found"})
		return
	}

	var req CreateRequest
	body := http.MaxBytesReader(w, r.Body, 2*h.maxImageBytes+1<<20)
	defer r.Body.Close()
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "Invalid request body"})
		return
	}

	id := claims.Identity()
	item := core.NewItem{
		Title:         req.Title,
		Description:   req.Description,
		Price:         req.Price,
		Location:      req.Location,
		ContactInfo:   req.ContactInfo,
		Owner:         id.Name(),
		OwnerIdentity: id.Owner(),
	}
	if len(req.Image) > 0 {
		uri, err := views.EncodeImage(req.Image, h.maxImageBytes)
		if err != nil {
			writeError(w, r, err)
			return
		}
		item.ImageData = uri
	}
	if err := item.Validate(); err != nil {
		writeError(w, r, err)
		return
	}

	itemID, err := h.items.Create(r.Context(), item)
	if err != nil {
		writeError(w, r, err)
		return
	}
	logrus.WithFields(logrus.Fields{"item_id": itemID, "owner": id.Owner()}).Info("Item created")
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]string{"id": itemID})
}

// HandleUpdate applies each field of the body as its own update.
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.owned(r, id); err != nil {
		writeError(w, r, err)
		return
	}

	var fields map[string]string
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]string{"error": "Invalid request body"})
		return
	}
	defer r.Body.Close()

	names := make([]string, 0, len(fields))
	patches := make([]core.ItemPatch, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		patch, err := core.PatchForField(name, fields[name])
		if err != nil {
			writeError(w, r, err)
			return
		}
		patches = append(patches, patch)
	}

	for _, patch := range patches {
		if err := h.items.Update(r.Context(), id, patch); err != nil {
			writeError(w, r, err)
			return
		}
	}
	render.NoContent(w, r)
}

func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.owned(r, id); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.items.Remove(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	render.NoContent(w, r)
}
