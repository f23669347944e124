package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ItemsCollection is the name of the collection that holds marketplace listings.
const ItemsCollection = "items"

// Item field names as they are stored in the document store.
const (
	FieldTitle         = "title"
	FieldDescription   = "description"
	FieldPrice         = "price"
	FieldLocation      = "location"
	FieldContactInfo   = "contactInfo"
	FieldImageData     = "imageData"
	FieldOwner         = "owner"
	FieldOwnerIdentity = "ownerIdentity"
	FieldCreatedAt     = "createdAt"

	// Written by the first revision of the browser app.
	legacyFieldOwnerEmail = "ownerEmail"
	legacyFieldTimestamp  = "timestamp"
)

type (
	// Item is a marketplace listing.
	Item struct {
		ID            string    `json:"id"`
		Title         string    `json:"title"`
		Description   string    `json:"description"`
		Price         string    `json:"price,omitempty"`
		Location      string    `json:"location,omitempty"`
		ContactInfo   string    `json:"contactInfo,omitempty"`
		ImageData     string    `json:"imageData,omitempty"` // data URI
		Owner         string    `json:"owner"`
		OwnerIdentity string    `json:"ownerIdentity"`
		CreatedAt     time.Time `json:"createdAt"`
	}

	// NewItem carries every Item field except the ones assigned by the store.
	NewItem struct {
		Title         string
		Description   string
		Price         string
		Location      string
		ContactInfo   string
		ImageData     string
		Owner         string
		OwnerIdentity string
	}

	// ItemPatch is a partial update. Nil fields are left untouched.
	// Ownership and creation time are deliberately absent.
	ItemPatch struct {
		Title       *string
		Description *string
		Price       *string
		Location    *string
		ContactInfo *string
		ImageData   *string
	}
)

// EditableFields lists the fields that may be committed from the edit view.
var EditableFields = []string{
	FieldTitle,
	FieldDescription,
	FieldPrice,
	FieldLocation,
	FieldContactInfo,
}

// PriceLabel is the price as shown to users; an empty price reads "Free".
func (i Item) PriceLabel() string {
	if strings.TrimSpace(i.Price) == "" {
		return "Free"
	}
	return i.Price
}

// OwnedBy reports whether the item belongs to the given ownership identity.
func (i Item) OwnedBy(identity string) bool {
	return identity != "" && i.OwnerIdentity == identity
}

// Validate checks the fields required on creation.
func (n NewItem) Validate() error {
	if strings.TrimSpace(n.Title) == "" {
		return &ValidationError{Field: FieldTitle, Message: "Title is required."}
	}
	if strings.TrimSpace(n.Description) == "" {
		return &ValidationError{Field: FieldDescription, Message: "Description is required."}
	}
	if n.OwnerIdentity == "" {
		return &ValidationError{Field: FieldOwnerIdentity, Message: "You must be signed in to add an item."}
	}
	return nil
}

// Fields converts the new item into a store document, stamping createdAt
// with the store's clock.
func (n NewItem) Fields() Fields {
	return Fields{
		FieldTitle:         n.Title,
		FieldDescription:   n.Description,
		FieldPrice:         n.Price,
		FieldLocation:      n.Location,
		FieldContactInfo:   n.ContactInfo,
		FieldImageData:     n.ImageData,
		FieldOwner:         n.Owner,
		FieldOwnerIdentity: n.OwnerIdentity,
		FieldCreatedAt:     ServerTimestamp,
	}
}

// PatchForField builds a single-field patch. Only EditableFields are accepted,
// and title and description may not be blanked.
func PatchForField(field, value string) (ItemPatch, error) {
	var p ItemPatch
	switch field {
	case FieldTitle:
		if strings.TrimSpace(value) == "" {
			return p, &ValidationError{Field: field, Message: "Title is required."}
		}
		p.Title = &value
	case FieldDescription:
		if strings.TrimSpace(value) == "" {
			return p, &ValidationError{Field: field, Message: "Description is required."}
		}
		p.Description = &value
	case FieldPrice:
		p.Price = &value
	case FieldLocation:
		p.Location = &value
	case FieldContactInfo:
		p.ContactInfo = &value
	default:
		return p, &ValidationError{Field: field, Message: fmt.Sprintf("Field %q cannot be edited.", field)}
	}
	return p, nil
}

// Empty reports whether the patch changes nothing.
func (p ItemPatch) Empty() bool {
	return len(p.Fields()) == 0
}

// Fields returns only the fields set on the patch.
func (p ItemPatch) Fields() Fields {
	f := Fields{}
	set := func(name string, v *string) {
		if v != nil {
			f[name] = *v
		}
	}
	set(FieldTitle, p.Title)
	set(FieldDescription, p.Description)
	set(FieldPrice, p.Price)
	set(FieldLocation, p.Location)
	set(FieldContactInfo, p.ContactInfo)
	set(FieldImageData, p.ImageData)
	return f
}

// DecodeItem converts a stored record into an Item. Values go through JSON so
// that every backend (native maps, JSON blobs, CBOR) decodes the same way.
func DecodeItem(rec Record) (Item, error) {
	fields := Fields{}
	for k, v := range rec.Fields {
		fields[k] = v
	}
	if _, ok := fields[FieldOwnerIdentity]; !ok {
		if v, ok := fields[legacyFieldOwnerEmail]; ok {
			fields[FieldOwnerIdentity] = v
		}
	}
	if _, ok := fields[FieldCreatedAt]; !ok {
		if v, ok := fields[legacyFieldTimestamp]; ok {
			fields[FieldCreatedAt] = v
		}
	}
	delete(fields, legacyFieldOwnerEmail)
	delete(fields, legacyFieldTimestamp)
	delete(fields, "id")

	raw, err := json.Marshal(fields)
	if err != nil {
		return Item{}, fmt.Errorf("encode record %s: %w", rec.ID, err)
	}

	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return Item{}, fmt.Errorf("decode record %s: %w", rec.ID, err)
	}
	item.ID = rec.ID
	return item, nil
}
