// Package views holds the page state of one marketplace client instance and
// the ownership-gated create/edit/delete workflow built on it.
package views

import (
	"context"
	"errors"
	"sync"

	"github.com/aaryangpatel/ExeterMarketPlace/core"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotOwned is returned for edits and deletes of items outside the
	// session's own items.
	ErrNotOwned = errors.New("you can only change your own posts")

	// ErrSubmitInFlight is returned when a form is submitted again before the
	// previous submission resolved.
	ErrSubmitInFlight = errors.New("a submission is already in progress")
)

type (
	// Items is the remote collection the controller reads and writes.
	Items interface {
		Subscribe(onChange func([]core.Item)) (unsubscribe func())
		Create(ctx context.Context, item core.NewItem) (string, error)
		Update(ctx context.Context, id string, patch core.ItemPatch) error
		Remove(ctx context.Context, id string) error
	}

	// Sessions brokers identity for the controller.
	Sessions interface {
		Session() core.Session
		Identity() core.Identity
		Restore(id core.Identity)
		Observe(fn func(core.Session)) (cancel func())
		FederatedURL(state string) (string, error)
		SignInWithFederatedProvider(ctx context.Context, code string) (core.Identity, error)
		SignUpWithCredentials(ctx context.Context, displayName, identity, secret string) (core.Identity, error)
		SignInWithCredentials(ctx context.Context, identity, secret string) (core.Identity, error)
		SignOut(ctx context.Context)
	}

	Options struct {
		Title         string
		MaxImageBytes int64
	}
)

type AuthMode string

const (
	ModeSignIn AuthMode = "signin"
	ModeSignUp AuthMode = "signup"
)

type (
	// AuthForm is the state of the sign-in/sign-up page.
	AuthForm struct {
		Mode        AuthMode
		DisplayName string
		Identity    string
		Secret      string
		Error       string
		Submitting  bool
	}

	// CreateForm is the state of the add-item page.
	CreateForm struct {
		Title       string
		Description string
		Price       string
		Location    string
		ContactInfo string
		ImageData   string
		ImageName   string
		Error       string
		Submitting  bool
	}

	// CreateInput is one submission of the add-item form.
	CreateInput struct {
		Title       string
		Description string
		Price       string
		Location    string
		ContactInfo string
		ImageName   string
		Image       []byte
	}

	// ListRow is one listing as shown on the home page.
	ListRow struct {
		core.Item
		Price string
	}

	// ListView is the home page.
	ListView struct {
		Rows []ListRow
	}

	// EditView is the edit-own page.
	EditView struct {
		Items  []core.Item
		Fields []string
		Error  string
	}
)

// Empty reports whether the session owns nothing, which renders "No posts to edit."
func (v EditView) Empty() bool { return len(v.Items) == 0 }

// Controller owns the pages of one client instance. All page state is read
// and written under mu; remote calls happen outside it.
type Controller struct {
	items    Items
	sessions Sessions
	snapshot *core.Cell[[]core.Item]
	opts     Options

	mu          sync.Mutex
	route       Route
	auth        AuthForm
	create      CreateForm
	editError   string
	unsubscribe func()
	started     bool
	closed      bool
}

// NewController builds a controller showing the home page.
func NewController(items Items, sessions Sessions, opts Options) *Controller {
	if opts.MaxImageBytes <= 0 {
		opts.MaxImageBytes = 1 << 20
	}
	return &Controller{
		items:    items,
		sessions: sessions,
		snapshot: core.NewSnapshotCell(),
		opts:     opts,
		route:    RouteHome,
		auth:     AuthForm{Mode: ModeSignIn},
	}
}

// Start opens the live item feed. Calling it again does nothing.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	unsubscribe := c.items.Subscribe(func(items []core.Item) {
		c.snapshot.Set(items)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		unsubscribe()
		return
	}
	c.unsubscribe = unsubscribe
}

// Close stops the item feed. It is safe to call more than once.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Snapshot is the live item snapshot.
func (c *Controller) Snapshot() *core.Cell[[]core.Item] { return c.snapshot }

// Session is the current session.
func (c *Controller) Session() core.Session { return c.sessions.Session() }

// Identity is the identity behind the current session.
func (c *Controller) Identity() core.Identity { return c.sessions.Identity() }

// Restore re-establishes a session verified elsewhere, such as from a cookie.
// It does nothing when a session is already present.
func (c *Controller) Restore(id core.Identity) {
	if c.sessions.Session().Authenticated() {
		return
	}
	c.sessions.Restore(id)
}

// ObserveSession calls fn after every session change.
func (c *Controller) ObserveSession(fn func(core.Session)) (cancel func()) {
	return c.sessions.Observe(fn)
}

// Route is the page currently shown.
func (c *Controller) Route() Route {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.route
}

// Navigate enters route if its guard allows it and returns the page actually
// shown. Entering a different page starts it with fresh form state.
func (c *Controller) Navigate(route Route) Route {
	target := guard(route, c.sessions.Session().Authenticated())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.enter(target)
	return target
}

func (c *Controller) enter(route Route) {
	if route == c.route {
		return
	}
	c.route = route
	switch route {
	case RouteAuth:
		c.auth = AuthForm{Mode: c.auth.Mode}
	case RouteAddItem:
		c.create = CreateForm{}
	case RouteEditItems:
		c.editError = ""
	}
}

// Nav is the navigation bar for the current session.
func (c *Controller) Nav() Nav {
	s := c.sessions.Session()
	return buildNav(c.opts.Title, c.Route(), s.Authenticated(), s.DisplayName)
}

// ListView renders the current snapshot. No session is required.
func (c *Controller) ListView() ListView {
	items := c.snapshot.Get()
	rows := make([]ListRow, 0, len(items))
	for _, item := range items {
		rows = append(rows, ListRow{Item: item, Price: item.PriceLabel()})
	}
	return ListView{Rows: rows}
}

// AuthForm returns the sign-in page state.
func (c *Controller) AuthForm() AuthForm {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth
}

// SetAuthMode switches between signing in and signing up, keeping input.
func (c *Controller) SetAuthMode(mode AuthMode) {
	if mode != ModeSignUp {
		mode = ModeSignIn
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.auth.Mode != mode {
		c.auth.Mode = mode
		c.auth.Error = ""
	}
}

// beginAuth records the submitted input and claims the submit control.
func (c *Controller) beginAuth(mode AuthMode, displayName, identity, secret string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.auth.Submitting {
		return ErrSubmitInFlight
	}
	c.route = RouteAuth
	c.auth.Mode = mode
	c.auth.DisplayName = displayName
	c.auth.Identity = identity
	c.auth.Secret = secret
	c.auth.Error = ""
	c.auth.Submitting = true
	return nil
}

func (c *Controller) finishAuth(err error) (Route, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth.Submitting = false
	if err != nil {
		c.route = RouteAuth
		c.auth.Error = core.UserMessage(err)
		return RouteAuth, err
	}
	c.auth = AuthForm{Mode: ModeSignIn}
	c.enter(RouteHome)
	return RouteHome, nil
}

// SubmitSignIn signs in with identity and secret.
func (c *Controller) SubmitSignIn(ctx context.Context, identity, secret string) (Route, error) {
	if err := c.beginAuth(ModeSignIn, "", identity, secret); err != nil {
		return RouteAuth, err
	}
	_, err := c.sessions.SignInWithCredentials(ctx, identity, secret)
	return c.finishAuth(err)
}

// SubmitSignUp creates an account named displayName.
func (c *Controller) SubmitSignUp(ctx context.Context, displayName, identity, secret string) (Route, error) {
	if err := c.beginAuth(ModeSignUp, displayName, identity, secret); err != nil {
		return RouteAuth, err
	}
	_, err := c.sessions.SignUpWithCredentials(ctx, displayName, identity, secret)
	return c.finishAuth(err)
}

// StartFederated returns where to send the browser to sign in with the
// federated provider. state is echoed back on completion.
func (c *Controller) StartFederated(state string) (string, error) {
	url, err := c.sessions.FederatedURL(state)
	if err != nil {
		c.mu.Lock()
		c.route = RouteAuth
		c.auth.Error = core.UserMessage(err)
		c.mu.Unlock()
		return "", err
	}
	return url, nil
}

// CompleteFederated finishes a federated sign-in. An empty code means the
// user cancelled at the provider.
func (c *Controller) CompleteFederated(ctx context.Context, code string) (Route, error) {
	c.mu.Lock()
	if c.auth.Submitting {
		c.mu.Unlock()
		return RouteAuth, ErrSubmitInFlight
	}
	c.auth.Submitting = true
	c.mu.Unlock()

	_, err := c.sessions.SignInWithFederatedProvider(ctx, code)
	return c.finishAuth(err)
}

// SignOut ends the session and shows the home page.
func (c *Controller) SignOut(ctx context.Context) Route {
	c.sessions.SignOut(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.enter(RouteHome)
	return RouteHome
}

// CreateForm returns the add-item page state.
func (c *Controller) CreateForm() CreateForm {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.create
}

// AttachImage encodes an image for the add-item form. Oversized or
// unsupported files are rejected and leave any earlier image in place.
func (c *Controller) AttachImage(name string, data []byte) error {
	uri, err := EncodeImage(data, c.opts.MaxImageBytes)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.create.Error = core.UserMessage(err)
		return err
	}
	c.create.ImageData = uri
	c.create.ImageName = name
	c.create.Error = ""
	return nil
}

// SubmitCreate adds a listing owned by the current session.
func (c *Controller) SubmitCreate(ctx context.Context, in CreateInput) (Route, error) {
	session := c.sessions.Session()
	if guard(RouteAddItem, session.Authenticated()) != RouteAddItem {
		c.mu.Lock()
		c.enter(RouteHome)
		c.mu.Unlock()
		return RouteHome, nil
	}

	if len(in.Image) > 0 {
		if err := c.AttachImage(in.ImageName, in.Image); err != nil {
			c.keepCreateInput(in)
			return RouteAddItem, err
		}
	}

	c.mu.Lock()
	if c.create.Submitting {
		c.mu.Unlock()
		return RouteAddItem, ErrSubmitInFlight
	}
	c.route = RouteAddItem
	c.setCreateInput(in)
	item := core.NewItem{
		Title:         in.Title,
		Description:   in.Description,
		Price:         in.Price,
		Location:      in.Location,
		ContactInfo:   in.ContactInfo,
		ImageData:     c.create.ImageData,
		Owner:         session.DisplayName,
		OwnerIdentity: session.Identity,
	}
	if err := item.Validate(); err != nil {
		c.create.Error = core.UserMessage(err)
		c.mu.Unlock()
		return RouteAddItem, err
	}
	c.create.Error = ""
	c.create.Submitting = true
	c.mu.Unlock()

	id, err := c.items.Create(ctx, item)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.create.Submitting = false
	if err != nil {
		logrus.WithField("owner", session.Identity).WithError(err).Warn("Create item failed")
		c.create.Error = core.UserMessage(err)
		return RouteAddItem, err
	}
	logrus.WithFields(logrus.Fields{"item_id": id, "owner": session.Identity}).Debug("Create item succeeded")
	c.create = CreateForm{}
	c.enter(RouteHome)
	return RouteHome, nil
}

func (c *Controller) keepCreateInput(in CreateInput) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.route = RouteAddItem
	c.setCreateInput(in)
}

func (c *Controller) setCreateInput(in CreateInput) {
	c.create.Title = in.Title
	c.create.Description = in.Description
	c.create.Price = in.Price
	c.create.Location = in.Location
	c.create.ContactInfo = in.ContactInfo
}

// EditView lists the session's own items from the current snapshot. It is
// recomputed on every call, so it follows the live feed.
func (c *Controller) EditView() EditView {
	c.mu.Lock()
	msg := c.editError
	c.mu.Unlock()

	return EditView{
		Items:  c.owned(c.sessions.Session()),
		Fields: core.EditableFields,
		Error:  msg,
	}
}

func (c *Controller) owned(s core.Session) []core.Item {
	if !s.Authenticated() {
		return nil
	}
	var out []core.Item
	for _, item := range c.snapshot.Get() {
		if item.OwnedBy(s.Identity) {
			out = append(out, item)
		}
	}
	return out
}

// checkOwned verifies id is among the session's own items in the current snapshot.
func (c *Controller) checkOwned(id string) error {
	for _, item := range c.owned(c.sessions.Session()) {
		if item.ID == id {
			return nil
		}
	}
	return ErrNotOwned
}

func (c *Controller) setEditError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		c.editError = ""
		return
	}
	if errors.Is(err, ErrNotOwned) {
		c.editError = "That post is not yours to change."
		return
	}
	c.editError = core.UserMessage(err)
}

// CommitField saves one field of one of the session's items with a single
// update carrying only that field.
func (c *Controller) CommitField(ctx context.Context, id, field, value string) error {
	if err := c.checkOwned(id); err != nil {
		c.setEditError(err)
		return err
	}
	patch, err := core.PatchForField(field, value)
	if err != nil {
		c.setEditError(err)
		return err
	}

	err = c.items.Update(ctx, id, patch)
	if err != nil {
		logrus.WithFields(logrus.Fields{"item_id": id, "field": field}).WithError(err).Warn("Update item failed")
	}
	c.setEditError(err)
	return err
}

// Delete removes one of the session's items. The item disappears when the
// next snapshot arrives.
func (c *Controller) Delete(ctx context.Context, id string) error {
	if err := c.checkOwned(id); err != nil {
		c.setEditError(err)
		return err
	}

	err := c.items.Remove(ctx, id)
	if err != nil {
		logrus.WithField("item_id", id).WithError(err).Warn("Delete item failed")
	}
	c.setEditError(err)
	return err
}
