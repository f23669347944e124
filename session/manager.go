// Package session brokers identity for one client instance and publishes the
// resulting session through an observable cell.
package session

import (
	"context"
	"strings"
	"sync"

	"github.com/aaryangpatel/ExeterMarketPlace/core"
	"github.com/sirupsen/logrus"
)

// Manager is the session manager of a single client instance.
type Manager struct {
	identity core.IdentityService
	cell     *core.Cell[core.Session]

	mu      sync.Mutex
	current core.Identity
}

// NewManager publishes session changes to cell, which starts anonymous.
func NewManager(identity core.IdentityService, cell *core.Cell[core.Session]) *Manager {
	return &Manager{identity: identity, cell: cell}
}

// Session returns the current session.
func (m *Manager) Session() core.Session {
	return m.cell.Get()
}

// Identity returns the identity behind the current session, or the zero
// Identity when anonymous.
func (m *Manager) Identity() core.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Observe calls fn after every session change.
func (m *Manager) Observe(fn func(core.Session)) (cancel func()) {
	return m.cell.Subscribe(fn)
}

func (m *Manager) establish(id core.Identity) {
	m.mu.Lock()
	m.current = id
	m.mu.Unlock()
	m.cell.Set(core.SessionFor(id))
	logrus.WithFields(logrus.Fields{"identity": id.Owner(), "provider": id.Provider}).Info("Session established")
}

// Restore re-establishes a session from a previously verified identity, such
// as the one carried by a session cookie.
func (m *Manager) Restore(id core.Identity) {
	if id.Owner() == "" {
		return
	}
	m.establish(id)
}

// FederatedURL is where the browser goes to start a federated sign-in.
func (m *Manager) FederatedURL(state string) (string, error) {
	url, err := m.identity.FederatedURL(state)
	if err != nil {
		return "", core.NewAuthError("federated sign-in", err)
	}
	return url, nil
}

// SignInWithFederatedProvider completes a federated sign-in with the code the
// provider redirected back with.
func (m *Manager) SignInWithFederatedProvider(ctx context.Context, code string) (core.Identity, error) {
	id, err := m.identity.FederatedSignIn(ctx, code)
	if err != nil {
		return core.Identity{}, core.NewAuthError("federated sign-in", err)
	}
	m.establish(id)
	return id, nil
}

// SignUpWithCredentials creates an account and names it. All three values
// are required; nothing is sent to the identity service otherwise.
func (m *Manager) SignUpWithCredentials(ctx context.Context, displayName, identity, secret string) (core.Identity, error) {
	if strings.TrimSpace(displayName) == "" || strings.TrimSpace(identity) == "" || secret == "" {
		return core.Identity{}, &core.ValidationError{Message: "Please fill in all fields."}
	}

	id, err := m.identity.CreateAccount(ctx, identity, secret)
	if err != nil {
		return core.Identity{}, core.NewAuthError("sign up", err)
	}
	// The account exists at this point, so a failed profile update still
	// leaves the user signed in under the name they typed.
	if err := m.identity.SetDisplayName(ctx, id, displayName); err != nil {
		logrus.WithField("identity", id.Owner()).WithError(err).Warn("Failed to store display name")
	}
	id.DisplayName = displayName

	m.establish(id)
	return id, nil
}

// SignInWithCredentials signs in with an existing account.
func (m *Manager) SignInWithCredentials(ctx context.Context, identity, secret string) (core.Identity, error) {
	if strings.TrimSpace(identity) == "" || secret == "" {
		return core.Identity{}, &core.ValidationError{Message: "Please enter your email and password."}
	}

	id, err := m.identity.PasswordSignIn(ctx, identity, secret)
	if err != nil {
		return core.Identity{}, core.NewAuthError("sign in", err)
	}
	m.establish(id)
	return id, nil
}

// SignOut clears the session. Signing out while anonymous does nothing.
func (m *Manager) SignOut(ctx context.Context) {
	m.mu.Lock()
	id := m.current
	m.current = core.Identity{}
	m.mu.Unlock()

	if id.Owner() == "" {
		return
	}
	if err := m.identity.SignOut(ctx, id); err != nil {
		logrus.WithField("identity", id.Owner()).WithError(err).Warn("Identity service sign-out failed")
	}
	m.cell.Set(core.Anonymous)
	logrus.WithField("identity", id.Owner()).Info("Session cleared")
}
