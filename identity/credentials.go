package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/aaryangpatel/ExeterMarketPlace/core"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const (
	// ProviderPassword marks identities backed by a local credential account.
	ProviderPassword = "password"

	// MinSecretLength is the shortest accepted secret.
	MinSecretLength = 6

	fieldIdentity     = "identity"
	fieldPasswordHash = "passwordHash"
	fieldDisplayName  = "displayName"
	fieldProvider     = "provider"
	fieldCreatedAt    = "createdAt"
)

var (
	msgInvalidIdentity = "Enter a valid email address."
	msgWeakSecret      = fmt.Sprintf("Password should be at least %d characters.", MinSecretLength)
	msgAccountExists   = "An account with this email already exists."
	msgBadCredentials  = "Incorrect email or password."
)

// Credentials manages identity+secret accounts stored in the document store.
type Credentials struct {
	store core.DocumentStore
	cost  int
}

// NewCredentials stores accounts in the accounts collection of store.
func NewCredentials(store core.DocumentStore) *Credentials {
	return &Credentials{store: store, cost: 12}
}

// normalize lower-cases and trims an identity so lookups are case-insensitive.
func normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

func (c *Credentials) CreateAccount(ctx context.Context, identity, secret string) (core.Identity, error) {
	identity = normalize(identity)
	if _, err := mail.ParseAddress(identity); err != nil {
		return core.Identity{}, &core.AuthError{Op: "create account", Message: msgInvalidIdentity, Err: err}
	}
	if len(secret) < MinSecretLength {
		return core.Identity{}, &core.AuthError{Op: "create account", Message: msgWeakSecret}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), c.cost)
	if err != nil {
		return core.Identity{}, fmt.Errorf("failed to hash secret: %w", err)
	}

	err = c.store.InsertWithID(ctx, core.AccountsCollection, identity, core.Fields{
		fieldIdentity:     identity,
		fieldPasswordHash: string(hash),
		fieldProvider:     ProviderPassword,
		fieldCreatedAt:    core.ServerTimestamp,
	})
	if err != nil {
		if errors.Is(err, core.ErrAlreadyExists) {
			return core.Identity{}, &core.AuthError{Op: "create account", Message: msgAccountExists, Err: err}
		}
		return core.Identity{}, &core.AuthError{Op: "create account", Message: "Could not create the account. Please try again.", Err: err}
	}

	logrus.WithField("identity", identity).Info("Account created")
	return core.Identity{Subject: identity, Email: identity, Provider: ProviderPassword}, nil
}

func (c *Credentials) PasswordSignIn(ctx context.Context, identity, secret string) (core.Identity, error) {
	identity = normalize(identity)
	rec, err := c.store.Get(ctx, core.AccountsCollection, identity)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return core.Identity{}, &core.AuthError{Op: "sign in", Message: msgBadCredentials, Err: err}
		}
		return core.Identity{}, &core.AuthError{Op: "sign in", Message: "Could not sign in. Please try again.", Err: err}
	}

	hash, _ := rec.Fields[fieldPasswordHash].(string)
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		logrus.WithField("identity", identity).Debug("Password mismatch")
		return core.Identity{}, &core.AuthError{Op: "sign in", Message: msgBadCredentials, Err: err}
	}

	name, _ := rec.Fields[fieldDisplayName].(string)
	return core.Identity{Subject: identity, Email: identity, DisplayName: name, Provider: ProviderPassword}, nil
}

// SetDisplayName records the display name on a credential account. Federated
// identities keep the name their provider reports, so nothing is stored.
func (c *Credentials) SetDisplayName(ctx context.Context, id core.Identity, name string) error {
	if id.Provider != ProviderPassword {
		return nil
	}
	err := c.store.MergeUpdate(ctx, core.AccountsCollection, normalize(id.Subject), core.Fields{fieldDisplayName: name})
	if err != nil {
		return &core.AuthError{Op: "update profile", Message: "Could not save the display name.", Err: err}
	}
	return nil
}
