package core

import "context"

// AccountsCollection holds credential accounts managed by the identity service.
const AccountsCollection = "accounts"

type (
	// Identity is a user as resolved by the identity service.
	Identity struct {
		Subject     string `json:"subject"`
		Email       string `json:"email,omitempty"`
		DisplayName string `json:"displayName"`
		Provider    string `json:"provider"`
	}

	// Session is the signed-in state of one client instance. The zero value is
	// the anonymous session.
	Session struct {
		Identity    string `json:"identity,omitempty"`
		DisplayName string `json:"displayName,omitempty"`
	}

	// IdentityService is the identity provider contract.
	IdentityService interface {
		// FederatedURL is where the user is sent to start a federated sign-in.
		FederatedURL(state string) (string, error)
		// FederatedSignIn completes a federated sign-in with the code the
		// provider returned.
		FederatedSignIn(ctx context.Context, code string) (Identity, error)
		CreateAccount(ctx context.Context, identity, secret string) (Identity, error)
		PasswordSignIn(ctx context.Context, identity, secret string) (Identity, error)
		SetDisplayName(ctx context.Context, id Identity, name string) error
		SignOut(ctx context.Context, id Identity) error
	}
)

// Owner is the stable key used for ownership checks: the account email when
// the provider shares one, the provider subject otherwise.
func (i Identity) Owner() string {
	if i.Email != "" {
		return i.Email
	}
	return i.Subject
}

// Name is the display name, falling back to the ownership key.
func (i Identity) Name() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.Owner()
}

// Anonymous is the signed-out session.
var Anonymous = Session{}

// SessionFor builds the authenticated session for an identity.
func SessionFor(id Identity) Session {
	return Session{Identity: id.Owner(), DisplayName: id.Name()}
}

// Authenticated reports whether the session belongs to a signed-in user.
func (s Session) Authenticated() bool {
	return s.Identity != ""
}
