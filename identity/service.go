// Package identity is the identity service behind the session manager: local
// credential accounts, an optional federated provider and session tokens.
package identity

import (
	"context"
	"errors"

	"github.com/aaryangpatel/ExeterMarketPlace/core"
	"github.com/sirupsen/logrus"
)

var errFederatedDisabled = errors.New("federated sign-in is not configured")

// Service implements core.IdentityService.
type Service struct {
	*Credentials
	federated Provider
}

var _ core.IdentityService = (*Service)(nil)

// NewService combines credential accounts with an optional federated provider.
func NewService(store core.DocumentStore, federated Provider) *Service {
	return &Service{Credentials: NewCredentials(store), federated: federated}
}

func (s *Service) FederatedURL(state string) (string, error) {
	if s.federated == nil {
		return "", core.NewAuthError("federated sign-in", errFederatedDisabled)
	}
	return s.federated.AuthCodeURL(state), nil
}

func (s *Service) FederatedSignIn(ctx context.Context, code string) (core.Identity, error) {
	if s.federated == nil {
		return core.Identity{}, core.NewAuthError("federated sign-in", errFederatedDisabled)
	}
	if code == "" {
		return core.Identity{}, &core.AuthError{Op: "federated sign-in", Message: "Sign-in was cancelled."}
	}

	id, err := s.federated.Exchange(ctx, code)
	if err != nil {
		logrus.WithField("provider", s.federated.Name()).WithError(err).Error("Federated sign-in failed")
		return core.Identity{}, core.NewAuthError("federated sign-in", err)
	}
	if id.Owner() == "" {
		return core.Identity{}, &core.AuthError{Op: "federated sign-in", Message: "The provider did not return an account identity."}
	}

	logrus.WithFields(logrus.Fields{"provider": s.federated.Name(), "identity": id.Owner()}).Info("Federated sign-in succeeded")
	return id, nil
}

// SignOut ends the provider side of a session. Tokens are stateless, so the
// client dropping its cookie is all that is needed.
func (s *Service) SignOut(ctx context.Context, id core.Identity) error {
	logrus.WithField("identity", id.Owner()).Debug("Signed out")
	return nil
}
