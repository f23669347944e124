package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/aaryangpatel/ExeterMarketPlace/config"
	"github.com/aaryangpatel/ExeterMarketPlace/core"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

// Provider is a federated identity provider reached through an OAuth2
// authorization code flow.
type Provider interface {
	Name() string
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (core.Identity, error)
}

// NewProvider picks the federated provider from cfg: OIDC first, then
// GitHub. It returns nil when neither is configured.
func NewProvider(ctx context.Context, cfg config.Auth) (Provider, error) {
	switch {
	case cfg.OIDCEnabled():
		logrus.Info("Initializing OIDC authentication provider.")
		return NewOIDCProvider(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID, cfg.OIDCClientSecret, cfg.OIDCRedirectURL)
	case cfg.GitHubEnabled():
		logrus.Info("Initializing GitHub authentication provider.")
		return NewGitHubProvider(cfg.GitHubClientID, cfg.GitHubClientSecret, cfg.GitHubRedirectURL), nil
	default:
		logrus.Warn("No federated authentication provider configured.")
		return nil, nil
	}
}

type oidcProvider struct {
	config   *oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// OIDCClaims represents the claims from OIDC token
type OIDCClaims struct {
	Email             string `json:"email"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	Sub               string `json:"sub"`
}

// NewOIDCProvider discovers the issuer and prepares the code flow.
func NewOIDCProvider(ctx context.Context, issuerURL, clientID, clientSecret, redirectURL string) (*oidcProvider, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	logrus.Info("OIDC provider initialized")
	return &oidcProvider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
			Endpoint:     provider.Endpoint(),
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
	}, nil
}

func (p *oidcProvider) Name() string { return "oidc" }

func (p *oidcProvider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

func (p *oidcProvider) Exchange(ctx context.Context, code string) (core.Identity, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return core.Identity{}, fmt.Errorf("failed to exchange token: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return core.Identity{}, fmt.Errorf("no id_token in token response")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return core.Identity{}, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims OIDCClaims
	if err := idToken.Claims(&claims); err != nil {
		return core.Identity{}, fmt.Errorf("failed to extract claims from ID token: %w", err)
	}

	name := claims.Name
	if name == "" {
		name = claims.PreferredUsername
	}
	return core.Identity{
		Subject:     claims.Sub,
		Email:       normalize(claims.Email),
		DisplayName: name,
		Provider:    p.Name(),
	}, nil
}

type githubProvider struct {
	config  *oauth2.Config
	userURL string
}

// NewGitHubProvider signs users in with their GitHub account.
func NewGitHubProvider(clientID, clientSecret, redirectURL string) *githubProvider {
	return &githubProvider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     github.Endpoint,
		},
		userURL: "https://api.github.com/user",
	}
}

func (p *githubProvider) Name() string { return "github" }

func (p *githubProvider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state)
}

func (p *githubProvider) Exchange(ctx context.Context, code string) (core.Identity, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return core.Identity{}, fmt.Errorf("failed to exchange token: %w", err)
	}

	client := p.config.Client(ctx, token)
	resp, err := client.Get(p.userURL)
	if err != nil {
		return core.Identity{}, fmt.Errorf("failed to get user from github: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return core.Identity{}, fmt.Errorf("github user lookup returned %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.Identity{}, fmt.Errorf("failed to read github response body: %w", err)
	}

	var githubUser struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &githubUser); err != nil {
		return core.Identity{}, fmt.Errorf("failed to unmarshal github user: %w", err)
	}

	name := githubUser.Name
	if name == "" {
		name = githubUser.Login
	}
	return core.Identity{
		Subject:     fmt.Sprintf("github:%d", githubUser.ID),
		Email:       normalize(githubUser.Email),
		DisplayName: name,
		Provider:    p.Name(),
	}, nil
}
