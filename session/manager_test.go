package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aaryangpatel/ExeterMarketPlace/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIdentity records every call that reaches the identity service.
type fakeIdentity struct {
	mu       sync.Mutex
	calls    []string
	accounts map[string]string
	err      error
	nameErr  error
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{accounts: map[string]string{}}
}

func (f *fakeIdentity) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeIdentity) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeIdentity) FederatedURL(state string) (string, error) {
	f.record("FederatedURL")
	return "https://idp.test/?state=" + state, f.err
}

func (f *fakeIdentity) FederatedSignIn(ctx context.Context, code string) (core.Identity, error) {
	f.record("FederatedSignIn")
	if f.err != nil {
		return core.Identity{}, f.err
	}
	return core.Identity{Subject: "g-1", Email: "g@x.edu", DisplayName: "Gee", Provider: "oidc"}, nil
}

func (f *fakeIdentity) CreateAccount(ctx context.Context, identity, secret string) (core.Identity, error) {
	f.record("CreateAccount")
	if f.err != nil {
		return core.Identity{}, f.err
	}
	if _, ok := f.accounts[identity]; ok {
		return core.Identity{}, &core.AuthError{Op: "create account", Message: "An account with this email already exists."}
	}
	f.accounts[identity] = secret
	return core.Identity{Subject: identity, Email: identity, Provider: "password"}, nil
}

func (f *fakeIdentity) PasswordSignIn(ctx context.Context, identity, secret string) (core.Identity, error) {
	f.record("PasswordSignIn")
	if f.accounts[identity] != secret || secret == "" {
		return core.Identity{}, errors.New("Incorrect email or password.")
	}
	return core.Identity{Subject: identity, Email: identity, DisplayName: "A", Provider: "password"}, nil
}

func (f *fakeIdentity) SetDisplayName(ctx context.Context, id core.Identity, name string) error {
	f.record("SetDisplayName")
	return f.nameErr
}

func (f *fakeIdentity) SignOut(ctx context.Context, id core.Identity) error {
	f.record("SignOut")
	return nil
}

func newManager() (*Manager, *fakeIdentity) {
	fake := newFakeIdentity()
	return NewManager(fake, core.NewSessionCell()), fake
}

func TestStartsAnonymous(t *testing.T) {
	m, _ := newManager()
	assert.False(t, m.Session().Authenticated())
	assert.Equal(t, "", m.Identity().Owner())
}

func TestSignUpWithCredentials(t *testing.T) {
	m, fake := newManager()

	var observed []core.Session
	cancel := m.Observe(func(s core.Session) { observed = append(observed, s) })
	defer cancel()

	id, err := m.SignUpWithCredentials(context.Background(), "A", "a@x.edu", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "A", id.DisplayName)
	assert.Equal(t, []string{"CreateAccount", "SetDisplayName"}, fake.Calls())

	s := m.Session()
	assert.True(t, s.Authenticated())
	assert.Equal(t, "a@x.edu", s.Identity)
	assert.Equal(t, "A", s.DisplayName)
	require.Len(t, observed, 1)
	assert.Equal(t, s, observed[0])
}

func TestSignUpWithCredentials_RequiresAllFields(t *testing.T) {
	inputs := [][3]string{
		{"", "a@x.edu", "secret1"},
		{"A", "", "secret1"},
		{"A", "a@x.edu", ""},
		{"   ", "a@x.edu", "secret1"},
	}
	for _, in := range inputs {
		m, fake := newManager()
		_, err := m.SignUpWithCredentials(context.Background(), in[0], in[1], in[2])
		var ve *core.ValidationError
		assert.True(t, errors.As(err, &ve), "input %v", in)
		assert.Empty(t, fake.Calls(), "no remote call for input %v", in)
		assert.False(t, m.Session().Authenticated())
	}
}

func TestSignUpWithCredentials_AccountExists(t *testing.T) {
	m, _ := newManager()
	ctx := context.Background()
	_, err := m.SignUpWithCredentials(ctx, "A", "a@x.edu", "secret1")
	require.NoError(t, err)
	m.SignOut(ctx)

	_, err = m.SignUpWithCredentials(ctx, "B", "a@x.edu", "secret2")
	var ae *core.AuthError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "An account with this email already exists.", ae.Error())
	assert.False(t, m.Session().Authenticated())
}

func TestSignUpWithCredentials_DisplayNameFailureStillSignsIn(t *testing.T) {
	m, fake := newManager()
	fake.nameErr = errors.New("profile service down")

	_, err := m.SignUpWithCredentials(context.Background(), "A", "a@x.edu", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "A", m.Session().DisplayName)
}

func TestSignInWithCredentials(t *testing.T) {
	m, fake := newManager()
	fake.accounts["a@x.edu"] = "secret1"
	ctx := context.Background()

	_, err := m.SignInWithCredentials(ctx, "a@x.edu", "wrong")
	var ae *core.AuthError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "Incorrect email or password.", ae.Error(), "provider message surfaces verbatim")
	assert.False(t, m.Session().Authenticated())

	id, err := m.SignInWithCredentials(ctx, "a@x.edu", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "a@x.edu", id.Owner())
	assert.True(t, m.Session().Authenticated())
}

func TestSignInWithCredentials_RequiresFields(t *testing.T) {
	m, fake := newManager()
	_, err := m.SignInWithCredentials(context.Background(), "", "secret")
	var ve *core.ValidationError
	assert.True(t, errors.As(err, &ve))
	assert.Empty(t, fake.Calls())
}

func TestFederatedSignIn(t *testing.T) {
	m, fake := newManager()
	ctx := context.Background()

	u, err := m.FederatedURL("st")
	require.NoError(t, err)
	assert.Contains(t, u, "state=st")

	id, err := m.SignInWithFederatedProvider(ctx, "code")
	require.NoError(t, err)
	assert.Equal(t, "g@x.edu", m.Session().Identity)
	assert.Equal(t, "Gee", m.Session().DisplayName)
	assert.Equal(t, "oidc", id.Provider)

	m.SignOut(ctx)
	fake.err = errors.New("popup closed by user")
	_, err = m.SignInWithFederatedProvider(ctx, "code")
	var ae *core.AuthError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "popup closed by user", ae.Error())
	assert.False(t, m.Session().Authenticated())
}

func TestSignOut_Idempotent(t *testing.T) {
	m, fake := newManager()
	ctx := context.Background()

	m.SignOut(ctx)
	assert.Empty(t, fake.Calls(), "anonymous sign-out reaches nothing")

	m.Restore(core.Identity{Subject: "a@x.edu", Email: "a@x.edu", DisplayName: "A"})
	assert.True(t, m.Session().Authenticated())

	m.SignOut(ctx)
	m.SignOut(ctx)
	assert.False(t, m.Session().Authenticated())
	assert.Equal(t, []string{"SignOut"}, fake.Calls())
}

func TestRestore_IgnoresEmptyIdentity(t *testing.T) {
	m, _ := newManager()
	m.Restore(core.Identity{})
	assert.False(t, m.Session().Authenticated())
}
