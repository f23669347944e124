package identity

import (
	"fmt"
	"time"

	"github.com/aaryangpatel/ExeterMarketPlace/core"
	"github.com/golang-jwt/jwt/v5"
)

// Claims represents the custom claims of a session token.
type Claims struct {
	jwt.RegisteredClaims
	Email    string `json:"email,omitempty"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// Identity rebuilds the identity a token was issued for.
func (c *Claims) Identity() core.Identity {
	return core.Identity{
		Subject:     c.Subject,
		Email:       c.Email,
		DisplayName: c.Name,
		Provider:    c.Provider,
	}
}

// Tokens issues and verifies HS256 session tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret []byte, ttl time.Duration) *Tokens {
	return &Tokens{secret: secret, ttl: ttl, now: time.Now}
}

// TTL is how long an issued token stays valid.
func (t *Tokens) TTL() time.Duration { return t.ttl }

func (t *Tokens) Issue(id core.Identity) (string, error) {
	now := t.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Email:    id.Email,
		Name:     id.DisplayName,
		Provider: id.Provider,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

func (t *Tokens) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}
