// Package auth issues and verifies the bearer tokens the dev server accepts.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dgnsrekt/gridsync/internal/model"
)

var ErrInvalidToken = errors.New("invalid token")

// DefaultTTL is how long issued tokens stay valid.
const DefaultTTL = 72 * time.Hour

type claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and checks HS256 tokens with a shared secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// Issue creates a signed token with "sub" = user.ID.
func (i *Issuer) Issue(user model.User) (string, error) {
	if user.ID == "" {
		return "", errors.New("user id is required")
	}
	now := time.Now()
	c := claims{
		Name: user.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
}

// Verify parses token and returns the user it was issued to.
func (i *Issuer) Verify(token string) (model.User, error) {
	if token == "" {
		return model.User{}, fmt.Errorf("%w: empty", ErrInvalidToken)
	}

	var c claims
	t, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return model.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !t.Valid || c.Subject == "" {
		return model.User{}, ErrInvalidToken
	}

	return model.User{ID: c.Subject, Name: c.Name}, nil
}

// Subject reads the user a token names without checking its signature. The
// client uses it to know who "me" is; only the server can trust it.
func Subject(token string) (model.User, error) {
	var c claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		return model.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Subject == "" {
		return model.User{}, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return model.User{ID: c.Subject, Name: c.Name}, nil
}
