// Package auth reads the agent's content-API login token. The backend
// holds the signing secret, so claims are decoded without verification;
// they are used only to bind the session to a subject and to refuse to
// start a flow on an expired login.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the content-API token payload the agent cares about.
type Claims struct {
	SubjectID int `json:"id"`
	jwt.RegisteredClaims
}

// ErrExpired is returned for a token past its expiry.
var ErrExpired = errors.New("auth: token expired")

// ParseToken decodes the token claims without signature verification.
func ParseToken(tokenStr string) (Claims, error) {
	var claims Claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenStr, &claims); err != nil {
		return Claims{}, err
	}
	if claims.SubjectID == 0 {
		return Claims{}, errors.New("auth: token carries no subject id")
	}
	return claims, nil
}

// CheckFresh rejects tokens that have expired. Tokens without an expiry
// claim pass.
func (c Claims) CheckFresh(now time.Time) error {
	if c.ExpiresAt != nil && now.After(c.ExpiresAt.Time) {
		return ErrExpired
	}
	return nil
}
