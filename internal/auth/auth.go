// Package auth binds an authenticated principal from a JWT bearer token.
// The Execution Governor consumes the resulting Principal for its
// authorization check; this package is the only place token parsing
// happens, so the core never sees raw credentials.
package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iHelio/cpg-project-sub000/internal/ports"
)

var (
	// ErrMissingToken is returned when no token is provided.
	ErrMissingToken = errors.New("missing authentication token")
	// ErrInvalidToken is returned when the token fails validation.
	ErrInvalidToken = errors.New("invalid authentication token")
)

// Claims is the JWT claim set the orchestrator understands: a subject plus
// the flat permission strings checked by the Execution Governor
// ("execute:<actionType>" and "action:<handlerRef>").
type Claims struct {
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HMAC-signed tokens with a shared secret.
type JWTAuthenticator struct {
	secretKey []byte
}

func NewJWTAuthenticator(secretKey string) *JWTAuthenticator {
	return &JWTAuthenticator{secretKey: []byte(secretKey)}
}

// PrincipalFromToken parses and validates tokenString and returns the bound
// Principal. Expired or malformed tokens return ErrInvalidToken.
func (a *JWTAuthenticator) PrincipalFromToken(tokenString string) (ports.Principal, error) {
	if tokenString == "" {
		return ports.Principal{}, ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secretKey, nil
	})
	if err != nil || !token.Valid {
		return ports.Principal{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return ports.Principal{}, ErrInvalidToken
	}

	perms := make(map[string]bool, len(claims.Permissions))
	for _, p := range claims.Permissions {
		perms[p] = true
	}
	return ports.Principal{Subject: claims.Subject, Permissions: perms}, nil
}

// IssueToken signs a token for subject with the given permissions. Used by
// tests and local tooling; production tokens come from the identity service.
func (a *JWTAuthenticator) IssueToken(subject string, permissions []string) (string, error) {
	claims := Claims{
		Permissions:      permissions,
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secretKey)
}
