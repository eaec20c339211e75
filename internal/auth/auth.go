// Package auth issues and validates relay access tokens. Relay-issued tokens
// are HS256 signed with a shared secret; optionally an external JWKS endpoint
// can be trusted for tokens minted elsewhere.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for tokens that fail signature or claim checks.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims are the relay token claims.
type Claims struct {
	jwt.RegisteredClaims
	// UserID identifies the account every session and update belongs to.
	UserID string `json:"uid"`
}

const (
	issuer        = "agent-relay"
	tokenLifetime = 30 * 24 * time.Hour
)

// Authenticator signs and validates tokens.
type Authenticator struct {
	secret []byte
	jwks   keyfunc.Keyfunc
}

// New creates an authenticator with the given HS256 secret. jwksURL may be
// empty; when set, RS/ES tokens from that endpoint are also accepted.
func New(secret string, jwksURL string) (*Authenticator, error) {
	if secret == "" {
		return nil, fmt.Errorf("empty signing secret")
	}
	a := &Authenticator{secret: []byte(secret)}
	if jwksURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
		if err != nil {
			return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
		}
		a.jwks = k
	}
	return a, nil
}

// Sign mints a token for userID.
func (a *Authenticator) Sign(userID string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
		},
		UserID: userID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Validate parses and verifies a token, returning its claims.
func (a *Authenticator) Validate(tokenString string) (*Claims, error) {
	claims, err := a.parseHS256(tokenString)
	if err == nil {
		return claims, nil
	}
	if a.jwks != nil {
		if claims, jwksErr := a.parseJWKS(tokenString); jwksErr == nil {
			return claims, nil
		}
	}
	return nil, err
}

func (a *Authenticator) parseHS256(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return a.checkClaims(token)
}

func (a *Authenticator) parseJWKS(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, a.jwks.Keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return a.checkClaims(token)
}

func (a *Authenticator) checkClaims(token *jwt.Token) (*Claims, error) {
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("%w: wrong claims type", ErrInvalidToken)
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}
	return claims, nil
}
