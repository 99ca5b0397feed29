// Package auth verifies the bearer credential a client presents when it
// opens a chat connection.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthFailure is the only error Authenticate returns. Missing, malformed,
// expired and badly signed tokens are indistinguishable to the caller.
var ErrAuthFailure = errors.New("auth: authentication failed")

// DefaultTTL is the lifetime of tokens minted by Issue.
const DefaultTTL = 3 * time.Hour

// Claims is the token body. UserID carries the verified identity.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 bearer tokens against a shared secret.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithIssuer requires tokens to carry iss == issuer and stamps it on issued tokens.
func WithIssuer(issuer string) Option {
	return func(a *Authenticator) {
		a.issuer = issuer
	}
}

// WithTTL sets the lifetime of tokens minted by Issue.
func WithTTL(ttl time.Duration) Option {
	return func(a *Authenticator) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

// WithClock overrides the time source used for issuing and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		a.now = now
	}
}

// NewAuthenticator creates an Authenticator for the given secret.
func NewAuthenticator(secret string, opts ...Option) *Authenticator {
	a := &Authenticator{
		secret: []byte(secret),
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate verifies credential and returns the identity embedded in it.
// An empty credential fails without parsing.
func (a *Authenticator) Authenticate(credential string) (string, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" || len(a.secret) == 0 {
		return "", ErrAuthFailure
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	_, err := jwt.NewParser(parserOpts...).ParseWithClaims(credential, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return "", ErrAuthFailure
	}

	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		return "", ErrAuthFailure
	}
	return userID, nil
}

// Issue mints a signed token for userID. Account management owns real
// logins; this exists for local tooling and tests.
func (a *Authenticator) Issue(userID string) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("auth: secret not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("auth: user id is required")
	}
	now := a.now().UTC()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// TokenFromRequest extracts the bearer credential from the handshake. The
// Authorization header may hold "Bearer <token>" or the raw token; browser
// clients that cannot set headers may pass access_token in the query.
func TokenFromRequest(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if len(header) > len("bearer ") && strings.EqualFold(header[:len("bearer ")], "bearer ") {
			return strings.TrimSpace(header[len("bearer "):])
		}
		return header
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
