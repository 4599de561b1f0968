// Package auth identifies callers of the facilitator: bearer JWTs for
// clients, and a static API key for the admin surface.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken signals a malformed, expired or badly signed token.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrInvalidAPIKey signals an API key that does not match.
	ErrInvalidAPIKey = errors.New("auth: invalid api key")
)

// Role is a caller's authorization level.
type Role string

const (
	RoleClient Role = "client"
	RoleAdmin  Role = "admin"
)

// APIKeyHeader carries the admin API key.
const APIKeyHeader = "X-API-Key"

// Identity is an authenticated caller.
type Identity struct {
	Subject string
	Role    Role
}

type identityCtxKey struct{}

// NewContext returns a copy of ctx carrying id.
func NewContext(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, id)
}

// IdentityFromContext returns the identity carried by ctx.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(Identity)
	return id, ok
}

// Claims are the JWT claims the facilitator issues and accepts.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies caller credentials.
type Authenticator struct {
	jwtSecret   []byte
	adminAPIKey []byte
	now         func() time.Time
}

// NewAuthenticator creates an authenticator. Either credential may be empty,
// which disables that method.
func NewAuthenticator(jwtSecret, adminAPIKey string) *Authenticator {
	return &Authenticator{
		jwtSecret:   []byte(jwtSecret),
		adminAPIKey: []byte(adminAPIKey),
		now:         time.Now,
	}
}

// IssueToken creates a signed token for subject.
func (a *Authenticator) IssueToken(subject string, role Role, ttl time.Duration) (string, error) {
	if len(a.jwtSecret) == 0 {
		return "", fmt.Errorf("auth: no jwt secret configured")
	}
	now := a.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
}

// VerifyToken validates a token and returns its identity.
func (a *Authenticator) VerifyToken(tokenString string) (Identity, error) {
	if len(a.jwtSecret) == 0 {
		return Identity{}, ErrInvalidToken
	}
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	}, jwt.WithTimeFunc(a.now), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	role := claims.Role
	if role == "" {
		role = RoleClient
	}
	if role != RoleClient && role != RoleAdmin {
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, role)
	}
	return Identity{Subject: claims.Subject, Role: role}, nil
}

// Authenticate reads credentials from a request. ok is false when the request
// carries none; err is set when it carries invalid ones.
func (a *Authenticator) Authenticate(r *http.Request) (id Identity, ok bool, err error) {
	if key := r.Header.Get(APIKeyHeader); key != "" {
		if len(a.adminAPIKey) == 0 || subtle.ConstantTimeCompare([]byte(key), a.adminAPIKey) != 1 {
			return Identity{}, false, ErrInvalidAPIKey
		}
		return Identity{Subject: "admin-key", Role: RoleAdmin}, true, nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return Identity{}, false, nil
	}
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return Identity{}, false, ErrInvalidToken
	}
	id, err = a.VerifyToken(strings.TrimSpace(token))
	if err != nil {
		return Identity{}, false, err
	}
	return id, true, nil
}
