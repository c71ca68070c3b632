// Package identity resolves the caller of a request to a user id and
// subscription tier. Credential issuance is handled elsewhere; this package
// only verifies what the client presents.
//
// The tier is always read from the users table, never from the credential,
// so a billing-driven tier change applies to the caller's next request.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"github.com/tbourn/go-chatroom-backend/internal/domain"
	"github.com/tbourn/go-chatroom-backend/internal/repo"
)

// ErrUnauthenticated is returned for any missing, malformed, expired or
// unverifiable credential.
var ErrUnauthenticated = errors.New("unauthenticated")

// maxSubjectLen matches the width of users.id.
const maxSubjectLen = 64

// Caller is an authenticated user.
type Caller struct {
	UserID string
	Tier   domain.Tier
}

// Provider resolves a raw credential to a Caller.
type Provider interface {
	ResolveCaller(ctx context.Context, credential string) (Caller, error)
}

// JWTProvider verifies HS256 bearer tokens. The token subject is the user id.
// A valid subject seen for the first time gets a Basic user row.
type JWTProvider struct {
	DB     *gorm.DB
	secret []byte

	// Issuer, when set, must match the token's iss claim.
	Issuer string
	// Leeway tolerates clock skew on exp/nbf/iat.
	Leeway time.Duration
}

var _ Provider = (*JWTProvider)(nil)

// NewJWTProvider returns a provider verifying tokens signed with secret.
func NewJWTProvider(db *gorm.DB, secret string) *JWTProvider {
	return &JWTProvider{DB: db, secret: []byte(secret), Leeway: 30 * time.Second}
}

// ResolveCaller implements Provider.
func (p *JWTProvider) ResolveCaller(ctx context.Context, token string) (Caller, error) {
	token = strings.TrimSpace(token)
	if token == "" || len(p.secret) == 0 {
		return Caller{}, ErrUnauthenticated
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(p.Leeway),
	}
	if p.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.Issuer))
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return Caller{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	return resolveUser(ctx, p.DB, claims.Subject)
}

// HeaderProvider trusts the credential as the user id. It exists for local
// development and tests, where a gateway or the developer supplies
// X-User-ID directly; never expose it publicly.
type HeaderProvider struct {
	DB *gorm.DB
}

var _ Provider = HeaderProvider{}

// ResolveCaller implements Provider.
func (p HeaderProvider) ResolveCaller(ctx context.Context, userID string) (Caller, error) {
	return resolveUser(ctx, p.DB, strings.TrimSpace(userID))
}

func resolveUser(ctx context.Context, db *gorm.DB, userID string) (Caller, error) {
	if userID == "" || len(userID) > maxSubjectLen {
		return Caller{}, ErrUnauthenticated
	}
	u, err := repo.EnsureUser(ctx, db, userID)
	if err != nil {
		return Caller{}, fmt.Errorf("resolve user: %w", err)
	}
	return Caller{UserID: u.ID, Tier: u.SubscriptionTier}, nil
}

type callerKey struct{}

// WithCaller stores c in ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// FromContext returns the Caller stored by WithCaller.
func FromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}
