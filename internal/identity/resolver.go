package identity

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the token claims the resolver reads. Hosted providers put the
// account handle in "username"; locally minted tokens use the subject claim.
type Claims struct {
	Username string `json:"username"`
	TokenUse string `json:"token_use"`
	jwt.RegisteredClaims
}

// Resolver extracts the caller identity from a bearer credential.
//
// By default the resolver performs NO signature check: it decodes claims and
// trusts them. That is safe only when an upstream gateway has already
// verified the credential before it reaches this service; deployments that
// expose the service directly must configure a verify secret, which switches
// the resolver to local HS256 verification.
type Resolver struct {
	secret []byte
	now    func() time.Time
}

// ResolverOption configures Resolver behavior.
type ResolverOption func(*Resolver)

// WithVerifySecret enables local HS256 verification with the given secret.
// An empty secret leaves the resolver in unverified mode.
func WithVerifySecret(secret string) ResolverOption {
	return func(r *Resolver) {
		if s := strings.TrimSpace(secret); s != "" {
			r.secret = []byte(s)
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewResolver constructs a Resolver.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Verifying reports whether local signature verification is enabled.
func (r *Resolver) Verifying() bool { return len(r.secret) > 0 }

// Resolve extracts a Subject from the credential.
//
// Unverified mode never fails: malformed, expired, or subject-less
// credentials yield (nil, nil) so the caller can fall back to an explicit
// identifier in the request. Verified mode returns ErrInvalidToken for
// anything that does not carry a valid signature and live claims.
func (r *Resolver) Resolve(credential string) (*Subject, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, nil
	}

	claims := &Claims{}
	if r.Verifying() {
		parsed, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (any, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, ErrInvalidToken
			}
			return r.secret, nil
		}, jwt.WithTimeFunc(r.now))
		if err != nil || !parsed.Valid {
			return nil, ErrInvalidToken
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(credential, claims); err != nil {
			return nil, nil
		}
		if claims.ExpiresAt != nil && r.now().After(claims.ExpiresAt.Time) {
			return nil, nil
		}
	}

	id := strings.TrimSpace(claims.Username)
	if id == "" {
		id = strings.TrimSpace(claims.Subject)
	}
	if id == "" {
		if r.Verifying() {
			return nil, ErrInvalidToken
		}
		return nil, nil
	}
	return &Subject{ID: id, Guest: IsGuestHandle(id)}, nil
}
